// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package batch

import (
	"context"
	"strings"
	"time"

	"github.com/matta/mailsweep/internal/message"

	"github.com/pkg/errors"
)

// Status is the state of one Item.  Every item starts Pending and
// ends in exactly one of the other states.
type Status int

const (
	Pending Status = iota
	Succeeded
	Failed
	Skipped
)

var statusNames = []string{"pending", "succeeded", "failed", "skipped"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool { return s != Pending }

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if strings.EqualFold(string(text), name) {
			*s = Status(i)
			return nil
		}
	}
	return errors.Errorf("unknown status %q", text)
}

// Item is one planned action and its progress.
type Item struct {
	MessageID string         `json:"message_id"`
	Action    message.Action `json:"action"`
	RuleName  string         `json:"rule,omitempty"`
	// Attempts counts how many times the item was submitted.
	Attempts int    `json:"attempts"`
	Status   Status `json:"status"`
	// Code is the last status code the transport reported, if any.
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Request is what a Transport sees of an Item.
type Request struct {
	MessageID string
	Action    message.Action
}

// Outcome classifies the result of one request.
type Outcome int

const (
	Success Outcome = iota
	TransientFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TransientFailure:
		return "transient failure"
	case PermanentFailure:
		return "permanent failure"
	}
	return "unknown outcome"
}

// Result is the per-request answer of a Transport.  Results may come
// back in any order; MessageID ties each to its request.
type Result struct {
	MessageID string
	Outcome   Outcome
	Code      int
	Reason    string
	// RetryAfter is how long the service asked us to wait before a
	// transient failure is retried.  Zero means no hint.
	RetryAfter time.Duration
}

// Transport applies a group of requests to the remote mailbox as one
// logical call.
//
// A non-nil error means no per-request results are available; the
// executor treats it as a transient failure of every request unless
// it was wrapped with Permanent.
type Transport interface {
	Submit(ctx context.Context, reqs []Request) ([]Result, error)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Cause() error  { return e.err }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a whole-submit error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
