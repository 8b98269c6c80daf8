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

package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Message is a read-only snapshot of one inbox message, fetched once
// per run from a remote mail service.
type Message struct {
	// The opaque, stable identifier assigned by the remote service.
	// For IMAP this is the UID rendered in decimal.
	ID string

	// The sender as displayed to the user, case preserved.  Usually
	// "Display Name <addr@example.com>", or the bare address when
	// the service reports no distinct display name.
	Sender string

	// The subject line, case preserved.
	Subject string

	// When the message was received.  May be zero if the service
	// did not report it.
	Received time.Time
}

// NoSubject is used when a service reports a message without a
// subject line.
const NoSubject = "(No subject)"

// FormatSender renders a sender the way the rest of the program
// displays it.
func FormatSender(name, addr string) string {
	name = strings.TrimSpace(name)
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "" && name == "":
		return "unknown"
	case addr == "":
		return name
	case name == "" || strings.EqualFold(name, addr):
		return addr
	}
	return name + " <" + addr + ">"
}

// Action is what a rule asks to be done with a matching message.
type Action int

const (
	Archive Action = iota
	Delete
	MarkRead
)

// Actions lists every action in display order.
var Actions = []Action{Archive, Delete, MarkRead}

var ErrUnknownAction = errors.New("unknown action")

func (a Action) String() string {
	switch a {
	case Archive:
		return "archive"
	case Delete:
		return "delete"
	case MarkRead:
		return "mark_read"
	}
	return "unknown"
}

// PastTense is used in summaries: "3 messages archived".
func (a Action) PastTense() string {
	switch a {
	case Archive:
		return "archived"
	case Delete:
		return "deleted"
	case MarkRead:
		return "marked as read"
	}
	return "processed"
}

// ParseAction accepts the textual forms used in rule files and on the
// command line.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "archive":
		return Archive, nil
	case "delete":
		return Delete, nil
	case "mark_read", "markread", "mark-read":
		return MarkRead, nil
	}
	return 0, errors.Wrapf(ErrUnknownAction, "%q (must be one of archive, delete, mark_read)", s)
}

// MarshalText implements encoding.TextMarshaler so actions read and
// write as strings in YAML and JSON.
func (a Action) MarshalText() ([]byte, error) {
	switch a {
	case Archive, Delete, MarkRead:
		return []byte(a.String()), nil
	}
	return nil, errors.Wrapf(ErrUnknownAction, "action %d", int(a))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	v, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
