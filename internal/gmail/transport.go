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

package gmail

import (
	"context"
	"net/http"

	"github.com/matta/mailsweep/internal/batch"
	"github.com/matta/mailsweep/internal/message"

	"github.com/pkg/errors"
	gmail_api "google.golang.org/api/gmail/v1"
	"golang.org/x/sync/errgroup"
)

// callsInFlight bounds concurrent API calls within one Submit.
const callsInFlight = 10

// Transport applies actions with one API call per request.  The Go
// client has no per-item batch endpoint, so a batch is a group of
// concurrent calls whose results are gathered before Submit returns.
type Transport struct {
	s *Service
}

func (s *Service) Transport() *Transport {
	return &Transport{s: s}
}

func (t *Transport) MaxBatchSize() int { return MaxBatchSize }

func (t *Transport) Submit(ctx context.Context, reqs []batch.Request) ([]batch.Result, error) {
	results := make([]batch.Result, len(reqs))
	var g errgroup.Group
	g.SetLimit(callsInFlight)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = classify(req.MessageID, t.apply(ctx, req))
			return nil
		})
	}
	g.Wait()
	return results, nil
}

func (t *Transport) apply(ctx context.Context, req batch.Request) error {
	msgs := t.s.service.Users.Messages
	switch req.Action {
	case message.Archive:
		return t.modify(ctx, req.MessageID, "INBOX")
	case message.MarkRead:
		return t.modify(ctx, req.MessageID, "UNREAD")
	case message.Delete:
		if err := t.s.limiter.WaitN(ctx, quotaUnitsPerTrash); err != nil {
			return err
		}
		_, err := msgs.Trash("me", req.MessageID).Context(ctx).Do()
		return errors.Wrapf(err, "trashing message %v", req.MessageID)
	}
	return errors.Wrapf(message.ErrUnknownAction, "%v", req.Action)
}

func (t *Transport) modify(ctx context.Context, id, removeLabel string) error {
	if err := t.s.limiter.WaitN(ctx, quotaUnitsPerModify); err != nil {
		return err
	}
	mod := &gmail_api.ModifyMessageRequest{RemoveLabelIds: []string{removeLabel}}
	_, err := t.s.service.Users.Messages.Modify("me", id, mod).Context(ctx).Do()
	return errors.Wrapf(err, "removing label %s from message %v", removeLabel, id)
}

// classify turns the error of one call into a batch result.
func classify(id string, err error) batch.Result {
	if err == nil {
		return batch.Result{MessageID: id, Outcome: batch.Success, Code: http.StatusOK}
	}
	r := batch.Result{MessageID: id, Outcome: batch.PermanentFailure, Reason: err.Error()}
	code, gerr := apiCode(err)
	if gerr != nil {
		r.Code = code
		if gerr.Message != "" {
			r.Reason = gerr.Message
		}
	}
	if errors.Is(err, message.ErrUnknownAction) {
		return r
	}
	if isTransient(err) {
		r.Outcome = batch.TransientFailure
	}
	return r
}
