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

package imap

import (
	"context"
	"time"

	"github.com/matta/mailsweep/internal/batch"
	"github.com/matta/mailsweep/internal/message"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/pkg/errors"
)

// Transport applies each request as its own UID command.
type Transport struct {
	s *Session
}

func (s *Session) Transport() *Transport {
	return &Transport{s: s}
}

func (t *Transport) MaxBatchSize() int { return MaxBatchSize }

func (t *Transport) Submit(ctx context.Context, reqs []batch.Request) ([]batch.Result, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	results := make([]batch.Result, 0, len(reqs))
	for _, req := range reqs {
		// Commands cannot be interrupted once sent, so the deadline
		// is checked between them.
		if err := ctx.Err(); err != nil {
			results = append(results, batch.Result{
				MessageID: req.MessageID,
				Outcome:   batch.TransientFailure,
				Reason:    err.Error(),
			})
			continue
		}
		start := time.Now()
		err := t.apply(req)
		t.s.log.Debug("imap command", "message_id", req.MessageID, "action", req.Action,
			"elapsed", time.Since(start), "err", err)
		results = append(results, classify(req.MessageID, err))
	}
	return results, nil
}

func (t *Transport) apply(req batch.Request) error {
	uid, err := parseUID(req.MessageID)
	if err != nil {
		return err
	}
	set := imapv2.UIDSetNum(uid)
	c := t.s.client
	switch req.Action {
	case message.Archive:
		_, err = c.Move(set, t.s.opts.ArchiveMailbox).Wait()
		return errors.Wrapf(err, "moving %d to %s", uid, t.s.opts.ArchiveMailbox)
	case message.Delete:
		_, err = c.Move(set, t.s.opts.TrashMailbox).Wait()
		return errors.Wrapf(err, "moving %d to %s", uid, t.s.opts.TrashMailbox)
	case message.MarkRead:
		err = c.Store(set, &imapv2.StoreFlags{
			Op:     imapv2.StoreFlagsAdd,
			Silent: true,
			Flags:  []imapv2.Flag{imapv2.FlagSeen},
		}, nil).Close()
		return errors.Wrapf(err, "flagging %d as seen", uid)
	}
	return errors.Wrapf(message.ErrUnknownAction, "%v", req.Action)
}

func classify(id string, err error) batch.Result {
	if err == nil {
		return batch.Result{MessageID: id, Outcome: batch.Success}
	}
	r := batch.Result{MessageID: id, Outcome: batch.PermanentFailure, Reason: err.Error()}
	var respErr *imapv2.Error
	if errors.As(err, &respErr) {
		if respErr.Text != "" {
			r.Reason = respErr.Text
		}
		if respErr.Code != "" {
			r.Reason = "[" + string(respErr.Code) + "] " + r.Reason
		}
	}
	if errors.Is(err, message.ErrUnknownAction) || errors.Is(err, ErrInvalidID) {
		return r
	}
	if isTransient(err) {
		r.Outcome = batch.TransientFailure
	}
	return r
}
