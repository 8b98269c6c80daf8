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
	"sort"
	"time"

	"github.com/matta/mailsweep/internal/message"
	"github.com/matta/mailsweep/internal/plan"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

// Source delivers the selected mailbox newest first.
type Source struct {
	s        *Session
	pageSize int
	uids     []imapv2.UID
	searched bool
}

func (s *Session) Inbox(pageSize int) *Source {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Source{s: s, pageSize: pageSize}
}

func (src *Source) NextPage(ctx context.Context) ([]message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src.s.mu.Lock()
	defer src.s.mu.Unlock()

	if !src.searched {
		data, err := src.s.client.UIDSearch(&imapv2.SearchCriteria{}, nil).Wait()
		if err != nil {
			return nil, src.wrap(errors.Wrap(err, "searching mailbox"))
		}
		src.uids = newestFirst(data.AllUIDs())
		src.searched = true
		src.s.log.Debug("searched mailbox", "messages", len(src.uids))
	}
	if len(src.uids) == 0 {
		return nil, iterator.Done
	}
	n := src.pageSize
	if n > len(src.uids) {
		n = len(src.uids)
	}
	page := src.uids[:n]

	bufs, err := src.s.client.Fetch(imapv2.UIDSetNum(page...), &imapv2.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
	}).Collect()
	if err != nil {
		return nil, src.wrap(errors.Wrap(err, "fetching envelopes"))
	}
	src.uids = src.uids[n:]

	byUID := make(map[imapv2.UID]message.Message, len(bufs))
	for _, b := range bufs {
		byUID[b.UID] = toMessage(b.UID, b.Envelope, b.InternalDate)
	}
	msgs := make([]message.Message, 0, len(page))
	for _, uid := range page {
		// Expunged since the search.
		if m, ok := byUID[uid]; ok {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

func (src *Source) wrap(err error) error {
	if isTransient(err) {
		return plan.Transient(err)
	}
	return err
}

func newestFirst(uids []imapv2.UID) []imapv2.UID {
	out := append([]imapv2.UID(nil), uids...)
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

func toMessage(uid imapv2.UID, env *imapv2.Envelope, received time.Time) message.Message {
	m := message.Message{
		ID:       formatUID(uid),
		Subject:  message.NoSubject,
		Sender:   message.FormatSender("", ""),
		Received: received,
	}
	if env == nil {
		return m
	}
	if env.Subject != "" {
		m.Subject = env.Subject
	}
	if len(env.From) > 0 {
		m.Sender = message.FormatSender(env.From[0].Name, env.From[0].Addr())
	}
	if m.Received.IsZero() {
		m.Received = env.Date
	}
	return m
}
