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

	"github.com/matta/mailsweep/internal/message"
	"github.com/matta/mailsweep/internal/plan"

	"github.com/pkg/errors"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/iterator"
	"golang.org/x/sync/errgroup"
)

// metadataFetchers bounds concurrent metadata reads per page.
const metadataFetchers = 8

// Source lists the inbox newest first, one page per NextPage.
type Source struct {
	s         *Service
	pageSize  int64
	pageToken string
	done      bool
}

// Inbox returns a Source over the inbox.  pageSize is capped by the
// API at 500.
func (s *Service) Inbox(pageSize int) *Source {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Source{s: s, pageSize: int64(pageSize)}
}

func (src *Source) NextPage(ctx context.Context) ([]message.Message, error) {
	if src.done {
		return nil, iterator.Done
	}
	var resp *gmail_api.ListMessagesResponse
	err := src.s.readWithRetry(ctx, quotaUnitsPerMessagesList, func() error {
		call := src.s.service.Users.Messages.List("me").
			Context(ctx).
			Q(inboxQuery).
			MaxResults(src.pageSize)
		if src.pageToken != "" {
			call = call.PageToken(src.pageToken)
		}
		var err error
		resp, err = call.Do()
		return err
	})
	if err != nil {
		err = errors.Wrap(err, "listing gmail messages")
		if isTransient(err) {
			return nil, plan.Transient(err)
		}
		return nil, err
	}

	msgs, err := src.fetchAll(ctx, resp.Messages)
	if err != nil {
		if isTransient(err) {
			return nil, plan.Transient(err)
		}
		return nil, err
	}
	src.pageToken = resp.NextPageToken
	src.done = resp.NextPageToken == ""
	src.s.log.Debug("listed page of gmail messages", "count", len(msgs), "more", !src.done)
	return msgs, nil
}

// fetchAll reads metadata for refs concurrently and returns the
// messages in list order.  Messages that vanished in between are
// left out.
func (src *Source) fetchAll(ctx context.Context, refs []*gmail_api.Message) ([]message.Message, error) {
	got := make([]*message.Message, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(metadataFetchers)
	for i, ref := range refs {
		g.Go(func() error {
			msg, err := src.s.getMessage(gctx, ref.Id)
			if isNotFound(err) {
				src.s.log.Warn("message disappeared while listing", "id", ref.Id)
				return nil
			}
			if err != nil {
				return err
			}
			m := toMessage(msg)
			got[i] = &m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]message.Message, 0, len(got))
	for _, m := range got {
		if m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}
