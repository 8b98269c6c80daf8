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

package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/matta/mailsweep/internal/message"
	"github.com/matta/mailsweep/internal/plan"

	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

type emailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type graphMessage struct {
	ID      string  `json:"id"`
	Subject *string `json:"subject"`
	From    *struct {
		EmailAddress emailAddress `json:"emailAddress"`
	} `json:"from"`
	ReceivedDateTime string `json:"receivedDateTime"`
}

type messagePage struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

func (gm graphMessage) toMessage() message.Message {
	m := message.Message{ID: gm.ID, Subject: message.NoSubject}
	if gm.Subject != nil && *gm.Subject != "" {
		m.Subject = *gm.Subject
	}
	var addr emailAddress
	if gm.From != nil {
		addr = gm.From.EmailAddress
	}
	m.Sender = message.FormatSender(addr.Name, addr.Address)
	if t, err := time.Parse(time.RFC3339, gm.ReceivedDateTime); err == nil {
		m.Received = t
	}
	return m
}

// Source pages through the inbox folder.
type Source struct {
	c    *Client
	next string
	done bool
}

// Inbox returns a Source reading pageSize messages per page.
func (c *Client) Inbox(pageSize int) *Source {
	if pageSize <= 0 {
		pageSize = 50
	}
	first := fmt.Sprintf("%s/me/mailFolders/inbox/messages?$top=%d&$select=id,subject,from,receivedDateTime",
		c.baseURL, pageSize)
	return &Source{c: c, next: first}
}

func (s *Source) NextPage(ctx context.Context) ([]message.Message, error) {
	if s.done {
		return nil, iterator.Done
	}
	var page messagePage
	if err := s.c.getWithRetry(ctx, s.next, &page); err != nil {
		err = errors.Wrap(err, "fetching messages")
		var se *StatusError
		if errors.As(err, &se) && se.Transient() {
			return nil, plan.Transient(err)
		}
		return nil, err
	}
	msgs := make([]message.Message, 0, len(page.Value))
	for _, gm := range page.Value {
		msgs = append(msgs, gm.toMessage())
	}
	s.next = page.NextLink
	s.done = page.NextLink == ""
	s.c.log.Debug("listed page of graph messages", "count", len(msgs), "more", !s.done)
	return msgs, nil
}
