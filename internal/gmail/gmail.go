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

// Package gmail reads and cleans a Gmail inbox through the Gmail API.
package gmail

import (
	"context"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/matta/mailsweep/internal/message"
	"github.com/matta/mailsweep/internal/retry"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	ModifyScope = gmail_api.GmailModifyScope

	// MaxBatchSize is the most requests one Submit sends.
	MaxBatchSize = 100

	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerGetProfile   = 1
	quotaUnitsPerMessagesList = 5
	quotaUnitsPerModify       = 5
	quotaUnitsPerTrash        = 5

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	// inboxQuery selects what a sweep looks at.
	inboxQuery = "in:inbox -is:chat"
)

var (
	ErrMessageNotFound = errors.New("gmail message not found")
)

// Service provides access to messages stored in Google's Gmail
// system.
type Service struct {
	service *gmail_api.Service
	limiter *rate.Limiter
	log     *slog.Logger
	// backoff paces retries of rate limited reads.
	backoff retry.BackoffConfig
}

// New returns a Service that sends requests through client.  Extra
// options, such as option.WithEndpoint, are passed to the API client.
func New(ctx context.Context, client *http.Client, log *slog.Logger, opts ...option.ClientOption) (*Service, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	s, err := gmail_api.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail client")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		service: s,
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
		log:     log.With("provider", "gmail"),
		backoff: retry.BackoffConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2,
			Jitter:          true,
			MaxAttempts:     5,
		},
	}, nil
}

func isChat(msg *gmail_api.Message) bool {
	for _, label := range msg.LabelIds {
		if label == "CHAT" {
			return true
		}
	}
	return false
}

// apiCode returns the HTTP status of a Gmail API error, or zero.
func apiCode(err error) (int, *googleapi.Error) {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code, gerr
	}
	return 0, nil
}

// isTransient reports whether err is worth retrying later.
func isTransient(err error) bool {
	code, gerr := apiCode(err)
	if gerr == nil {
		// Network failures and timeouts.
		return !errors.Is(err, context.Canceled)
	}
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	case http.StatusForbidden:
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return true
			}
		}
	}
	return false
}

// isNotFound reports whether err says the message no longer exists.
func isNotFound(err error) bool {
	code, _ := apiCode(err)
	return code == http.StatusNotFound || errors.Is(err, ErrMessageNotFound)
}

// readWithRetry runs a read call, waiting out rate limiting.
func (s *Service) readWithRetry(ctx context.Context, cost int, call func() error) error {
	return retry.WithRetry(ctx, s.backoff, func() error {
		if err := s.limiter.WaitN(ctx, cost); err != nil {
			return retry.Stop(err)
		}
		err := call()
		if err == nil {
			return nil
		}
		if code, _ := apiCode(err); code == http.StatusTooManyRequests {
			s.log.Debug("rate limited, retrying")
			return err
		}
		return retry.Stop(err)
	})
}

func (s *Service) getMessage(ctx context.Context, id string) (*gmail_api.Message, error) {
	var msg *gmail_api.Message
	err := s.readWithRetry(ctx, quotaUnitsMessagesGet, func() error {
		var err error
		msg, err = s.service.Users.Messages.Get("me", id).
			Context(ctx).
			Format("metadata").
			MetadataHeaders("From", "Subject").
			Do()
		return err
	})
	if err == nil && isChat(msg) {
		err = ErrMessageNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
	return msg, nil
}

// toMessage converts an API message fetched in metadata format.
func toMessage(msg *gmail_api.Message) message.Message {
	m := message.Message{ID: msg.Id, Subject: message.NoSubject}
	if msg.InternalDate > 0 {
		m.Received = time.UnixMilli(msg.InternalDate)
	}
	if msg.Payload == nil {
		m.Sender = message.FormatSender("", "")
		return m
	}
	var from string
	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			from = h.Value
		case "subject":
			if strings.TrimSpace(h.Value) != "" {
				m.Subject = h.Value
			}
		}
	}
	m.Sender = parseSender(from)
	return m
}

func parseSender(from string) string {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return message.FormatSender("", strings.TrimSpace(from))
	}
	return message.FormatSender(addr.Name, addr.Address)
}

// Profile returns the address of the signed in account.
func (s *Service) Profile(ctx context.Context) (string, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return "", err
	}
	u, err := s.service.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", errors.Wrap(err, "getting gmail profile")
	}
	return u.EmailAddress, nil
}
