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

// Package graph reads and cleans an Outlook inbox through Microsoft
// Graph.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matta/mailsweep/internal/retry"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	// BaseURL is the Graph v1.0 endpoint.
	BaseURL = "https://graph.microsoft.com/v1.0"

	// MaxBatchSize is the most requests Graph accepts in one $batch.
	MaxBatchSize = 20

	// Outlook allows 10000 requests per 10 minutes per mailbox.
	requestsPerSecond = 15
	requestBurst      = MaxBatchSize
)

// StatusError is a non-2xx answer from Graph.
type StatusError struct {
	Code    int
	Message string
	// RetryAfter is the wait the Retry-After header asked for, or zero.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("graph: HTTP %d", e.Code)
	}
	return fmt.Sprintf("graph: HTTP %d: %s", e.Code, e.Message)
}

// Transient reports whether the request may succeed if repeated.
func (e *StatusError) Transient() bool {
	return transientStatus(e.Code)
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// parseRetryAfter reads a Retry-After value given either in seconds
// or as an HTTP date.  Unparseable or past values give zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// errorBody is the error envelope Graph puts in failed responses.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b errorBody) text() string {
	switch {
	case b.Error.Message != "":
		return b.Error.Message
	case b.Error.Code != "":
		return b.Error.Code
	}
	return ""
}

// Client talks to Graph on behalf of one signed in user.  Its
// http.Client must add the Authorization header.
type Client struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
	log     *slog.Logger
	backoff retry.BackoffConfig
}

// New returns a Client.  An empty baseURL means BaseURL.
func New(client *http.Client, baseURL string, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = BaseURL
	}
	if log == nil {
		log = slog.Default()
	}
	backoff := retry.DefaultBackoffConfig()
	backoff.MaxAttempts = 4
	return &Client{
		http:    client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		limiter: rate.NewLimiter(requestsPerSecond, requestBurst),
		log:     log.With("provider", "graph"),
		backoff: backoff,
	}
}

// do sends a request costing n units and decodes a 2xx JSON body
// into out, which may be nil.
func (c *Client) do(ctx context.Context, n int, method, url string, body io.Reader, out interface{}) error {
	if err := c.limiter.WaitN(ctx, n); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return errors.Wrap(err, "building graph request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{
			Code:       resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
		var eb errorBody
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(b, &eb) != nil || eb.text() == "" {
			se.Message = strings.TrimSpace(string(b))
		} else {
			se.Message = eb.text()
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decoding graph response")
	}
	return nil
}

// getWithRetry retries GET requests that were throttled.
func (c *Client) getWithRetry(ctx context.Context, url string, out interface{}) error {
	return retry.WithRetry(ctx, c.backoff, func() error {
		err := c.do(ctx, 1, http.MethodGet, url, nil, out)
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusTooManyRequests {
			c.log.Debug("throttled, retrying", "url", url, "retry_after", se.RetryAfter)
			return retry.After(err, se.RetryAfter)
		}
		if err != nil {
			return retry.Stop(err)
		}
		return nil
	})
}

// Me returns the display name of the signed in user.
func (c *Client) Me(ctx context.Context) (string, error) {
	var user struct {
		DisplayName string `json:"displayName"`
		Mail        string `json:"mail"`
	}
	if err := c.do(ctx, 1, http.MethodGet, c.baseURL+"/me", nil, &user); err != nil {
		return "", errors.Wrap(err, "fetching user info")
	}
	if user.DisplayName == "" {
		return user.Mail, nil
	}
	return user.DisplayName, nil
}
