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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matta/mailsweep/internal/batch"
	"github.com/matta/mailsweep/internal/message"

	"github.com/pkg/errors"
)

type batchRequest struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    interface{}       `json:"body,omitempty"`
}

type batchResponse struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// header looks up a sub-response header regardless of case.
func (r batchResponse) header(name string) string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Transport sends each group of requests as one JSON $batch call.
type Transport struct {
	c *Client
}

func (c *Client) Transport() *Transport {
	return &Transport{c: c}
}

func (t *Transport) MaxBatchSize() int { return MaxBatchSize }

func toBatchRequest(id string, r batch.Request) (batchRequest, error) {
	path := "/me/messages/" + r.MessageID
	br := batchRequest{ID: id, Headers: map[string]string{"Content-Type": "application/json"}}
	switch r.Action {
	case message.Archive:
		br.Method = http.MethodPost
		br.URL = path + "/move"
		br.Body = map[string]string{"destinationId": "archive"}
	case message.Delete:
		br.Method = http.MethodDelete
		br.URL = path
		br.Headers = nil
	case message.MarkRead:
		br.Method = http.MethodPatch
		br.URL = path
		br.Body = map[string]bool{"isRead": true}
	default:
		return br, errors.Wrapf(message.ErrUnknownAction, "%v", r.Action)
	}
	return br, nil
}

func (t *Transport) Submit(ctx context.Context, reqs []batch.Request) ([]batch.Result, error) {
	if len(reqs) > MaxBatchSize {
		return nil, batch.Permanent(errors.Errorf("graph accepts at most %d requests per batch, got %d", MaxBatchSize, len(reqs)))
	}
	// Request ids are one based positions; they map back to messages.
	byRequest := make(map[string]string, len(reqs))
	payload := struct {
		Requests []batchRequest `json:"requests"`
	}{}
	var results []batch.Result
	for i, r := range reqs {
		id := strconv.Itoa(i + 1)
		br, err := toBatchRequest(id, r)
		if err != nil {
			results = append(results, batch.Result{MessageID: r.MessageID, Outcome: batch.PermanentFailure, Reason: err.Error()})
			continue
		}
		byRequest[id] = r.MessageID
		payload.Requests = append(payload.Requests, br)
	}
	if len(payload.Requests) == 0 {
		return results, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, batch.Permanent(errors.Wrap(err, "encoding batch"))
	}

	var resp struct {
		Responses []batchResponse `json:"responses"`
	}
	err = t.c.do(ctx, len(payload.Requests), http.MethodPost, t.c.baseURL+"/$batch", bytes.NewReader(body), &resp)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && !se.Transient() {
			return nil, batch.Permanent(err)
		}
		if se != nil && se.RetryAfter > 0 {
			// Per-item results carry the wait back to the executor.
			for _, br := range payload.Requests {
				results = append(results, batch.Result{
					MessageID:  byRequest[br.ID],
					Outcome:    batch.TransientFailure,
					Code:       se.Code,
					Reason:     se.Error(),
					RetryAfter: se.RetryAfter,
				})
			}
			return results, nil
		}
		return nil, err
	}

	for _, r := range resp.Responses {
		msgID, ok := byRequest[r.ID]
		if !ok {
			t.c.log.Warn("batch response with unknown id", "id", r.ID)
			continue
		}
		results = append(results, classify(msgID, r))
	}
	return results, nil
}

func classify(msgID string, r batchResponse) batch.Result {
	res := batch.Result{MessageID: msgID, Code: r.Status, Outcome: batch.Success}
	if r.Status >= 200 && r.Status <= 299 {
		return res
	}
	res.Outcome = batch.PermanentFailure
	if transientStatus(r.Status) {
		res.Outcome = batch.TransientFailure
	}
	if res.Outcome == batch.TransientFailure {
		res.RetryAfter = parseRetryAfter(r.header("Retry-After"), time.Now())
	}
	var eb errorBody
	if json.Unmarshal(r.Body, &eb) == nil && eb.text() != "" {
		res.Reason = eb.text()
	} else {
		res.Reason = http.StatusText(r.Status)
	}
	return res
}
