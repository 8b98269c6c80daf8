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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matta/mailsweep/internal/batch"
	"github.com/matta/mailsweep/internal/message"
	"github.com/matta/mailsweep/internal/plan"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/iterator"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.Client(), srv.URL, nil)
}

func TestSourceFollowsNextLink(t *testing.T) {
	var base string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "":
			if got := r.URL.Query().Get("$select"); got != "id,subject,from,receivedDateTime" {
				t.Errorf("$select = %q", got)
			}
			if got := r.URL.Query().Get("$top"); got != "2" {
				t.Errorf("$top = %q", got)
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"value": []map[string]interface{}{
					{
						"id":               "A",
						"subject":          "Weekly digest",
						"from":             map[string]interface{}{"emailAddress": map[string]string{"name": "News", "address": "news@example.com"}},
						"receivedDateTime": "2024-05-01T10:00:00Z",
					},
					{
						"id":      "B",
						"subject": nil,
						"from":    map[string]interface{}{"emailAddress": map[string]string{"name": "bob@example.com", "address": "bob@example.com"}},
					},
				},
				"@odata.nextLink": base + "/me/mailFolders/inbox/messages?page=2",
			})
		case "2":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"value": []map[string]interface{}{{"id": "C", "subject": "hi"}},
			})
		}
	})
	base = c.baseURL
	src := c.Inbox(2)

	var got []message.Message
	for {
		page, err := src.NextPage(context.Background())
		if err == iterator.Done {
			break
		}
		if err != nil {
			t.Fatalf("NextPage() error: %v", err)
		}
		got = append(got, page...)
	}
	want := []message.Message{
		{ID: "A", Sender: "News <news@example.com>", Subject: "Weekly digest", Received: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{ID: "B", Sender: "bob@example.com", Subject: message.NoSubject},
		{ID: "C", Sender: "unknown", Subject: "hi"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestSourceErrors(t *testing.T) {
	cases := []struct {
		code      int
		transient bool
	}{
		{http.StatusUnauthorized, false},
		{http.StatusServiceUnavailable, true},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
			w.Write([]byte(`{"error":{"code":"x","message":"nope"}}`))
		})
		_, err := c.Inbox(10).NextPage(context.Background())
		if err == nil {
			t.Fatalf("HTTP %d: NextPage() succeeded", tc.code)
		}
		if got := plan.IsTransient(err); got != tc.transient {
			t.Errorf("HTTP %d: IsTransient = %v, want %v (%v)", tc.code, got, tc.transient, err)
		}
	}
}

func TestTransportSubmit(t *testing.T) {
	var gotReqs []batchRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/$batch" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var payload struct {
			Requests []batchRequest `json:"requests"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Error(err)
			return
		}
		gotReqs = payload.Requests
		// Answer out of order, with one id the client never sent.
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"responses":[
			{"id":"3","status":429,"body":{"error":{"code":"TooManyRequests","message":"slow down"}}},
			{"id":"99","status":200},
			{"id":"1","status":201,"body":{"id":"moved"}},
			{"id":"2","status":404,"body":{"error":{"code":"ErrorItemNotFound","message":"The specified object was not found in the store."}}}
		]}`))
	})
	reqs := []batch.Request{
		{MessageID: "A", Action: message.Archive},
		{MessageID: "B", Action: message.Delete},
		{MessageID: "C", Action: message.MarkRead},
	}
	got, err := c.Transport().Submit(context.Background(), reqs)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	want := []batch.Result{
		{MessageID: "C", Outcome: batch.TransientFailure, Code: 429, Reason: "slow down"},
		{MessageID: "A", Outcome: batch.Success, Code: 201},
		{MessageID: "B", Outcome: batch.PermanentFailure, Code: 404, Reason: "The specified object was not found in the store."},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	wantReqs := []batchRequest{
		{ID: "1", Method: "POST", URL: "/me/messages/A/move", Headers: map[string]string{"Content-Type": "application/json"},
			Body: map[string]interface{}{"destinationId": "archive"}},
		{ID: "2", Method: "DELETE", URL: "/me/messages/B"},
		{ID: "3", Method: "PATCH", URL: "/me/messages/C", Headers: map[string]string{"Content-Type": "application/json"},
			Body: map[string]interface{}{"isRead": true}},
	}
	if diff := cmp.Diff(wantReqs, gotReqs); diff != "" {
		t.Errorf("batch payload mismatch (-want +got):\n%s", diff)
	}
}

func TestTransportWholeBatchFailure(t *testing.T) {
	cases := []struct {
		code      int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusServiceUnavailable, false},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "failed", tc.code)
		})
		_, err := c.Transport().Submit(context.Background(), []batch.Request{{MessageID: "A", Action: message.Archive}})
		if err == nil {
			t.Fatalf("HTTP %d: Submit() succeeded", tc.code)
		}
		if got := batch.IsPermanent(err); got != tc.permanent {
			t.Errorf("HTTP %d: IsPermanent = %v, want %v", tc.code, got, tc.permanent)
		}
	}
}

func TestMe(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"displayName":"Ada Lovelace"}`))
	})
	name, err := c.Me(context.Background())
	if err != nil || name != "Ada Lovelace" {
		t.Errorf("Me() = %q, %v", name, err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{" 2 ", 2 * time.Second},
		{"0", 0},
		{"-3", 0},
		{"soon", 0},
		{"Wed, 01 May 2024 10:00:30 GMT", 30 * time.Second},
		{"Wed, 01 May 2024 09:00:00 GMT", 0},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.in, now); got != tc.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSourceWaitsRetryAfter(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"value":[{"id":"A","subject":"hi"}]}`))
	})
	c.backoff.InitialInterval = time.Millisecond
	c.backoff.Jitter = false

	start := time.Now()
	page, err := c.Inbox(10).NextPage(context.Background())
	if err != nil {
		t.Fatalf("NextPage() error: %v", err)
	}
	if len(page) != 1 || calls != 2 {
		t.Errorf("NextPage() = %d messages after %d calls, want 1 after 2", len(page), calls)
	}
	if got := time.Since(start); got < time.Second {
		t.Errorf("retried after %v, want at least the 1s Retry-After", got)
	}
}

func TestTransportSubmitRetryAfter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"responses":[
			{"id":"1","status":429,"headers":{"retry-after":"7"},"body":{"error":{"message":"slow down"}}},
			{"id":"2","status":204}
		]}`))
	})
	reqs := []batch.Request{
		{MessageID: "A", Action: message.Archive},
		{MessageID: "B", Action: message.Delete},
	}
	got, err := c.Transport().Submit(context.Background(), reqs)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	want := []batch.Result{
		{MessageID: "A", Outcome: batch.TransientFailure, Code: 429, Reason: "slow down", RetryAfter: 7 * time.Second},
		{MessageID: "B", Outcome: batch.Success, Code: 204},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestTransportWholeBatchRetryAfter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":"TooManyRequests","message":"throttled"}}`))
	})
	reqs := []batch.Request{
		{MessageID: "A", Action: message.Archive},
		{MessageID: "B", Action: message.MarkRead},
	}
	got, err := c.Transport().Submit(context.Background(), reqs)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	reason := "graph: HTTP 429: throttled"
	want := []batch.Result{
		{MessageID: "A", Outcome: batch.TransientFailure, Code: 429, Reason: reason, RetryAfter: 3 * time.Second},
		{MessageID: "B", Outcome: batch.TransientFailure, Code: 429, Reason: reason, RetryAfter: 3 * time.Second},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}
