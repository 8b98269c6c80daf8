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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matta/mailsweep/internal/batch"
	"github.com/matta/mailsweep/internal/message"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type fakeGmail struct {
	mu       sync.Mutex
	modified map[string][]string
	trashed  []string
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, code int, reason, msg string) {
	writeJSON(w, code, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": msg,
			"errors":  []map[string]string{{"reason": reason, "message": msg}},
		},
	})
}

func header(name, value string) map[string]string {
	return map[string]string{"name": name, "value": value}
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/gmail/v1/users/me/messages"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	parts := strings.Split(rest, "/")
	switch {
	case rest == "" && r.Method == http.MethodGet:
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, 200, map[string]interface{}{
				"messages":      []map[string]string{{"id": "a"}, {"id": "gone"}, {"id": "b"}},
				"nextPageToken": "p2",
			})
			return
		}
		writeJSON(w, 200, map[string]interface{}{
			"messages": []map[string]string{{"id": "c"}},
		})
	case len(parts) == 1 && r.Method == http.MethodGet:
		id := parts[0]
		switch id {
		case "gone":
			apiError(w, 404, "notFound", "Requested entity was not found.")
		case "a":
			writeJSON(w, 200, map[string]interface{}{
				"id":           "a",
				"internalDate": "1700000000000",
				"payload": map[string]interface{}{"headers": []map[string]string{
					header("From", "Weekly News <news@example.com>"),
					header("Subject", "Issue 12"),
				}},
			})
		case "b":
			writeJSON(w, 200, map[string]interface{}{
				"id": "b",
				"payload": map[string]interface{}{"headers": []map[string]string{
					header("From", "alice@example.com"),
				}},
			})
		default:
			writeJSON(w, 200, map[string]interface{}{
				"id": id,
				"payload": map[string]interface{}{"headers": []map[string]string{
					header("From", "\"bob@example.com\" <bob@example.com>"),
					header("Subject", "hello"),
				}},
			})
		}
	case len(parts) == 2 && r.Method == http.MethodPost:
		id, verb := parts[0], parts[1]
		switch id {
		case "missing":
			apiError(w, 404, "notFound", "Requested entity was not found.")
			return
		case "busy":
			apiError(w, 429, "rateLimitExceeded", "Too many concurrent requests for user")
			return
		case "limited":
			apiError(w, 403, "userRateLimitExceeded", "User-rate limit exceeded")
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		switch verb {
		case "modify":
			var req struct {
				RemoveLabelIds []string `json:"removeLabelIds"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			if f.modified == nil {
				f.modified = make(map[string][]string)
			}
			f.modified[id] = req.RemoveLabelIds
		case "trash":
			f.trashed = append(f.trashed, id)
		}
		writeJSON(w, 200, map[string]string{"id": id})
	default:
		http.NotFound(w, r)
	}
}

func newTestService(t *testing.T, h http.Handler) *Service {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s, err := New(context.Background(), srv.Client(), nil, option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSourcePages(t *testing.T) {
	s := newTestService(t, &fakeGmail{})
	src := s.Inbox(3)
	ctx := context.Background()

	var got [][]message.Message
	for {
		page, err := src.NextPage(ctx)
		if err == iterator.Done {
			break
		}
		if err != nil {
			t.Fatalf("NextPage() error: %v", err)
		}
		got = append(got, page)
	}
	want := [][]message.Message{
		{
			{ID: "a", Sender: "Weekly News <news@example.com>", Subject: "Issue 12", Received: time.UnixMilli(1700000000000)},
			{ID: "b", Sender: "alice@example.com", Subject: message.NoSubject},
		},
		{
			{ID: "c", Sender: "bob@example.com", Subject: "hello"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pages mismatch (-want +got):\n%s", diff)
	}
}

func TestTransportSubmit(t *testing.T) {
	f := &fakeGmail{}
	tr := newTestService(t, f).Transport()
	reqs := []batch.Request{
		{MessageID: "m1", Action: message.Archive},
		{MessageID: "m2", Action: message.MarkRead},
		{MessageID: "m3", Action: message.Delete},
		{MessageID: "missing", Action: message.Archive},
		{MessageID: "busy", Action: message.Delete},
		{MessageID: "limited", Action: message.MarkRead},
	}
	got, err := tr.Submit(context.Background(), reqs)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	want := []batch.Result{
		{MessageID: "m1", Outcome: batch.Success, Code: 200},
		{MessageID: "m2", Outcome: batch.Success, Code: 200},
		{MessageID: "m3", Outcome: batch.Success, Code: 200},
		{MessageID: "missing", Outcome: batch.PermanentFailure, Code: 404},
		{MessageID: "busy", Outcome: batch.TransientFailure, Code: 429},
		{MessageID: "limited", Outcome: batch.TransientFailure, Code: 403},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(batch.Result{}, "Reason")); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	if got[3].Reason != "Requested entity was not found." {
		t.Errorf("reason = %q", got[3].Reason)
	}
	wantModified := map[string][]string{"m1": {"INBOX"}, "m2": {"UNREAD"}}
	if diff := cmp.Diff(wantModified, f.modified); diff != "" {
		t.Errorf("modified mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"m3"}, f.trashed); diff != "" {
		t.Errorf("trashed mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSender(t *testing.T) {
	cases := []struct {
		from, want string
	}{
		{"Weekly News <news@example.com>", "Weekly News <news@example.com>"},
		{"news@example.com", "news@example.com"},
		{"<news@example.com>", "news@example.com"},
		{"not an address", "not an address"},
		{"", "unknown"},
	}
	for _, tc := range cases {
		if got := parseSender(tc.from); got != tc.want {
			t.Errorf("parseSender(%q) = %q, want %q", tc.from, got, tc.want)
		}
	}
}
