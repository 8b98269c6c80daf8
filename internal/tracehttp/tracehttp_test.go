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

package tracehttp

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	in := "POST /token HTTP/1.1\r\nAuthorization: Bearer abc.def\r\nHost: x\r\n\r\n" +
		`{"access_token": "ya29.secret","expires_in":3599,"refresh_token":"1//r"}`
	got := Redact([]byte(in))
	for _, secret := range []string{"abc.def", "ya29.secret", "1//r"} {
		if strings.Contains(got, secret) {
			t.Errorf("Redact() left %q in:\n%s", secret, got)
		}
	}
	for _, keep := range []string{"Host: x", `"expires_in":3599`, "Authorization: REDACTED"} {
		if !strings.Contains(got, keep) {
			t.Errorf("Redact() lost %q:\n%s", keep, got)
		}
	}
}

func TestWrapLogsAtDebug(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := &http.Client{Transport: Wrap(nil, log)}

	req, err := http.NewRequest("GET", srv.URL+"/v1/me", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer hunter2")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %q, response must survive the dump", body)
	}

	out := buf.String()
	if !strings.Contains(out, "http request") || !strings.Contains(out, "http response") {
		t.Errorf("missing request/response records:\n%s", out)
	}
	if strings.Contains(out, "hunter2") {
		t.Errorf("log leaked the bearer token:\n%s", out)
	}
}

func TestWrapQuietAboveDebug(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	client := &http.Client{Transport: Wrap(nil, log)}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if buf.Len() != 0 {
		t.Errorf("logged at info level:\n%s", buf.String())
	}
}
