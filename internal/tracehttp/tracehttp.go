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

// Package tracehttp logs HTTP traffic for debugging provider
// requests.
package tracehttp

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"regexp"
)

var (
	secretHeader = regexp.MustCompile(`(?im)^(Authorization|Cookie|Set-Cookie):.*$`)
	secretField  = regexp.MustCompile(`"(access_token|refresh_token|id_token|client_secret)"\s*:\s*"[^"]*"`)
)

// Redact blanks credentials in an HTTP dump.
func Redact(dump []byte) string {
	dump = secretHeader.ReplaceAll(dump, []byte("$1: REDACTED"))
	dump = secretField.ReplaceAll(dump, []byte(`"$1":"REDACTED"`))
	return string(dump)
}

// traceTransport logs a dump of each request and response at debug
// level while delegating the real work to another RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	log      *slog.Logger
}

func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if !t.log.Enabled(ctx, slog.LevelDebug) {
		return t.delegate.RoundTrip(req)
	}
	if dump, err := httputil.DumpRequestOut(req, true); err == nil {
		t.log.DebugContext(ctx, "http request", "method", req.Method, "url", req.URL.Redacted(), "dump", Redact(dump))
	}
	resp, err := t.delegate.RoundTrip(req)
	if err != nil {
		t.log.DebugContext(ctx, "http error", "url", req.URL.Redacted(), "err", err)
		return resp, err
	}
	if dump, err := httputil.DumpResponse(resp, true); err == nil {
		t.log.DebugContext(ctx, "http response", "status", resp.StatusCode, "dump", Redact(dump))
	}
	return resp, nil
}

// Wrap returns d with tracing.  A nil d means http.DefaultTransport.
func Wrap(d http.RoundTripper, log *slog.Logger) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	if log == nil {
		log = slog.Default()
	}
	return &traceTransport{delegate: d, log: log}
}
