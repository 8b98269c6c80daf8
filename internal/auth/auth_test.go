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

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/oauth2"
)

func TestTokenStore(t *testing.T) {
	s := NewTokenStore(t.TempDir())
	if _, err := s.Load(Gmail); err != ErrNotLoggedIn {
		t.Fatalf("Load(missing) error = %v, want ErrNotLoggedIn", err)
	}
	want := &oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := s.Save(Gmail, want); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(s.Path(Gmail))
	if err != nil {
		t.Fatal(err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}
	got, err := s.Load(Gmail)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(oauth2.Token{})); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.Load(Graph); err != ErrNotLoggedIn {
		t.Errorf("Load(other provider) error = %v, want ErrNotLoggedIn", err)
	}
	if err := s.Delete(Gmail); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(Gmail); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
	if _, err := s.Load(Gmail); err != ErrNotLoggedIn {
		t.Errorf("Load(after delete) error = %v, want ErrNotLoggedIn", err)
	}
}

type countingSource struct {
	mu    sync.Mutex
	n     int
	token string
}

func (c *countingSource) Token() (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return &oauth2.Token{AccessToken: c.token, Expiry: time.Now().Add(time.Hour)}, nil
}

func TestSavingSource(t *testing.T) {
	store := NewTokenStore(t.TempDir())
	base := &countingSource{token: "old"}
	src := &savingSource{base: base, store: store, provider: Graph, last: "old", log: discardLogger()}

	if _, err := src.Token(); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(Graph); err != ErrNotLoggedIn {
		t.Errorf("unchanged token was saved: %v", err)
	}
	base.token = "new"
	if _, err := src.Token(); err != nil {
		t.Fatal(err)
	}
	got, err := store.Load(Graph)
	if err != nil || got.AccessToken != "new" {
		t.Errorf("Load() = %+v, %v; want refreshed token", got, err)
	}
}

func TestCodeFromInput(t *testing.T) {
	cases := []struct {
		in, want string
		ok       bool
	}{
		{"  abc123\n", "abc123", true},
		{"http://127.0.0.1:5555/?state=x&code=4%2Fzz", "4/zz", true},
		{"http://127.0.0.1:5555/?state=x", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := codeFromInput(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("codeFromInput(%q) = %q, %v; want %q, ok=%v", tc.in, got, err, tc.want, tc.ok)
		}
	}
}

func tokenHandler(t *testing.T, wantCode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if got := r.PostForm.Get("code"); wantCode != "" && got != wantCode {
			t.Errorf("code = %q, want %q", got, wantCode)
		}
		if wantCode != "" && r.PostForm.Get("code_verifier") == "" {
			t.Error("exchange without PKCE verifier")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at",
			"refresh_token": "rt",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}
}

func TestLoginLoopback(t *testing.T) {
	tokenSrv := httptest.NewServer(tokenHandler(t, "the-code"))
	defer tokenSrv.Close()
	cfg := &oauth2.Config{
		ClientID: "id",
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://accounts.example.com/auth",
			TokenURL:  tokenSrv.URL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	browser := func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		redirect := q.Get("redirect_uri") + "?code=the-code&state=" + url.QueryEscape(q.Get("state"))
		go func() {
			resp, err := http.Get(redirect)
			if err != nil {
				t.Error(err)
				return
			}
			resp.Body.Close()
		}()
		return nil
	}
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tok, err := LoginLoopback(ctx, cfg, Prompt{Out: &out, Open: browser})
	if err != nil {
		t.Fatalf("LoginLoopback() error: %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" {
		t.Errorf("token = %+v", tok)
	}
	if !strings.Contains(out.String(), "https://accounts.example.com/auth?") {
		t.Errorf("auth URL not printed:\n%s", out.String())
	}
}

func TestLoginLoopbackPastedURL(t *testing.T) {
	tokenSrv := httptest.NewServer(tokenHandler(t, "pasted"))
	defer tokenSrv.Close()
	cfg := &oauth2.Config{
		ClientID: "id",
		Endpoint: oauth2.Endpoint{AuthURL: "https://accounts.example.com/auth", TokenURL: tokenSrv.URL, AuthStyle: oauth2.AuthStyleInParams},
	}
	in := strings.NewReader("http://127.0.0.1:1/?code=pasted&state=whatever\n")
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tok, err := LoginLoopback(ctx, cfg, Prompt{Out: &out, In: in})
	if err != nil || tok.AccessToken != "at" {
		t.Fatalf("LoginLoopback() = %+v, %v", tok, err)
	}
}

func TestLoginDevice(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/devicecode", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"device_code":      "dev",
			"user_code":        "ABCD-EFGH",
			"verification_uri": "https://microsoft.com/devicelogin",
			"expires_in":       60,
			"interval":         1,
		})
	})
	mux.HandleFunc("/token", tokenHandler(t, ""))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := &oauth2.Config{
		ClientID: "id",
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: srv.URL + "/devicecode",
			TokenURL:      srv.URL + "/token",
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tok, err := LoginDevice(ctx, cfg, Prompt{Out: &out})
	if err != nil {
		t.Fatalf("LoginDevice() error: %v", err)
	}
	if tok.AccessToken != "at" {
		t.Errorf("token = %+v", tok)
	}
	for _, want := range []string{"https://microsoft.com/devicelogin", "ABCD-EFGH"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output lacks %q:\n%s", want, out.String())
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
