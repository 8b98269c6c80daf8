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

// Package auth signs the user in to a mail provider and builds HTTP
// clients that carry, refresh and persist the resulting tokens.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail_api "google.golang.org/api/gmail/v1"
)

// Provider names, also used as token file suffixes.
const (
	Gmail = "gmail"
	Graph = "graph"
)

// graphClientID is the public client registered for device code
// sign in with personal and work accounts.
const graphClientID = "0cadb66e-6914-4a9f-8058-3ba6e5cb58d8"

// GraphEndpoint is the Azure AD v2 endpoint for any tenant.
var GraphEndpoint = oauth2.Endpoint{
	AuthURL:       "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
	TokenURL:      "https://login.microsoftonline.com/common/oauth2/v2.0/token",
	DeviceAuthURL: "https://login.microsoftonline.com/common/oauth2/v2.0/devicecode",
	AuthStyle:     oauth2.AuthStyleInParams,
}

// GraphConfig returns the OAuth configuration for Microsoft Graph.
func GraphConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: graphClientID,
		Endpoint: GraphEndpoint,
		Scopes: []string{
			"offline_access",
			"https://graph.microsoft.com/Mail.ReadWrite",
			"User.Read",
		},
	}
}

// GoogleConfig reads the OAuth client downloaded from the Google
// Cloud console.
func GoogleConfig(credentialsPath string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading credentials at %s", credentialsPath)
	}
	cfg, err := google.ConfigFromJSON(b, gmail_api.GmailModifyScope)
	if err != nil {
		return nil, errors.Wrap(err, "parsing oauth client credentials")
	}
	return cfg, nil
}

// savingSource writes every new token it sees back to the store, so
// refreshed tokens survive the process.
type savingSource struct {
	mu       sync.Mutex
	base     oauth2.TokenSource
	store    *TokenStore
	provider string
	last     string
	log      *slog.Logger
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, errors.Wrap(err, "refreshing token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.store.Save(s.provider, tok); err != nil {
			s.log.Warn("could not save refreshed token", "provider", s.provider, "err", err)
		} else {
			s.log.Debug("saved refreshed token", "provider", s.provider, "expiry", tok.Expiry)
		}
	}
	return tok, nil
}

// TokenSource returns a source that starts from the saved token and
// persists refreshed ones.  Refresh requests use the client in ctx
// under oauth2.HTTPClient, if any.
func TokenSource(ctx context.Context, cfg *oauth2.Config, store *TokenStore, provider string, log *slog.Logger) (oauth2.TokenSource, error) {
	tok, err := store.Load(provider)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	src := &savingSource{
		base:     cfg.TokenSource(ctx, tok),
		store:    store,
		provider: provider,
		last:     tok.AccessToken,
		log:      log,
	}
	return oauth2.ReuseTokenSource(tok, src), nil
}

// HTTPClient returns a client that authorizes every request with the
// saved token for provider.  base may be nil.
func HTTPClient(ctx context.Context, cfg *oauth2.Config, store *TokenStore, provider string, base http.RoundTripper, log *slog.Logger) (*http.Client, error) {
	src, err := TokenSource(ctx, cfg, store, provider, log)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: &oauth2.Transport{Source: src, Base: base}}, nil
}
