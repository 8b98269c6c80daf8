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
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// ErrNotLoggedIn is returned when no token has been saved.
var ErrNotLoggedIn = errors.New("not logged in; run 'mailsweep auth login'")

// TokenStore keeps one OAuth token per provider as JSON files in a
// directory.
type TokenStore struct {
	dir string
}

func NewTokenStore(dir string) *TokenStore {
	return &TokenStore{dir: dir}
}

// Path returns the file holding the token for provider.
func (s *TokenStore) Path(provider string) string {
	return filepath.Join(s.dir, "token_"+provider+".json")
}

// Load returns the saved token, or ErrNotLoggedIn.
func (s *TokenStore) Load(provider string) (*oauth2.Token, error) {
	b, err := os.ReadFile(s.Path(provider))
	if os.IsNotExist(err) {
		return nil, ErrNotLoggedIn
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading token")
	}
	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, errors.Wrapf(err, "decoding token in %s", s.Path(provider))
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, ErrNotLoggedIn
	}
	return &tok, nil
}

// Save replaces the token for provider.  The file is readable only by
// its owner.
func (s *TokenStore) Save(provider string, tok *oauth2.Token) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return errors.Wrap(err, "creating token directory")
	}
	b, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding token")
	}
	path := s.Path(provider)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errors.Wrap(err, "writing token")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "replacing token")
	}
	return nil
}

// Delete forgets the token for provider.  Deleting a missing token
// is not an error.
func (s *TokenStore) Delete(provider string) error {
	err := os.Remove(s.Path(provider))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing token")
	}
	return nil
}
