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
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// Prompt is how a login flow talks to the user.
type Prompt struct {
	Out io.Writer
	// In, if set, is read for a pasted code or redirect URL when the
	// browser cannot reach the loopback listener.
	In io.Reader
	// Open, if set, is called with the URL the user must visit.
	Open func(url string) error
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// codeFromInput accepts either a bare code or the full redirect URL.
func codeFromInput(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("empty authorization code")
	}
	if !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://") {
		return input, nil
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", errors.Wrap(err, "parsing redirect URL")
	}
	code := u.Query().Get("code")
	if code == "" {
		return "", errors.New("no 'code' parameter found in pasted URL")
	}
	return code, nil
}

// LoginLoopback runs the authorization code flow with PKCE, catching
// the redirect on a 127.0.0.1 listener.  If p.In is set, a code or
// redirect URL pasted there is accepted too.
func LoginLoopback(ctx context.Context, cfg *oauth2.Config, p Prompt) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "listen on loopback")
	}
	conf := *cfg
	conf.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/", ln.Addr().(*net.TCPAddr).Port)

	state, err := randomState()
	if err != nil {
		ln.Close()
		return nil, errors.Wrap(err, "generating state")
	}
	verifier := oauth2.GenerateVerifier()

	type result struct {
		code string
		err  error
	}
	resCh := make(chan result, 2)
	send := func(r result) {
		select {
		case resCh <- r:
		default:
		}
	}

	mux := http.NewServeMux()
	srv := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if e := q.Get("error"); e != "" {
			http.Error(w, "Authorization failed: "+e, http.StatusBadRequest)
			send(result{err: errors.Errorf("authorization failed: %s", e)})
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "Missing 'code' parameter", http.StatusBadRequest)
			return
		}
		if q.Get("state") != state {
			http.Error(w, "State mismatch", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "Authentication complete. You can close this window.")
		send(result{code: code})
	})
	go func() { _ = srv.Serve(ln) }()
	defer srv.Shutdown(context.Background())

	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier))
	fmt.Fprintln(p.Out, "Open this URL in a browser to sign in:")
	fmt.Fprintln(p.Out, authURL)
	if p.Open != nil {
		if err := p.Open(authURL); err != nil {
			fmt.Fprintf(p.Out, "Could not open a browser: %v\n", err)
		}
	}
	fmt.Fprintf(p.Out, "Waiting for redirect on %s\n", conf.RedirectURL)
	if p.In != nil {
		fmt.Fprintln(p.Out, "Or paste the code or the final redirect URL here:")
		go func() {
			line, err := bufio.NewReader(p.In).ReadString('\n')
			if err != nil && line == "" {
				return
			}
			code, err := codeFromInput(line)
			send(result{code: code, err: err})
		}()
	}

	var r result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-resCh:
	}
	if r.err != nil {
		return nil, r.err
	}
	tok, err := conf.Exchange(ctx, r.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, errors.Wrap(err, "token exchange")
	}
	return tok, nil
}

// LoginDevice runs the device authorization flow, printing the code
// the user must enter and polling until they do.
func LoginDevice(ctx context.Context, cfg *oauth2.Config, p Prompt) (*oauth2.Token, error) {
	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "device code request failed")
	}
	uri := da.VerificationURIComplete
	if uri == "" {
		uri = da.VerificationURI
	}
	fmt.Fprintln(p.Out, "To sign in, use a web browser to open:")
	fmt.Fprintf(p.Out, "  %s\n", uri)
	fmt.Fprintf(p.Out, "And enter the code: %s\n", da.UserCode)
	if p.Open != nil {
		_ = p.Open(uri)
	}
	fmt.Fprintln(p.Out, "Waiting for authentication...")
	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, errors.Wrap(err, "device authentication failed")
	}
	return tok, nil
}
