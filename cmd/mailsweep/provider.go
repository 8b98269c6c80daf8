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

package main

import (
	"context"
	"net/http"

	"github.com/matta/mailsweep/internal/auth"
	"github.com/matta/mailsweep/internal/batch"
	"github.com/matta/mailsweep/internal/config"
	"github.com/matta/mailsweep/internal/gmail"
	"github.com/matta/mailsweep/internal/graph"
	"github.com/matta/mailsweep/internal/imap"
	"github.com/matta/mailsweep/internal/plan"
	"github.com/matta/mailsweep/internal/tracehttp"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// mailbox is a connected provider ready for a sweep.
type mailbox struct {
	source    plan.Source
	transport batch.Transport
	maxBatch  int
	close     func() error
}

func (a *app) tokenStore() *auth.TokenStore {
	return auth.NewTokenStore(a.cfg.Dir)
}

// baseTransport is the RoundTripper under the OAuth layer.
func (a *app) baseTransport() http.RoundTripper {
	if !a.cfg.Trace {
		return nil
	}
	return tracehttp.Wrap(nil, a.log)
}

// oauthContext makes token refreshes go through the traced
// transport too.
func (a *app) oauthContext(ctx context.Context) context.Context {
	if base := a.baseTransport(); base != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: base})
	}
	return ctx
}

func (a *app) oauthConfig(provider string) (*oauth2.Config, error) {
	switch provider {
	case config.Gmail:
		return auth.GoogleConfig(a.cfg.Resolve(a.cfg.Gmail.Credentials))
	case config.Graph:
		return auth.GraphConfig(), nil
	}
	return nil, errors.Errorf("provider %q does not use OAuth", provider)
}

func (a *app) authorizedClient(ctx context.Context, provider string) (*http.Client, error) {
	oc, err := a.oauthConfig(provider)
	if err != nil {
		return nil, err
	}
	return auth.HTTPClient(a.oauthContext(ctx), oc, a.tokenStore(), provider, a.baseTransport(), a.log)
}

func (a *app) gmailService(ctx context.Context) (*gmail.Service, error) {
	client, err := a.authorizedClient(ctx, config.Gmail)
	if err != nil {
		return nil, err
	}
	return gmail.New(ctx, client, a.log)
}

func (a *app) graphClient(ctx context.Context) (*graph.Client, error) {
	client, err := a.authorizedClient(ctx, config.Graph)
	if err != nil {
		return nil, err
	}
	return graph.New(client, graph.BaseURL, a.log), nil
}

func (a *app) imapSession(ctx context.Context) (*imap.Session, error) {
	if err := a.cfg.ValidateIMAP(); err != nil {
		return nil, err
	}
	c := a.cfg.IMAP
	return imap.Dial(ctx, imap.Options{
		Host:               c.Host,
		Port:               c.Port,
		Username:           c.Username,
		Password:           c.Password,
		TLS:                c.TLS,
		InsecureSkipVerify: c.InsecureSkipVerify,
		Mailbox:            c.Mailbox,
		ArchiveMailbox:     c.ArchiveMailbox,
		TrashMailbox:       c.TrashMailbox,
	}, a.log)
}

// openMailbox connects to the configured provider.
func (a *app) openMailbox(ctx context.Context) (*mailbox, error) {
	noop := func() error { return nil }
	switch a.cfg.Provider {
	case config.Gmail:
		s, err := a.gmailService(ctx)
		if err != nil {
			return nil, err
		}
		return &mailbox{s.Inbox(a.cfg.PageSize), s.Transport(), gmail.MaxBatchSize, noop}, nil
	case config.Graph:
		c, err := a.graphClient(ctx)
		if err != nil {
			return nil, err
		}
		return &mailbox{c.Inbox(a.cfg.PageSize), c.Transport(), graph.MaxBatchSize, noop}, nil
	case config.IMAP:
		s, err := a.imapSession(ctx)
		if err != nil {
			return nil, err
		}
		return &mailbox{s.Inbox(a.cfg.PageSize), s.Transport(), imap.MaxBatchSize, s.Close}, nil
	}
	return nil, errors.Errorf("unknown provider %q", a.cfg.Provider)
}
