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
	"fmt"

	"github.com/matta/mailsweep/internal/auth"
	"github.com/matta/mailsweep/internal/config"
	"github.com/matta/mailsweep/internal/configdir"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

func newAuthCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Sign in to or out of the mail provider",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "login",
			Short: "Sign in and save a token",
			Args:  cobra.NoArgs,
			RunE:  a.authLogin,
		},
		&cobra.Command{
			Use:   "logout",
			Short: "Forget the saved token",
			Args:  cobra.NoArgs,
			RunE:  a.authLogout,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show which account is signed in",
			Args:  cobra.NoArgs,
			RunE:  a.authStatus,
		},
	)
	return cmd
}

func (a *app) authLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if a.cfg.Provider == config.IMAP {
		s, err := a.imapSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		fmt.Fprintf(out, "IMAP login to %s as %s works; the password stays in config.toml.\n",
			a.cfg.IMAP.Host, a.cfg.IMAP.Username)
		return nil
	}

	if _, err := configdir.Ensure(); err != nil {
		return err
	}
	oc, err := a.oauthConfig(a.cfg.Provider)
	if err != nil {
		return err
	}
	prompt := auth.Prompt{Out: out, In: cmd.InOrStdin(), Open: openBrowser}
	var tok *oauth2.Token
	switch a.cfg.Provider {
	case config.Gmail:
		tok, err = auth.LoginLoopback(a.oauthContext(ctx), oc, prompt)
	case config.Graph:
		tok, err = auth.LoginDevice(a.oauthContext(ctx), oc, prompt)
	}
	if err != nil {
		return errors.Wrap(err, "login failed")
	}
	store := a.tokenStore()
	if err := store.Save(a.cfg.Provider, tok); err != nil {
		return err
	}
	fmt.Fprintf(out, "Logged in. Token saved to %s\n", store.Path(a.cfg.Provider))
	return nil
}

func (a *app) authLogout(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if a.cfg.Provider == config.IMAP {
		fmt.Fprintln(out, "IMAP has no saved token; remove the password from config.toml instead.")
		return nil
	}
	store := a.tokenStore()
	if err := store.Delete(a.cfg.Provider); err != nil {
		return err
	}
	fmt.Fprintf(out, "Logged out of %s.\n", a.cfg.Provider)
	return nil
}

func (a *app) authStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	var who string
	switch a.cfg.Provider {
	case config.Gmail:
		s, err := a.gmailService(ctx)
		if err != nil {
			return err
		}
		if who, err = s.Profile(ctx); err != nil {
			return err
		}
	case config.Graph:
		c, err := a.graphClient(ctx)
		if err != nil {
			return err
		}
		if who, err = c.Me(ctx); err != nil {
			return err
		}
	case config.IMAP:
		s, err := a.imapSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		who = a.cfg.IMAP.Username + "@" + a.cfg.IMAP.Host
	}
	fmt.Fprintf(out, "Logged in to %s as %s\n", a.cfg.Provider, who)
	return nil
}
