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

// Command mailsweep cleans an inbox by applying user defined rules.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/matta/mailsweep/internal/config"
	"github.com/matta/mailsweep/internal/logging"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	_ "github.com/mattn/go-sqlite3"
)

// app is the state shared by every subcommand once flags are parsed.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	cleanup func() error
}

// exitError sets the exit status after the command has already told
// the user what happened.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "mailsweep",
		Short: "Clean an inbox by applying rules to every message",
		Long: `mailsweep archives, deletes or marks read the messages in an inbox
that match rules kept in rules.yaml.  It supports Gmail, Outlook
(Microsoft Graph) and any IMAP server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	config.RegisterFlags(root)
	root.AddCommand(
		newAuthCmd(a),
		newRulesCmd(a),
		newCleanCmd(a),
		newHistoryCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}
	log, cleanup, err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.Resolve(cfg.LogFile),
		Stderr: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	for _, key := range cfg.Unknown {
		log.Warn("unknown key in config file", "key", key, "file", cfg.Path)
	}
	a.cfg, a.log, a.cleanup = cfg, log, cleanup
	return nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{cleanup: func() error { return nil }}
	defer func() {
		_ = a.cleanup()
	}()
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
