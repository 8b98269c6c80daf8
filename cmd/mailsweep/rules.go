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
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/matta/mailsweep/internal/message"
	"github.com/matta/mailsweep/internal/plan"
	"github.com/matta/mailsweep/internal/rules"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newRulesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and change the cleaning rules",
	}

	var force bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Replace the rules file with commented out examples",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.rulesReset(cmd, force)
		},
	}
	reset.Flags().BoolVarP(&force, "force", "f", false, "Overwrite without asking")

	var r rules.Rule
	var action string
	add := &cobra.Command{
		Use:   "add",
		Short: "Append a rule to the rules file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if r.Action, err = message.ParseAction(action); err != nil {
				return err
			}
			return a.rulesAdd(cmd, r)
		},
	}
	add.Flags().StringVar(&r.Name, "name", "", "Rule name")
	add.Flags().StringVar(&action, "action", "", "archive, delete or mark_read")
	add.Flags().StringSliceVar((*[]string)(&r.SenderContains), "sender", nil, "Match senders containing this text (repeatable)")
	add.Flags().StringSliceVar((*[]string)(&r.SubjectContains), "subject", nil, "Match subjects containing this text (repeatable)")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("action")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "List the configured rules",
			Args:  cobra.NoArgs,
			RunE:  a.rulesShow,
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print where the rules file lives",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				fmt.Fprintln(cmd.OutOrStdout(), a.cfg.RulesPath())
				return nil
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate the rules file",
			Args:  cobra.NoArgs,
			RunE:  a.rulesCheck,
		},
		&cobra.Command{
			Use:   "edit",
			Short: "Open the rules file in $VISUAL or $EDITOR",
			Args:  cobra.NoArgs,
			RunE:  a.rulesEdit,
		},
		reset,
		add,
	)
	return cmd
}

// loadRules reads and validates the rules file.
func (a *app) loadRules() (*rules.RuleSet, error) {
	path := a.cfg.RulesPath()
	list, err := rules.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := rules.Validate(list); err != nil {
		return nil, errors.Wrapf(err, "invalid rules in %s", path)
	}
	a.log.Debug("rules loaded", "path", path, "count", len(list))
	return rules.NewRuleSet(list...), nil
}

func (a *app) rulesShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	list, err := rules.LoadFile(a.cfg.RulesPath())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No rules configured. Run 'mailsweep rules edit' to add some.")
		return nil
	}
	renderRules(out, list)
	if err := rules.Validate(list); err != nil {
		fmt.Fprintf(out, "\n%v\n", err)
	}
	return nil
}

func renderRules(w io.Writer, list []rules.Rule) {
	header := lipgloss.NewStyle().Bold(true)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers(header.Render("#"), header.Render("NAME"), header.Render("SENDER CONTAINS"),
			header.Render("SUBJECT CONTAINS"), header.Render("ACTION"))
	for i, r := range list {
		t.Row(fmt.Sprint(i+1), r.Name, joinOr(r.SenderContains), joinOr(r.SubjectContains),
			plan.StyleAction(r.Action))
	}
	fmt.Fprintln(w, t.String())
}

func joinOr(p rules.Patterns) string {
	if p.Empty() {
		return "-"
	}
	return strings.Join(p, " | ")
}

func (a *app) rulesCheck(cmd *cobra.Command, args []string) error {
	path := a.cfg.RulesPath()
	list, err := rules.LoadFile(path)
	if err != nil {
		return err
	}
	if err := rules.Validate(list); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules OK\n", path, len(list))
	return nil
}

func (a *app) rulesEdit(cmd *cobra.Command, args []string) error {
	path := a.cfg.RulesPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := rules.SaveFile(path, nil); err != nil {
			return err
		}
	} else if err := rules.WriteSchema(filepath.Dir(path)); err != nil {
		a.log.Warn("could not write rules schema", "err", err)
	}
	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		editor = "vi"
	}
	fields := strings.Fields(editor)
	c := exec.CommandContext(cmd.Context(), fields[0], append(fields[1:], path)...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := c.Run(); err != nil {
		return errors.Wrapf(err, "running %s", editor)
	}
	return a.rulesCheck(cmd, args)
}

func (a *app) rulesReset(cmd *cobra.Command, force bool) error {
	path := a.cfg.RulesPath()
	if _, err := os.Stat(path); err == nil && !force {
		ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("Overwrite %s?", path))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Left the rules file unchanged.")
			return nil
		}
	}
	if err := rules.SaveFile(path, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote example rules to %s\n", path)
	return nil
}

func (a *app) rulesAdd(cmd *cobra.Command, r rules.Rule) error {
	path := a.cfg.RulesPath()
	if err := rules.Append(path, r); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added rule %q to %s\n", r.Name, path)
	return nil
}
