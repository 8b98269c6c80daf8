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

// Package rules decides what, if anything, should happen to a message.
//
// A Rule pairs case-insensitive substring patterns on the sender and
// subject with an action.  A RuleSet is evaluated first-match-wins in
// the order the rules were written; there is no specificity scoring.
package rules

import (
	"strings"

	"github.com/matta/mailsweep/internal/message"
)

// Rule is a named matching condition plus an action.
type Rule struct {
	Name            string         `yaml:"name" json:"name"`
	SenderContains  Patterns       `yaml:"sender_contains,omitempty" json:"sender_contains,omitempty"`
	SubjectContains Patterns       `yaml:"subject_contains,omitempty" json:"subject_contains,omitempty"`
	Action          message.Action `yaml:"action" json:"action"`
}

// Decision records which rule matched a message and what it asks for.
type Decision struct {
	MessageID string
	RuleName  string
	Action    message.Action
}

// Folded holds the lower-cased fields of one message.  Folding is
// done once per message, not once per rule.
type Folded struct {
	ID      string
	Sender  string
	Subject string
}

// Fold lower-cases the matchable fields of m.
func Fold(m message.Message) Folded {
	return Folded{
		ID:      m.ID,
		Sender:  strings.ToLower(m.Sender),
		Subject: strings.ToLower(m.Subject),
	}
}

// compiled is a Rule with its patterns lower-cased and blank entries
// removed.
type compiled struct {
	rule    Rule
	sender  []string
	subject []string
}

func compile(r Rule) compiled {
	return compiled{
		rule:    r,
		sender:  r.SenderContains.normalized(),
		subject: r.SubjectContains.normalized(),
	}
}

// matches reports whether f satisfies every pattern list present on
// the rule.  A rule with no usable patterns never matches.
func (c *compiled) matches(f Folded) bool {
	if len(c.sender) == 0 && len(c.subject) == 0 {
		return false
	}
	if len(c.sender) > 0 && !containsAny(f.Sender, c.sender) {
		return false
	}
	if len(c.subject) > 0 && !containsAny(f.Subject, c.subject) {
		return false
	}
	return true
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// Match reports whether rule r matches message m.
//
// Within a field any one pattern suffices; when both sender and
// subject patterns are present, both fields must be satisfied.
func Match(r Rule, m message.Message) bool {
	c := compile(r)
	return c.matches(Fold(m))
}

// RuleSet is an ordered, immutable list of rules.  It is safe for
// concurrent use.
type RuleSet struct {
	rules []compiled
}

// NewRuleSet compiles rules in the given order.
func NewRuleSet(rules ...Rule) *RuleSet {
	rs := &RuleSet{rules: make([]compiled, 0, len(rules))}
	for _, r := range rules {
		rs.rules = append(rs.rules, compile(r))
	}
	return rs
}

// Len returns the number of rules, valid or not.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Rules returns a copy of the rules in evaluation order.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, 0, rs.Len())
	for _, c := range rs.rules {
		out = append(out, c.rule)
	}
	return out
}

// Evaluate returns the decision of the first rule matching m.  The
// boolean is false when no rule matches.
func (rs *RuleSet) Evaluate(m message.Message) (Decision, bool) {
	return rs.EvaluateFolded(Fold(m))
}

// EvaluateFolded is Evaluate for a message that has already been
// folded.
func (rs *RuleSet) EvaluateFolded(f Folded) (Decision, bool) {
	if rs == nil {
		return Decision{}, false
	}
	for i := range rs.rules {
		c := &rs.rules[i]
		if c.matches(f) {
			return Decision{
				MessageID: f.ID,
				RuleName:  c.rule.Name,
				Action:    c.rule.Action,
			}, true
		}
	}
	return Decision{}, false
}
