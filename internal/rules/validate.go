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

package rules

import (
	"fmt"
	"strings"
)

// ValidationError describes one structural problem with one rule.
type ValidationError struct {
	// Index is the zero based position of the rule in its file.
	Index int
	Name  string
	Msg   string
}

func (e ValidationError) Error() string {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Sprintf("Rule #%d: %s", e.Index+1, e.Msg)
	}
	return fmt.Sprintf("Rule '%s': %s", e.Name, e.Msg)
}

// ValidationErrors is returned by Validate when any rule is invalid.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d invalid rule(s): %s", len(errs), strings.Join(msgs, "; "))
}

// Validate checks the structural invariants every rule must satisfy
// before it is used: a non-empty name and at least one usable pattern.
// It returns nil or a ValidationErrors.
func Validate(rules []Rule) error {
	var errs ValidationErrors
	for i, r := range rules {
		if strings.TrimSpace(r.Name) == "" {
			errs = append(errs, ValidationError{Index: i, Msg: "name cannot be empty"})
		}
		if r.SenderContains.Empty() && r.SubjectContains.Empty() {
			errs = append(errs, ValidationError{
				Index: i,
				Name:  r.Name,
				Msg:   "must specify at least one match pattern (sender_contains or subject_contains)",
			})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Validate checks every rule in the set.
func (rs *RuleSet) Validate() error {
	return Validate(rs.Rules())
}
