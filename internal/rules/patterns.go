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
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Patterns is a list of substrings to look for in one message field.
// In a rule file it may be written as a list or as a single string.
type Patterns []string

// Empty reports whether p has no usable pattern.  Entries that are
// blank after trimming do not count.
func (p Patterns) Empty() bool {
	for _, s := range p {
		if strings.TrimSpace(s) != "" {
			return false
		}
	}
	return true
}

func (p Patterns) normalized() []string {
	var out []string
	for _, s := range p {
		if strings.TrimSpace(s) == "" {
			continue
		}
		out = append(out, strings.ToLower(s))
	}
	return out
}

// UnmarshalYAML accepts either a scalar or a sequence of scalars.
func (p *Patterns) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.ShortTag() == "!!null" {
			*p = nil
			return nil
		}
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*p = Patterns{s}
		return nil
	case yaml.SequenceNode:
		var ss []string
		if err := value.Decode(&ss); err != nil {
			return err
		}
		*p = Patterns(ss)
		return nil
	}
	return errors.Errorf("line %d: patterns must be a string or a list of strings", value.Line)
}
