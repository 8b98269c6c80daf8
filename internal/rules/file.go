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
	"bytes"
	_ "embed"
	"os"
	"path/filepath"
	"strings"

	"github.com/matta/mailsweep/internal/message"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileName is the base name of the rule file in the config directory.
const FileName = "rules.yaml"

// SchemaFileName is the JSON schema written next to the rule file.
// Editors using yaml-language-server pick it up from the modeline in
// fileHeader.
const SchemaFileName = "rules.schema.json"

const fileHeader = "# yaml-language-server: $schema=" + SchemaFileName + "\n" +
	"# mailsweep rules, evaluated top to bottom; the first match wins.\n\n"

//go:embed rules.schema.json
var schema []byte

// Schema returns the JSON schema of the rule file.
func Schema() []byte {
	return append([]byte(nil), schema...)
}

// legacyFile is the older layout with the rule list under a key.
type legacyFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadFile reads the rules at path.  A missing or blank file yields no
// rules and no error.  The rules are not validated.
func LoadFile(path string) ([]Rule, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading rules from %s", path)
	}
	return Parse(b)
}

// Parse decodes a rule file body.
func Parse(b []byte) ([]Rule, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var root yaml.Node
	if err := yaml.Unmarshal(b, &root); err != nil {
		return nil, errors.Wrap(err, "invalid YAML in rules file")
	}
	// A file holding only comments decodes to an empty document.
	if len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		var rules []Rule
		if err := doc.Decode(&rules); err != nil {
			return nil, errors.Wrap(err, "decoding rule list")
		}
		return rules, nil
	case yaml.MappingNode:
		var legacy legacyFile
		if err := doc.Decode(&legacy); err != nil {
			return nil, errors.Wrap(err, "decoding rules mapping")
		}
		return legacy.Rules, nil
	}
	return nil, errors.Errorf("line %d: rules file must hold a list of rules", doc.Line)
}

// Format encodes rules as a rule file body.  An empty list produces
// a file with the example rules commented out.
func Format(rules []Rule) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(fileHeader)
	if len(rules) == 0 {
		examples, err := encode(Examples())
		if err != nil {
			return nil, err
		}
		buf.WriteString("# Example rules (uncomment and modify as needed):\n")
		for _, line := range strings.Split(string(examples), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			buf.WriteString("# " + line + "\n")
		}
		return buf.Bytes(), nil
	}
	body, err := encode(rules)
	if err != nil {
		return nil, err
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

func encode(rules []Rule) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(rules); err != nil {
		return nil, errors.Wrap(err, "encoding rules")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encoding rules")
	}
	return buf.Bytes(), nil
}

// SaveFile writes rules to path, creating the parent directory, and
// refreshes the schema beside it.  The file is replaced atomically.
func SaveFile(path string, rules []Rule) error {
	b, err := Format(rules)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", path)
	}
	if err := writeAtomic(path, b); err != nil {
		return err
	}
	return WriteSchema(filepath.Dir(path))
}

// WriteSchema writes SchemaFileName into dir unless it is already
// current.
func WriteSchema(dir string) error {
	path := filepath.Join(dir, SchemaFileName)
	if old, err := os.ReadFile(path); err == nil && bytes.Equal(old, schema) {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	return writeAtomic(path, schema)
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "replacing %s", path)
	}
	return nil
}

// Examples returns rules that illustrate each way of writing a rule.
func Examples() []Rule {
	return []Rule{
		{
			Name:           "Archive newsletters",
			SenderContains: Patterns{"newsletter", "updates"},
			Action:         message.Archive,
		},
		{
			Name:            "Delete promotions",
			SubjectContains: Patterns{"discount", "sale", "offer"},
			Action:          message.Delete,
		},
		{
			Name:            "Mark read meeting invites",
			SubjectContains: Patterns{"invitation"},
			Action:          message.MarkRead,
		},
		{
			Name:            "Archive tech updates from company domain",
			SenderContains:  Patterns{"@company.com"},
			SubjectContains: Patterns{"tech update", "technology news"},
			Action:          message.Archive,
		},
	}
}

// Append adds r to the end of the rule file at path.  The combined
// list must validate before anything is written.
func Append(path string, r Rule) error {
	existing, err := LoadFile(path)
	if err != nil {
		return err
	}
	all := append(existing, r)
	if err := Validate(all); err != nil {
		return err
	}
	return SaveFile(path, all)
}
