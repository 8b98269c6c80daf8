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
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matta/mailsweep/internal/message"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	cases := []struct {
		desc string
		in   string
		want []Rule
	}{
		{desc: "blank", in: "  \n\n"},
		{desc: "comments only", in: "# nothing here\n# - name: x\n"},
		{
			desc: "list form",
			in: `
- name: Archive newsletters
  sender_contains: ["newsletter", "updates"]
  action: archive
- name: Read invites
  subject_contains: invitation
  action: mark_read
`,
			want: []Rule{
				{Name: "Archive newsletters", SenderContains: Patterns{"newsletter", "updates"}, Action: message.Archive},
				{Name: "Read invites", SubjectContains: Patterns{"invitation"}, Action: message.MarkRead},
			},
		},
		{
			desc: "legacy mapping",
			in: `
rules:
  - name: Promotions
    subject_contains:
      - sale
    action: delete
`,
			want: []Rule{
				{Name: "Promotions", SubjectContains: Patterns{"sale"}, Action: message.Delete},
			},
		},
	}
	for _, tc := range cases {
		got, err := Parse([]byte(tc.in))
		if err != nil {
			t.Errorf("%s: Parse() error: %v", tc.desc, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("%s: Parse() mismatch (-want +got):\n%s", tc.desc, diff)
		}
	}
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"just a string",
		"- name: x\n  action: explode\n  sender_contains: a\n",
		"- name: x\n  sender_contains: {a: b}\n  action: archive\n",
		"- [unclosed",
	}
	for _, in := range cases {
		if _, err := Parse([]byte(in)); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
		}
	}
}

func TestLoadFileMissing(t *testing.T) {
	got, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil || got != nil {
		t.Errorf("LoadFile(missing) = %v, %v; want nil, nil", got, err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", FileName)
	want := Examples()
	if err := SaveFile(path, want); err != nil {
		t.Fatalf("SaveFile() error: %v", err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveEmptyWritesCommentedExamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := SaveFile(path, nil); err != nil {
		t.Fatalf("SaveFile() error: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "# - name: Archive newsletters") {
		t.Errorf("saved file lacks commented examples:\n%s", b)
	}
	got, err := LoadFile(path)
	if err != nil || len(got) != 0 {
		t.Errorf("LoadFile() = %v, %v; want no rules", got, err)
	}
}

func TestAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	r := Rule{Name: "Receipts", SubjectContains: Patterns{"receipt"}, Action: message.MarkRead}
	if err := Append(path, r); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := Append(path, Rule{Name: "bad", Action: message.Delete}); err == nil {
		t.Error("Append(invalid rule) succeeded, want error")
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Rule{r}, got); diff != "" {
		t.Errorf("after Append mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveFileWritesSchema(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub")
	path := filepath.Join(dir, FileName)
	if err := SaveFile(path, Examples()); err != nil {
		t.Fatalf("SaveFile() error: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, SchemaFileName))
	if err != nil {
		t.Fatalf("schema not written: %v", err)
	}
	if diff := cmp.Diff(string(Schema()), string(got)); diff != "" {
		t.Errorf("schema mismatch (-want +got):\n%s", diff)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	first := strings.SplitN(string(b), "\n", 2)[0]
	if want := "# yaml-language-server: $schema=" + SchemaFileName; first != want {
		t.Errorf("first line = %q, want %q", first, want)
	}
}

func TestWriteSchemaReplacesStaleCopy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SchemaFileName)
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteSchema(dir); err != nil {
		t.Fatalf("WriteSchema() error: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(Schema()) {
		t.Errorf("stale schema left in place:\n%s", got)
	}
}

func TestSchemaDescribesRules(t *testing.T) {
	var s struct {
		Definitions struct {
			Rule struct {
				Properties map[string]struct {
					Enum []string `json:"enum"`
				} `json:"properties"`
				Required []string `json:"required"`
			} `json:"rule"`
		} `json:"definitions"`
	}
	if err := json.Unmarshal(Schema(), &s); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	rule := s.Definitions.Rule
	var props []string
	for _, name := range []string{"name", "sender_contains", "subject_contains", "action"} {
		if _, ok := rule.Properties[name]; ok {
			props = append(props, name)
		}
	}
	if diff := cmp.Diff([]string{"name", "sender_contains", "subject_contains", "action"}, props); diff != "" {
		t.Errorf("schema properties mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"name", "action"}, rule.Required); diff != "" {
		t.Errorf("required mismatch (-want +got):\n%s", diff)
	}
	for _, v := range rule.Properties["action"].Enum {
		if _, err := message.ParseAction(v); err != nil {
			t.Errorf("schema action %q is rejected: %v", v, err)
		}
	}
	for _, a := range message.Actions {
		found := false
		for _, v := range rule.Properties["action"].Enum {
			found = found || v == a.String()
		}
		if !found {
			t.Errorf("schema lacks action %q", a)
		}
	}
}
