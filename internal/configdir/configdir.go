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

// Package configdir locates the directory holding mailsweep's rules,
// tokens, configuration and journal.
package configdir

import (
	"os"
	"os/user"
	"path/filepath"

	"github.com/pkg/errors"
)

// App is the directory name under the user's config directory.
const App = "mailsweep"

// EnvOverride names a variable that, when set, replaces the whole
// directory path.
const EnvOverride = "MAILSWEEP_CONFIG_DIR"

// Home returns the user's home directory, or "" if it is unknown.
func Home() string {
	h := os.Getenv("HOME")
	if h != "" {
		return h
	}
	usr, err := user.Current()
	if err != nil {
		return ""
	}
	return usr.HomeDir
}

// Dir returns the application directory without creating it.
func Dir() (string, error) {
	if d := os.Getenv(EnvOverride); d != "" {
		return filepath.Clean(d), nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		home := Home()
		if home == "" {
			return "", errors.Wrap(err, "locating config directory")
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, App), nil
}

// Ensure returns the application directory, creating it if needed.
func Ensure() (string, error) {
	d, err := Dir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return "", errors.Wrapf(err, "creating %s", d)
	}
	return d, nil
}

// Path returns the location of name inside the application
// directory.
func Path(name string) (string, error) {
	d, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, name), nil
}
