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

// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ParseLevel accepts debug, info, warn (or warning) and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errors.Errorf("invalid log level %q", s)
}

// Options select where and how logs are written.
type Options struct {
	Level string
	// Format is "text" (the default) or "json".
	Format string
	// File, if set, receives a copy of every record.
	File string
	// Stderr is the console destination; nil means os.Stderr.
	Stderr io.Writer
}

// Setup builds a logger, installs it as the slog default and returns
// it with a function that closes any log file.
func Setup(opts Options) (*slog.Logger, func() error, error) {
	cleanup := func() error { return nil }
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, cleanup, err
	}
	var w io.Writer = opts.Stderr
	if w == nil {
		w = os.Stderr
	}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, cleanup, errors.Wrap(err, "creating log directory")
		}
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, errors.Wrap(err, "opening log file")
		}
		w = io.MultiWriter(w, file)
		cleanup = file.Close
	}

	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, hopts)
	case "json":
		h = slog.NewJSONHandler(w, hopts)
	default:
		cleanup()
		return nil, func() error { return nil }, errors.Errorf("invalid log format %q", opts.Format)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger, cleanup, nil
}
