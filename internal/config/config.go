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

// Package config loads mailsweep's settings from config.toml and the
// command line.  Flags win over the file; the file wins over the
// defaults.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matta/mailsweep/internal/batch"
	"github.com/matta/mailsweep/internal/configdir"
	"github.com/matta/mailsweep/internal/logging"
	"github.com/matta/mailsweep/internal/rules"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// FileName is the config file's base name in the config directory.
const FileName = "config.toml"

// Providers.
const (
	Gmail = "gmail"
	Graph = "graph"
	IMAP  = "imap"
)

// PasswordEnv supplies the IMAP password when the config has none.
const PasswordEnv = "MAILSWEEP_IMAP_PASSWORD"

type GmailConfig struct {
	// Credentials is the OAuth client JSON from the Google Cloud
	// console.  Relative paths are taken from the config directory.
	Credentials string `toml:"credentials"`
}

type IMAPConfig struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	Username           string `toml:"username"`
	Password           string `toml:"password"`
	TLS                bool   `toml:"tls"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	Mailbox            string `toml:"mailbox"`
	ArchiveMailbox     string `toml:"archive_mailbox"`
	TrashMailbox       string `toml:"trash_mailbox"`
}

// Config captures every setting of one invocation.
type Config struct {
	Provider  string `toml:"provider"`
	RulesFile string `toml:"rules_file"`

	BatchSize     int           `toml:"batch_size"`
	MaxRetries    int           `toml:"max_retries"`
	BaseDelay     time.Duration `toml:"base_delay"`
	MaxDelay      time.Duration `toml:"max_delay"`
	SubmitTimeout time.Duration `toml:"submit_timeout"`
	FetchTimeout  time.Duration `toml:"fetch_timeout"`
	PageSize      int           `toml:"page_size"`
	Parallelism   int           `toml:"parallelism"`

	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
	LogFile     string `toml:"log_file"`
	Journal     bool   `toml:"journal"`
	MetricsFile string `toml:"metrics_file"`
	Trace       bool   `toml:"trace"`

	Gmail GmailConfig `toml:"gmail"`
	IMAP  IMAPConfig  `toml:"imap"`

	// Dir is the config directory everything else is relative to.
	Dir string `toml:"-"`
	// Path is the config file that was read, if any.
	Path string `toml:"-"`
	// Unknown lists keys in the file that matched no setting.
	Unknown []string `toml:"-"`
}

// Defaults returns the settings used when nothing else is given.
func Defaults() Config {
	b := batch.DefaultOptions()
	return Config{
		Provider:      Gmail,
		BatchSize:     b.BatchSize,
		MaxRetries:    b.MaxRetries,
		BaseDelay:     b.BaseDelay,
		MaxDelay:      b.MaxDelay,
		SubmitTimeout: b.SubmitTimeout,
		FetchTimeout:  30 * time.Second,
		PageSize:      100,
		Parallelism:   b.Parallelism,
		LogLevel:      "warn",
		LogFormat:     "text",
		Journal:       true,
		Gmail:         GmailConfig{Credentials: "client_secret.json"},
		IMAP: IMAPConfig{
			Port:           993,
			TLS:            true,
			Mailbox:        "INBOX",
			ArchiveMailbox: "Archive",
			TrashMailbox:   "Trash",
		},
	}
}

// RegisterFlags attaches the global flags to the root command.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to config.toml (default: in the config directory)")
	flags.String("provider", "", "Mail provider: gmail, graph or imap")
	flags.String("rules", "", "Path to the rules file (default: rules.yaml in the config directory)")
	flags.Int("batch-size", 0, "Actions per batch request (capped by the provider)")
	flags.Int("max-retries", 0, "Submissions per action before giving up")
	flags.Int("page-size", 0, "Messages fetched per page")
	flags.Int("parallelism", 0, "Batches in flight at once")
	flags.String("log-level", "", "Logging level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text or json")
	flags.String("log-file", "", "Also append logs to this file")
	flags.Bool("trace", false, "Log every HTTP request and response at debug level")
	flags.Bool("no-journal", false, "Do not record runs in the journal")
	flags.String("metrics-file", "", "Write Prometheus metrics for each run to this file")
}

// Load reads the config file and applies any flags set on cmd.
func Load(cmd *cobra.Command) (Config, error) {
	cfg := Defaults()
	dir, err := configdir.Dir()
	if err != nil {
		return Config{}, err
	}
	cfg.Dir = dir

	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	explicit := path != ""
	if !explicit {
		path = filepath.Join(dir, FileName)
	}
	if err := cfg.decodeFile(path, explicit); err != nil {
		return Config{}, err
	}

	if err := applyFlags(cmd, &cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeFile merges the TOML file at path into cfg.  A missing file
// is only an error if the user named it.
func (cfg *Config) decodeFile(path string, explicit bool) error {
	md, err := toml.DecodeFile(path, cfg)
	if os.IsNotExist(errors.Cause(err)) && !explicit {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading config %s", path)
	}
	cfg.Path = path
	for _, key := range md.Undecoded() {
		cfg.Unknown = append(cfg.Unknown, key.String())
	}
	return nil
}

func applyFlags(cmd *cobra.Command, cfg *Config) error {
	flags := cmd.Flags()
	str := func(name string, dst *string) error {
		if !flags.Changed(name) {
			return nil
		}
		v, err := flags.GetString(name)
		*dst = v
		return err
	}
	num := func(name string, dst *int) error {
		if !flags.Changed(name) {
			return nil
		}
		v, err := flags.GetInt(name)
		*dst = v
		return err
	}
	steps := []error{
		str("provider", &cfg.Provider),
		str("rules", &cfg.RulesFile),
		num("batch-size", &cfg.BatchSize),
		num("max-retries", &cfg.MaxRetries),
		num("page-size", &cfg.PageSize),
		num("parallelism", &cfg.Parallelism),
		str("log-level", &cfg.LogLevel),
		str("log-format", &cfg.LogFormat),
		str("log-file", &cfg.LogFile),
		str("metrics-file", &cfg.MetricsFile),
	}
	for _, err := range steps {
		if err != nil {
			return err
		}
	}
	if flags.Changed("trace") {
		v, err := flags.GetBool("trace")
		if err != nil {
			return err
		}
		cfg.Trace = v
	}
	if flags.Changed("no-journal") {
		v, err := flags.GetBool("no-journal")
		if err != nil {
			return err
		}
		cfg.Journal = !v
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.IMAP.Password == "" {
		cfg.IMAP.Password = os.Getenv(PasswordEnv)
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Provider {
	case Gmail, Graph, IMAP:
	default:
		return errors.Errorf("invalid provider %q: want gmail, graph or imap", cfg.Provider)
	}
	if cfg.BatchSize < 1 {
		return errors.New("batch_size must be at least 1")
	}
	if cfg.MaxRetries < 1 {
		return errors.New("max_retries must be at least 1")
	}
	if cfg.PageSize < 1 {
		return errors.New("page_size must be at least 1")
	}
	if cfg.Parallelism < 1 {
		return errors.New("parallelism must be at least 1")
	}
	if cfg.BaseDelay < 0 || cfg.MaxDelay < cfg.BaseDelay {
		return errors.New("need 0 <= base_delay <= max_delay")
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return errors.Errorf("invalid log_format %q", cfg.LogFormat)
	}
	if cfg.IMAP.Port < 1 || cfg.IMAP.Port > 65535 {
		return errors.New("imap port must be between 1 and 65535")
	}
	return nil
}

// ValidateIMAP checks the settings needed to connect to an IMAP
// server.
func (cfg Config) ValidateIMAP() error {
	if cfg.IMAP.Host == "" {
		return errors.New("imap.host is required")
	}
	if cfg.IMAP.Username == "" {
		return errors.New("imap.username is required")
	}
	if cfg.IMAP.Password == "" {
		return errors.Errorf("IMAP password must be set in config.toml or the %s env var", PasswordEnv)
	}
	return nil
}

// Resolve makes a path relative to the config directory absolute.
func (cfg Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.Dir, p)
}

// RulesPath is where the rule file lives.
func (cfg Config) RulesPath() string {
	if cfg.RulesFile != "" {
		return cfg.Resolve(cfg.RulesFile)
	}
	return filepath.Join(cfg.Dir, rules.FileName)
}
