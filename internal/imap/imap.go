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

// Package imap reads and cleans a mailbox on any IMAP server.
package imap

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"
)

// MaxBatchSize is the most requests one Submit handles.
const MaxBatchSize = 50

var ErrInvalidID = errors.New("invalid imap message id")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLS                bool
	InsecureSkipVerify bool
	// Mailbox is swept; ArchiveMailbox and TrashMailbox receive
	// archived and deleted messages.
	Mailbox        string
	ArchiveMailbox string
	TrashMailbox   string
}

func (o *Options) setDefaults() {
	if o.Port == 0 {
		o.Port = 993
		if !o.TLS {
			o.Port = 143
		}
	}
	if o.Mailbox == "" {
		o.Mailbox = "INBOX"
	}
	if o.ArchiveMailbox == "" {
		o.ArchiveMailbox = "Archive"
	}
	if o.TrashMailbox == "" {
		o.TrashMailbox = "Trash"
	}
}

// Session is one logged in connection with the mailbox selected.
// Commands are issued one at a time.
type Session struct {
	mu     sync.Mutex
	client *imapclient.Client
	opts   Options
	log    *slog.Logger
	stop   func() bool
}

// Dial connects, logs in and selects the mailbox to sweep.  The
// connection is closed if ctx is cancelled.
func Dial(ctx context.Context, opts Options, log *slog.Logger) (*Session, error) {
	opts.setDefaults()
	if opts.Host == "" {
		return nil, errors.New("imap host is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}

	var (
		client *imapclient.Client
		err    error
	)
	if opts.TLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial imap %s", address)
	}
	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "imap login failed")
	}
	data, err := client.Select(opts.Mailbox, nil).Wait()
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "selecting %s", opts.Mailbox)
	}
	log = log.With("provider", "imap", "mailbox", opts.Mailbox)
	log.Debug("imap connection established", "address", address, "user", opts.Username,
		"messages", data.NumMessages, "tls", opts.TLS)

	s := &Session{client: client, opts: opts, log: log}
	s.stop = context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	return s, nil
}

// Close logs out and closes the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop() {
		if err := s.client.Logout().Wait(); err != nil {
			s.log.Warn("imap logout failed", "err", err)
		}
	}
	return s.client.Close()
}

// isTransient reports whether a failed command may succeed later.
func isTransient(err error) bool {
	var respErr *imapv2.Error
	if !errors.As(err, &respErr) {
		// Connection level failures.
		return true
	}
	if respErr.Type == imapv2.StatusResponseTypeBye {
		return true
	}
	switch respErr.Code {
	case imapv2.ResponseCodeUnavailable, imapv2.ResponseCodeLimit,
		imapv2.ResponseCodeInUse, imapv2.ResponseCodeServerBug:
		return true
	}
	return false
}

func formatUID(uid imapv2.UID) string {
	return strconv.FormatUint(uint64(uid), 10)
}

func parseUID(id string) (imapv2.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, errors.Wrapf(ErrInvalidID, "%q", id)
	}
	return imapv2.UID(n), nil
}
