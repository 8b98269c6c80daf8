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

// Package journal keeps a SQLite record of past sweeps and the fate
// of every action they attempted.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/matta/mailsweep/internal/batch"
	"github.com/matta/mailsweep/internal/message"

	"github.com/pkg/errors"
)

// FileName is the journal's base name in the config directory.
const FileName = "journal.db"

var createTableSql = []string{
	// One row per sweep.
	//
	// Field: started_at, duration_ns
	//
	//   Unix nanoseconds and elapsed nanoseconds.
	//
	// Field: dry_run
	//
	//   Non-zero if the plan was previewed but not executed.  Such
	//   runs have no run_items rows.
	`
CREATE TABLE IF NOT EXISTS runs (
run_id INTEGER PRIMARY KEY AUTOINCREMENT,
started_at INTEGER NOT NULL,
provider TEXT NOT NULL,
dry_run INTEGER NOT NULL,
scanned INTEGER NOT NULL,
matched INTEGER NOT NULL,
succeeded INTEGER NOT NULL,
failed INTEGER NOT NULL,
skipped INTEGER NOT NULL,
cancelled INTEGER NOT NULL,
rounds INTEGER NOT NULL,
duration_ns INTEGER NOT NULL
);`,
	// One row per planned action, in plan order.
	//
	// Field: status
	//
	//   "succeeded", "failed" or "skipped".
	`
CREATE TABLE IF NOT EXISTS run_items (
run_id INTEGER NOT NULL,
seq INTEGER NOT NULL,
message_id TEXT NOT NULL,
action TEXT NOT NULL,
rule TEXT NOT NULL,
status TEXT NOT NULL,
attempts INTEGER NOT NULL,
code INTEGER NOT NULL,
reason TEXT NOT NULL,
PRIMARY KEY (run_id, seq)
FOREIGN KEY (run_id) REFERENCES runs (run_id)
);`,
}

// Run summarizes one sweep.
type Run struct {
	ID        int64
	Started   time.Time
	Provider  string
	DryRun    bool
	Scanned   int
	Matched   int
	Succeeded int
	Failed    int
	Skipped   int
	Cancelled bool
	Rounds    int
	Duration  time.Duration
}

type DB struct {
	db  *sql.DB
	log *slog.Logger
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens or creates the journal at path.  The caller must import
// a driver registered as "sqlite3".
func Open(ctx context.Context, path string, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}
	// _busy_timeout is how long SQLite polls a locked database before
	// giving up.  Two sweeps at once should wait, not fail.
	busyTimeout := int(time.Minute / time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from the given path", path)
	}
	log.Debug("opening journal", "dsn", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "Open(%q) failed: could not open database", path)
	}

	if err = initSchema(ctx, db, log); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the database schema", path)
	}
	return &DB{db: db, log: log}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB, log *slog.Logger) error {
	for _, sql := range createTableSql {
		log.Debug("SQL Exec", "sql", sql)
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RecordRun stores run and, if rep is non-nil, every item in it.  The
// outcome counts in run are taken from rep when it is given.  It
// returns the new run's ID.
func (db *DB) RecordRun(ctx context.Context, run Run, rep *batch.Report) (int64, error) {
	if rep != nil {
		run.Succeeded = rep.Succeeded
		run.Failed = len(rep.Failed)
		run.Skipped = len(rep.Skipped)
		run.Cancelled = rep.Cancelled
		run.Rounds = rep.Rounds
		if run.Duration == 0 {
			run.Duration = rep.Duration
		}
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
INSERT INTO runs (started_at, provider, dry_run, scanned, matched,
  succeeded, failed, skipped, cancelled, rounds, duration_ns)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.Started.UnixNano(), run.Provider, boolInt(run.DryRun),
		run.Scanned, run.Matched, run.Succeeded, run.Failed, run.Skipped,
		boolInt(run.Cancelled), run.Rounds, int64(run.Duration))
	if err != nil {
		return 0, errors.Wrap(err, "db insert failed for run")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "reading run id")
	}

	if rep != nil && len(rep.Items) > 0 {
		insert, err := tx.PrepareContext(ctx, `
INSERT INTO run_items (run_id, seq, message_id, action, rule, status,
  attempts, code, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
		if err != nil {
			return 0, errors.Wrap(err, "db prepare statement failed for run_items")
		}
		defer insert.Close()
		for seq, it := range rep.Items {
			_, err := insert.ExecContext(ctx, id, seq, it.MessageID,
				it.Action.String(), it.RuleName, it.Status.String(),
				it.Attempts, it.Code, it.Reason)
			if err != nil {
				return 0, errors.Wrapf(err, "db insert failed for item %s", it.MessageID)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit failed")
	}
	db.log.Debug("run recorded", "run_id", id, "items", run.Succeeded+run.Failed+run.Skipped)
	return id, nil
}

// RecentRuns returns up to limit runs, newest first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.db.QueryContext(ctx, `
SELECT run_id, started_at, provider, dry_run, scanned, matched,
  succeeded, failed, skipped, cancelled, rounds, duration_ns
FROM runs ORDER BY run_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in RecentRuns")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			started, elapsed  int64
			dryRun, cancelled int
		)
		err := rows.Scan(&r.ID, &started, &r.Provider, &dryRun,
			&r.Scanned, &r.Matched, &r.Succeeded, &r.Failed, &r.Skipped,
			&cancelled, &r.Rounds, &elapsed)
		if err != nil {
			return nil, errors.Wrap(err, "db scan failed in RecentRuns")
		}
		r.Started = time.Unix(0, started)
		r.Duration = time.Duration(elapsed)
		r.DryRun = dryRun != 0
		r.Cancelled = cancelled != 0
		runs = append(runs, r)
	}
	return runs, errors.Wrap(rows.Err(), "RecentRuns")
}

// Items returns the recorded items of one run in plan order.  If only
// is non-nil, items in other states are left out.
func (db *DB) Items(ctx context.Context, runID int64, only *batch.Status) ([]batch.Item, error) {
	q := `
SELECT message_id, action, rule, status, attempts, code, reason
FROM run_items WHERE run_id = $1`
	args := []any{runID}
	if only != nil {
		q += ` AND status = $2`
		args = append(args, only.String())
	}
	q += ` ORDER BY seq`
	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in Items")
	}
	defer rows.Close()

	var items []batch.Item
	for rows.Next() {
		var it batch.Item
		var action, status string
		if err := rows.Scan(&it.MessageID, &action, &it.RuleName, &status,
			&it.Attempts, &it.Code, &it.Reason); err != nil {
			return nil, errors.Wrap(err, "db scan failed in Items")
		}
		if it.Action, err = message.ParseAction(action); err != nil {
			return nil, err
		}
		if err := it.Status.UnmarshalText([]byte(status)); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, errors.Wrap(rows.Err(), "Items")
}
