// Package sqlitestore implements the rewind backend on SQLite via the
// modernc.org/sqlite driver. It needs no cgo and no server, which makes it a
// good fit for single-process deployments, local development and tests
// (":memory:" works).
//
// The store limits itself to one connection: SQLite is a single-writer
// database, and an in-memory database only exists on the connection that
// opened it.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nvcnvn/rewind"
)

// SchemaSQL creates the tables and indexes the store needs. Open runs it
// automatically; pass it to your migration tool when managing the database
// yourself.
//
// Timestamps are stored as integer Unix nanoseconds so ordering and
// comparisons never depend on driver string formats.
const SchemaSQL = `
CREATE TABLE IF NOT EXISTS instances (
	instance_id  TEXT PRIMARY KEY,
	workflow     TEXT NOT NULL,
	status       TEXT NOT NULL,
	input        BLOB,
	output       BLOB,
	failure      BLOB,
	parent_id    TEXT,
	parent_corr  INTEGER,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS history (
	instance_id TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	correlation INTEGER NOT NULL DEFAULT 0,
	payload     BLOB,
	PRIMARY KEY (instance_id, seq)
);

CREATE TABLE IF NOT EXISTS inbox (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id TEXT NOT NULL,
	dedup_key   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	correlation INTEGER NOT NULL DEFAULT 0,
	payload     BLOB,
	consumed_at INTEGER,
	UNIQUE (instance_id, dedup_key)
);

CREATE INDEX IF NOT EXISTS inbox_pending_idx
	ON inbox (instance_id, id) WHERE consumed_at IS NULL;

CREATE TABLE IF NOT EXISTS leases (
	instance_id TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	expires_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	kind          TEXT NOT NULL,
	instance_id   TEXT NOT NULL,
	dedup_key     TEXT,
	activity      TEXT,
	correlation   INTEGER NOT NULL DEFAULT 0,
	input         BLOB,
	attempt       INTEGER NOT NULL DEFAULT 1,
	fire_at       INTEGER,
	visible_at    INTEGER NOT NULL,
	claimed_by    TEXT,
	claimed_until INTEGER,
	done_at       INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS tasks_dedup_idx
	ON tasks (dedup_key) WHERE dedup_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS tasks_ready_idx
	ON tasks (visible_at, id) WHERE done_at IS NULL;
`

// Config configures codec, claim window and clock.
type Config struct {
	// Codec encodes event payloads, inputs and outputs. Defaults to JSON.
	Codec rewind.Codec

	// ClaimTTL is how long a dequeued task stays invisible before it is
	// considered abandoned by a dead worker and redelivered. Defaults to
	// one minute.
	ClaimTTL time.Duration

	// Clock overrides the wall clock, so tests can control task visibility
	// and lease expiry. Defaults to time.Now.
	Clock func() time.Time
}

func (c Config) codec() rewind.Codec {
	if c.Codec == nil {
		return rewind.JSONCodec{}
	}
	return c.Codec
}

func (c Config) claimTTL() time.Duration {
	if c.ClaimTTL <= 0 {
		return time.Minute
	}
	return c.ClaimTTL
}

func (c Config) clock() func() time.Time {
	if c.Clock == nil {
		return time.Now
	}
	return c.Clock
}

// Store is a rewind.Backend on a SQLite database.
type Store struct {
	db       *sql.DB
	codec    rewind.Codec
	claimTTL time.Duration
	clock    func() time.Time
}

var _ rewind.Backend = (*Store)(nil)

// Open opens (or creates) the database at path, applies the schema and
// returns a ready store. Use ":memory:" for an in-memory database.
func Open(path string, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(SchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return NewStore(db, cfg), nil
}

// NewStore wraps an existing database handle. The schema must already be
// applied and the handle limited to a single connection.
func NewStore(db *sql.DB, cfg Config) *Store {
	return &Store{
		db:       db,
		codec:    cfg.codec(),
		claimTTL: cfg.claimTTL(),
		clock:    cfg.clock(),
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) now() int64 {
	return s.clock().UnixNano()
}

func toNS(t time.Time) int64 {
	return t.UnixNano()
}

func fromNS(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
