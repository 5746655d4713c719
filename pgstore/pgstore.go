// Package pgstore implements the rewind backend on PostgreSQL. Histories,
// inboxes, leases and the task queue live in five tables under one schema;
// activation commits are single transactions and task claims use
// SELECT ... FOR UPDATE SKIP LOCKED.
package pgstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nvcnvn/rewind"
)

// DefaultSchema is the Postgres schema used when none is configured.
//
// With unprefixed table names (instances, history, inbox, leases, tasks),
// using a dedicated schema avoids collisions with application tables.
const DefaultSchema = "rewind"

// Config configures where the store keeps its tables and how it claims
// tasks.
type Config struct {
	// Schema is the Postgres schema containing the rewind tables.
	// If empty, DefaultSchema is used.
	Schema string

	// Codec encodes event payloads, inputs and outputs. Defaults to JSON.
	Codec rewind.Codec

	// ClaimTTL is how long a dequeued task stays invisible before it is
	// considered abandoned by a dead worker and redelivered. Defaults to
	// one minute.
	ClaimTTL time.Duration
}

func (c Config) schema() string {
	if c.Schema == "" {
		return DefaultSchema
	}
	// Keep identifiers conservative to avoid SQL injection. If invalid, fall back.
	for i, r := range c.Schema {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return DefaultSchema
		}
		if i == 0 && unicode.IsDigit(r) {
			return DefaultSchema
		}
	}
	return c.Schema
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

type dbTables struct {
	instances string
	history   string
	inbox     string
	leases    string
	tasks     string
}

func newDBTables(cfg Config) dbTables {
	schema := cfg.schema()
	return dbTables{
		instances: pgx.Identifier{schema, "instances"}.Sanitize(),
		history:   pgx.Identifier{schema, "history"}.Sanitize(),
		inbox:     pgx.Identifier{schema, "inbox"}.Sanitize(),
		leases:    pgx.Identifier{schema, "leases"}.Sanitize(),
		tasks:     pgx.Identifier{schema, "tasks"}.Sanitize(),
	}
}

// Store is a rewind.Backend on a pgx connection pool. It is safe for
// concurrent use; any number of workers and clients can share one Store or
// open their own against the same database.
type Store struct {
	pool     *pgxpool.Pool
	codec    rewind.Codec
	t        dbTables
	claimTTL time.Duration
}

var _ rewind.Backend = (*Store)(nil)

// NewStore creates a store over the given pool. The schema must already
// exist; run SchemaSQLFor(cfg.Schema) to create it.
func NewStore(pool *pgxpool.Pool, cfg Config) *Store {
	return &Store{
		pool:     pool,
		codec:    cfg.codec(),
		t:        newDBTables(cfg),
		claimTTL: cfg.claimTTL(),
	}
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		rollbackErr := tx.Rollback(ctx)
		if rollbackErr != nil && rollbackErr != pgx.ErrTxClosed {
			slog.Error("pgstore rollback error", "error", rollbackErr)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
