package pgstore

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SchemaSQL is the default schema (DefaultSchema) required by this package.
//
// Notes:
// - payloads, inputs and outputs are stored as bytea; what is inside depends
//   on the configured codec (the default codec is JSON).
// - task and inbox rows carry unique dedup keys; completed activity and timer
//   task rows are kept so a re-enqueue of the same work is a no-op.
var SchemaSQL = SchemaSQLFor(DefaultSchema)

// SchemaSQLFor returns the schema required by this package for a given
// Postgres schema name.
//
// The schema name is validated conservatively and will fall back to
// DefaultSchema if invalid.
func SchemaSQLFor(schema string) string {
	cfg := Config{Schema: schema}
	schema = cfg.schema()
	schemaIdent := pgx.Identifier{schema}.Sanitize()
	t := newDBTables(cfg)

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
	instance_id  text PRIMARY KEY,
	workflow     text NOT NULL,
	status       text NOT NULL,
	input        bytea,
	output       bytea,
	failure      bytea,
	parent_id    text,
	parent_corr  bigint,
	created_at   timestamptz NOT NULL DEFAULT now(),
	updated_at   timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
	instance_id text NOT NULL,
	seq         bigint NOT NULL,
	kind        text NOT NULL,
	ts          timestamptz NOT NULL,
	correlation bigint NOT NULL DEFAULT 0,
	payload     bytea,
	PRIMARY KEY (instance_id, seq),
	FOREIGN KEY (instance_id)
		REFERENCES %s(instance_id)
		ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS %s (
	id          bigserial PRIMARY KEY,
	instance_id text NOT NULL,
	dedup_key   text NOT NULL,
	kind        text NOT NULL,
	ts          timestamptz NOT NULL,
	correlation bigint NOT NULL DEFAULT 0,
	payload     bytea,
	consumed_at timestamptz,
	created_at  timestamptz NOT NULL DEFAULT now(),
	UNIQUE (instance_id, dedup_key),
	FOREIGN KEY (instance_id)
		REFERENCES %s(instance_id)
		ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS inbox_pending_idx
	ON %s (instance_id, id) WHERE consumed_at IS NULL;

CREATE TABLE IF NOT EXISTS %s (
	instance_id text PRIMARY KEY,
	owner       text NOT NULL,
	expires_at  timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS %s (
	id            bigserial PRIMARY KEY,
	kind          text NOT NULL,
	instance_id   text NOT NULL,
	dedup_key     text,
	activity      text,
	correlation   bigint NOT NULL DEFAULT 0,
	input         bytea,
	attempt       int NOT NULL DEFAULT 1,
	fire_at       timestamptz,
	visible_at    timestamptz NOT NULL DEFAULT now(),
	claimed_by    text,
	claimed_until timestamptz,
	done_at       timestamptz,
	created_at    timestamptz NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS tasks_dedup_idx
	ON %s (dedup_key) WHERE dedup_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS tasks_ready_idx
	ON %s (visible_at, id) WHERE done_at IS NULL;
`,
		schemaIdent,
		t.instances,
		t.history,
		t.instances,
		t.inbox,
		t.instances,
		t.inbox,
		t.leases,
		t.tasks,
		t.tasks,
		t.tasks,
	)
}
