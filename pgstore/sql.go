package pgstore

// This file centralizes SQL statement strings so call sites don't need to
// format table names inline. The only dynamic part is the schema-qualified
// table name embedded in dbTables.

func (t dbTables) insertInstanceSQL() string {
	return `INSERT INTO ` + t.instances + ` (instance_id, workflow, status, input, parent_id, parent_corr, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())`
}

func (t dbTables) getInstanceSQL() string {
	return `
		SELECT instance_id, workflow, status, input, output, failure, parent_id, parent_corr, created_at, updated_at
		FROM ` + t.instances + `
		WHERE instance_id = $1
	`
}

func (t dbTables) lockInstanceSQL() string {
	return `SELECT status FROM ` + t.instances + ` WHERE instance_id = $1 FOR UPDATE`
}

func (t dbTables) setInstanceOutcomeSQL() string {
	return `UPDATE ` + t.instances + `
		SET status = $2, output = $3, failure = $4, updated_at = now()
		WHERE instance_id = $1`
}

func (t dbTables) restartInstanceSQL() string {
	return `UPDATE ` + t.instances + `
		SET status = $2, input = $3, output = NULL, failure = NULL, updated_at = now()
		WHERE instance_id = $1`
}

func (t dbTables) insertEventSQL() string {
	return `INSERT INTO ` + t.history + ` (instance_id, seq, kind, ts, correlation, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`
}

func (t dbTables) loadHistorySQL() string {
	return `
		SELECT seq, kind, ts, correlation, payload
		FROM ` + t.history + `
		WHERE instance_id = $1
		ORDER BY seq ASC
	`
}

func (t dbTables) lastSeqSQL() string {
	return `SELECT COALESCE(MAX(seq), 0) FROM ` + t.history + ` WHERE instance_id = $1`
}

func (t dbTables) deleteHistorySQL() string {
	return `DELETE FROM ` + t.history + ` WHERE instance_id = $1`
}

func (t dbTables) insertInboxSQL() string {
	return `
		INSERT INTO ` + t.inbox + ` (instance_id, dedup_key, kind, ts, correlation, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (instance_id, dedup_key) DO NOTHING
	`
}

func (t dbTables) readInboxSQL() string {
	return `
		SELECT id, dedup_key, kind, ts, correlation, payload
		FROM ` + t.inbox + `
		WHERE instance_id = $1 AND consumed_at IS NULL
		ORDER BY id ASC
	`
}

func (t dbTables) consumeInboxSQL() string {
	return `UPDATE ` + t.inbox + `
		SET consumed_at = now()
		WHERE instance_id = $1 AND id = ANY($2)`
}

func (t dbTables) acquireLeaseSQL() string {
	return `
		INSERT INTO ` + t.leases + ` (instance_id, owner, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3))
		ON CONFLICT (instance_id) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE ` + t.leases + `.owner = EXCLUDED.owner OR ` + t.leases + `.expires_at <= now()
	`
}

func (t dbTables) renewLeaseSQL() string {
	return `UPDATE ` + t.leases + `
		SET expires_at = now() + make_interval(secs => $3)
		WHERE instance_id = $1 AND owner = $2 AND expires_at > now()`
}

func (t dbTables) releaseLeaseSQL() string {
	return `DELETE FROM ` + t.leases + ` WHERE instance_id = $1 AND owner = $2`
}

func (t dbTables) checkLeaseSQL() string {
	return `SELECT 1 FROM ` + t.leases + `
		WHERE instance_id = $1 AND owner = $2 AND expires_at > now()`
}

func (t dbTables) insertTaskSQL() string {
	return `
		INSERT INTO ` + t.tasks + ` (kind, instance_id, dedup_key, activity, correlation, input, attempt, fire_at, visible_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING
	`
}

func (t dbTables) claimTaskSQL() string {
	return `
		SELECT id, kind, instance_id, activity, correlation, input, attempt, fire_at
		FROM ` + t.tasks + `
		WHERE done_at IS NULL
		  AND visible_at <= now()
		  AND (claimed_until IS NULL OR claimed_until <= now())
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
}

func (t dbTables) markClaimedSQL() string {
	return `UPDATE ` + t.tasks + `
		SET claimed_by = $2, claimed_until = now() + make_interval(secs => $3)
		WHERE id = $1`
}

func (t dbTables) deleteTaskSQL() string {
	return `DELETE FROM ` + t.tasks + ` WHERE id = $1`
}

func (t dbTables) markTaskDoneSQL() string {
	return `UPDATE ` + t.tasks + `
		SET done_at = now(), claimed_by = NULL, claimed_until = NULL
		WHERE id = $1`
}

func (t dbTables) releaseTaskSQL() string {
	return `UPDATE ` + t.tasks + `
		SET claimed_by = NULL, claimed_until = NULL, visible_at = now() + make_interval(secs => $2)
		WHERE id = $1 AND done_at IS NULL`
}

func (t dbTables) purgeInstanceSQL() string {
	return `DELETE FROM ` + t.instances + ` WHERE instance_id = $1 AND status <> 'RUNNING'`
}

func (t dbTables) purgeTasksSQL() string {
	return `DELETE FROM ` + t.tasks + ` WHERE instance_id = $1`
}

func (t dbTables) purgeLeaseSQL() string {
	return `DELETE FROM ` + t.leases + ` WHERE instance_id = $1`
}
