package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nvcnvn/rewind"
)

// isUniqueViolation matches by message because the driver reports both
// primary key and unique index violations the same way.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) encodePayload(e *rewind.Event) ([]byte, error) {
	data, err := s.codec.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", e.Kind, err)
	}
	return data, nil
}

func (s *Store) decodeEvent(seq int64, kind string, ts int64, correlation int64, payload []byte) (*rewind.Event, error) {
	p, err := rewind.NewEventPayload(rewind.EventKind(kind))
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := s.codec.Unmarshal(payload, p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
		}
	}
	return &rewind.Event{
		Seq:         seq,
		Kind:        rewind.EventKind(kind),
		Timestamp:   fromNS(ts),
		Correlation: correlation,
		Payload:     p,
	}, nil
}

func (s *Store) encodeFailure(f *rewind.FailureDetails) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	data, err := s.codec.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode failure: %w", err)
	}
	return data, nil
}

func (s *Store) decodeFailure(data []byte) (*rewind.FailureDetails, error) {
	if len(data) == 0 {
		return nil, nil
	}
	f := &rewind.FailureDetails{}
	if err := s.codec.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to decode failure: %w", err)
	}
	return f, nil
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, instanceID string, e *rewind.Event) error {
	payload, err := s.encodePayload(e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO history (instance_id, seq, kind, ts, correlation, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		instanceID, e.Seq, string(e.Kind), toNS(e.Timestamp), e.Correlation, payload)
	if err != nil {
		if isUniqueViolation(err) {
			return rewind.ErrSequenceConflict
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *Store) CreateInstance(ctx context.Context, info *rewind.InstanceInfo, start *rewind.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var parentID *string
		var parentCorr *int64
		if info.Parent != nil {
			parentID = &info.Parent.InstanceID
			parentCorr = &info.Parent.Correlation
		}
		now := s.now()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO instances (instance_id, workflow, status, input, parent_id, parent_corr, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			info.InstanceID, info.Workflow, string(info.Status), info.Input,
			parentID, parentCorr, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return rewind.ErrInstanceExists
			}
			return fmt.Errorf("failed to insert instance: %w", err)
		}
		return s.insertEvent(ctx, tx, info.InstanceID, start)
	})
}

func (s *Store) GetInstance(ctx context.Context, instanceID string) (*rewind.InstanceInfo, error) {
	info := &rewind.InstanceInfo{}
	var status string
	var failure []byte
	var parentID *string
	var parentCorr *int64
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id, workflow, status, input, output, failure, parent_id, parent_corr, created_at, updated_at
		 FROM instances WHERE instance_id = ?`, instanceID).Scan(
		&info.InstanceID, &info.Workflow, &status, &info.Input, &info.Output,
		&failure, &parentID, &parentCorr, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, rewind.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	info.Status = rewind.ExecutionStatus(status)
	info.CreatedAt = fromNS(createdAt)
	info.UpdatedAt = fromNS(updatedAt)
	if info.Failure, err = s.decodeFailure(failure); err != nil {
		return nil, err
	}
	if parentID != nil {
		corr := int64(0)
		if parentCorr != nil {
			corr = *parentCorr
		}
		info.Parent = &rewind.ParentRef{InstanceID: *parentID, Correlation: corr}
	}
	return info, nil
}

func (s *Store) LoadHistory(ctx context.Context, instanceID string) ([]*rewind.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, ts, correlation, payload FROM history WHERE instance_id = ? ORDER BY seq ASC`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var events []*rewind.Event
	for rows.Next() {
		var seq, ts, correlation int64
		var kind string
		var payload []byte
		if err := rows.Scan(&seq, &kind, &ts, &correlation, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e, err := s.decodeEvent(seq, kind, ts, correlation, payload)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if len(events) == 0 {
		if _, err := s.GetInstance(ctx, instanceID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *Store) AppendInbox(ctx context.Context, instanceID string, msgs []*rewind.InboxMessage) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM instances WHERE instance_id = ?`, instanceID).Scan(&one)
		if err == sql.ErrNoRows {
			return rewind.ErrInstanceNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check instance: %w", err)
		}
		for _, m := range msgs {
			payload, err := s.encodePayload(m.Event)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO inbox (instance_id, dedup_key, kind, ts, correlation, payload)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				instanceID, m.DedupKey, string(m.Event.Kind), toNS(m.Event.Timestamp),
				m.Event.Correlation, payload)
			if err != nil {
				return fmt.Errorf("failed to insert inbox message: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ReadInbox(ctx context.Context, instanceID string) ([]*rewind.InboxMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dedup_key, kind, ts, correlation, payload
		 FROM inbox WHERE instance_id = ? AND consumed_at IS NULL ORDER BY id ASC`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	defer rows.Close()

	var msgs []*rewind.InboxMessage
	for rows.Next() {
		var id, ts, correlation int64
		var dedupKey, kind string
		var payload []byte
		if err := rows.Scan(&id, &dedupKey, &kind, &ts, &correlation, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan inbox message: %w", err)
		}
		e, err := s.decodeEvent(0, kind, ts, correlation, payload)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, &rewind.InboxMessage{ID: id, DedupKey: dedupKey, Event: e})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	return msgs, nil
}

func (s *Store) CommitActivation(ctx context.Context, commit *rewind.ActivationCommit) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM instances WHERE instance_id = ?`, commit.InstanceID).Scan(&status)
		if err == sql.ErrNoRows {
			return rewind.ErrInstanceNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check instance: %w", err)
		}

		if commit.Owner != "" {
			var one int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM leases WHERE instance_id = ? AND owner = ? AND expires_at > ?`,
				commit.InstanceID, commit.Owner, s.now()).Scan(&one)
			if err == sql.ErrNoRows {
				return rewind.ErrLeaseNotHeld
			}
			if err != nil {
				return fmt.Errorf("failed to check lease: %w", err)
			}
		}

		var lastSeq int64
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM history WHERE instance_id = ?`,
			commit.InstanceID).Scan(&lastSeq)
		if err != nil {
			return fmt.Errorf("failed to read last sequence: %w", err)
		}
		if commit.ExpectedSeq != lastSeq {
			return rewind.ErrSequenceConflict
		}

		now := s.now()
		if commit.Restart != nil {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM history WHERE instance_id = ?`, commit.InstanceID); err != nil {
				return fmt.Errorf("failed to reset history: %w", err)
			}
			for _, e := range commit.Restart {
				if err := s.insertEvent(ctx, tx, commit.InstanceID, e); err != nil {
					return err
				}
			}
			var input []byte
			if started, ok := commit.Restart[0].Payload.(*rewind.OrchestratorStarted); ok {
				input = started.Input
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE instances SET status = ?, input = ?, output = NULL, failure = NULL, updated_at = ? WHERE instance_id = ?`,
				string(rewind.StatusRunning), input, now, commit.InstanceID); err != nil {
				return fmt.Errorf("failed to restart instance: %w", err)
			}
		} else {
			for i, e := range commit.Events {
				if e.Seq != lastSeq+int64(i)+1 {
					return rewind.ErrSequenceConflict
				}
				if err := s.insertEvent(ctx, tx, commit.InstanceID, e); err != nil {
					return err
				}
			}
			failure, err := s.encodeFailure(commit.Failure)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE instances SET status = ?, output = ?, failure = ?, updated_at = ? WHERE instance_id = ?`,
				string(commit.Status), commit.Output, failure, now, commit.InstanceID); err != nil {
				return fmt.Errorf("failed to update instance: %w", err)
			}
		}

		if len(commit.ConsumedInbox) > 0 {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(commit.ConsumedInbox)), ",")
			args := make([]any, 0, len(commit.ConsumedInbox)+2)
			args = append(args, now, commit.InstanceID)
			for _, id := range commit.ConsumedInbox {
				args = append(args, id)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE inbox SET consumed_at = ? WHERE instance_id = ? AND id IN (`+placeholders+`)`,
				args...); err != nil {
				return fmt.Errorf("failed to consume inbox: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := s.clock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (instance_id, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (instance_id) DO UPDATE
		 SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE leases.owner = excluded.owner OR leases.expires_at <= ?`,
		instanceID, owner, toNS(now.Add(ttl)), toNS(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return n == 1, nil
}

func (s *Store) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	now := s.clock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE instance_id = ? AND owner = ? AND expires_at > ?`,
		toNS(now.Add(ttl)), instanceID, owner, toNS(now))
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n == 0 {
		return rewind.ErrLeaseNotHeld
	}
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE instance_id = ? AND owner = ?`, instanceID, owner); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
