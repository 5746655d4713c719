package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nvcnvn/rewind"
)

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *Store) encodePayload(e *rewind.Event) ([]byte, error) {
	data, err := s.codec.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", e.Kind, err)
	}
	return data, nil
}

func (s *Store) decodeEvent(seq int64, kind string, ts time.Time, correlation int64, payload []byte) (*rewind.Event, error) {
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
		Timestamp:   ts,
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

func (s *Store) insertEvent(ctx context.Context, tx pgx.Tx, instanceID string, e *rewind.Event) error {
	payload, err := s.encodePayload(e)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, s.t.insertEventSQL(),
		instanceID, e.Seq, string(e.Kind), e.Timestamp, e.Correlation, payload)
	if err != nil {
		if isUniqueViolation(err) {
			return rewind.ErrSequenceConflict
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *Store) CreateInstance(ctx context.Context, info *rewind.InstanceInfo, start *rewind.Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var parentID *string
		var parentCorr *int64
		if info.Parent != nil {
			parentID = &info.Parent.InstanceID
			parentCorr = &info.Parent.Correlation
		}
		_, err := tx.Exec(ctx, s.t.insertInstanceSQL(),
			info.InstanceID, info.Workflow, string(info.Status), info.Input, parentID, parentCorr)
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
	err := s.pool.QueryRow(ctx, s.t.getInstanceSQL(), instanceID).Scan(
		&info.InstanceID, &info.Workflow, &status, &info.Input, &info.Output,
		&failure, &parentID, &parentCorr, &info.CreatedAt, &info.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, rewind.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	info.Status = rewind.ExecutionStatus(status)
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
	rows, err := s.pool.Query(ctx, s.t.loadHistorySQL(), instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var events []*rewind.Event
	for rows.Next() {
		var seq, correlation int64
		var kind string
		var ts time.Time
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
		// Distinguish an unknown instance from one with no events; instances
		// always have at least the start event.
		if _, err := s.GetInstance(ctx, instanceID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *Store) AppendInbox(ctx context.Context, instanceID string, msgs []*rewind.InboxMessage) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM `+s.t.instances+` WHERE instance_id = $1`, instanceID).Scan(&one)
		if err == pgx.ErrNoRows {
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
			_, err = tx.Exec(ctx, s.t.insertInboxSQL(),
				instanceID, m.DedupKey, string(m.Event.Kind), m.Event.Timestamp,
				m.Event.Correlation, payload)
			if err != nil {
				return fmt.Errorf("failed to insert inbox message: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ReadInbox(ctx context.Context, instanceID string) ([]*rewind.InboxMessage, error) {
	rows, err := s.pool.Query(ctx, s.t.readInboxSQL(), instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	defer rows.Close()

	var msgs []*rewind.InboxMessage
	for rows.Next() {
		var id, correlation int64
		var dedupKey, kind string
		var ts time.Time
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
	return s.withTx(ctx, func(tx pgx.Tx) error {
		// Lock the instance row to serialize commits per instance.
		var status string
		err := tx.QueryRow(ctx, s.t.lockInstanceSQL(), commit.InstanceID).Scan(&status)
		if err == pgx.ErrNoRows {
			return rewind.ErrInstanceNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock instance: %w", err)
		}

		if commit.Owner != "" {
			var one int
			err := tx.QueryRow(ctx, s.t.checkLeaseSQL(), commit.InstanceID, commit.Owner).Scan(&one)
			if err == pgx.ErrNoRows {
				return rewind.ErrLeaseNotHeld
			}
			if err != nil {
				return fmt.Errorf("failed to check lease: %w", err)
			}
		}

		var lastSeq int64
		if err := tx.QueryRow(ctx, s.t.lastSeqSQL(), commit.InstanceID).Scan(&lastSeq); err != nil {
			return fmt.Errorf("failed to read last sequence: %w", err)
		}
		if commit.ExpectedSeq != lastSeq {
			return rewind.ErrSequenceConflict
		}

		if commit.Restart != nil {
			if _, err := tx.Exec(ctx, s.t.deleteHistorySQL(), commit.InstanceID); err != nil {
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
			if _, err := tx.Exec(ctx, s.t.restartInstanceSQL(),
				commit.InstanceID, string(rewind.StatusRunning), input); err != nil {
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
			if _, err := tx.Exec(ctx, s.t.setInstanceOutcomeSQL(),
				commit.InstanceID, string(commit.Status), commit.Output, failure); err != nil {
				return fmt.Errorf("failed to update instance: %w", err)
			}
		}

		if len(commit.ConsumedInbox) > 0 {
			if _, err := tx.Exec(ctx, s.t.consumeInboxSQL(),
				commit.InstanceID, commit.ConsumedInbox); err != nil {
				return fmt.Errorf("failed to consume inbox: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, s.t.acquireLeaseSQL(), instanceID, owner, ttl.Seconds())
	if err != nil {
		// A concurrent insert can beat ours; the lease is simply taken.
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx, s.t.renewLeaseSQL(), instanceID, owner, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rewind.ErrLeaseNotHeld
	}
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	if _, err := s.pool.Exec(ctx, s.t.releaseLeaseSQL(), instanceID, owner); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// PurgeInstance deletes a settled instance with its history, inbox, lease and
// queue rows. Running instances are left alone.
func (s *Store) PurgeInstance(ctx context.Context, instanceID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, s.t.purgeInstanceSQL(), instanceID)
		if err != nil {
			return fmt.Errorf("failed to purge instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, s.t.purgeTasksSQL(), instanceID); err != nil {
			return fmt.Errorf("failed to purge tasks: %w", err)
		}
		if _, err := tx.Exec(ctx, s.t.purgeLeaseSQL(), instanceID); err != nil {
			return fmt.Errorf("failed to purge lease: %w", err)
		}
		return nil
	})
}
