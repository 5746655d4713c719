package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nvcnvn/rewind"
)

func (s *Store) Enqueue(ctx context.Context, tasks ...*rewind.QueueTask) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tasks {
			var dedupKey *string
			if t.DedupKey != "" {
				dedupKey = &t.DedupKey
			}
			var activity *string
			if t.Activity != "" {
				activity = &t.Activity
			}
			now := s.clock()
			var fireAt *int64
			visibleAt := toNS(now)
			if !t.FireAt.IsZero() {
				n := toNS(t.FireAt)
				fireAt = &n
				if t.FireAt.After(now) {
					visibleAt = n
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO tasks (kind, instance_id, dedup_key, activity, correlation, input, attempt, fire_at, visible_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				string(t.Kind), t.InstanceID, dedupKey, activity,
				t.Correlation, t.Input, t.Attempt, fireAt, visibleAt)
			if err != nil {
				return fmt.Errorf("failed to enqueue task: %w", err)
			}
		}
		return nil
	})
}

// Dequeue claims the oldest due task with a single UPDATE ... RETURNING, so
// two pollers on the same database never claim the same row.
func (s *Store) Dequeue(ctx context.Context, owner string) (*rewind.QueueTask, error) {
	now := toNS(s.clock())
	var id, correlation int64
	var kind, instanceID string
	var activity *string
	var input []byte
	var attempt int
	var fireAt *int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE tasks SET claimed_by = ?, claimed_until = ?
		 WHERE id = (
			SELECT id FROM tasks
			WHERE done_at IS NULL
			  AND visible_at <= ?
			  AND (claimed_until IS NULL OR claimed_until <= ?)
			ORDER BY id ASC
			LIMIT 1
		 )
		 RETURNING id, kind, instance_id, activity, correlation, input, attempt, fire_at`,
		owner, now+s.claimTTL.Nanoseconds(), now, now).Scan(
		&id, &kind, &instanceID, &activity, &correlation, &input, &attempt, &fireAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	task := &rewind.QueueTask{
		Kind:        rewind.TaskKind(kind),
		InstanceID:  instanceID,
		Correlation: correlation,
		Input:       input,
		Attempt:     attempt,
		Receipt:     id,
	}
	if activity != nil {
		task.Activity = *activity
	}
	if fireAt != nil {
		task.FireAt = fromNS(*fireAt)
	}
	return task, nil
}

func (s *Store) Complete(ctx context.Context, task *rewind.QueueTask) error {
	id, ok := task.Receipt.(int64)
	if !ok {
		return fmt.Errorf("task has no sqlitestore receipt")
	}
	// Wake identities are reusable; completed activity and timer rows stay so
	// a redriven dispatch of the same call is dropped by the dedup index.
	if task.Kind == rewind.TaskOrchestration {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET done_at = ?, claimed_by = NULL, claimed_until = NULL WHERE id = ?`,
		s.now(), id); err != nil {
		return fmt.Errorf("failed to mark task done: %w", err)
	}
	return nil
}

func (s *Store) Abandon(ctx context.Context, task *rewind.QueueTask, delay time.Duration) error {
	id, ok := task.Receipt.(int64)
	if !ok {
		return fmt.Errorf("task has no sqlitestore receipt")
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET claimed_by = NULL, claimed_until = NULL, visible_at = ? WHERE id = ? AND done_at IS NULL`,
		toNS(s.clock().Add(delay)), id); err != nil {
		return fmt.Errorf("failed to release task: %w", err)
	}
	return nil
}
