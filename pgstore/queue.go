package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nvcnvn/rewind"
)

func (s *Store) Enqueue(ctx context.Context, tasks ...*rewind.QueueTask) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, t := range tasks {
			var dedupKey *string
			if t.DedupKey != "" {
				dedupKey = &t.DedupKey
			}
			var activity *string
			if t.Activity != "" {
				activity = &t.Activity
			}
			var fireAt *time.Time
			visibleAt := time.Now()
			if !t.FireAt.IsZero() {
				fireAt = &t.FireAt
				if t.FireAt.After(visibleAt) {
					visibleAt = t.FireAt
				}
			}
			_, err := tx.Exec(ctx, s.t.insertTaskSQL(),
				string(t.Kind), t.InstanceID, dedupKey, activity,
				t.Correlation, t.Input, t.Attempt, fireAt, visibleAt)
			if err != nil {
				return fmt.Errorf("failed to enqueue task: %w", err)
			}
		}
		return nil
	})
}

// Dequeue claims the oldest due task using SELECT FOR UPDATE SKIP LOCKED, so
// concurrent workers never fight over the same row.
func (s *Store) Dequeue(ctx context.Context, owner string) (*rewind.QueueTask, error) {
	var task *rewind.QueueTask
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var id, correlation int64
		var kind, instanceID string
		var activity *string
		var input []byte
		var attempt int
		var fireAt *time.Time
		err := tx.QueryRow(ctx, s.t.claimTaskSQL()).Scan(
			&id, &kind, &instanceID, &activity, &correlation, &input, &attempt, &fireAt)
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to claim task: %w", err)
		}
		if _, err := tx.Exec(ctx, s.t.markClaimedSQL(), id, owner, s.claimTTL.Seconds()); err != nil {
			return fmt.Errorf("failed to mark task claimed: %w", err)
		}

		task = &rewind.QueueTask{
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
			task.FireAt = *fireAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Store) Complete(ctx context.Context, task *rewind.QueueTask) error {
	id, ok := task.Receipt.(int64)
	if !ok {
		return fmt.Errorf("task has no pgstore receipt")
	}
	// Wake identities are reusable; completed activity and timer rows stay so
	// a redriven dispatch of the same call is dropped by the dedup index.
	if task.Kind == rewind.TaskOrchestration {
		if _, err := s.pool.Exec(ctx, s.t.deleteTaskSQL(), id); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		return nil
	}
	if _, err := s.pool.Exec(ctx, s.t.markTaskDoneSQL(), id); err != nil {
		return fmt.Errorf("failed to mark task done: %w", err)
	}
	return nil
}

func (s *Store) Abandon(ctx context.Context, task *rewind.QueueTask, delay time.Duration) error {
	id, ok := task.Receipt.(int64)
	if !ok {
		return fmt.Errorf("task has no pgstore receipt")
	}
	if _, err := s.pool.Exec(ctx, s.t.releaseTaskSQL(), id, delay.Seconds()); err != nil {
		return fmt.Errorf("failed to release task: %w", err)
	}
	return nil
}
