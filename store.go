package rewind

import (
	"context"
	"fmt"
	"time"
)

// TaskKind identifies the type of a queued task.
type TaskKind string

const (
	TaskOrchestration TaskKind = "ORCHESTRATION"
	TaskActivity      TaskKind = "ACTIVITY"
	TaskTimer         TaskKind = "TIMER"
)

// QueueTask is one unit of dispatchable work. Orchestration tasks wake an
// instance to process its inbox; activity tasks run one attempt of one
// activity; timer tasks become visible at FireAt and deliver a TimerFired
// message.
type QueueTask struct {
	Kind        TaskKind  `json:"kind"`
	InstanceID  string    `json:"instance_id"`
	DedupKey    string    `json:"dedup_key"`
	Activity    string    `json:"activity,omitempty"`
	Correlation int64     `json:"correlation,omitempty"`
	Input       []byte    `json:"input,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	FireAt      time.Time `json:"fire_at,omitempty"`

	// Receipt is the backend's delivery handle, set by Dequeue and consumed
	// by Complete and Abandon. Never serialized.
	Receipt any `json:"-"`
}

// InstanceInfo is the queryable record of a workflow instance.
type InstanceInfo struct {
	InstanceID string          `json:"instance_id"`
	Workflow   string          `json:"workflow"`
	Status     ExecutionStatus `json:"status"`
	Input      []byte          `json:"input,omitempty"`
	Output     []byte          `json:"output,omitempty"`
	Failure    *FailureDetails `json:"failure,omitempty"`
	Parent     *ParentRef      `json:"parent,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// InboxMessage is a pending delivery for an instance: an activity outcome, a
// fired timer, a child result, an external event or a terminate request. The
// worker folds inbox messages into history events at the next activation.
//
// DedupKey makes appends idempotent per instance: the store remembers every
// key it has accepted, including consumed ones, and silently drops
// duplicates. This is what keeps at-least-once dispatch from recording a
// completion twice.
type InboxMessage struct {
	ID       int64  `json:"id"`
	DedupKey string `json:"dedup_key"`
	Event    *Event `json:"event"`
}

// ActivationCommit is the atomic outcome of one orchestration activation:
// new history events, the instance's next status, and the inbox messages the
// events account for. Stores apply all of it or none of it.
type ActivationCommit struct {
	InstanceID string
	Owner      string

	// ExpectedSeq is the last committed sequence this activation replayed.
	// The store must reject the commit with ErrSequenceConflict when the
	// history has grown past it.
	ExpectedSeq int64

	// Events are appended after ExpectedSeq, contiguous, terminal event
	// last. Empty for a continue-as-new commit.
	Events []*Event

	Status  ExecutionStatus
	Output  []byte
	Failure *FailureDetails

	// ConsumedInbox lists inbox message IDs folded into Events (or dropped,
	// for terminal and continue-as-new commits).
	ConsumedInbox []int64

	// Restart replaces the entire history for a continue-as-new execution,
	// starting over at sequence 1. Status must be StatusRunning when set.
	Restart []*Event
}

// HistoryStore persists instance records, append-only histories, inboxes and
// activation leases. Implementations must be safe for concurrent use.
//
// Histories are append-only and immutable: events are only ever added past
// the last committed sequence, except for the continue-as-new restart which
// atomically replaces the whole history.
type HistoryStore interface {
	// CreateInstance records a new instance with its ORCHESTRATOR_STARTED
	// event. Returns ErrInstanceExists when the ID is taken.
	CreateInstance(ctx context.Context, info *InstanceInfo, start *Event) error

	// GetInstance returns the instance record or ErrInstanceNotFound.
	GetInstance(ctx context.Context, instanceID string) (*InstanceInfo, error)

	// LoadHistory returns the committed history in sequence order.
	LoadHistory(ctx context.Context, instanceID string) ([]*Event, error)

	// AppendInbox adds messages to the instance's inbox, dropping any whose
	// DedupKey was seen before.
	AppendInbox(ctx context.Context, instanceID string, msgs []*InboxMessage) error

	// ReadInbox returns unconsumed inbox messages in arrival order.
	ReadInbox(ctx context.Context, instanceID string) ([]*InboxMessage, error)

	// CommitActivation atomically applies an activation outcome.
	CommitActivation(ctx context.Context, commit *ActivationCommit) error

	// TryAcquireLease claims exclusive activation rights for the instance.
	// It succeeds when the lease is free, expired, or already held by owner,
	// extending it by ttl. It never blocks.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error)

	// RenewLease extends a held lease or returns ErrLeaseNotHeld.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error

	// ReleaseLease gives the lease up. Releasing a lease not held is a
	// no-op.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}

// TaskQueue dispatches work to workers with at-least-once delivery. Enqueue
// deduplicates by QueueTask.DedupKey on a best effort basis; true exactly
// once recording happens at the inbox.
type TaskQueue interface {
	// Enqueue makes tasks available to workers. Timer tasks stay invisible
	// until their FireAt.
	Enqueue(ctx context.Context, tasks ...*QueueTask) error

	// Dequeue claims the next due task for owner, or returns (nil, nil)
	// when none is available. Claimed tasks are redelivered if neither
	// Complete nor Abandon is called within the backend's claim window.
	Dequeue(ctx context.Context, owner string) (*QueueTask, error)

	// Complete acknowledges a claimed task.
	Complete(ctx context.Context, task *QueueTask) error

	// Abandon returns a claimed task to the queue for redelivery after
	// delay.
	Abandon(ctx context.Context, task *QueueTask, delay time.Duration) error
}

// Backend is the full persistence surface the client and worker run on.
type Backend interface {
	HistoryStore
	TaskQueue
}

// SplitBackend combines a history store and a task queue from different
// systems, for example Postgres histories with a NATS JetStream queue. The
// engine only assumes at-least-once queue delivery, so the pairing needs no
// cross-system transactions.
type SplitBackend struct {
	HistoryStore
	TaskQueue
}

// Task and inbox identity helpers. Task keys deduplicate queue deliveries;
// inbox keys deduplicate recorded outcomes. Both are stable across worker
// crashes so recovery re-enqueues are no-ops.

func orchTaskKey(instanceID string) string {
	return "orch:" + instanceID
}

func activityTaskKey(instanceID string, correlation int64, attempt int) string {
	return fmt.Sprintf("act:%s:%d:%d", instanceID, correlation, attempt)
}

func timerTaskKey(instanceID string, correlation int64) string {
	return fmt.Sprintf("timer:%s:%d", instanceID, correlation)
}

func activityInboxKey(correlation int64) string {
	return fmt.Sprintf("act:%d", correlation)
}

func timerInboxKey(correlation int64) string {
	return fmt.Sprintf("timer:%d", correlation)
}

func childInboxKey(correlation int64) string {
	return fmt.Sprintf("child:%d", correlation)
}

const terminateInboxKey = "terminate"
