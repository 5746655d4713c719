package rewind

import (
	"errors"
	"fmt"
	"time"
)

// Error definitions
var (
	// ErrInstanceNotFound indicates the workflow instance does not exist.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceExists indicates a start request reused an existing instance ID.
	ErrInstanceExists = errors.New("instance already exists")

	// ErrInstanceNotRunning indicates the instance already reached a terminal status.
	ErrInstanceNotRunning = errors.New("instance is not running")

	// ErrSequenceConflict indicates a history append raced another writer or
	// skipped a sequence number.
	ErrSequenceConflict = errors.New("history sequence conflict")

	// ErrLeaseNotHeld indicates a lease renewal or release by a non-owner.
	ErrLeaseNotHeld = errors.New("lease not held")
)

// FailureDetails is the serializable description of a failure carried in
// history events and instance records.
type FailureDetails struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	NonRetryable bool   `json:"non_retryable,omitempty"`
}

// failureFromError captures an error as FailureDetails, preserving the typed
// failure of an already-classified error.
func failureFromError(err error) FailureDetails {
	var af *ActivityFailure
	if errors.As(err, &af) {
		return af.Failure
	}
	var cf *ChildWorkflowFailure
	if errors.As(err, &cf) {
		return cf.Failure
	}
	var nd *NonDeterminismError
	if errors.As(err, &nd) {
		return FailureDetails{Type: "NonDeterminismError", Message: nd.Error(), NonRetryable: true}
	}
	return FailureDetails{
		Type:         fmt.Sprintf("%T", err),
		Message:      err.Error(),
		NonRetryable: IsTerminalError(err),
	}
}

// ActivityFailure is the catchable error surfaced to orchestration code when
// a scheduled activity reports failure. Compensation logic is ordinary
// orchestration code reacting to this error.
type ActivityFailure struct {
	Activity    string
	Correlation int64
	Failure     FailureDetails
}

func (e *ActivityFailure) Error() string {
	return fmt.Sprintf("activity %s failed: %s", e.Activity, e.Failure.Message)
}

// ChildWorkflowFailure is surfaced when an awaited child instance fails or is
// terminated.
type ChildWorkflowFailure struct {
	Workflow    string
	InstanceID  string
	Correlation int64
	Failure     FailureDetails
}

func (e *ChildWorkflowFailure) Error() string {
	return fmt.Sprintf("child workflow %s (%s) failed: %s", e.Workflow, e.InstanceID, e.Failure.Message)
}

// WorkflowFailure is returned by clients awaiting an instance that reached a
// terminal status other than Completed.
type WorkflowFailure struct {
	InstanceID string
	Status     ExecutionStatus
	Failure    FailureDetails
}

func (e *WorkflowFailure) Error() string {
	return fmt.Sprintf("instance %s finished %s: %s: %s", e.InstanceID, e.Status, e.Failure.Type, e.Failure.Message)
}

// NonDeterminismError indicates that orchestration code diverged from the
// recorded history during replay: at some position the code scheduled a
// different call than the one history shows, or skipped it entirely. The
// instance is halted with this error as its failure; it is never retried or
// repaired by the engine.
type NonDeterminismError struct {
	InstanceID string
	Seq        int64
	Expected   string
	Got        string
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-deterministic orchestration in instance %s at seq %d: history recorded %s, code produced %s",
		e.InstanceID, e.Seq, e.Expected, e.Got)
}

// RetryableError wraps an activity error to mark it as retryable under the
// activity's retry policy.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// TerminalError wraps an activity error to indicate it must not be retried
// regardless of the retry policy.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return "terminal: " + e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// NewTerminalError creates a new terminal error.
func NewTerminalError(err error) error {
	return &TerminalError{Err: err}
}

// IsTerminalError checks if an error is terminal.
func IsTerminalError(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// RetryPolicy defines how the dispatch layer retries a failing activity.
// Retries happen entirely outside the orchestration: the engine only sees
// the final ActivityCompleted or ActivityFailed event.
type RetryPolicy struct {
	InitialInterval time.Duration // Start with this delay
	MaxInterval     time.Duration // Cap delay at this value
	BackoffFactor   float64       // Exponential backoff multiplier
	MaxAttempts     int           // Give up after this many tries
	Jitter          float64       // Randomize delay by +/- this fraction
}

// DefaultRetryPolicy provides sensible defaults for activities that opt in
// to retries.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 1 * time.Second,
	MaxInterval:     1 * time.Hour,
	BackoffFactor:   2.0,
	MaxAttempts:     10,
	Jitter:          0.1,
}

// NoRetry fails an activity to the orchestration on its first error.
var NoRetry = RetryPolicy{MaxAttempts: 1}
