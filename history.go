package rewind

import (
	"fmt"
	"time"
)

// ExecutionStatus represents the lifecycle state of a workflow instance.
type ExecutionStatus string

const (
	StatusRunning        ExecutionStatus = "RUNNING"
	StatusCompleted      ExecutionStatus = "COMPLETED"
	StatusFailed         ExecutionStatus = "FAILED"
	StatusTerminated     ExecutionStatus = "TERMINATED"
	StatusContinuedAsNew ExecutionStatus = "CONTINUED_AS_NEW"
)

// Terminal reports whether the instance is finished. ContinuedAsNew is not
// terminal: the instance keeps running under the same ID with a fresh
// history, so waiters should keep waiting.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

// EventKind identifies the type of a history event.
type EventKind string

const (
	KindOrchestratorStarted    EventKind = "ORCHESTRATOR_STARTED"
	KindActivityScheduled      EventKind = "ACTIVITY_SCHEDULED"
	KindActivityCompleted      EventKind = "ACTIVITY_COMPLETED"
	KindActivityFailed         EventKind = "ACTIVITY_FAILED"
	KindTimerCreated           EventKind = "TIMER_CREATED"
	KindTimerFired             EventKind = "TIMER_FIRED"
	KindExternalEventReceived  EventKind = "EXTERNAL_EVENT_RECEIVED"
	KindChildWorkflowScheduled EventKind = "CHILD_WORKFLOW_SCHEDULED"
	KindChildWorkflowCompleted EventKind = "CHILD_WORKFLOW_COMPLETED"
	KindChildWorkflowFailed    EventKind = "CHILD_WORKFLOW_FAILED"
	KindOrchestratorCompleted  EventKind = "ORCHESTRATOR_COMPLETED"
	KindExecutionTerminated    EventKind = "EXECUTION_TERMINATED"
)

// Event is one immutable record in an instance's append-only history.
//
// Seq is the event's position in the history, contiguous and starting at 1.
// Correlation links a completion event (ActivityCompleted, TimerFired, ...)
// back to the primitive call that scheduled it: every primitive call inside
// an orchestration is numbered in call order, the scheduling event carries
// that number, and the eventual completion event carries the same number.
// Events that neither schedule nor complete a call leave Correlation zero.
type Event struct {
	Seq         int64        `json:"seq"`
	Kind        EventKind    `json:"kind"`
	Timestamp   time.Time    `json:"timestamp"`
	Correlation int64        `json:"correlation,omitempty"`
	Payload     EventPayload `json:"payload"`
}

// EventPayload is the typed body of a history event. Exactly one concrete
// payload type exists per EventKind.
type EventPayload interface {
	eventKind() EventKind
}

// ParentRef links a child instance back to the parent call awaiting it.
type ParentRef struct {
	InstanceID  string `json:"instance_id"`
	Correlation int64  `json:"correlation"`
}

// OrchestratorStarted is always the first event of an execution.
type OrchestratorStarted struct {
	Workflow string     `json:"workflow"`
	Input    []byte     `json:"input,omitempty"`
	Parent   *ParentRef `json:"parent,omitempty"`
}

// ActivityScheduled records that the orchestration requested an activity.
type ActivityScheduled struct {
	Name  string `json:"name"`
	Input []byte `json:"input,omitempty"`
}

// ActivityCompleted carries a worker-reported activity result.
type ActivityCompleted struct {
	Result []byte `json:"result,omitempty"`
}

// ActivityFailed carries a worker-reported activity failure.
type ActivityFailed struct {
	Failure FailureDetails `json:"failure"`
}

// TimerCreated records a durable timer with an absolute fire time computed
// from the instance's virtual clock.
type TimerCreated struct {
	FireAt time.Time `json:"fire_at"`
}

// TimerFired records that a durable timer became due.
type TimerFired struct {
	FireAt time.Time `json:"fire_at"`
}

// ExternalEventReceived records a named event raised against the instance.
type ExternalEventReceived struct {
	Name    string `json:"name"`
	Payload []byte `json:"payload,omitempty"`
}

// ChildWorkflowScheduled records that the orchestration started a child
// instance. The child ID is derived from the parent ID and the call's
// correlation number, so replay always produces the same child identity.
type ChildWorkflowScheduled struct {
	Workflow   string `json:"workflow"`
	InstanceID string `json:"instance_id"`
	Input      []byte `json:"input,omitempty"`
}

// ChildWorkflowCompleted carries a completed child's output back to the
// parent.
type ChildWorkflowCompleted struct {
	Result []byte `json:"result,omitempty"`
}

// ChildWorkflowFailed carries a failed or terminated child's failure back to
// the parent.
type ChildWorkflowFailed struct {
	Failure FailureDetails `json:"failure"`
}

// OrchestratorCompleted is the last event of an execution. Status is one of
// Completed, Failed, Terminated or ContinuedAsNew; for ContinuedAsNew the
// Output holds the restart input.
type OrchestratorCompleted struct {
	Status  ExecutionStatus `json:"status"`
	Output  []byte          `json:"output,omitempty"`
	Failure *FailureDetails `json:"failure,omitempty"`
}

// ExecutionTerminated records an external terminate request. It is appended
// immediately before the OrchestratorCompleted event that closes the
// instance; orchestration code never observes it.
type ExecutionTerminated struct {
	Reason string `json:"reason,omitempty"`
}

func (*OrchestratorStarted) eventKind() EventKind    { return KindOrchestratorStarted }
func (*ActivityScheduled) eventKind() EventKind      { return KindActivityScheduled }
func (*ActivityCompleted) eventKind() EventKind      { return KindActivityCompleted }
func (*ActivityFailed) eventKind() EventKind         { return KindActivityFailed }
func (*TimerCreated) eventKind() EventKind           { return KindTimerCreated }
func (*TimerFired) eventKind() EventKind             { return KindTimerFired }
func (*ExternalEventReceived) eventKind() EventKind  { return KindExternalEventReceived }
func (*ChildWorkflowScheduled) eventKind() EventKind { return KindChildWorkflowScheduled }
func (*ChildWorkflowCompleted) eventKind() EventKind { return KindChildWorkflowCompleted }
func (*ChildWorkflowFailed) eventKind() EventKind    { return KindChildWorkflowFailed }
func (*OrchestratorCompleted) eventKind() EventKind  { return KindOrchestratorCompleted }
func (*ExecutionTerminated) eventKind() EventKind    { return KindExecutionTerminated }

// NewEvent builds an event around a typed payload, deriving Kind from the
// payload type.
func NewEvent(seq int64, ts time.Time, correlation int64, payload EventPayload) *Event {
	return &Event{
		Seq:         seq,
		Kind:        payload.eventKind(),
		Timestamp:   ts,
		Correlation: correlation,
		Payload:     payload,
	}
}

// NewEventPayload returns the empty payload struct for kind, used when
// decoding events from storage.
func NewEventPayload(kind EventKind) (EventPayload, error) {
	switch kind {
	case KindOrchestratorStarted:
		return &OrchestratorStarted{}, nil
	case KindActivityScheduled:
		return &ActivityScheduled{}, nil
	case KindActivityCompleted:
		return &ActivityCompleted{}, nil
	case KindActivityFailed:
		return &ActivityFailed{}, nil
	case KindTimerCreated:
		return &TimerCreated{}, nil
	case KindTimerFired:
		return &TimerFired{}, nil
	case KindExternalEventReceived:
		return &ExternalEventReceived{}, nil
	case KindChildWorkflowScheduled:
		return &ChildWorkflowScheduled{}, nil
	case KindChildWorkflowCompleted:
		return &ChildWorkflowCompleted{}, nil
	case KindChildWorkflowFailed:
		return &ChildWorkflowFailed{}, nil
	case KindOrchestratorCompleted:
		return &OrchestratorCompleted{}, nil
	case KindExecutionTerminated:
		return &ExecutionTerminated{}, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

// schedulingKind reports whether kind records a primitive call, i.e. whether
// a command was consumed to produce it.
func schedulingKind(kind EventKind) bool {
	switch kind {
	case KindActivityScheduled, KindTimerCreated, KindChildWorkflowScheduled:
		return true
	}
	return false
}

// completionKind reports whether kind resolves a pending task.
func completionKind(kind EventKind) bool {
	switch kind {
	case KindActivityCompleted, KindActivityFailed, KindTimerFired,
		KindChildWorkflowCompleted, KindChildWorkflowFailed:
		return true
	}
	return false
}

// ChildInstanceID derives the deterministic instance ID for a child workflow
// started by the call numbered correlation on the parent.
func ChildInstanceID(parentID string, correlation int64) string {
	return fmt.Sprintf("%s:%d", parentID, correlation)
}
