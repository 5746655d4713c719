package rewind

import (
	"fmt"
	"time"
)

// CommandKind identifies the type of a command.
type CommandKind string

const (
	CommandScheduleActivity      CommandKind = "SCHEDULE_ACTIVITY"
	CommandCreateTimer           CommandKind = "CREATE_TIMER"
	CommandStartChildWorkflow    CommandKind = "START_CHILD_WORKFLOW"
	CommandCompleteOrchestration CommandKind = "COMPLETE_ORCHESTRATION"
)

// Command is a side-effect intent produced by orchestration code that is not
// yet reflected in history. Commands generated while replaying already
// historized calls are consumed by their scheduling events and never leave
// the executor; only calls past the end of history surface here.
type Command interface {
	CommandKind() CommandKind
	correlation() int64
}

// ScheduleActivityCommand asks the dispatch layer to run an activity.
type ScheduleActivityCommand struct {
	InstanceID  string
	Correlation int64
	Name        string
	Input       []byte
}

// CreateTimerCommand asks the dispatch layer to deliver a TimerFired event at
// or after FireAt.
type CreateTimerCommand struct {
	InstanceID  string
	Correlation int64
	FireAt      time.Time
}

// StartChildWorkflowCommand asks the dispatch layer to create and run a child
// instance.
type StartChildWorkflowCommand struct {
	InstanceID  string
	Correlation int64
	Workflow    string
	ChildID     string
	Input       []byte
}

// CompleteOrchestrationCommand closes the execution with a terminal status.
// For ContinuedAsNew the Output carries the restart input.
type CompleteOrchestrationCommand struct {
	InstanceID string
	Status     ExecutionStatus
	Output     []byte
	Failure    *FailureDetails
}

func (*ScheduleActivityCommand) CommandKind() CommandKind { return CommandScheduleActivity }
func (*CreateTimerCommand) CommandKind() CommandKind      { return CommandCreateTimer }
func (*StartChildWorkflowCommand) CommandKind() CommandKind {
	return CommandStartChildWorkflow
}
func (*CompleteOrchestrationCommand) CommandKind() CommandKind {
	return CommandCompleteOrchestration
}

func (c *ScheduleActivityCommand) correlation() int64      { return c.Correlation }
func (c *CreateTimerCommand) correlation() int64           { return c.Correlation }
func (c *StartChildWorkflowCommand) correlation() int64    { return c.Correlation }
func (c *CompleteOrchestrationCommand) correlation() int64 { return 0 }

// describeEvent names the call a committed event records, in the same
// vocabulary as describeCommand, for determinism diagnostics.
func describeEvent(e *Event) string {
	switch p := e.Payload.(type) {
	case *ActivityScheduled:
		return "CallActivity(" + p.Name + ")"
	case *ActivityCompleted, *ActivityFailed:
		return fmt.Sprintf("completion of activity call %d", e.Correlation)
	case *TimerCreated:
		return "CreateTimer"
	case *TimerFired:
		return fmt.Sprintf("completion of timer call %d", e.Correlation)
	case *ChildWorkflowScheduled:
		return "CallChildWorkflow(" + p.Workflow + ")"
	case *ChildWorkflowCompleted, *ChildWorkflowFailed:
		return fmt.Sprintf("completion of child workflow call %d", e.Correlation)
	default:
		return string(e.Kind)
	}
}

// describeCommand names a command for determinism diagnostics.
func describeCommand(cmd Command) string {
	switch c := cmd.(type) {
	case *ScheduleActivityCommand:
		return "CallActivity(" + c.Name + ")"
	case *CreateTimerCommand:
		return "CreateTimer"
	case *StartChildWorkflowCommand:
		return "CallChildWorkflow(" + c.Workflow + ")"
	case *CompleteOrchestrationCommand:
		return "CompleteOrchestration"
	default:
		return string(cmd.CommandKind())
	}
}
