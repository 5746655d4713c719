package rewind

import (
	"fmt"
	"log/slog"
	"runtime"
)

// activationResult is the outcome of running an orchestration over its
// history once. A terminal activation carries a CompleteOrchestrationCommand
// as its last command; a suspended one reports StatusRunning and only the
// scheduling commands gathered before the blocking await.
type activationResult struct {
	status   ExecutionStatus
	commands []Command

	// carried holds unconsumed external events handed to the next execution
	// when status is StatusContinuedAsNew.
	carried []*ExternalEventReceived
}

// runWorkflow re-executes the workflow function from the top over committed
// history plus the fresh events of this activation. Replayed calls are
// satisfied from history and produce no commands; calls past the end of
// history become the activation's pending commands. The function never
// returns an error: every failure mode is folded into the result so the
// worker commits exactly one outcome per activation.
func runWorkflow(reg *Registry, instanceID string, committed, fresh []*Event, codec Codec, logger *slog.Logger) (res activationResult) {
	c, err := newContext(instanceID, committed, fresh, codec, logger)
	if err != nil {
		return failedActivation(instanceID, &FailureDetails{
			Type:         "CorruptHistory",
			Message:      err.Error(),
			NonRetryable: true,
		})
	}
	runner, ok := reg.workflow(c.workflow)
	if !ok {
		return failedActivation(instanceID, &FailureDetails{
			Type:         "WorkflowNotRegistered",
			Message:      fmt.Sprintf("workflow %q is not registered on this worker", c.workflow),
			NonRetryable: true,
		})
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch p := r.(type) {
		case suspendPanic:
			res = activationResult{status: StatusRunning, commands: c.pendingCommands()}
		case continueAsNewPanic:
			res = activationResult{
				status:  StatusContinuedAsNew,
				carried: c.carriedEvents(),
				commands: []Command{&CompleteOrchestrationCommand{
					InstanceID: instanceID,
					Status:     StatusContinuedAsNew,
					Output:     p.input,
				}},
			}
		case ndPanic:
			f := failureFromError(p.err)
			res = failedActivation(instanceID, &f)
		default:
			buf := make([]byte, 8192)
			n := runtime.Stack(buf, false)
			res = failedActivation(instanceID, &FailureDetails{
				Type:         "PanicError",
				Message:      fmt.Sprintf("workflow panicked: %v\n%s", p, buf[:n]),
				NonRetryable: true,
			})
		}
	}()

	output, err := runner.run(c)
	if err != nil {
		f := failureFromError(err)
		cmds := append(c.pendingCommands(), &CompleteOrchestrationCommand{
			InstanceID: instanceID,
			Status:     StatusFailed,
			Failure:    &f,
		})
		return activationResult{status: StatusFailed, commands: cmds}
	}

	// Apply any events past the return point so stale completions still get
	// determinism-checked before the terminal event is committed.
	c.drain()

	cmds := append(c.pendingCommands(), &CompleteOrchestrationCommand{
		InstanceID: instanceID,
		Status:     StatusCompleted,
		Output:     output,
	})
	return activationResult{status: StatusCompleted, commands: cmds}
}

func failedActivation(instanceID string, f *FailureDetails) activationResult {
	return activationResult{
		status: StatusFailed,
		commands: []Command{&CompleteOrchestrationCommand{
			InstanceID: instanceID,
			Status:     StatusFailed,
			Failure:    f,
		}},
	}
}
