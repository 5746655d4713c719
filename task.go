package rewind

// TaskState represents the resolution state of a pending awaitable unit.
type TaskState int

const (
	TaskScheduled TaskState = iota
	TaskCompleted
	TaskFailed
)

type taskKind int

const (
	taskActivity taskKind = iota
	taskTimer
	taskExternalEvent
	taskChildWorkflow
	taskCombinator
)

// Task is a single pending awaitable unit: one activity call, one timer, one
// event wait, one child workflow, or one combinator over other tasks. A task
// is resolved exactly once, by the history event carrying its correlation
// number, and remembers the sequence of that event for winner selection in
// WhenAny.
//
// Tasks are plain state over the owning instance's Context; they are never
// shared across instances and are only valid inside the orchestration that
// created them.
type Task struct {
	ctx         *Context
	kind        taskKind
	correlation int64
	name        string
	childID     string

	state        TaskState
	result       []byte
	failure      *FailureDetails
	completedSeq int64

	onResolved []func(*Task)
}

// Await blocks the orchestration until the task resolves, returning the
// task's failure if it failed. Blocking never occupies the worker: when the
// task cannot be resolved from history the execution yields and resumes on
// a later activation.
//
// Await must only be called from orchestration code, and orchestration code
// must not recover panics around it.
func (t *Task) Await() error {
	t.ctx.awaitTask(t)
	if t.state == TaskFailed {
		return t.failureError()
	}
	return nil
}

// Result awaits the task and decodes its payload into out, which must be a
// pointer. It is the untyped counterpart of Future.Get, for tasks obtained
// from Context.CallActivity. A nil out discards the payload.
func (t *Task) Result(out any) error {
	if err := t.Await(); err != nil {
		return err
	}
	if out == nil || len(t.result) == 0 {
		return nil
	}
	return t.ctx.codec.Unmarshal(t.result, out)
}

// State returns the task's current resolution state.
func (t *Task) State() TaskState {
	return t.state
}

// Correlation returns the call number linking this task to its history
// events.
func (t *Task) Correlation() int64 {
	return t.correlation
}

// Name returns the activity, workflow or event name behind the task, if any.
func (t *Task) Name() string {
	return t.name
}

// resolve settles the task once; later resolutions are ignored so duplicate
// completion deliveries are harmless.
func (t *Task) resolve(result []byte, failure *FailureDetails, seq int64) {
	if t.state != TaskScheduled {
		return
	}
	if failure != nil {
		t.state = TaskFailed
		t.failure = failure
	} else {
		t.state = TaskCompleted
		t.result = result
	}
	t.completedSeq = seq
	for _, fn := range t.onResolved {
		fn(t)
	}
	t.onResolved = nil
}

// failureError wraps the task's failure in the error type matching its kind.
func (t *Task) failureError() error {
	if t.failure == nil {
		return nil
	}
	switch t.kind {
	case taskChildWorkflow:
		return &ChildWorkflowFailure{
			Workflow:    t.name,
			InstanceID:  t.childID,
			Correlation: t.correlation,
			Failure:     *t.failure,
		}
	default:
		return &ActivityFailure{
			Activity:    t.name,
			Correlation: t.correlation,
			Failure:     *t.failure,
		}
	}
}

// beats reports whether t resolved before other: lower completion sequence
// first, ties broken by ascending correlation.
func (t *Task) beats(other *Task) bool {
	if other == nil {
		return true
	}
	if t.completedSeq != other.completedSeq {
		return t.completedSeq < other.completedSeq
	}
	return t.correlation < other.correlation
}

// Future is the typed view over a task, decoding the result with the
// instance codec.
type Future[Out any] struct {
	// Task is the untyped handle, usable in WhenAll/WhenAny/SettleAll.
	Task *Task
}

// Get awaits the task and decodes its result.
func (f *Future[Out]) Get() (Out, error) {
	var out Out
	if err := f.Task.Await(); err != nil {
		return out, err
	}
	if len(f.Task.result) == 0 {
		return out, nil
	}
	if err := f.Task.ctx.codec.Unmarshal(f.Task.result, &out); err != nil {
		return out, err
	}
	return out, nil
}
