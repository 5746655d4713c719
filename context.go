package rewind

import (
	"fmt"
	"log/slog"
	"time"
)

// suspendPanic unwinds the orchestration stack when an await cannot be
// resolved from history. The executor recovers it and reports the pending
// commands; the instance resumes on a later activation.
type suspendPanic struct{}

func (suspendPanic) Error() string { return "rewind: execution suspended" }

// continueAsNewPanic unwinds the stack when the orchestration restarts
// itself with a fresh history.
type continueAsNewPanic struct {
	input []byte
}

func (continueAsNewPanic) Error() string { return "rewind: continue as new" }

// ndPanic unwinds the stack when replayed code diverges from committed
// history. The executor recovers it and fails the instance permanently.
type ndPanic struct {
	err *NonDeterminismError
}

func (p ndPanic) Error() string { return p.err.Error() }

type bufferedEvent struct {
	seq     int64
	payload []byte
}

// Context is passed to workflow code. It provides replay-safe primitives:
// every side effect goes through a recorded call, and time, identifiers and
// randomness are derived from history so a replay takes the exact path the
// original execution took.
//
// A Context is bound to a single activation of a single instance and must
// not be shared with goroutines or retained after the workflow function
// returns.
type Context struct {
	instanceID string
	workflow   string
	parent     *ParentRef
	input      []byte
	codec      Codec
	logger     *slog.Logger
	replayLog  *slog.Logger

	events       []*Event
	cursor       int
	committedLen int
	now          time.Time

	callCounter int64
	tasks       map[int64]*Task
	commands    map[int64]Command
	commandSeq  []int64
	buffered    map[string][]bufferedEvent
	waiters     map[string][]*Task
}

// newContext prepares a context over the instance's committed history plus
// the fresh events delivered in this activation. The first history event
// must be ORCHESTRATOR_STARTED; it seeds the workflow name, input and
// virtual clock before user code runs.
func newContext(instanceID string, committed, fresh []*Event, codec Codec, logger *slog.Logger) (*Context, error) {
	if len(committed) == 0 {
		return nil, fmt.Errorf("instance %s has no history", instanceID)
	}
	started, ok := committed[0].Payload.(*OrchestratorStarted)
	if !ok {
		return nil, fmt.Errorf("history for instance %s starts with %s, want %s", instanceID, committed[0].Kind, KindOrchestratorStarted)
	}
	events := make([]*Event, 0, len(committed)+len(fresh))
	events = append(events, committed...)
	events = append(events, fresh...)
	c := &Context{
		instanceID:   instanceID,
		workflow:     started.Workflow,
		parent:       started.Parent,
		input:        started.Input,
		codec:        codec,
		logger:       logger.With("instance_id", instanceID, "workflow", started.Workflow),
		replayLog:    slog.New(slog.DiscardHandler),
		events:       events,
		committedLen: len(committed),
		tasks:        make(map[int64]*Task),
		commands:     make(map[int64]Command),
		buffered:     make(map[string][]bufferedEvent),
		waiters:      make(map[string][]*Task),
	}
	c.processNext()
	return c, nil
}

// InstanceID returns the identifier of the running instance.
func (c *Context) InstanceID() string { return c.instanceID }

// Workflow returns the registered name of the running workflow.
func (c *Context) Workflow() string { return c.workflow }

// CurrentTime returns the deterministic virtual clock: the highest timestamp
// among history events applied so far. It only advances across awaits, so
// replays observe the same time the original execution did. Use it instead
// of time.Now inside workflow code.
func (c *Context) CurrentTime() time.Time { return c.now }

// IsReplaying reports whether execution is currently reprocessing committed
// history. Workflow code can use it to gate side effects that must not
// repeat, such as operator notifications.
func (c *Context) IsReplaying() bool { return c.cursor < c.committedLen }

// Logger returns a structured logger scoped to the instance. During replay
// it discards records so re-executed code does not duplicate log lines.
func (c *Context) Logger() *slog.Logger {
	if c.IsReplaying() {
		return c.replayLog
	}
	return c.logger
}

// CreateTimer schedules a durable timer that fires d after the current
// virtual time. Zero and negative durations fire immediately.
func (c *Context) CreateTimer(d time.Duration) *Task {
	return c.createTimer(c.now.Add(d))
}

// CreateTimerUntil schedules a durable timer that fires at the given wall
// clock time.
func (c *Context) CreateTimerUntil(at time.Time) *Task {
	return c.createTimer(at)
}

// ContinueAsNew ends the current execution and atomically restarts the
// workflow with the given input and an empty history. External events
// received but not yet consumed carry over to the new execution. It never
// returns.
func (c *Context) ContinueAsNew(input any) {
	data, err := c.codec.Marshal(input)
	if err != nil {
		panic(fmt.Errorf("rewind: marshal continue-as-new input: %w", err))
	}
	panic(continueAsNewPanic{input: data})
}

// Call schedules an activity and returns a typed future for its result. The
// call is recorded in history; on replay the recorded outcome is returned
// without re-running the activity.
func Call[In any, Out any](c *Context, activity Activity[In, Out], input In) *Future[Out] {
	data, err := c.codec.Marshal(input)
	if err != nil {
		panic(fmt.Errorf("rewind: marshal input for activity %q: %w", activity.name, err))
	}
	return &Future[Out]{Task: c.callActivity(activity.name, data)}
}

// CallActivity schedules an activity by name. It is the untyped counterpart
// of Call for callers that resolve activity names at runtime; decode the
// result with Task.Result. The activity must still be registered on the
// worker under the same name.
func (c *Context) CallActivity(name string, input any) *Task {
	data, err := c.codec.Marshal(input)
	if err != nil {
		panic(fmt.Errorf("rewind: marshal input for activity %q: %w", name, err))
	}
	return c.callActivity(name, data)
}

// CallChild starts a child workflow and returns a typed future for its
// output. The child's instance ID is derived from the parent ID and the call
// number, so retried activations reuse the same child instead of spawning a
// duplicate.
func CallChild[In any, Out any](c *Context, workflow Workflow[In, Out], input In) *Future[Out] {
	data, err := c.codec.Marshal(input)
	if err != nil {
		panic(fmt.Errorf("rewind: marshal input for workflow %q: %w", workflow.name, err))
	}
	return &Future[Out]{Task: c.callChildWorkflow(workflow.name, data)}
}

// WaitForEvent blocks until an external event with the given name is raised
// against this instance. Events raised before anyone waits are buffered;
// multiple waits on the same name consume buffered payloads in arrival
// order.
func WaitForEvent[P any](c *Context, name string) *Future[P] {
	return &Future[P]{Task: c.waitForEvent(name)}
}

func (c *Context) nextCorrelation() int64 {
	c.callCounter++
	return c.callCounter
}

// emit registers a command produced by the current execution. Commands that
// survive history reconciliation are handed to the worker and become
// scheduling events; commands matched by committed events are consumed
// silently, which is what makes replay side effect free.
func (c *Context) emit(cmd Command) {
	corr := cmd.correlation()
	c.commands[corr] = cmd
	c.commandSeq = append(c.commandSeq, corr)
}

func (c *Context) callActivity(name string, input []byte) *Task {
	corr := c.nextCorrelation()
	t := &Task{ctx: c, kind: taskActivity, correlation: corr, name: name}
	c.tasks[corr] = t
	c.emit(&ScheduleActivityCommand{InstanceID: c.instanceID, Correlation: corr, Name: name, Input: input})
	return t
}

func (c *Context) callChildWorkflow(workflow string, input []byte) *Task {
	corr := c.nextCorrelation()
	childID := ChildInstanceID(c.instanceID, corr)
	t := &Task{ctx: c, kind: taskChildWorkflow, correlation: corr, name: workflow, childID: childID}
	c.tasks[corr] = t
	c.emit(&StartChildWorkflowCommand{InstanceID: c.instanceID, Correlation: corr, Workflow: workflow, ChildID: childID, Input: input})
	return t
}

func (c *Context) createTimer(fireAt time.Time) *Task {
	corr := c.nextCorrelation()
	t := &Task{ctx: c, kind: taskTimer, correlation: corr, name: "timer"}
	c.tasks[corr] = t
	c.emit(&CreateTimerCommand{InstanceID: c.instanceID, Correlation: corr, FireAt: fireAt})
	return t
}

func (c *Context) waitForEvent(name string) *Task {
	corr := c.nextCorrelation()
	t := &Task{ctx: c, kind: taskExternalEvent, correlation: corr, name: name}
	if buf := c.buffered[name]; len(buf) > 0 {
		c.buffered[name] = buf[1:]
		t.resolve(buf[0].payload, nil, buf[0].seq)
		return t
	}
	c.waiters[name] = append(c.waiters[name], t)
	return t
}

func (c *Context) newCombinatorTask(name string) *Task {
	return &Task{ctx: c, kind: taskCombinator, correlation: c.nextCorrelation(), name: name}
}

// awaitTask applies history events until the task resolves. When history is
// exhausted the execution suspends; the stack unwinds to the executor and
// the activation ends with the commands gathered so far.
func (c *Context) awaitTask(t *Task) {
	for t.state == TaskScheduled {
		if !c.processNext() {
			panic(suspendPanic{})
		}
	}
}

// processNext applies the next unapplied event, returning false when none
// remain.
func (c *Context) processNext() bool {
	if c.cursor >= len(c.events) {
		return false
	}
	e := c.events[c.cursor]
	c.cursor++
	c.applyEvent(e)
	return true
}

// drain applies any events left after the workflow function returned, so
// late completions still pass determinism checks and unconsumed external
// events end up buffered.
func (c *Context) drain() {
	for c.processNext() {
	}
}

func (c *Context) applyEvent(e *Event) {
	if e.Timestamp.After(c.now) {
		c.now = e.Timestamp
	}
	switch p := e.Payload.(type) {
	case *OrchestratorStarted:
		// Clock seed only; identity fields were read at construction.
	case *ActivityScheduled, *TimerCreated, *ChildWorkflowScheduled:
		c.consumeCommand(e)
	case *ActivityCompleted:
		c.resolveCompletion(e, p.Result, nil)
	case *ActivityFailed:
		c.resolveCompletion(e, nil, &p.Failure)
	case *TimerFired:
		c.resolveCompletion(e, nil, nil)
	case *ChildWorkflowCompleted:
		c.resolveCompletion(e, p.Result, nil)
	case *ChildWorkflowFailed:
		c.resolveCompletion(e, nil, &p.Failure)
	case *ExternalEventReceived:
		c.deliverExternal(e, p)
	case *ExecutionTerminated, *OrchestratorCompleted:
		// Terminal markers. The worker never activates an instance past
		// these, so they are only seen here if a history is inspected
		// manually; nothing to apply.
	}
}

// consumeCommand matches a committed scheduling event against the command
// the re-executed code produced for the same call number. A missing or
// different command means the code no longer takes the path the history
// records, which is unrecoverable.
func (c *Context) consumeCommand(e *Event) {
	cmd, ok := c.commands[e.Correlation]
	if !ok {
		c.failNonDeterminism(e, "no call")
	}
	switch p := e.Payload.(type) {
	case *ActivityScheduled:
		sc, ok := cmd.(*ScheduleActivityCommand)
		if !ok || sc.Name != p.Name {
			c.failNonDeterminism(e, describeCommand(cmd))
		}
	case *TimerCreated:
		if _, ok := cmd.(*CreateTimerCommand); !ok {
			c.failNonDeterminism(e, describeCommand(cmd))
		}
	case *ChildWorkflowScheduled:
		sc, ok := cmd.(*StartChildWorkflowCommand)
		if !ok || sc.Workflow != p.Workflow {
			c.failNonDeterminism(e, describeCommand(cmd))
		}
	}
	delete(c.commands, e.Correlation)
}

func (c *Context) resolveCompletion(e *Event, result []byte, failure *FailureDetails) {
	t, ok := c.tasks[e.Correlation]
	if !ok {
		c.failNonDeterminism(e, "no call")
	}
	if !completionMatches(t.kind, e.Kind) {
		c.failNonDeterminism(e, describeTask(t))
	}
	t.resolve(result, failure, e.Seq)
}

func completionMatches(k taskKind, kind EventKind) bool {
	switch k {
	case taskActivity:
		return kind == KindActivityCompleted || kind == KindActivityFailed
	case taskTimer:
		return kind == KindTimerFired
	case taskChildWorkflow:
		return kind == KindChildWorkflowCompleted || kind == KindChildWorkflowFailed
	default:
		return false
	}
}

func describeTask(t *Task) string {
	switch t.kind {
	case taskActivity:
		return fmt.Sprintf("CallActivity(%s)", t.name)
	case taskTimer:
		return "CreateTimer"
	case taskChildWorkflow:
		return fmt.Sprintf("CallChildWorkflow(%s)", t.name)
	case taskExternalEvent:
		return fmt.Sprintf("WaitForEvent(%s)", t.name)
	default:
		return t.name
	}
}

// deliverExternal hands an external event to the oldest waiter for its name,
// or buffers it until someone waits. Per-name delivery is strictly FIFO.
func (c *Context) deliverExternal(e *Event, p *ExternalEventReceived) {
	if ws := c.waiters[p.Name]; len(ws) > 0 {
		c.waiters[p.Name] = ws[1:]
		ws[0].resolve(p.Payload, nil, e.Seq)
		return
	}
	c.buffered[p.Name] = append(c.buffered[p.Name], bufferedEvent{seq: e.Seq, payload: p.Payload})
}

// pendingCommands returns the commands no committed event accounted for, in
// emission order. These are the new decisions of this activation.
func (c *Context) pendingCommands() []Command {
	out := make([]Command, 0, len(c.commands))
	for _, corr := range c.commandSeq {
		if cmd, ok := c.commands[corr]; ok {
			out = append(out, cmd)
		}
	}
	return out
}

// carriedEvents collects external events received but never consumed, in
// arrival order, for hand-off to a continue-as-new execution.
func (c *Context) carriedEvents() []*ExternalEventReceived {
	type carried struct {
		seq int64
		p   *ExternalEventReceived
	}
	var all []carried
	for name, buf := range c.buffered {
		for _, b := range buf {
			all = append(all, carried{seq: b.seq, p: &ExternalEventReceived{Name: name, Payload: b.payload}})
		}
	}
	for _, e := range c.events[c.cursor:] {
		if p, ok := e.Payload.(*ExternalEventReceived); ok {
			all = append(all, carried{seq: e.Seq, p: p})
		}
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].seq < all[j-1].seq; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	out := make([]*ExternalEventReceived, len(all))
	for i, c := range all {
		out[i] = c.p
	}
	return out
}

func (c *Context) failNonDeterminism(e *Event, got string) {
	panic(ndPanic{err: &NonDeterminismError{
		InstanceID: c.instanceID,
		Seq:        e.Seq,
		Expected:   describeEvent(e),
		Got:        got,
	}})
}
