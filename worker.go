package rewind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// abandonDelay is how long a task stays invisible after its processing
// failed, before another worker picks it up.
const abandonDelay = time.Second

// Worker polls the task queue and drives workflow instances: it activates
// orchestrations over their histories, runs activities with retries, and
// delivers fired timers. Any number of workers can share a backend; an
// activation lease keeps two of them from processing the same instance at
// once.
type Worker struct {
	backend  Backend
	registry *Registry
	config   WorkerConfig
	codec    Codec
	logger   *slog.Logger
	clock    func() time.Time
	owner    string
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// WorkerConfig configures worker behavior. Zero values fall back to the
// documented defaults.
type WorkerConfig struct {
	// Concurrency is the number of concurrent task handlers.
	Concurrency int `env:"CONCURRENCY" envDefault:"10"`
	// PollInterval is how often an idle handler checks for work.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"100ms"`
	// LeaseTTL bounds how long a crashed worker blocks an instance.
	LeaseTTL time.Duration `env:"LEASE_TTL" envDefault:"30s"`
	// StoreRetries and StoreRetryDelay govern retries of transient
	// history store and queue errors.
	StoreRetries    uint          `env:"STORE_RETRIES" envDefault:"5"`
	StoreRetryDelay time.Duration `env:"STORE_RETRY_DELAY" envDefault:"100ms"`
}

// WorkerConfigFromEnv reads a WorkerConfig from REWIND_WORKER_* environment
// variables.
func WorkerConfigFromEnv() (WorkerConfig, error) {
	return env.ParseAsWithOptions[WorkerConfig](env.Options{Prefix: "REWIND_WORKER_"})
}

func (c *WorkerConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.StoreRetries == 0 {
		c.StoreRetries = 5
	}
	if c.StoreRetryDelay <= 0 {
		c.StoreRetryDelay = 100 * time.Millisecond
	}
}

// NewWorker creates a worker over the given backend and registry.
func NewWorker(backend Backend, reg *Registry, config WorkerConfig, opts ...WorkerOption) *Worker {
	config.applyDefaults()
	w := &Worker{
		backend:  backend,
		registry: reg,
		config:   config,
		codec:    JSONCodec{},
		logger:   slog.Default(),
		clock:    time.Now,
		owner:    "worker-" + uuid.NewString(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("worker", w.owner)
	return w
}

// Run starts the worker. Blocks until Stop is called or the context is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.doneCh)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-workerCtx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(workerCtx)
	for i := 0; i < w.config.Concurrency; i++ {
		g.Go(func() error {
			w.pollLoop(gctx)
			return nil
		})
	}
	return g.Wait()
}

// Stop gracefully stops the worker and waits for in-flight tasks to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// pollLoop polls for tasks and processes them, draining the queue before
// going back to sleep.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				processed, err := w.pollAndProcess(ctx)
				if err != nil {
					if ctx.Err() == nil {
						w.logger.Error("worker error", "error", err)
					}
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

// pollAndProcess claims one task and processes it, reporting whether a task
// was handled. Failed tasks are abandoned for redelivery.
func (w *Worker) pollAndProcess(ctx context.Context) (bool, error) {
	task, err := w.backend.Dequeue(ctx, w.owner)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("failed to dequeue task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	var processErr error
	switch task.Kind {
	case TaskOrchestration:
		processErr = w.processOrchestrationTask(ctx, task)
	case TaskActivity:
		processErr = w.processActivityTask(ctx, task)
	case TaskTimer:
		processErr = w.processTimerTask(ctx, task)
	default:
		processErr = fmt.Errorf("unknown task kind: %s", task.Kind)
	}
	if processErr != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		_ = w.backend.Abandon(ctx, task, abandonDelay)
		return false, fmt.Errorf("task processing failed: %w", processErr)
	}

	if err := w.backend.Complete(ctx, task); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("failed to complete task: %w", err)
	}

	// A wake enqueued while this task was still claimed may have been
	// dropped as a duplicate. Now that the claim is gone, re-enqueue it if
	// the inbox is still not empty.
	if task.Kind == TaskOrchestration {
		w.rewakeIfPending(ctx, task.InstanceID)
	}
	return true, nil
}

// processOrchestrationTask activates one instance: it folds the inbox into
// fresh history events, re-executes the workflow over committed history plus
// those events, commits the outcome atomically and dispatches the commands
// the execution produced.
func (w *Worker) processOrchestrationTask(ctx context.Context, task *QueueTask) error {
	id := task.InstanceID

	acquired, err := w.backend.TryAcquireLease(ctx, id, w.owner, w.config.LeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !acquired {
		return fmt.Errorf("instance %s is leased by another worker", id)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := w.backend.ReleaseLease(releaseCtx, id, w.owner); err != nil {
			w.logger.Warn("failed to release lease", "instance_id", id, "error", err)
		}
	}()

	info, err := w.getInstance(ctx, id)
	if err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			w.logger.Warn("dropping task for unknown instance", "instance_id", id)
			return nil
		}
		return err
	}
	if info.Status.Terminal() {
		// Late wakes for settled instances are dropped, but a parent still
		// waiting must not be: re-sending the notification is deduplicated
		// by the parent's inbox.
		if info.Parent != nil {
			return w.notifyParent(ctx, info)
		}
		return nil
	}

	var history []*Event
	if err := w.withStoreRetry(ctx, "load history", func() error {
		var lerr error
		history, lerr = w.backend.LoadHistory(ctx, id)
		return lerr
	}); err != nil {
		return err
	}
	var msgs []*InboxMessage
	if err := w.withStoreRetry(ctx, "read inbox", func() error {
		var rerr error
		msgs, rerr = w.backend.ReadInbox(ctx, id)
		return rerr
	}); err != nil {
		return err
	}

	// A terminate request wins over everything else in the batch and is
	// handled without running user code.
	for _, m := range msgs {
		if m.Event.Kind == KindExecutionTerminated {
			return w.terminateInstance(ctx, info, history, msgs, m)
		}
	}

	lastSeq := int64(0)
	if len(history) > 0 {
		lastSeq = history[len(history)-1].Seq
	}
	seq := lastSeq
	fresh := make([]*Event, 0, len(msgs))
	consumed := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		seq++
		fresh = append(fresh, NewEvent(seq, m.Event.Timestamp, m.Event.Correlation, m.Event.Payload))
		consumed = append(consumed, m.ID)
	}

	res := runWorkflow(w.registry, id, history, fresh, w.codec, w.logger)

	now := w.clock()
	batch := fresh
	var dispatches []*QueueTask
	var childStarts []*StartChildWorkflowCommand
	var complete *CompleteOrchestrationCommand
	for _, cmd := range res.commands {
		switch cmd := cmd.(type) {
		case *ScheduleActivityCommand:
			seq++
			batch = append(batch, NewEvent(seq, now, cmd.Correlation, &ActivityScheduled{Name: cmd.Name, Input: cmd.Input}))
			dispatches = append(dispatches, &QueueTask{
				Kind:        TaskActivity,
				InstanceID:  id,
				DedupKey:    activityTaskKey(id, cmd.Correlation, 1),
				Activity:    cmd.Name,
				Correlation: cmd.Correlation,
				Input:       cmd.Input,
				Attempt:     1,
			})
		case *CreateTimerCommand:
			seq++
			batch = append(batch, NewEvent(seq, now, cmd.Correlation, &TimerCreated{FireAt: cmd.FireAt}))
			dispatches = append(dispatches, &QueueTask{
				Kind:        TaskTimer,
				InstanceID:  id,
				DedupKey:    timerTaskKey(id, cmd.Correlation),
				Correlation: cmd.Correlation,
				FireAt:      cmd.FireAt,
			})
		case *StartChildWorkflowCommand:
			seq++
			batch = append(batch, NewEvent(seq, now, cmd.Correlation, &ChildWorkflowScheduled{
				Workflow:   cmd.Workflow,
				InstanceID: cmd.ChildID,
				Input:      cmd.Input,
			}))
			childStarts = append(childStarts, cmd)
		case *CompleteOrchestrationCommand:
			complete = cmd
		}
	}

	commit := &ActivationCommit{
		InstanceID:    id,
		Owner:         w.owner,
		ExpectedSeq:   lastSeq,
		Status:        StatusRunning,
		ConsumedInbox: consumed,
	}
	switch {
	case complete == nil:
		commit.Events = batch
	case complete.Status == StatusContinuedAsNew:
		restart := []*Event{NewEvent(1, now, 0, &OrchestratorStarted{
			Workflow: info.Workflow,
			Input:    complete.Output,
			Parent:   info.Parent,
		})}
		rseq := int64(1)
		for _, p := range res.carried {
			rseq++
			restart = append(restart, NewEvent(rseq, now, 0, p))
		}
		commit.Restart = restart
	default:
		seq++
		batch = append(batch, NewEvent(seq, now, 0, &OrchestratorCompleted{
			Status:  complete.Status,
			Output:  complete.Output,
			Failure: complete.Failure,
		}))
		commit.Events = batch
		commit.Status = complete.Status
		commit.Output = complete.Output
		commit.Failure = complete.Failure
	}

	if err := w.withStoreRetry(ctx, "commit activation", func() error {
		return w.backend.CommitActivation(ctx, commit)
	}); err != nil {
		return err
	}

	if commit.Status == StatusFailed && commit.Failure != nil && commit.Failure.Type == "NonDeterminismError" {
		w.logger.Error("instance halted: non-deterministic orchestration",
			"instance_id", id, "workflow", info.Workflow, "error", commit.Failure.Message)
	}

	// Everything past the commit is at-least-once: dedup keys on the queue
	// and the inbox make redone dispatch harmless.
	if len(dispatches) > 0 {
		if err := w.withStoreRetry(ctx, "enqueue tasks", func() error {
			return w.backend.Enqueue(ctx, dispatches...)
		}); err != nil {
			return err
		}
	}
	for _, cs := range childStarts {
		if err := w.startChild(ctx, cs, now); err != nil {
			return err
		}
	}
	if complete != nil {
		switch {
		case complete.Status == StatusContinuedAsNew:
			if err := w.wake(ctx, id); err != nil {
				return err
			}
		case info.Parent != nil:
			info.Status = complete.Status
			info.Output = complete.Output
			info.Failure = complete.Failure
			if err := w.notifyParent(ctx, info); err != nil {
				return err
			}
		}
	}

	// An activation that had nothing to apply and nothing to schedule is
	// the signature of a redelivered task whose dispatch was lost in a
	// crash; rebuild the dispatch from history.
	if complete == nil && len(fresh) == 0 && len(res.commands) == 0 {
		return w.redriveOpenWork(ctx, id, history)
	}
	return nil
}

// terminateInstance closes an instance on an operator's terminate request:
// no user code runs, pending work is abandoned, and a waiting parent sees
// the instance as failed.
func (w *Worker) terminateInstance(ctx context.Context, info *InstanceInfo, history []*Event, msgs []*InboxMessage, term *InboxMessage) error {
	reason := ""
	if p, ok := term.Event.Payload.(*ExecutionTerminated); ok {
		reason = p.Reason
	}
	lastSeq := int64(0)
	if len(history) > 0 {
		lastSeq = history[len(history)-1].Seq
	}
	now := w.clock()
	failure := &FailureDetails{Type: "Terminated", Message: reason, NonRetryable: true}
	consumed := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		consumed = append(consumed, m.ID)
	}
	commit := &ActivationCommit{
		InstanceID:  info.InstanceID,
		Owner:       w.owner,
		ExpectedSeq: lastSeq,
		Events: []*Event{
			NewEvent(lastSeq+1, now, 0, &ExecutionTerminated{Reason: reason}),
			NewEvent(lastSeq+2, now, 0, &OrchestratorCompleted{Status: StatusTerminated, Failure: failure}),
		},
		Status:        StatusTerminated,
		Failure:       failure,
		ConsumedInbox: consumed,
	}
	if err := w.withStoreRetry(ctx, "commit termination", func() error {
		return w.backend.CommitActivation(ctx, commit)
	}); err != nil {
		return err
	}
	w.logger.Info("instance terminated", "instance_id", info.InstanceID, "reason", reason)
	if info.Parent != nil {
		info.Status = StatusTerminated
		info.Failure = failure
		return w.notifyParent(ctx, info)
	}
	return nil
}

// startChild creates a child instance and wakes it. Safe to redo: creation
// of an existing instance is a no-op and the wake is deduplicated.
func (w *Worker) startChild(ctx context.Context, cmd *StartChildWorkflowCommand, now time.Time) error {
	parent := &ParentRef{InstanceID: cmd.InstanceID, Correlation: cmd.Correlation}
	info := &InstanceInfo{
		InstanceID: cmd.ChildID,
		Workflow:   cmd.Workflow,
		Status:     StatusRunning,
		Input:      cmd.Input,
		Parent:     parent,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	start := NewEvent(1, now, 0, &OrchestratorStarted{Workflow: cmd.Workflow, Input: cmd.Input, Parent: parent})
	err := w.withStoreRetry(ctx, "create child instance", func() error {
		cerr := w.backend.CreateInstance(ctx, info, start)
		if errors.Is(cerr, ErrInstanceExists) {
			return nil
		}
		return cerr
	})
	if err != nil {
		return err
	}
	return w.wake(ctx, cmd.ChildID)
}

// notifyParent reports a child's terminal outcome to the call awaiting it.
func (w *Worker) notifyParent(ctx context.Context, child *InstanceInfo) error {
	var payload EventPayload
	if child.Status == StatusCompleted {
		payload = &ChildWorkflowCompleted{Result: child.Output}
	} else {
		failure := child.Failure
		if failure == nil {
			failure = &FailureDetails{Type: string(child.Status), Message: "child workflow did not complete"}
		}
		payload = &ChildWorkflowFailed{Failure: *failure}
	}
	parent := child.Parent
	return w.deliver(ctx, parent.InstanceID, &InboxMessage{
		DedupKey: childInboxKey(parent.Correlation),
		Event:    NewEvent(0, w.clock(), parent.Correlation, payload),
	})
}

// redriveOpenWork re-enqueues dispatch for scheduling events that have no
// recorded outcome yet. Dedup keys make this a no-op when the original
// dispatch survived.
func (w *Worker) redriveOpenWork(ctx context.Context, instanceID string, history []*Event) error {
	open := make(map[int64]*Event)
	for _, e := range history {
		switch {
		case schedulingKind(e.Kind):
			open[e.Correlation] = e
		case completionKind(e.Kind):
			delete(open, e.Correlation)
		}
	}
	now := w.clock()
	for corr, e := range open {
		switch p := e.Payload.(type) {
		case *ActivityScheduled:
			err := w.withStoreRetry(ctx, "redrive activity", func() error {
				return w.backend.Enqueue(ctx, &QueueTask{
					Kind:        TaskActivity,
					InstanceID:  instanceID,
					DedupKey:    activityTaskKey(instanceID, corr, 1),
					Activity:    p.Name,
					Correlation: corr,
					Input:       p.Input,
					Attempt:     1,
				})
			})
			if err != nil {
				return err
			}
		case *TimerCreated:
			err := w.withStoreRetry(ctx, "redrive timer", func() error {
				return w.backend.Enqueue(ctx, &QueueTask{
					Kind:        TaskTimer,
					InstanceID:  instanceID,
					DedupKey:    timerTaskKey(instanceID, corr),
					Correlation: corr,
					FireAt:      p.FireAt,
				})
			})
			if err != nil {
				return err
			}
		case *ChildWorkflowScheduled:
			cmd := &StartChildWorkflowCommand{
				InstanceID:  instanceID,
				Correlation: corr,
				Workflow:    p.Workflow,
				ChildID:     p.InstanceID,
				Input:       p.Input,
			}
			if err := w.startChild(ctx, cmd, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// processActivityTask runs one attempt of an activity and records the
// outcome. Retryable failures re-enqueue the next attempt after backoff;
// terminal failures and exhausted policies report ActivityFailed to the
// orchestration.
func (w *Worker) processActivityTask(ctx context.Context, task *QueueTask) error {
	info, err := w.getInstance(ctx, task.InstanceID)
	if err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			return nil
		}
		return err
	}
	if info.Status != StatusRunning {
		// The instance settled while this attempt waited; its result could
		// never be applied.
		return nil
	}

	runner, ok := w.registry.activity(task.Activity)
	if !ok {
		w.logger.Error("activity not registered", "activity", task.Activity, "instance_id", task.InstanceID)
		return w.recordActivityOutcome(ctx, task, nil, &FailureDetails{
			Type:         "ActivityNotRegistered",
			Message:      fmt.Sprintf("activity %q is not registered on this worker", task.Activity),
			NonRetryable: true,
		})
	}

	attempt := task.Attempt
	if attempt < 1 {
		attempt = 1
	}
	actx := &ActivityContext{
		Context:    ctx,
		instanceID: task.InstanceID,
		activity:   task.Activity,
		attempt:    attempt,
		logger: w.logger.With("instance_id", task.InstanceID,
			"activity", task.Activity, "attempt", attempt),
	}

	output, execErr := runActivityWithRecovery(runner, actx, task.Input)
	if execErr == nil {
		return w.recordActivityOutcome(ctx, task, output, nil)
	}

	policy := runner.retryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if IsTerminalError(execErr) || attempt >= policy.MaxAttempts {
		failure := failureFromError(execErr)
		w.logger.Warn("activity failed",
			"instance_id", task.InstanceID, "activity", task.Activity,
			"attempt", attempt, "error", execErr)
		return w.recordActivityOutcome(ctx, task, nil, &failure)
	}

	backoff := calculateBackoff(policy, attempt)
	w.logger.Info("retrying activity",
		"instance_id", task.InstanceID, "activity", task.Activity,
		"attempt", attempt, "backoff", backoff, "error", execErr)
	return w.withStoreRetry(ctx, "enqueue retry", func() error {
		return w.backend.Enqueue(ctx, &QueueTask{
			Kind:        TaskActivity,
			InstanceID:  task.InstanceID,
			DedupKey:    activityTaskKey(task.InstanceID, task.Correlation, attempt+1),
			Activity:    task.Activity,
			Correlation: task.Correlation,
			Input:       task.Input,
			Attempt:     attempt + 1,
			FireAt:      w.clock().Add(backoff),
		})
	})
}

// recordActivityOutcome appends the final result of an activity call to the
// instance inbox and wakes the instance. The inbox dedup key guarantees at
// most one recorded outcome per call even if attempts raced.
func (w *Worker) recordActivityOutcome(ctx context.Context, task *QueueTask, output []byte, failure *FailureDetails) error {
	var payload EventPayload
	if failure != nil {
		payload = &ActivityFailed{Failure: *failure}
	} else {
		payload = &ActivityCompleted{Result: output}
	}
	return w.deliver(ctx, task.InstanceID, &InboxMessage{
		DedupKey: activityInboxKey(task.Correlation),
		Event:    NewEvent(0, w.clock(), task.Correlation, payload),
	})
}

// processTimerTask delivers a due timer. The queue holds timer tasks until
// FireAt, so delivery time is the fire time.
func (w *Worker) processTimerTask(ctx context.Context, task *QueueTask) error {
	info, err := w.getInstance(ctx, task.InstanceID)
	if err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			return nil
		}
		return err
	}
	if info.Status != StatusRunning {
		return nil
	}
	return w.deliver(ctx, task.InstanceID, &InboxMessage{
		DedupKey: timerInboxKey(task.Correlation),
		Event:    NewEvent(0, w.clock(), task.Correlation, &TimerFired{FireAt: task.FireAt}),
	})
}

// deliver appends a message to an instance's inbox and wakes it.
func (w *Worker) deliver(ctx context.Context, instanceID string, msg *InboxMessage) error {
	if err := w.withStoreRetry(ctx, "append inbox", func() error {
		return w.backend.AppendInbox(ctx, instanceID, []*InboxMessage{msg})
	}); err != nil {
		return err
	}
	return w.wake(ctx, instanceID)
}

// wake enqueues an orchestration task for the instance.
func (w *Worker) wake(ctx context.Context, instanceID string) error {
	return w.withStoreRetry(ctx, "enqueue wake", func() error {
		return w.backend.Enqueue(ctx, &QueueTask{
			Kind:       TaskOrchestration,
			InstanceID: instanceID,
			DedupKey:   orchTaskKey(instanceID),
		})
	})
}

// rewakeIfPending re-enqueues an orchestration task when unconsumed inbox
// messages remain after an activation. Closes the window where a wake was
// deduplicated against the task that was being processed.
func (w *Worker) rewakeIfPending(ctx context.Context, instanceID string) {
	info, err := w.backend.GetInstance(ctx, instanceID)
	if err != nil || info.Status != StatusRunning {
		return
	}
	msgs, err := w.backend.ReadInbox(ctx, instanceID)
	if err != nil || len(msgs) == 0 {
		return
	}
	if err := w.wake(ctx, instanceID); err != nil {
		w.logger.Warn("failed to re-enqueue wake", "instance_id", instanceID, "error", err)
	}
}

func (w *Worker) getInstance(ctx context.Context, instanceID string) (*InstanceInfo, error) {
	var info *InstanceInfo
	err := w.withStoreRetry(ctx, "get instance", func() error {
		var gerr error
		info, gerr = w.backend.GetInstance(ctx, instanceID)
		return gerr
	})
	return info, err
}

func (w *Worker) withStoreRetry(ctx context.Context, op string, fn func() error) error {
	return storeRetry(ctx, w.config.StoreRetries, w.config.StoreRetryDelay, op, fn)
}

// storeRetry retries transient store and queue errors with exponential
// backoff. Domain errors such as sequence conflicts and missing instances
// are returned immediately.
func storeRetry(ctx context.Context, attempts uint, delay time.Duration, op string, fn func() error) error {
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransientStoreError),
	)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

func isTransientStoreError(err error) bool {
	switch {
	case errors.Is(err, ErrInstanceNotFound),
		errors.Is(err, ErrInstanceExists),
		errors.Is(err, ErrInstanceNotRunning),
		errors.Is(err, ErrSequenceConflict),
		errors.Is(err, ErrLeaseNotHeld),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// runActivityWithRecovery executes one activity attempt with panic recovery,
// so a panicking activity fails its attempt instead of crashing the worker.
func runActivityWithRecovery(runner activityRunner, actx *ActivityContext, input []byte) (output []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panicked: %v", r)
		}
	}()
	return runner.run(actx, input)
}

// calculateBackoff calculates the backoff duration for a retry.
func calculateBackoff(policy RetryPolicy, attempt int) time.Duration {
	// Exponential backoff: initialInterval * (backoffFactor ^ (attempt - 1))
	backoff := float64(policy.InitialInterval) * math.Pow(policy.BackoffFactor, float64(attempt-1))

	// Cap at max interval
	if policy.MaxInterval > 0 && backoff > float64(policy.MaxInterval) {
		backoff = float64(policy.MaxInterval)
	}

	// Add jitter: +/- jitter fraction
	if policy.Jitter > 0 {
		jitterAmount := backoff * policy.Jitter
		backoff += (rand.Float64()*2 - 1) * jitterAmount
	}

	if backoff < 0 {
		backoff = float64(policy.InitialInterval)
	}

	return time.Duration(backoff)
}
