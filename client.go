package rewind

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	clientRetryAttempts = 5
	clientRetryDelay    = 100 * time.Millisecond
)

// Client starts workflow instances, raises external events, terminates
// instances and inspects their status. It must share its Backend (and
// codec) with the workers of the deployment.
//
// Backend is required; every other field defaults sensibly.
type Client struct {
	Backend Backend
	Codec   Codec
	Logger  *slog.Logger
	Now     func() time.Time

	// PollInterval is how often WaitForCompletion re-reads the instance.
	PollInterval time.Duration
}

func (c Client) codec() Codec {
	if c.Codec == nil {
		return JSONCodec{}
	}
	return c.Codec
}

func (c Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c Client) pollEvery() time.Duration {
	if c.PollInterval <= 0 {
		return 100 * time.Millisecond
	}
	return c.PollInterval
}

// Start begins a new instance of wf and returns a typed handle to it.
//
// Go does not support type parameters on methods, so this is a package-level
// generic.
func Start[In, Out any](ctx context.Context, c Client, wf Workflow[In, Out], input In, opts ...StartOption) (*Execution[Out], error) {
	inputJSON, err := c.codec().Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	id, err := c.StartInstance(ctx, wf.Name(), inputJSON, opts...)
	if err != nil {
		return nil, err
	}
	return &Execution[Out]{id: id, client: c}, nil
}

// StartInstance begins an instance by workflow name with pre-encoded input.
// The returned ID identifies the instance for events, termination and status
// queries. Returns ErrInstanceExists when WithInstanceID names a taken ID.
func (c Client) StartInstance(ctx context.Context, workflow string, input []byte, opts ...StartOption) (string, error) {
	if workflow == "" {
		return "", fmt.Errorf("workflow name is empty")
	}
	cfg := getStartConfig(opts)
	id := cfg.instanceID
	if id == "" {
		id = newInstanceID()
	}
	now := c.now()
	info := &InstanceInfo{
		InstanceID: id,
		Workflow:   workflow,
		Status:     StatusRunning,
		Input:      input,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	start := NewEvent(1, now, 0, &OrchestratorStarted{Workflow: workflow, Input: input})
	if err := c.Backend.CreateInstance(ctx, info, start); err != nil {
		return "", fmt.Errorf("create instance: %w", err)
	}
	err := storeRetry(ctx, clientRetryAttempts, clientRetryDelay, "enqueue instance", func() error {
		return c.Backend.Enqueue(ctx, &QueueTask{
			Kind:       TaskOrchestration,
			InstanceID: id,
			DedupKey:   orchTaskKey(id),
		})
	})
	if err != nil {
		return "", err
	}
	c.logger().Info("instance started", "instance_id", id, "workflow", workflow)
	return id, nil
}

// RaiseEvent delivers a named external event to a running instance. Events
// raised before the instance waits are buffered in arrival order; events
// raised against a settled instance are dropped without error.
func (c Client) RaiseEvent(ctx context.Context, instanceID, name string, payload any) error {
	if name == "" {
		return fmt.Errorf("event name is empty")
	}
	data, err := c.codec().Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	info, err := c.Backend.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("get instance: %w", err)
	}
	if info.Status.Terminal() {
		c.logger().Debug("event dropped, instance settled",
			"instance_id", instanceID, "event", name, "status", info.Status)
		return nil
	}
	msg := &InboxMessage{
		DedupKey: "ext:" + uuid.NewString(),
		Event:    NewEvent(0, c.now(), 0, &ExternalEventReceived{Name: name, Payload: data}),
	}
	err = storeRetry(ctx, clientRetryAttempts, clientRetryDelay, "append event", func() error {
		return c.Backend.AppendInbox(ctx, instanceID, []*InboxMessage{msg})
	})
	if err != nil {
		return err
	}
	return c.wake(ctx, instanceID)
}

// Terminate requests that an instance stop with the given reason. The
// instance transitions to Terminated without running more workflow code;
// in-flight activities finish but their results are dropped. Terminating a
// settled instance is a no-op.
func (c Client) Terminate(ctx context.Context, instanceID, reason string) error {
	info, err := c.Backend.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("get instance: %w", err)
	}
	if info.Status.Terminal() {
		return nil
	}
	msg := &InboxMessage{
		DedupKey: terminateInboxKey,
		Event:    NewEvent(0, c.now(), 0, &ExecutionTerminated{Reason: reason}),
	}
	err = storeRetry(ctx, clientRetryAttempts, clientRetryDelay, "append terminate", func() error {
		return c.Backend.AppendInbox(ctx, instanceID, []*InboxMessage{msg})
	})
	if err != nil {
		return err
	}
	return c.wake(ctx, instanceID)
}

// GetStatus returns the instance record, including status, output and
// failure details.
func (c Client) GetStatus(ctx context.Context, instanceID string) (*InstanceInfo, error) {
	info, err := c.Backend.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return info, nil
}

// WaitForCompletion polls the instance until it reaches a terminal status or
// the context ends. A continue-as-new restart keeps the instance Running, so
// waiting spans all of its executions.
func (c Client) WaitForCompletion(ctx context.Context, instanceID string) (*InstanceInfo, error) {
	ticker := time.NewTicker(c.pollEvery())
	defer ticker.Stop()
	for {
		info, err := c.GetStatus(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if info.Status.Terminal() {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c Client) wake(ctx context.Context, instanceID string) error {
	return storeRetry(ctx, clientRetryAttempts, clientRetryDelay, "enqueue wake", func() error {
		return c.Backend.Enqueue(ctx, &QueueTask{
			Kind:       TaskOrchestration,
			InstanceID: instanceID,
			DedupKey:   orchTaskKey(instanceID),
		})
	})
}

// Result returns the decoded output of an already finished instance.
//
// Go does not support type parameters on methods, so this is a package-level
// generic.
func Result[Out any](ctx context.Context, c Client, instanceID string) (Out, error) {
	var out Out
	info, err := c.GetStatus(ctx, instanceID)
	if err != nil {
		return out, err
	}
	if !info.Status.Terminal() {
		return out, fmt.Errorf("instance %s is not finished (status: %s)", instanceID, info.Status)
	}
	if info.Status != StatusCompleted {
		return out, workflowFailureError(info)
	}
	if len(info.Output) == 0 {
		return out, nil
	}
	if err := c.codec().Unmarshal(info.Output, &out); err != nil {
		return out, fmt.Errorf("unmarshal output: %w", err)
	}
	return out, nil
}

// Execution is a typed handle to a started instance.
type Execution[Out any] struct {
	id     string
	client Client
}

// ID returns the instance ID of the execution.
func (e *Execution[Out]) ID() string { return e.id }

// Get blocks until the instance finishes and returns its decoded output. A
// failed or terminated instance yields a *WorkflowFailure error.
func (e *Execution[Out]) Get(ctx context.Context) (Out, error) {
	var out Out
	info, err := e.client.WaitForCompletion(ctx, e.id)
	if err != nil {
		return out, err
	}
	if info.Status != StatusCompleted {
		return out, workflowFailureError(info)
	}
	if len(info.Output) == 0 {
		return out, nil
	}
	if err := e.client.codec().Unmarshal(info.Output, &out); err != nil {
		return out, fmt.Errorf("unmarshal output: %w", err)
	}
	return out, nil
}

func workflowFailureError(info *InstanceInfo) error {
	failure := FailureDetails{Type: string(info.Status), Message: "instance did not complete"}
	if info.Failure != nil {
		failure = *info.Failure
	}
	return &WorkflowFailure{InstanceID: info.InstanceID, Status: info.Status, Failure: failure}
}
