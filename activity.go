package rewind

import (
	"context"
	"log/slog"
)

// Activity is a named activity definition with typed input and output.
// Activities are where real work happens: they may block, call services,
// read clocks and fail. The dispatch layer retries failed attempts per the
// activity's retry policy unless the error is terminal.
type Activity[In, Out any] struct {
	name  string
	fn    func(ctx *ActivityContext, input In) (Out, error)
	retry RetryPolicy
}

// NewActivity creates an activity definition with the given retry policy.
// Use DefaultRetryPolicy when in doubt and NoRetry for calls that must run
// at most once.
func NewActivity[In, Out any](name string, fn func(ctx *ActivityContext, input In) (Out, error), retry RetryPolicy) Activity[In, Out] {
	return Activity[In, Out]{name: name, fn: fn, retry: retry}
}

// Name returns the activity's registered name.
func (a Activity[In, Out]) Name() string { return a.name }

// RetryPolicy returns the policy the dispatch layer applies to failures.
func (a Activity[In, Out]) RetryPolicy() RetryPolicy { return a.retry }

// ActivityContext carries per-attempt metadata into activity functions. It
// embeds the worker's context.Context, so it can be passed directly to
// database calls and HTTP clients and is cancelled when the worker stops.
type ActivityContext struct {
	context.Context

	instanceID string
	activity   string
	attempt    int
	logger     *slog.Logger
}

// InstanceID returns the workflow instance that scheduled this activity.
func (c *ActivityContext) InstanceID() string { return c.instanceID }

// ActivityName returns the registered name of the running activity.
func (c *ActivityContext) ActivityName() string { return c.activity }

// Attempt returns the 1-indexed attempt number, incremented on each retry.
func (c *ActivityContext) Attempt() int { return c.attempt }

// Logger returns a structured logger scoped to the instance and attempt.
func (c *ActivityContext) Logger() *slog.Logger { return c.logger }
