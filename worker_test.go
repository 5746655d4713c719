package rewind_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nvcnvn/rewind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestWorker runs a worker over the backend until the test ends.
func startTestWorker(t *testing.T, backend rewind.Backend, reg *rewind.Registry, opts ...rewind.WorkerOption) {
	t.Helper()
	worker := rewind.NewWorker(backend, reg, rewind.WorkerConfig{
		Concurrency:  4,
		PollInterval: 5 * time.Millisecond,
	}, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func testClient(backend rewind.Backend) rewind.Client {
	return rewind.Client{Backend: backend, PollInterval: 5 * time.Millisecond}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// fakeClock drives the virtual time of backend, worker and client in tests
// that would otherwise sleep through real timer delays.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{t: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestWorkflowCompletesThroughWorker(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	greet := rewind.NewActivity("greet", func(ctx *rewind.ActivityContext, name string) (string, error) {
		return "Hello, " + name + "!", nil
	}, rewind.DefaultRetryPolicy)
	hello := rewind.NewWorkflow("hello", func(ctx *rewind.Context, name string) (string, error) {
		return rewind.Call(ctx, greet, name).Get()
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, hello)
	rewind.RegisterActivity(reg, greet)

	backend := rewind.NewMemoryBackend()
	startTestWorker(t, backend, reg)
	client := testClient(backend)

	exec, err := rewind.Start(ctx, client, hello, "world")
	require.NoError(t, err)

	out, err := exec.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", out)

	info, err := client.GetStatus(ctx, exec.ID())
	require.NoError(t, err)
	assert.Equal(t, rewind.StatusCompleted, info.Status)
}

func TestActivityRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	var mu sync.Mutex
	var seen []int
	var calls atomic.Int32
	flaky := rewind.NewActivity("flaky", func(ctx *rewind.ActivityContext, _ struct{}) (string, error) {
		mu.Lock()
		seen = append(seen, ctx.Attempt())
		mu.Unlock()
		if calls.Add(1) < 3 {
			return "", errors.New("transient hiccup")
		}
		return "finally", nil
	}, rewind.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxAttempts:     5,
	})
	wf := rewind.NewWorkflow("retrying", func(ctx *rewind.Context, _ struct{}) (string, error) {
		return rewind.Call(ctx, flaky, struct{}{}).Get()
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, wf)
	rewind.RegisterActivity(reg, flaky)

	backend := rewind.NewMemoryBackend()
	startTestWorker(t, backend, reg)
	client := testClient(backend)

	exec, err := rewind.Start(ctx, client, wf, struct{}{})
	require.NoError(t, err)

	out, err := exec.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "finally", out)
	assert.EqualValues(t, 3, calls.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, seen, "each attempt sees its own attempt number")
}

func TestActivityRetriesExhaustAndFailInstance(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	var calls atomic.Int32
	hopeless := rewind.NewActivity("hopeless", func(ctx *rewind.ActivityContext, _ struct{}) (string, error) {
		calls.Add(1)
		return "", errors.New("still broken")
	}, rewind.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxAttempts:     2,
	})
	wf := rewind.NewWorkflow("doomed", func(ctx *rewind.Context, _ struct{}) (string, error) {
		return rewind.Call(ctx, hopeless, struct{}{}).Get()
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, wf)
	rewind.RegisterActivity(reg, hopeless)

	backend := rewind.NewMemoryBackend()
	startTestWorker(t, backend, reg)
	client := testClient(backend)

	exec, err := rewind.Start(ctx, client, wf, struct{}{})
	require.NoError(t, err)

	_, err = exec.Get(ctx)
	require.Error(t, err)
	var failure *rewind.WorkflowFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, rewind.StatusFailed, failure.Status)
	assert.Equal(t, "still broken", failure.Failure.Message)
	assert.EqualValues(t, 2, calls.Load(), "the policy allowed exactly two attempts")
}

func TestTerminalErrorSkipsRetries(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	var calls atomic.Int32
	rejecting := rewind.NewActivity("rejecting", func(ctx *rewind.ActivityContext, _ struct{}) (string, error) {
		calls.Add(1)
		return "", rewind.NewTerminalError(errors.New("bad config"))
	}, rewind.DefaultRetryPolicy)
	wf := rewind.NewWorkflow("rejected", func(ctx *rewind.Context, _ struct{}) (string, error) {
		return rewind.Call(ctx, rejecting, struct{}{}).Get()
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, wf)
	rewind.RegisterActivity(reg, rejecting)

	backend := rewind.NewMemoryBackend()
	startTestWorker(t, backend, reg)
	client := testClient(backend)

	exec, err := rewind.Start(ctx, client, wf, struct{}{})
	require.NoError(t, err)

	_, err = exec.Get(ctx)
	var failure *rewind.WorkflowFailure
	require.ErrorAs(t, err, &failure)
	assert.Contains(t, failure.Failure.Message, "bad config")
	assert.EqualValues(t, 1, calls.Load(), "a terminal error must not be retried")
}

func TestUnregisteredActivityIsCatchable(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	ghost := rewind.NewActivity("ghost", func(ctx *rewind.ActivityContext, _ struct{}) (string, error) {
		return "boo", nil
	}, rewind.DefaultRetryPolicy)
	wf := rewind.NewWorkflow("haunted", func(ctx *rewind.Context, _ struct{}) (string, error) {
		_, err := rewind.Call(ctx, ghost, struct{}{}).Get()
		var af *rewind.ActivityFailure
		if errors.As(err, &af) {
			return "caught:" + af.Failure.Type, nil
		}
		return "", err
	})

	// ghost is deliberately not registered.
	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, wf)

	backend := rewind.NewMemoryBackend()
	startTestWorker(t, backend, reg)
	client := testClient(backend)

	exec, err := rewind.Start(ctx, client, wf, struct{}{})
	require.NoError(t, err)

	out, err := exec.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "caught:ActivityNotRegistered", out)
}

func TestEventBufferedBeforeWorkerStarts(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	wf := rewind.NewWorkflow("listener", func(ctx *rewind.Context, _ struct{}) (string, error) {
		return rewind.WaitForEvent[string](ctx, "signal").Get()
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, wf)

	backend := rewind.NewMemoryBackend()
	client := testClient(backend)

	// Start the instance and raise the event before any worker runs, so the
	// event provably lands before the workflow waits.
	exec, err := rewind.Start(ctx, client, wf, struct{}{})
	require.NoError(t, err)
	require.NoError(t, client.RaiseEvent(ctx, exec.ID(), "signal", "early bird"))

	startTestWorker(t, backend, reg)

	out, err := exec.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "early bird", out)
}

func TestTerminateHaltsWaitingInstance(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	wf := rewind.NewWorkflow("stuck", func(ctx *rewind.Context, _ struct{}) (string, error) {
		return rewind.WaitForEvent[string](ctx, "never").Get()
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, wf)

	backend := rewind.NewMemoryBackend()
	startTestWorker(t, backend, reg)
	client := testClient(backend)

	exec, err := rewind.Start(ctx, client, wf, struct{}{})
	require.NoError(t, err)
	require.NoError(t, client.Terminate(ctx, exec.ID(), "operator gave up"))

	_, err = exec.Get(ctx)
	var failure *rewind.WorkflowFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, rewind.StatusTerminated, failure.Status)
	assert.Equal(t, "Terminated", failure.Failure.Type)
	assert.Equal(t, "operator gave up", failure.Failure.Message)

	// Raising against the settled instance is a silent drop.
	require.NoError(t, client.RaiseEvent(ctx, exec.ID(), "never", "too late"))
	info, err := client.GetStatus(ctx, exec.ID())
	require.NoError(t, err)
	assert.Equal(t, rewind.StatusTerminated, info.Status)
}

func TestChildWorkflowRunsUnderDerivedID(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	square := rewind.NewActivity("square", func(ctx *rewind.ActivityContext, n int) (int, error) {
		return n * n, nil
	}, rewind.DefaultRetryPolicy)
	child := rewind.NewWorkflow("child-job", func(ctx *rewind.Context, n int) (int, error) {
		return rewind.Call(ctx, square, n).Get()
	})
	parent := rewind.NewWorkflow("parent-job", func(ctx *rewind.Context, n int) (int, error) {
		out, err := rewind.CallChild(ctx, child, n).Get()
		if err != nil {
			return 0, err
		}
		return out + 1, nil
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, parent)
	rewind.RegisterWorkflow(reg, child)
	rewind.RegisterActivity(reg, square)

	backend := rewind.NewMemoryBackend()
	startTestWorker(t, backend, reg)
	client := testClient(backend)

	exec, err := rewind.Start(ctx, client, parent, 6, rewind.WithInstanceID("p-1"))
	require.NoError(t, err)

	out, err := exec.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 37, out)

	childInfo, err := client.GetStatus(ctx, rewind.ChildInstanceID("p-1", 1))
	require.NoError(t, err)
	assert.Equal(t, rewind.StatusCompleted, childInfo.Status)
	assert.Equal(t, "child-job", childInfo.Workflow)
	require.NotNil(t, childInfo.Parent)
	assert.Equal(t, "p-1", childInfo.Parent.InstanceID)
}

func TestChildFailureCaughtByParent(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	child := rewind.NewWorkflow("fragile-child", func(ctx *rewind.Context, _ struct{}) (string, error) {
		return "", errors.New("child exploded")
	})
	var caught *rewind.ChildWorkflowFailure
	parent := rewind.NewWorkflow("careful-parent", func(ctx *rewind.Context, _ struct{}) (string, error) {
		_, err := rewind.CallChild(ctx, child, struct{}{}).Get()
		if errors.As(err, &caught) {
			return "recovered", nil
		}
		return "", err
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, parent)
	rewind.RegisterWorkflow(reg, child)

	backend := rewind.NewMemoryBackend()
	startTestWorker(t, backend, reg)
	client := testClient(backend)

	exec, err := rewind.Start(ctx, client, parent, struct{}{}, rewind.WithInstanceID("p-2"))
	require.NoError(t, err)

	out, err := exec.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)

	require.NotNil(t, caught)
	assert.Equal(t, "fragile-child", caught.Workflow)
	assert.Equal(t, rewind.ChildInstanceID("p-2", 1), caught.InstanceID)
	assert.Equal(t, "child exploded", caught.Failure.Message)

	childInfo, err := client.GetStatus(ctx, caught.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, rewind.StatusFailed, childInfo.Status)
}

func TestTimerHoldsUntilVirtualDeadline(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	clock := newFakeClock(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	reminder := rewind.NewWorkflow("reminder", func(ctx *rewind.Context, _ struct{}) (string, error) {
		if err := ctx.CreateTimer(24 * time.Hour).Await(); err != nil {
			return "", err
		}
		return "rang", nil
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, reminder)

	backend := rewind.NewMemoryBackend(rewind.WithMemoryClock(clock.Now))
	startTestWorker(t, backend, reg, rewind.WithClock(clock.Now))
	client := testClient(backend)
	client.Now = clock.Now

	exec, err := rewind.Start(ctx, client, reminder, struct{}{})
	require.NoError(t, err)

	// Give the worker real time to park the instance on the timer, then
	// confirm nothing fires while the virtual clock stands still.
	time.Sleep(150 * time.Millisecond)
	info, err := client.GetStatus(ctx, exec.ID())
	require.NoError(t, err)
	assert.Equal(t, rewind.StatusRunning, info.Status)

	clock.Advance(25 * time.Hour)

	out, err := exec.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rang", out)
}

func TestApprovalTimeoutRunsCompensationsInOrder(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	clock := newFakeClock(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))

	var mu sync.Mutex
	var undo []string
	record := func(step string) {
		mu.Lock()
		undo = append(undo, step)
		mu.Unlock()
	}
	refund := rewind.NewActivity("refund", func(ctx *rewind.ActivityContext, _ struct{}) (bool, error) {
		record("refund")
		return true, nil
	}, rewind.DefaultRetryPolicy)
	release := rewind.NewActivity("release", func(ctx *rewind.ActivityContext, _ struct{}) (bool, error) {
		record("release")
		return true, nil
	}, rewind.DefaultRetryPolicy)

	wf := rewind.NewWorkflow("approval-gate", func(ctx *rewind.Context, _ struct{}) (string, error) {
		approval := rewind.WaitForEvent[string](ctx, "approval")
		deadline := ctx.CreateTimer(24 * time.Hour)
		winner := ctx.WhenAny(approval.Task, deadline).Await()
		if winner != deadline {
			return "approved", nil
		}
		if _, err := rewind.Call(ctx, refund, struct{}{}).Get(); err != nil {
			return "", err
		}
		if _, err := rewind.Call(ctx, release, struct{}{}).Get(); err != nil {
			return "", err
		}
		return "timed out", nil
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, wf)
	rewind.RegisterActivity(reg, refund)
	rewind.RegisterActivity(reg, release)

	backend := rewind.NewMemoryBackend(rewind.WithMemoryClock(clock.Now))
	startTestWorker(t, backend, reg, rewind.WithClock(clock.Now))
	client := testClient(backend)
	client.Now = clock.Now

	exec, err := rewind.Start(ctx, client, wf, struct{}{})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	clock.Advance(25 * time.Hour)

	out, err := exec.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "timed out", out)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"refund", "release"}, undo,
		"compensations run sequentially in declaration order, exactly once")
}

func TestContinueAsNewRestartsUnderSameID(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	looper := rewind.NewWorkflow("looper", func(ctx *rewind.Context, n int) (int, error) {
		if n < 3 {
			ctx.ContinueAsNew(n + 1)
		}
		return n, nil
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, looper)

	backend := rewind.NewMemoryBackend()
	startTestWorker(t, backend, reg)
	client := testClient(backend)

	exec, err := rewind.Start(ctx, client, looper, 0)
	require.NoError(t, err)

	out, err := exec.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	info, err := client.GetStatus(ctx, exec.ID())
	require.NoError(t, err)
	assert.Equal(t, rewind.StatusCompleted, info.Status)
	assert.JSONEq(t, "3", string(info.Input), "the record reflects the input of the final execution")
}

func TestEventsCarryAcrossContinueAsNew(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	collector := rewind.NewWorkflow("collector", func(ctx *rewind.Context, round int) (string, error) {
		got, err := rewind.WaitForEvent[string](ctx, "data").Get()
		if err != nil {
			return "", err
		}
		if round == 0 {
			ctx.ContinueAsNew(1)
		}
		return got, nil
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, collector)

	backend := rewind.NewMemoryBackend()
	client := testClient(backend)

	// Both events are in the inbox before the first activation; the first
	// execution consumes one, the restart inherits the other.
	exec, err := rewind.Start(ctx, client, collector, 0)
	require.NoError(t, err)
	require.NoError(t, client.RaiseEvent(ctx, exec.ID(), "data", "a"))
	require.NoError(t, client.RaiseEvent(ctx, exec.ID(), "data", "b"))

	startTestWorker(t, backend, reg)

	out, err := exec.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", out)
}

func TestRacingCallsBothRecorded(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	quick := rewind.NewActivity("quick", func(ctx *rewind.ActivityContext, _ struct{}) (string, error) {
		return "quick", nil
	}, rewind.DefaultRetryPolicy)
	slow := rewind.NewActivity("slow", func(ctx *rewind.ActivityContext, _ struct{}) (string, error) {
		time.Sleep(60 * time.Millisecond)
		return "slow", nil
	}, rewind.DefaultRetryPolicy)
	wf := rewind.NewWorkflow("both", func(ctx *rewind.Context, _ struct{}) (string, error) {
		a := rewind.Call(ctx, quick, struct{}{})
		b := rewind.Call(ctx, slow, struct{}{})
		ctx.WhenAny(a.Task, b.Task).Await()
		// The loser keeps running; wait for it too.
		first, err := a.Get()
		if err != nil {
			return "", err
		}
		second, err := b.Get()
		if err != nil {
			return "", err
		}
		return first + "+" + second, nil
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, wf)
	rewind.RegisterActivity(reg, quick)
	rewind.RegisterActivity(reg, slow)

	backend := rewind.NewMemoryBackend()
	startTestWorker(t, backend, reg)
	client := testClient(backend)

	exec, err := rewind.Start(ctx, client, wf, struct{}{})
	require.NoError(t, err)

	out, err := exec.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "quick+slow", out)
}

func TestParallelInstancesStayIsolated(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	square := rewind.NewActivity("square", func(ctx *rewind.ActivityContext, n int) (int, error) {
		return n * n, nil
	}, rewind.DefaultRetryPolicy)
	wf := rewind.NewWorkflow("squarer", func(ctx *rewind.Context, n int) (int, error) {
		return rewind.Call(ctx, square, n).Get()
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, wf)
	rewind.RegisterActivity(reg, square)

	backend := rewind.NewMemoryBackend()
	startTestWorker(t, backend, reg)
	client := testClient(backend)

	const n = 20
	execs := make([]*rewind.Execution[int], n)
	for i := 0; i < n; i++ {
		exec, err := rewind.Start(ctx, client, wf, i, rewind.WithInstanceID(fmt.Sprintf("sq-%d", i)))
		require.NoError(t, err)
		execs[i] = exec
	}
	for i, exec := range execs {
		out, err := exec.Get(ctx)
		require.NoError(t, err, "instance sq-%d", i)
		assert.Equal(t, i*i, out, "instance sq-%d", i)
	}
}

// TestInstanceResumesUnderNewWorker kills the worker that ran the first half
// of an instance and hands the backend to a fresh one. The replacement
// rebuilds state by replay, so the recorded activity must not run again.
func TestInstanceResumesUnderNewWorker(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	var stampCalls atomic.Int32
	stamp := rewind.NewActivity("stamp", func(ctx *rewind.ActivityContext, in string) (string, error) {
		stampCalls.Add(1)
		return "stamped:" + in, nil
	}, rewind.DefaultRetryPolicy)
	wf := rewind.NewWorkflow("two-phase", func(ctx *rewind.Context, in string) (string, error) {
		first, err := rewind.Call(ctx, stamp, in).Get()
		if err != nil {
			return "", err
		}
		release, err := rewind.WaitForEvent[string](ctx, "release").Get()
		if err != nil {
			return "", err
		}
		return first + "+" + release, nil
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, wf)
	rewind.RegisterActivity(reg, stamp)

	backend := rewind.NewMemoryBackend()
	client := testClient(backend)

	runWorker := func() (stop func()) {
		w := rewind.NewWorker(backend, reg, rewind.WorkerConfig{
			Concurrency:  2,
			PollInterval: 5 * time.Millisecond,
			LeaseTTL:     500 * time.Millisecond,
		})
		wctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = w.Run(wctx)
		}()
		return func() {
			cancel()
			<-done
		}
	}

	stop1 := runWorker()
	exec, err := rewind.Start(ctx, client, wf, "doc-1")
	require.NoError(t, err)

	// Let the first worker run the activity and park on the event wait.
	require.Eventually(t, func() bool {
		return stampCalls.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stop1()

	stop2 := runWorker()
	defer stop2()
	require.NoError(t, client.RaiseEvent(ctx, exec.ID(), "release", "go"))

	out, err := exec.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stamped:doc-1+go", out)
	assert.EqualValues(t, 1, stampCalls.Load(), "replay re-ran a recorded activity")
}

func TestDynamicActivityNameCall(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	double := rewind.NewActivity("double", func(ctx *rewind.ActivityContext, n int) (int, error) {
		return n * 2, nil
	}, rewind.DefaultRetryPolicy)
	square := rewind.NewActivity("square", func(ctx *rewind.ActivityContext, n int) (int, error) {
		return n * n, nil
	}, rewind.DefaultRetryPolicy)

	type input struct {
		Op string
		N  int
	}
	wf := rewind.NewWorkflow("apply-op", func(ctx *rewind.Context, in input) (int, error) {
		var out int
		if err := ctx.CallActivity(in.Op, in.N).Result(&out); err != nil {
			return 0, err
		}
		return out, nil
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, wf)
	rewind.RegisterActivity(reg, double)
	rewind.RegisterActivity(reg, square)

	backend := rewind.NewMemoryBackend()
	startTestWorker(t, backend, reg)
	client := testClient(backend)

	exec, err := rewind.Start(ctx, client, wf, input{Op: "square", N: 7})
	require.NoError(t, err)

	out, err := exec.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 49, out)
}
