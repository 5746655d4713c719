package rewind

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhenAnyWinnerIsEarliestResolution(t *testing.T) {
	t.Parallel()

	alpha := NewActivity("alpha", func(ctx *ActivityContext, _ struct{}) (string, error) { return "", nil }, NoRetry)
	beta := NewActivity("beta", func(ctx *ActivityContext, _ struct{}) (string, error) { return "", nil }, NoRetry)
	wf := NewWorkflow("race", func(ctx *Context, _ struct{}) (string, error) {
		a := Call(ctx, alpha, struct{}{})
		b := Call(ctx, beta, struct{}{})
		winner := ctx.WhenAny(a.Task, b.Task).Await()
		switch winner {
		case a.Task:
			return "alpha", nil
		case b.Task:
			return "beta", nil
		default:
			return "none", nil
		}
	})
	reg := NewRegistry(nil)
	RegisterWorkflow(reg, wf)

	// beta resolves at seq 4, alpha only at seq 5; the late resolution is
	// still applied and must not trip the determinism check.
	history := []*Event{
		startedEvent("race", nil),
		NewEvent(2, testBase, 1, &ActivityScheduled{Name: "alpha"}),
		NewEvent(3, testBase, 2, &ActivityScheduled{Name: "beta"}),
		NewEvent(4, testBase.Add(time.Second), 2, &ActivityCompleted{Result: mustJSON(t, "b")}),
		NewEvent(5, testBase.Add(2*time.Second), 1, &ActivityCompleted{Result: mustJSON(t, "a")}),
	}
	res := activate(reg, "wf-1", history, nil)

	require.Equal(t, StatusCompleted, res.status)
	assert.JSONEq(t, `"beta"`, string(completionOf(t, res).Output))
}

func TestWhenAnyTieBreaksByCallNumber(t *testing.T) {
	t.Parallel()

	wf := NewWorkflow("tied", func(ctx *Context, _ struct{}) (string, error) {
		first := ctx.WhenAll()
		second := ctx.WhenAll()
		// Both resolved instantly at the same position; argument order must
		// not decide the winner.
		winner := ctx.WhenAny(second.task, first.task).Await()
		if winner == first.task {
			return "first", nil
		}
		return "second", nil
	})
	reg := NewRegistry(nil)
	RegisterWorkflow(reg, wf)

	res := activate(reg, "wf-1", []*Event{startedEvent("tied", nil)}, nil)

	require.Equal(t, StatusCompleted, res.status)
	assert.JSONEq(t, `"first"`, string(completionOf(t, res).Output))
}

func TestWhenAllFailsFast(t *testing.T) {
	t.Parallel()

	alpha := NewActivity("alpha", func(ctx *ActivityContext, _ struct{}) (string, error) { return "", nil }, NoRetry)
	beta := NewActivity("beta", func(ctx *ActivityContext, _ struct{}) (string, error) { return "", nil }, NoRetry)
	wf := NewWorkflow("join", func(ctx *Context, _ struct{}) (string, error) {
		a := Call(ctx, alpha, struct{}{})
		b := Call(ctx, beta, struct{}{})
		if err := ctx.WhenAll(a.Task, b.Task).Await(); err != nil {
			return "", err
		}
		return "ok", nil
	})
	reg := NewRegistry(nil)
	RegisterWorkflow(reg, wf)

	// alpha failed; beta never resolves. The join must not keep waiting.
	history := []*Event{
		startedEvent("join", nil),
		NewEvent(2, testBase, 1, &ActivityScheduled{Name: "alpha"}),
		NewEvent(3, testBase, 2, &ActivityScheduled{Name: "beta"}),
		NewEvent(4, testBase.Add(time.Second), 1, &ActivityFailed{Failure: FailureDetails{Type: "Kaboom", Message: "exploded"}}),
	}
	res := activate(reg, "wf-1", history, nil)

	require.Equal(t, StatusFailed, res.status)
	failure := completionOf(t, res).Failure
	require.NotNil(t, failure)
	assert.Equal(t, "Kaboom", failure.Type)
	assert.Equal(t, "exploded", failure.Message)
}

func TestSettleAllWaitsForEveryMember(t *testing.T) {
	t.Parallel()

	work := NewActivity("work", func(ctx *ActivityContext, n int) (int, error) { return n, nil }, NoRetry)
	wf := NewWorkflow("settle", func(ctx *Context, _ struct{}) ([]string, error) {
		a := Call(ctx, work, 1)
		b := Call(ctx, work, 2)
		c := Call(ctx, work, 3)
		outcomes := ctx.SettleAll(a.Task, b.Task, c.Task).Await()
		marks := make([]string, len(outcomes))
		for i, err := range outcomes {
			if err != nil {
				marks[i] = "fail"
			} else {
				marks[i] = "ok"
			}
		}
		return marks, nil
	})
	reg := NewRegistry(nil)
	RegisterWorkflow(reg, wf)

	partial := []*Event{
		startedEvent("settle", nil),
		NewEvent(2, testBase, 1, &ActivityScheduled{Name: "work", Input: mustJSON(t, 1)}),
		NewEvent(3, testBase, 2, &ActivityScheduled{Name: "work", Input: mustJSON(t, 2)}),
		NewEvent(4, testBase, 3, &ActivityScheduled{Name: "work", Input: mustJSON(t, 3)}),
		NewEvent(5, testBase.Add(time.Second), 2, &ActivityFailed{Failure: FailureDetails{Type: "Kaboom", Message: "exploded"}}),
	}
	res := activate(reg, "wf-1", partial, nil)
	require.Equal(t, StatusRunning, res.status, "a failure alone does not settle the group")
	assert.Empty(t, res.commands)

	full := append(partial,
		NewEvent(6, testBase.Add(2*time.Second), 1, &ActivityCompleted{Result: mustJSON(t, 1)}),
		NewEvent(7, testBase.Add(3*time.Second), 3, &ActivityCompleted{Result: mustJSON(t, 3)}),
	)
	res = activate(reg, "wf-1", full, nil)
	require.Equal(t, StatusCompleted, res.status)
	assert.JSONEq(t, `["ok","fail","ok"]`, string(completionOf(t, res).Output))
}

func TestWhenAnyTimerAgainstEvent(t *testing.T) {
	t.Parallel()

	gate := NewWorkflow("gate", func(ctx *Context, _ struct{}) (string, error) {
		approval := WaitForEvent[string](ctx, "approval")
		deadline := ctx.CreateTimer(24 * time.Hour)
		winner := ctx.WhenAny(approval.Task, deadline).Await()
		if winner == deadline {
			return "timeout", nil
		}
		who, err := approval.Get()
		if err != nil {
			return "", err
		}
		return "approved by " + who, nil
	})
	reg := NewRegistry(nil)
	RegisterWorkflow(reg, gate)

	t.Run("timer fires first", func(t *testing.T) {
		t.Parallel()
		history := []*Event{
			startedEvent("gate", nil),
			NewEvent(2, testBase, 2, &TimerCreated{FireAt: testBase.Add(24 * time.Hour)}),
			NewEvent(3, testBase.Add(24*time.Hour), 2, &TimerFired{FireAt: testBase.Add(24 * time.Hour)}),
		}
		res := activate(reg, "wf-1", history, nil)
		require.Equal(t, StatusCompleted, res.status)
		assert.JSONEq(t, `"timeout"`, string(completionOf(t, res).Output))
	})

	t.Run("event arrives first", func(t *testing.T) {
		t.Parallel()
		history := []*Event{
			startedEvent("gate", nil),
			NewEvent(2, testBase, 2, &TimerCreated{FireAt: testBase.Add(24 * time.Hour)}),
			NewEvent(3, testBase.Add(time.Minute), 0, &ExternalEventReceived{Name: "approval", Payload: mustJSON(t, "kim")}),
		}
		res := activate(reg, "wf-2", history, nil)
		require.Equal(t, StatusCompleted, res.status)
		assert.JSONEq(t, `"approved by kim"`, string(completionOf(t, res).Output))
	})
}

func TestEmptyCombinatorsResolveImmediately(t *testing.T) {
	t.Parallel()

	wf := NewWorkflow("empties", func(ctx *Context, _ struct{}) (int, error) {
		if err := ctx.WhenAll().Await(); err != nil {
			return 0, err
		}
		if winner := ctx.WhenAny().Await(); winner != nil {
			return 0, errors.New("empty race produced a winner")
		}
		outcomes := ctx.SettleAll().Await()
		return len(outcomes), nil
	})
	reg := NewRegistry(nil)
	RegisterWorkflow(reg, wf)

	res := activate(reg, "wf-1", []*Event{startedEvent("empties", nil)}, nil)

	require.Equal(t, StatusCompleted, res.status)
	assert.JSONEq(t, "0", string(completionOf(t, res).Output))
}
