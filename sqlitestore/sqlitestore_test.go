package sqlitestore_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nvcnvn/rewind"
	"github.com/nvcnvn/rewind/sqlitestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T, cfg sqlitestore.Config) *sqlitestore.Store {
	t.Helper()
	store, err := sqlitestore.Open(":memory:", cfg)
	require.NoError(t, err, "open in-memory store")
	t.Cleanup(func() { store.Close() })
	return store
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func createInstance(t *testing.T, s *sqlitestore.Store, id string, parent *rewind.ParentRef) {
	t.Helper()
	info := &rewind.InstanceInfo{
		InstanceID: id,
		Workflow:   "wf",
		Status:     rewind.StatusRunning,
		Input:      mustJSON(t, "in"),
		Parent:     parent,
		CreatedAt:  testBase,
		UpdatedAt:  testBase,
	}
	start := rewind.NewEvent(1, testBase, 0, &rewind.OrchestratorStarted{Workflow: "wf", Input: info.Input})
	require.NoError(t, s.CreateInstance(context.Background(), info, start))
}

func TestInstanceRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, sqlitestore.Config{})
	ctx := context.Background()

	parent := &rewind.ParentRef{InstanceID: "parent-1", Correlation: 3}
	createInstance(t, s, "i-1", parent)

	info, err := s.GetInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "i-1", info.InstanceID)
	assert.Equal(t, "wf", info.Workflow)
	assert.Equal(t, rewind.StatusRunning, info.Status)
	assert.JSONEq(t, `"in"`, string(info.Input))
	require.NotNil(t, info.Parent)
	assert.Equal(t, "parent-1", info.Parent.InstanceID)
	assert.EqualValues(t, 3, info.Parent.Correlation)
	assert.Nil(t, info.Failure)

	err = s.CreateInstance(ctx, &rewind.InstanceInfo{InstanceID: "i-1", Workflow: "wf", Status: rewind.StatusRunning},
		rewind.NewEvent(1, testBase, 0, &rewind.OrchestratorStarted{Workflow: "wf"}))
	assert.ErrorIs(t, err, rewind.ErrInstanceExists)

	_, err = s.GetInstance(ctx, "ghost")
	assert.ErrorIs(t, err, rewind.ErrInstanceNotFound)

	_, err = s.LoadHistory(ctx, "ghost")
	assert.ErrorIs(t, err, rewind.ErrInstanceNotFound)
}

func TestHistoryRoundTripPreservesPayloads(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, sqlitestore.Config{})
	ctx := context.Background()
	createInstance(t, s, "i-1", nil)

	fireAt := testBase.Add(90 * time.Minute).Add(123456 * time.Nanosecond)
	commit := &rewind.ActivationCommit{
		InstanceID:  "i-1",
		ExpectedSeq: 1,
		Events: []*rewind.Event{
			rewind.NewEvent(2, testBase.Add(time.Second), 1,
				&rewind.ActivityScheduled{Name: "charge", Input: mustJSON(t, map[string]int{"cents": 1250})}),
			rewind.NewEvent(3, testBase.Add(2*time.Second), 2,
				&rewind.TimerCreated{FireAt: fireAt}),
		},
		Status: rewind.StatusRunning,
	}
	require.NoError(t, s.CommitActivation(ctx, commit))

	hist, err := s.LoadHistory(ctx, "i-1")
	require.NoError(t, err)
	require.Len(t, hist, 3)

	started, ok := hist[0].Payload.(*rewind.OrchestratorStarted)
	require.True(t, ok, "payloads decode to their concrete types")
	assert.Equal(t, "wf", started.Workflow)

	sched, ok := hist[1].Payload.(*rewind.ActivityScheduled)
	require.True(t, ok)
	assert.Equal(t, "charge", sched.Name)
	assert.JSONEq(t, `{"cents":1250}`, string(sched.Input))
	assert.EqualValues(t, 1, hist[1].Correlation)
	assert.Equal(t, rewind.KindActivityScheduled, hist[1].Kind)
	assert.True(t, hist[1].Timestamp.Equal(testBase.Add(time.Second)))

	timer, ok := hist[2].Payload.(*rewind.TimerCreated)
	require.True(t, ok)
	assert.True(t, timer.FireAt.Equal(fireAt), "timestamps keep nanosecond fidelity")
}

func TestInboxDedupSurvivesConsumption(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, sqlitestore.Config{})
	ctx := context.Background()
	createInstance(t, s, "i-1", nil)

	outcome := func() *rewind.InboxMessage {
		return &rewind.InboxMessage{
			DedupKey: "act:1",
			Event:    rewind.NewEvent(0, testBase, 1, &rewind.ActivityCompleted{Result: mustJSON(t, "ok")}),
		}
	}

	require.NoError(t, s.AppendInbox(ctx, "i-1", []*rewind.InboxMessage{outcome()}))
	require.NoError(t, s.AppendInbox(ctx, "i-1", []*rewind.InboxMessage{outcome()}))

	msgs, err := s.ReadInbox(ctx, "i-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "act:1", msgs[0].DedupKey)

	commit := &rewind.ActivationCommit{
		InstanceID:    "i-1",
		ExpectedSeq:   1,
		Events:        []*rewind.Event{rewind.NewEvent(2, testBase, 1, &rewind.ActivityCompleted{Result: mustJSON(t, "ok")})},
		Status:        rewind.StatusRunning,
		ConsumedInbox: []int64{msgs[0].ID},
	}
	require.NoError(t, s.CommitActivation(ctx, commit))

	msgs, err = s.ReadInbox(ctx, "i-1")
	require.NoError(t, err)
	assert.Empty(t, msgs, "consumed messages leave the inbox")

	// Redelivery of the consumed outcome is still dropped.
	require.NoError(t, s.AppendInbox(ctx, "i-1", []*rewind.InboxMessage{outcome()}))
	msgs, err = s.ReadInbox(ctx, "i-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCommitRejectsConflicts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, sqlitestore.Config{})
	ctx := context.Background()
	createInstance(t, s, "i-1", nil)

	stale := &rewind.ActivationCommit{
		InstanceID:  "i-1",
		ExpectedSeq: 7,
		Events:      []*rewind.Event{rewind.NewEvent(8, testBase, 1, &rewind.TimerCreated{FireAt: testBase})},
		Status:      rewind.StatusRunning,
	}
	require.ErrorIs(t, s.CommitActivation(ctx, stale), rewind.ErrSequenceConflict)

	gap := &rewind.ActivationCommit{
		InstanceID:  "i-1",
		ExpectedSeq: 1,
		Events:      []*rewind.Event{rewind.NewEvent(5, testBase, 1, &rewind.TimerCreated{FireAt: testBase})},
		Status:      rewind.StatusRunning,
	}
	require.ErrorIs(t, s.CommitActivation(ctx, gap), rewind.ErrSequenceConflict)

	hist, err := s.LoadHistory(ctx, "i-1")
	require.NoError(t, err)
	assert.Len(t, hist, 1, "rejected commits leave no partial writes")
}

func TestCommitEnforcesLease(t *testing.T) {
	t.Parallel()
	clock := &stepClock{t: testBase}
	s := openTestStore(t, sqlitestore.Config{Clock: clock.Now})
	ctx := context.Background()
	createInstance(t, s, "i-1", nil)

	commit := func(owner string) error {
		return s.CommitActivation(ctx, &rewind.ActivationCommit{
			InstanceID:  "i-1",
			Owner:       owner,
			ExpectedSeq: 1,
			Events:      []*rewind.Event{rewind.NewEvent(2, testBase, 1, &rewind.TimerCreated{FireAt: testBase})},
			Status:      rewind.StatusRunning,
		})
	}

	require.ErrorIs(t, commit("w1"), rewind.ErrLeaseNotHeld)

	ok, err := s.TryAcquireLease(ctx, "i-1", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorIs(t, commit("w2"), rewind.ErrLeaseNotHeld)

	// An expired lease is as good as none.
	clock.Advance(2 * time.Minute)
	require.ErrorIs(t, commit("w1"), rewind.ErrLeaseNotHeld)

	ok, err = s.TryAcquireLease(ctx, "i-1", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, commit("w1"))
}

func TestCommitRestartReplacesEverything(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, sqlitestore.Config{})
	ctx := context.Background()
	createInstance(t, s, "i-1", nil)

	failed := &rewind.ActivationCommit{
		InstanceID:  "i-1",
		ExpectedSeq: 1,
		Events: []*rewind.Event{
			rewind.NewEvent(2, testBase, 0, &rewind.OrchestratorCompleted{
				Status:  rewind.StatusFailed,
				Failure: &rewind.FailureDetails{Type: "SomeError", Message: "boom"},
			}),
		},
		Status:  rewind.StatusFailed,
		Failure: &rewind.FailureDetails{Type: "SomeError", Message: "boom"},
	}
	require.NoError(t, s.CommitActivation(ctx, failed))

	restart := &rewind.ActivationCommit{
		InstanceID:  "i-1",
		ExpectedSeq: 2,
		Status:      rewind.StatusRunning,
		Restart: []*rewind.Event{
			rewind.NewEvent(1, testBase.Add(time.Minute), 0,
				&rewind.OrchestratorStarted{Workflow: "wf", Input: mustJSON(t, 5)}),
		},
	}
	require.NoError(t, s.CommitActivation(ctx, restart))

	hist, err := s.LoadHistory(ctx, "i-1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.EqualValues(t, 1, hist[0].Seq)

	info, err := s.GetInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, rewind.StatusRunning, info.Status)
	assert.JSONEq(t, "5", string(info.Input))
	assert.Empty(t, info.Output)
	assert.Nil(t, info.Failure)
}

func TestLeaseContentionAndExpiry(t *testing.T) {
	t.Parallel()
	clock := &stepClock{t: testBase}
	s := openTestStore(t, sqlitestore.Config{Clock: clock.Now})
	ctx := context.Background()

	ok, err := s.TryAcquireLease(ctx, "i-1", "w1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TryAcquireLease(ctx, "i-1", "w2", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TryAcquireLease(ctx, "i-1", "w1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "holders re-acquire their own lease")

	require.NoError(t, s.RenewLease(ctx, "i-1", "w1", 30*time.Second))
	require.ErrorIs(t, s.RenewLease(ctx, "i-1", "w2", 30*time.Second), rewind.ErrLeaseNotHeld)

	clock.Advance(31 * time.Second)
	ok, err = s.TryAcquireLease(ctx, "i-1", "w2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired leases are claimable")
	require.ErrorIs(t, s.RenewLease(ctx, "i-1", "w1", 30*time.Second), rewind.ErrLeaseNotHeld)

	require.NoError(t, s.ReleaseLease(ctx, "i-1", "w2"))
	ok, err = s.TryAcquireLease(ctx, "i-1", "w1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueueDedupAndCompletion(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, sqlitestore.Config{})
	ctx := context.Background()

	wake := func() *rewind.QueueTask {
		return &rewind.QueueTask{Kind: rewind.TaskOrchestration, InstanceID: "i-1", DedupKey: "orch:i-1"}
	}
	require.NoError(t, s.Enqueue(ctx, wake()))
	require.NoError(t, s.Enqueue(ctx, wake()))

	got, err := s.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rewind.TaskOrchestration, got.Kind)
	assert.Equal(t, "i-1", got.InstanceID)

	dup, err := s.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, dup, "duplicate wakes collapse while one is pending")

	require.NoError(t, s.Complete(ctx, got))
	require.NoError(t, s.Enqueue(ctx, wake()))
	got, err = s.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.NotNil(t, got, "wake identity is reusable after completion")
	require.NoError(t, s.Complete(ctx, got))

	// Activity attempts keep their identity after completion.
	attempt := func() *rewind.QueueTask {
		return &rewind.QueueTask{
			Kind:        rewind.TaskActivity,
			InstanceID:  "i-1",
			DedupKey:    "act:i-1:1:1",
			Activity:    "charge",
			Correlation: 1,
			Input:       mustJSON(t, 42),
			Attempt:     1,
		}
	}
	require.NoError(t, s.Enqueue(ctx, attempt()))
	task, err := s.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "charge", task.Activity)
	assert.Equal(t, 1, task.Attempt)
	assert.JSONEq(t, "42", string(task.Input))
	require.NoError(t, s.Complete(ctx, task))

	require.NoError(t, s.Enqueue(ctx, attempt()))
	dup, err = s.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, dup, "a completed attempt is never redelivered")
}

func TestQueueTimerVisibilityAndClaims(t *testing.T) {
	t.Parallel()
	clock := &stepClock{t: testBase}
	s := openTestStore(t, sqlitestore.Config{Clock: clock.Now, ClaimTTL: 30 * time.Second})
	ctx := context.Background()

	timer := &rewind.QueueTask{
		Kind:        rewind.TaskTimer,
		InstanceID:  "i-1",
		DedupKey:    "timer:i-1:2",
		Correlation: 2,
		FireAt:      testBase.Add(10 * time.Minute),
	}
	require.NoError(t, s.Enqueue(ctx, timer))

	got, err := s.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got, "timers stay invisible until FireAt")

	clock.Advance(10 * time.Minute)
	got, err = s.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rewind.TaskTimer, got.Kind)
	assert.True(t, got.FireAt.Equal(testBase.Add(10*time.Minute)))

	// w1 holds the claim; nobody else sees the task until the claim lapses.
	other, err := s.Dequeue(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, other)

	clock.Advance(31 * time.Second)
	other, err = s.Dequeue(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, other, "lapsed claims are redelivered")

	require.NoError(t, s.Abandon(ctx, other, 5*time.Minute))
	got, err = s.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, got, "abandon hides the task for the requested delay")

	clock.Advance(5 * time.Minute)
	got, err = s.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

// TestWorkerEndToEnd runs a real workflow on an in-memory database: activity
// dispatch, an external event and the final commit all go through SQL.
func TestWorkerEndToEnd(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stamp := rewind.NewActivity("stamp", func(ctx *rewind.ActivityContext, s string) (string, error) {
		return "[" + s + "]", nil
	}, rewind.DefaultRetryPolicy)
	wf := rewind.NewWorkflow("stamped-approval", func(ctx *rewind.Context, s string) (string, error) {
		stamped, err := rewind.Call(ctx, stamp, s).Get()
		if err != nil {
			return "", err
		}
		who, err := rewind.WaitForEvent[string](ctx, "approve").Get()
		if err != nil {
			return "", err
		}
		return stamped + " by " + who, nil
	})

	reg := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(reg, wf)
	rewind.RegisterActivity(reg, stamp)

	store := openTestStore(t, sqlitestore.Config{})
	worker := rewind.NewWorker(store, reg, rewind.WorkerConfig{
		Concurrency:  2,
		PollInterval: 5 * time.Millisecond,
	})
	workerCtx, stopWorker := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(workerCtx)
	}()
	t.Cleanup(func() {
		stopWorker()
		<-done
	})

	client := rewind.Client{Backend: store, PollInterval: 5 * time.Millisecond}
	exec, err := rewind.Start(ctx, client, wf, "doc-7")
	require.NoError(t, err)
	require.NoError(t, client.RaiseEvent(ctx, exec.ID(), "approve", "dana"))

	out, err := exec.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "[doc-7] by dana", out)

	hist, err := store.LoadHistory(ctx, exec.ID())
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	last := hist[len(hist)-1]
	completed, ok := last.Payload.(*rewind.OrchestratorCompleted)
	require.True(t, ok, "history ends with the completion event")
	assert.Equal(t, rewind.StatusCompleted, completed.Status)
}
