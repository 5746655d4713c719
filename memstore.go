package rewind

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memClaimTTL is how long a dequeued task stays claimed before it is
// considered abandoned by a dead worker and redelivered.
const memClaimTTL = time.Minute

// MemoryBackend is an in-process Backend for tests, examples and
// single-process deployments. State is held in maps under one mutex; it is
// safe for concurrent use and lost on process exit.
//
// Queue dedup semantics match the SQL backends: activity and timer task
// identities are remembered after completion so redriven dispatch is a
// no-op, while orchestration wake identities are forgotten once the wake is
// consumed.
type MemoryBackend struct {
	mu    sync.Mutex
	clock func() time.Time

	instances map[string]*InstanceInfo
	histories map[string][]*Event

	inboxes   map[string][]*InboxMessage
	inboxSeen map[string]map[string]bool
	inboxSeq  int64

	leases map[string]memLease

	tasks    []*memTask
	taskSeq  int64
	taskKeys map[string]bool
}

type memLease struct {
	owner   string
	expires time.Time
}

type memTask struct {
	id           int64
	task         QueueTask
	visibleAt    time.Time
	claimedBy    string
	claimedUntil time.Time
	done         bool
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithMemoryClock overrides the backend's wall clock, so tests can control
// task visibility and lease expiry.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(b *MemoryBackend) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		clock:     time.Now,
		instances: make(map[string]*InstanceInfo),
		histories: make(map[string][]*Event),
		inboxes:   make(map[string][]*InboxMessage),
		inboxSeen: make(map[string]map[string]bool),
		leases:    make(map[string]memLease),
		taskKeys:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBackend) CreateInstance(_ context.Context, info *InstanceInfo, start *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.instances[info.InstanceID]; ok {
		return ErrInstanceExists
	}
	cp := *info
	b.instances[info.InstanceID] = &cp
	b.histories[info.InstanceID] = []*Event{start}
	b.inboxSeen[info.InstanceID] = make(map[string]bool)
	return nil
}

func (b *MemoryBackend) GetInstance(_ context.Context, instanceID string) (*InstanceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.instances[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *info
	return &cp, nil
}

func (b *MemoryBackend) LoadHistory(_ context.Context, instanceID string) ([]*Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hist, ok := b.histories[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	out := make([]*Event, len(hist))
	copy(out, hist)
	return out, nil
}

func (b *MemoryBackend) AppendInbox(_ context.Context, instanceID string, msgs []*InboxMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.instances[instanceID]; !ok {
		return ErrInstanceNotFound
	}
	seen := b.inboxSeen[instanceID]
	for _, m := range msgs {
		if m.DedupKey != "" && seen[m.DedupKey] {
			continue
		}
		b.inboxSeq++
		cp := *m
		cp.ID = b.inboxSeq
		b.inboxes[instanceID] = append(b.inboxes[instanceID], &cp)
		if m.DedupKey != "" {
			seen[m.DedupKey] = true
		}
	}
	return nil
}

func (b *MemoryBackend) ReadInbox(_ context.Context, instanceID string) ([]*InboxMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.instances[instanceID]; !ok {
		return nil, ErrInstanceNotFound
	}
	msgs := b.inboxes[instanceID]
	out := make([]*InboxMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (b *MemoryBackend) CommitActivation(_ context.Context, commit *ActivationCommit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.instances[commit.InstanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	if commit.Owner != "" {
		l, held := b.leases[commit.InstanceID]
		if !held || l.owner != commit.Owner || !l.expires.After(b.clock()) {
			return ErrLeaseNotHeld
		}
	}
	hist := b.histories[commit.InstanceID]
	lastSeq := int64(0)
	if len(hist) > 0 {
		lastSeq = hist[len(hist)-1].Seq
	}
	if commit.ExpectedSeq != lastSeq {
		return ErrSequenceConflict
	}

	if commit.Restart != nil {
		restart := make([]*Event, len(commit.Restart))
		copy(restart, commit.Restart)
		b.histories[commit.InstanceID] = restart
		info.Status = StatusRunning
		info.Output = nil
		info.Failure = nil
		if started, ok := restart[0].Payload.(*OrchestratorStarted); ok {
			info.Input = started.Input
		}
	} else {
		for i, e := range commit.Events {
			if e.Seq != lastSeq+int64(i)+1 {
				return ErrSequenceConflict
			}
		}
		b.histories[commit.InstanceID] = append(hist, commit.Events...)
		info.Status = commit.Status
		info.Output = commit.Output
		info.Failure = commit.Failure
	}
	info.UpdatedAt = b.clock()

	if len(commit.ConsumedInbox) > 0 {
		consumed := make(map[int64]bool, len(commit.ConsumedInbox))
		for _, id := range commit.ConsumedInbox {
			consumed[id] = true
		}
		var remaining []*InboxMessage
		for _, m := range b.inboxes[commit.InstanceID] {
			if !consumed[m.ID] {
				remaining = append(remaining, m)
			}
		}
		b.inboxes[commit.InstanceID] = remaining
	}
	return nil
}

func (b *MemoryBackend) TryAcquireLease(_ context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	l, ok := b.leases[instanceID]
	if ok && l.owner != owner && l.expires.After(now) {
		return false, nil
	}
	b.leases[instanceID] = memLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) RenewLease(_ context.Context, instanceID, owner string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	l, ok := b.leases[instanceID]
	if !ok || l.owner != owner || !l.expires.After(now) {
		return ErrLeaseNotHeld
	}
	b.leases[instanceID] = memLease{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (b *MemoryBackend) ReleaseLease(_ context.Context, instanceID, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.leases[instanceID]; ok && l.owner == owner {
		delete(b.leases, instanceID)
	}
	return nil
}

func (b *MemoryBackend) Enqueue(_ context.Context, tasks ...*QueueTask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	for _, t := range tasks {
		if t.DedupKey != "" && b.taskKeys[t.DedupKey] {
			continue
		}
		b.taskSeq++
		visibleAt := now
		if t.FireAt.After(now) {
			visibleAt = t.FireAt
		}
		b.tasks = append(b.tasks, &memTask{
			id:        b.taskSeq,
			task:      *t,
			visibleAt: visibleAt,
		})
		if t.DedupKey != "" {
			b.taskKeys[t.DedupKey] = true
		}
	}
	return nil
}

func (b *MemoryBackend) Dequeue(_ context.Context, owner string) (*QueueTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	for _, mt := range b.tasks {
		if mt.done || mt.visibleAt.After(now) {
			continue
		}
		if mt.claimedBy != "" && mt.claimedUntil.After(now) {
			continue
		}
		mt.claimedBy = owner
		mt.claimedUntil = now.Add(memClaimTTL)
		task := mt.task
		task.Receipt = mt.id
		return &task, nil
	}
	return nil, nil
}

func (b *MemoryBackend) Complete(_ context.Context, task *QueueTask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mt := b.findTask(task)
	if mt == nil {
		return nil
	}
	mt.done = true
	// Wake identities are reusable; work identities stay remembered so a
	// redriven dispatch of the same call is dropped.
	if mt.task.Kind == TaskOrchestration && mt.task.DedupKey != "" {
		delete(b.taskKeys, mt.task.DedupKey)
	}
	b.compact()
	return nil
}

func (b *MemoryBackend) Abandon(_ context.Context, task *QueueTask, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mt := b.findTask(task)
	if mt == nil {
		return nil
	}
	mt.claimedBy = ""
	mt.claimedUntil = time.Time{}
	mt.visibleAt = b.clock().Add(delay)
	return nil
}

func (b *MemoryBackend) findTask(task *QueueTask) *memTask {
	id, ok := task.Receipt.(int64)
	if !ok {
		return nil
	}
	i := sort.Search(len(b.tasks), func(i int) bool { return b.tasks[i].id >= id })
	if i < len(b.tasks) && b.tasks[i].id == id {
		return b.tasks[i]
	}
	return nil
}

// compact drops completed tasks from the slice once they pile up.
func (b *MemoryBackend) compact() {
	if len(b.tasks) < 256 {
		return
	}
	live := b.tasks[:0]
	for _, mt := range b.tasks {
		if !mt.done {
			live = append(live, mt)
		}
	}
	if len(live) < len(b.tasks)/2 {
		b.tasks = append([]*memTask(nil), live...)
	} else {
		b.tasks = live
	}
}
