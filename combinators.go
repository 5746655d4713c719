package rewind

// AnyTask resolves as soon as one of its member tasks resolves, completed or
// failed. The winner is the member whose resolving history event has the
// lowest sequence; if several members resolve on the same event the lowest
// correlation wins, so replays always pick the same task.
type AnyTask struct {
	task   *Task
	winner *Task
}

// WhenAny returns a task that resolves when the first of tasks resolves.
// Losing tasks keep running; their later resolutions are recorded in history
// and ignored. An empty task list resolves immediately with a nil winner.
func (c *Context) WhenAny(tasks ...*Task) *AnyTask {
	inner := c.newCombinatorTask("when_any")
	a := &AnyTask{task: inner}

	var winner *Task
	for _, m := range tasks {
		if m.state != TaskScheduled && m.beats(winner) {
			winner = m
		}
	}
	if winner != nil || len(tasks) == 0 {
		a.winner = winner
		seq := int64(0)
		if winner != nil {
			seq = winner.completedSeq
		}
		inner.resolve(nil, nil, seq)
		return a
	}
	for _, m := range tasks {
		m.onResolved = append(m.onResolved, func(mt *Task) {
			if a.winner != nil {
				return
			}
			a.winner = mt
			inner.resolve(nil, nil, mt.completedSeq)
		})
	}
	return a
}

// Await blocks until one member resolves and returns it. The winner may be
// in either terminal state; callers inspect it or Await it again (a no-op)
// to get its error.
func (a *AnyTask) Await() *Task {
	a.task.ctx.awaitTask(a.task)
	return a.winner
}

// AllTask resolves when every member completes, or fails fast on the first
// member failure.
type AllTask struct {
	task    *Task
	pending int
	failed  *Task
}

// WhenAll returns a task that completes once all of tasks complete. If any
// member fails, Await returns that member's failure as soon as it is known
// without waiting for the remaining members.
func (c *Context) WhenAll(tasks ...*Task) *AllTask {
	inner := c.newCombinatorTask("when_all")
	a := &AllTask{task: inner}

	var failed *Task
	pending := 0
	for _, m := range tasks {
		switch m.state {
		case TaskScheduled:
			pending++
		case TaskFailed:
			if failed == nil || m.beats(failed) {
				failed = m
			}
		}
	}
	if failed != nil {
		a.failed = failed
		inner.resolve(nil, nil, failed.completedSeq)
		return a
	}
	if pending == 0 {
		inner.resolve(nil, nil, 0)
		return a
	}
	a.pending = pending
	for _, m := range tasks {
		if m.state != TaskScheduled {
			continue
		}
		m.onResolved = append(m.onResolved, func(mt *Task) {
			if inner.state != TaskScheduled {
				return
			}
			if mt.state == TaskFailed {
				a.failed = mt
				inner.resolve(nil, nil, mt.completedSeq)
				return
			}
			a.pending--
			if a.pending == 0 {
				inner.resolve(nil, nil, mt.completedSeq)
			}
		})
	}
	return a
}

// Await blocks until all members complete or one fails, returning the first
// failure or nil.
func (a *AllTask) Await() error {
	a.task.ctx.awaitTask(a.task)
	if a.failed != nil {
		return a.failed.failureError()
	}
	return nil
}

// SettleTask resolves only after every member has reached a terminal state,
// regardless of outcome.
type SettleTask struct {
	task    *Task
	members []*Task
	pending int
}

// SettleAll returns a task that waits for every member to settle. Unlike
// WhenAll it never short-circuits on failure; Await reports each member's
// outcome individually.
func (c *Context) SettleAll(tasks ...*Task) *SettleTask {
	inner := c.newCombinatorTask("settle_all")
	s := &SettleTask{task: inner, members: tasks}

	lastSeq := int64(0)
	for _, m := range tasks {
		if m.state == TaskScheduled {
			s.pending++
		} else if m.completedSeq > lastSeq {
			lastSeq = m.completedSeq
		}
	}
	if s.pending == 0 {
		inner.resolve(nil, nil, lastSeq)
		return s
	}
	for _, m := range tasks {
		if m.state != TaskScheduled {
			continue
		}
		m.onResolved = append(m.onResolved, func(mt *Task) {
			s.pending--
			if s.pending == 0 {
				inner.resolve(nil, nil, mt.completedSeq)
			}
		})
	}
	return s
}

// Await blocks until every member settles and returns their outcomes in
// member order: nil for completed members, the member's failure otherwise.
func (s *SettleTask) Await() []error {
	s.task.ctx.awaitTask(s.task)
	outcomes := make([]error, len(s.members))
	for i, m := range s.members {
		if m.state == TaskFailed {
			outcomes[i] = m.failureError()
		}
	}
	return outcomes
}
