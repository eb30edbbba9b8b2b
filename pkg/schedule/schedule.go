// Package schedule runs single-shot delayed tasks that can be cancelled
// before they fire. Manual lets tests drive time explicitly.
package schedule

import (
	"sort"
	"sync"
	"time"
)

// Handle cancels a scheduled task
type Handle interface {
	// Cancel stops the task if it has not fired yet and reports whether it did so
	Cancel() bool
}

// Scheduler schedules fn to run once after d
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Handle
}

// Timer is the wall-clock Scheduler. Tasks run on their own goroutine.
type Timer struct{}

// NewTimer returns a wall-clock scheduler
func NewTimer() Timer {
	return Timer{}
}

// Schedule runs fn after d. A non-positive d still runs fn asynchronously.
func (Timer) Schedule(d time.Duration, fn func()) Handle {
	if d < 0 {
		d = 0
	}
	return timerHandle{t: time.AfterFunc(d, fn)}
}

type timerHandle struct {
	t *time.Timer
}

func (h timerHandle) Cancel() bool {
	return h.t.Stop()
}

// Manual is a Scheduler whose clock only moves when Advance is called.
// Tasks run synchronously inside Advance, in due order.
type Manual struct {
	mu    sync.Mutex
	now   time.Duration
	seq   int
	tasks []*manualTask
}

type manualTask struct {
	m        *Manual
	due      time.Duration
	seq      int
	fn       func()
	canceled bool
	fired    bool
}

// NewManual returns a manual scheduler at time zero
func NewManual() *Manual {
	return &Manual{}
}

// Schedule registers fn to run once the clock reaches now+d
func (m *Manual) Schedule(d time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTask{m: m, due: m.now + d, seq: m.seq, fn: fn}
	m.tasks = append(m.tasks, t)
	return t
}

// Advance moves the clock forward by d and runs every task that became due
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d
	now := m.now

	var due, rest []*manualTask
	for _, t := range m.tasks {
		switch {
		case t.canceled:
		case t.due <= now:
			t.fired = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	m.tasks = rest
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].due != due[j].due {
			return due[i].due < due[j].due
		}
		return due[i].seq < due[j].seq
	})

	// Run outside the lock so tasks may schedule or cancel
	for _, t := range due {
		t.fn()
	}
}

// Pending returns the delays, relative to the current clock, of tasks that
// have not fired or been cancelled
func (m *Manual) Pending() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]time.Duration, 0, len(m.tasks))
	for _, t := range m.tasks {
		if !t.canceled {
			out = append(out, t.due-m.now)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *manualTask) Cancel() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if t.fired || t.canceled {
		return false
	}
	t.canceled = true
	return true
}
