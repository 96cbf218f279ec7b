// Package coroutine implements the coroutine scheduler: cooperative,
// single-runner tasks that can suspend mid-body and resume later, so a
// request handler can be written synchronous-style over an async I/O loop.
//
// Go has no public stack-switching primitive, so this is built from
// goroutines: every task is one goroutine that blocks on its own "baton"
// channel immediately on entry and after every Yield, and the scheduler
// hands the baton to exactly one task at a time. The single-RUNNING-task
// invariant therefore holds by construction, not by locking.
package coroutine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pebblerpc/pebble/internal/rpcerr"
	"github.com/pebblerpc/pebble/internal/timer"
)

// Status is a task's lifecycle state.
type Status int32

const (
	Dead Status = iota
	Ready
	Running
	Suspended
)

func (s Status) String() string {
	switch s {
	case Dead:
		return "DEAD"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Suspended:
		return "SUSPENDED"
	default:
		return "UNKNOWN"
	}
}

// InvalidID is returned by Current when called outside any task.
const InvalidID int64 = -1

// TimeoutCarry is delivered to Yield's caller when a timed yield expires
// before any explicit Resume.
const TimeoutCarry int32 = -1

// Body is a task's executable entry point. It receives the scheduler so it
// can call Yield/Spawn/Current on itself; its return value destroys the
// task.
type Body func(sched *Scheduler, self int64)

type task struct {
	id       int64
	status   atomic.Int32 // Status
	baton    chan int32   // scheduler -> task: carries the resume value
	yielded  chan struct{} // task -> scheduler: signaled once per yield/return
	done     chan struct{}
	timerID  int64
	hasTimer bool
}

// Scheduler creates, resumes, yields, and reaps tasks, integrating with a
// timer.Wheel for timed yields. It must be driven from a single goroutine:
// a Scheduler is not safe to Resume from more than one goroutine
// concurrently, and a task may not Resume another task from within its own
// body.
type Scheduler struct {
	mu      sync.Mutex
	nextID  int64
	tasks   map[int64]*task
	running int64 // InvalidID when no task is RUNNING
	timers  *timer.Wheel
}

// New builds an empty scheduler. clock is the timer wheel used for timed
// yields; it may be shared with the main loop's own driver tick.
func New(clock *timer.Wheel) *Scheduler {
	return &Scheduler{
		tasks:   make(map[int64]*task),
		running: InvalidID,
		timers:  clock,
	}
}

// Spawn creates a READY task and returns its id. The body does not start
// running until the first Resume.
func (s *Scheduler) Spawn(body Body) int64 {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	t := &task{
		id:      id,
		baton:   make(chan int32),
		yielded: make(chan struct{}),
		done:    make(chan struct{}),
	}
	t.status.Store(int32(Ready))
	s.tasks[id] = t
	s.mu.Unlock()

	go func() {
		<-t.baton // block until first Resume hands control over
		body(s, id)
		s.mu.Lock()
		t.status.Store(int32(Dead))
		delete(s.tasks, id)
		s.mu.Unlock()
		close(t.done)
	}()

	return id
}

// Resume transitions a READY or SUSPENDED task to RUNNING and blocks the
// calling goroutine until that task next yields or completes, then returns
// nil. It returns an error if the id is unknown or if any task is already
// RUNNING on this scheduler (which includes a task resuming itself).
func (s *Scheduler) Resume(id int64, carry int32) error {
	s.mu.Lock()
	if s.running != InvalidID {
		s.mu.Unlock()
		return rpcerr.New(rpcerr.InvalidParam, "cannot-resume-in-coroutine")
	}
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return rpcerr.New(rpcerr.InvalidParam, fmt.Sprintf("coroutine %d unexist", id))
	}
	st := Status(t.status.Load())
	if st != Ready && st != Suspended {
		s.mu.Unlock()
		return rpcerr.New(rpcerr.InvalidParam, fmt.Sprintf("coroutine %d bad state %s", id, st))
	}
	s.running = id
	t.status.Store(int32(Running))
	s.mu.Unlock()

	// Cancel any pending timed-yield timer: the coroutine resumed before it
	// fired.
	if t.hasTimer {
		_ = s.timers.Stop(t.timerID)
		t.hasTimer = false
	}

	t.baton <- carry

	// Block until the task yields again or completes. Exactly one of these
	// fires per Resume, since Spawn's goroutine either reaches a Yield
	// (signals t.yielded) or returns (closes t.done).
	select {
	case <-t.done:
	case <-t.yielded:
	}

	s.mu.Lock()
	s.running = InvalidID
	s.mu.Unlock()
	return nil
}

// Yield suspends the calling task. timeoutMs < 0 waits forever for an
// explicit Resume; timeoutMs > 0 also arms a timer that, if it fires first,
// resumes this same task with TimeoutCarry. Yield must only be called from
// within a RUNNING task's own body goroutine.
func (s *Scheduler) Yield(taskID int64, timeoutMs int64) (int32, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok || Status(t.status.Load()) != Running {
		s.mu.Unlock()
		return 0, rpcerr.New(rpcerr.InvalidParam, "yield outside running coroutine")
	}
	s.mu.Unlock()

	t.status.Store(int32(Suspended))

	if timeoutMs > 0 {
		tid, err := s.timers.Start(timeoutMs, func() int32 {
			_ = s.Resume(taskID, TimeoutCarry)
			return -1 // remove: a fired timeout is one-shot
		})
		if err == nil {
			t.timerID = tid
			t.hasTimer = true
		}
	}

	// Signal the resumer that we've handed control back, then block for the
	// next baton. Both channels are unbuffered and touched by exactly this
	// goroutine and the (single, serialized) resumer, so no lock is needed.
	t.yielded <- struct{}{}
	carry := <-t.baton
	return carry, nil
}

// Current returns the id of the RUNNING task, or InvalidID if none.
func (s *Scheduler) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status reports a task's current lifecycle state.
func (s *Scheduler) Status(id int64) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Dead, false
	}
	return Status(t.status.Load()), true
}

// Count returns the number of live (non-DEAD) tasks, the population the
// overload governor's task monitor samples.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
