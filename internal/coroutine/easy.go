package coroutine

// Go is a one-shot convenience wrapper over Spawn+Resume for callers that
// just want "run this as a coroutine and give me the result back". The body
// starts right away on its own goroutine; its return value is delivered on the returned channel
// once the task either returns or is reaped.
//
// Go drives its own Resume call on a fresh goroutine, so it is meant for
// standalone use (tests, one-off tools) against a Scheduler that nothing
// else is concurrently resuming. Code embedded in the main loop (internal/engine)
// must call Spawn/Resume directly from the loop goroutine instead.
func Go[T any](s *Scheduler, body func(sched *Scheduler, self int64) T) <-chan T {
	out := make(chan T, 1)
	id := s.Spawn(func(sched *Scheduler, self int64) {
		out <- body(sched, self)
	})
	// First Resume starts the body. It runs on its own goroutine, so Go
	// returns without waiting for the body to yield or finish.
	go func() {
		_ = s.Resume(id, 0)
	}()
	return out
}
