// Package taskqueue implements the single-threaded cooperative scheduling
// model: all core control-plane state (registry, sessions, channels,
// federation catalog) is mutated only from one goroutine draining a queue of
// closures, so it requires no locking. Blocking I/O runs off the main task;
// its result is routed back by enqueuing a follow-up closure.
package taskqueue

import "context"

// Queue drains a single goroutine's worth of closures in submission order.
type Queue struct {
	tasks chan func()
	done  chan struct{}
}

// New constructs a Queue with the given buffer size and starts its drain
// loop. Callers must call Close to stop the loop.
func New(buffer int) *Queue {
	q := &Queue{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	for t := range q.tasks {
		t()
	}
	close(q.done)
}

// Submit enqueues a closure to run on the main task. It blocks if the queue
// is full, applying natural back-pressure to callers outside the main task.
func (q *Queue) Submit(task func()) {
	q.tasks <- task
}

// SubmitCtx enqueues a closure, but aborts the enqueue if ctx is done first.
func (q *Queue) SubmitCtx(ctx context.Context, task func()) error {
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn on the main task and blocks until it completes, returning its
// result. Use for request/response style work that must observe core state
// consistently (e.g. a tools/list snapshot).
func Call[T any](q *Queue, fn func() T) T {
	result := make(chan T, 1)
	q.Submit(func() { result <- fn() })
	return <-result
}

// Close stops accepting new tasks and waits for the drain loop to finish
// work already enqueued.
func (q *Queue) Close() {
	close(q.tasks)
	<-q.done
}
