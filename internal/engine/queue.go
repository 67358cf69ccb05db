package engine

// WorkItem is one deferred supervisor invocation. The pool only ever
// calls Run; the broker variant only ever reads JobID and publishes it
// for a remote worker to pick up.
type WorkItem struct {
	JobID string
	Run   func()
}

// Queue accepts deferred work and guarantees it eventually runs exactly
// once, unless the queue is shut down first.
//
// The two implementations have different completion semantics. The
// worker pool executes items in-process and Shutdown drains them; the
// broker variant hands items to an external task system fire-and-forget,
// so callers cannot assume synchronous completion tracking and Shutdown
// does not wait for remote work.
type Queue interface {
	// Enqueue submits one item. It never blocks on the pool variant;
	// submission errors (for example a broker rejecting the publish)
	// propagate synchronously to the caller.
	Enqueue(item WorkItem) error

	// Shutdown stops accepting new work and, for the pool variant,
	// waits for workers to drain.
	Shutdown()
}
