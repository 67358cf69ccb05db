package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/transcribe-engine/internal/engine/domain"
)

// poolItem is either real work or a retirement sentinel consumed by one
// worker in place of work.
type poolItem struct {
	retire bool
	work   WorkItem
}

// WorkerPool is the in-process Queue variant: a resizable set of worker
// goroutines pulling from one unbounded FIFO queue. Enqueue never
// blocks the caller; unbounded submission is accepted risk, surfaced to
// operators through the in-flight gauge and submitted counter.
type WorkerPool struct {
	logger  *slog.Logger
	metrics *QueueMetrics

	mu     sync.Mutex
	cond   *sync.Cond
	items  []poolItem
	closed bool
	live   int
	wg     sync.WaitGroup

	nextWorker int
}

// NewWorkerPool spawns a pool with the given number of workers.
func NewWorkerPool(workers int, metrics *QueueMetrics, logger *slog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}

	p := &WorkerPool{
		logger:  logger,
		metrics: metrics,
	}
	p.cond = sync.NewCond(&p.mu)

	p.mu.Lock()
	p.spawnLocked(workers)
	p.mu.Unlock()

	logger.Info("Worker pool spawned",
		slog.Int("workers", workers),
	)

	return p
}

// Enqueue appends one item to the shared queue. It returns
// domain.ErrQueueClosed after Shutdown and never blocks otherwise.
func (p *WorkerPool) Enqueue(item WorkItem) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ErrQueueClosed
	}
	p.items = append(p.items, poolItem{work: item})
	p.cond.Signal()
	p.mu.Unlock()

	p.metrics.Submitted.Inc()
	return nil
}

// Resize changes the worker count at runtime. Growing spawns new
// workers on the shared queue immediately. Shrinking pushes retirement
// sentinels to the front of the queue: a retiring worker finishes its
// current item first, and queued work is never discarded. Safe to call
// concurrently with enqueue and execution.
func (p *WorkerPool) Resize(n int) {
	if n < 1 {
		n = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	target := n - p.pendingWorkersLocked()
	switch {
	case target > 0:
		p.spawnLocked(target)
		p.logger.Info("Worker pool grown",
			slog.Int("added", target),
			slog.Int("workers", n),
		)
	case target < 0:
		sentinels := make([]poolItem, -target)
		for i := range sentinels {
			sentinels[i] = poolItem{retire: true}
		}
		p.items = append(sentinels, p.items...)
		p.cond.Broadcast()
		p.logger.Info("Worker pool shrinking",
			slog.Int("retiring", -target),
			slog.Int("workers", n),
		)
	}
}

// Shutdown stops accepting work, lets the workers drain the remaining
// queue, and joins them.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// LiveWorkers returns the number of worker goroutines currently alive.
func (p *WorkerPool) LiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// pendingWorkersLocked is the worker count after outstanding retirement
// sentinels are consumed. Resize targets this, not the live count, so
// repeated resizes compose.
func (p *WorkerPool) pendingWorkersLocked() int {
	pending := p.live
	for _, item := range p.items {
		if item.retire {
			pending--
		}
	}
	return pending
}

func (p *WorkerPool) spawnLocked(n int) {
	for i := 0; i < n; i++ {
		p.nextWorker++
		p.live++
		p.wg.Add(1)
		go p.workerLoop(p.nextWorker)
	}
}

// workerLoop blocks on dequeue, executes, and repeats until it consumes
// a retirement sentinel or the pool is shut down with an empty queue.
func (p *WorkerPool) workerLoop(workerNum int) {
	defer p.wg.Done()

	p.logger.Debug("Worker started",
		slog.Int("worker_num", workerNum),
	)

	for {
		p.mu.Lock()
		for len(p.items) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.items) == 0 {
			// Closed and drained.
			p.live--
			p.mu.Unlock()
			p.logger.Debug("Worker stopped - pool shut down",
				slog.Int("worker_num", workerNum),
			)
			return
		}
		item := p.items[0]
		p.items = p.items[1:]
		if item.retire {
			p.live--
			p.mu.Unlock()
			p.logger.Debug("Worker retired",
				slog.Int("worker_num", workerNum),
			)
			return
		}
		p.mu.Unlock()

		p.metrics.InFlight.Inc()
		start := time.Now()
		item.work.Run()
		p.metrics.Duration.Observe(time.Since(start).Seconds())
		p.metrics.InFlight.Dec()
	}
}
