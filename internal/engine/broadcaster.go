package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/transcribe-engine/internal/engine/domain"
)

// ProgressEvent is the payload delivered to subscribers on every status
// transition.
type ProgressEvent struct {
	Status string `json:"status"`
}

// ProgressChannel is one live connection capable of receiving a status
// event. Any Send error is treated as a disconnect and the channel is
// removed from the registry.
type ProgressChannel interface {
	Send(ctx context.Context, event ProgressEvent) error
}

type progressDelivery struct {
	jobID string
	event ProgressEvent
}

// Broadcaster fans status events out to the channels subscribed to each
// job. Delivery runs on a single consumer goroutine fed by a handoff
// channel, so Broadcast can be called from any goroutine without caring
// about delivery context. The registry is ephemeral and rebuilt as
// clients reconnect; a job's entry disappears once its last channel is
// gone.
type Broadcaster struct {
	logger      *slog.Logger
	sendTimeout time.Duration

	mu   sync.Mutex
	subs map[string]map[ProgressChannel]struct{}

	queue   chan progressDelivery
	done    chan struct{}
	stopped chan struct{}
}

// NewBroadcaster creates a broadcaster and starts its delivery loop.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	b := &Broadcaster{
		logger:      logger,
		sendTimeout: 5 * time.Second,
		subs:        make(map[string]map[ProgressChannel]struct{}),
		queue:       make(chan progressDelivery, 128),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}

	go b.deliverLoop()
	return b
}

// Subscribe registers a channel for a job's events.
func (b *Broadcaster) Subscribe(jobID string, ch ProgressChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[ProgressChannel]struct{})
		b.subs[jobID] = set
	}
	set[ch] = struct{}{}
}

// Unsubscribe removes a channel; the job's registry entry is dropped
// when its last channel goes away.
func (b *Broadcaster) Unsubscribe(jobID string, ch ProgressChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(jobID, ch)
}

// Broadcast hands one status event to the delivery loop. With zero
// subscribers for the job it is a no-op. The call blocks only while the
// handoff buffer is full.
func (b *Broadcaster) Broadcast(jobID string, status domain.JobStatus) {
	select {
	case b.queue <- progressDelivery{jobID: jobID, event: ProgressEvent{Status: string(status)}}:
	case <-b.done:
	}
}

// Close stops the delivery loop after it finishes the event in hand.
func (b *Broadcaster) Close() {
	close(b.done)
	<-b.stopped
}

func (b *Broadcaster) deliverLoop() {
	defer close(b.stopped)

	for {
		select {
		case <-b.done:
			return
		case d := <-b.queue:
			b.deliver(d)
		}
	}
}

// deliver snapshots the job's channels under the lock, sends outside
// it, then prunes every channel whose send failed.
func (b *Broadcaster) deliver(d progressDelivery) {
	b.mu.Lock()
	set := b.subs[d.jobID]
	if len(set) == 0 {
		b.mu.Unlock()
		return
	}
	channels := make([]ProgressChannel, 0, len(set))
	for ch := range set {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	var stale []ProgressChannel
	for _, ch := range channels {
		ctx, cancel := context.WithTimeout(context.Background(), b.sendTimeout)
		err := ch.Send(ctx, d.event)
		cancel()
		if err != nil {
			stale = append(stale, ch)
		}
	}

	if len(stale) == 0 {
		return
	}

	b.mu.Lock()
	for _, ch := range stale {
		b.removeLocked(d.jobID, ch)
	}
	b.mu.Unlock()

	b.logger.Debug("Pruned stale progress subscribers",
		slog.String("job_id", d.jobID),
		slog.Int("count", len(stale)),
	)
}

func (b *Broadcaster) removeLocked(jobID string, ch ProgressChannel) {
	set, ok := b.subs[jobID]
	if !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(b.subs, jobID)
	}
}
