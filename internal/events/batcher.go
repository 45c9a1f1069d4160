package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultFlushEvery is the batching interval: events are delivered at most
// every 100 ms so a chatty pipeline cannot flood the UI process.
const defaultFlushEvery = 100 * time.Millisecond

// defaultBufferCap bounds the pending-event buffer. When the sink cannot
// keep up the newest events are dropped and counted; the controller reads
// the drop counter as its backpressure signal.
const defaultBufferCap = 1024

// BatcherConfig tunes the dispatcher. Zero values select defaults.
type BatcherConfig struct {
	FlushEvery time.Duration
	BufferCap  int

	// OnDrop, when set, is invoked (from the flush goroutine) with the
	// number of events dropped since the previous call.
	OnDrop func(n uint64)
}

// Batcher queues events from the pipeline threads and delivers them to the
// sink in order, in periodic batches. Enqueue never blocks beyond a mutex;
// overflow drops the newest events rather than stalling audio processing.
type Batcher struct {
	cfg  BatcherConfig
	sink Sink

	mu      sync.Mutex
	pending []Event
	dropped uint64

	totalDropped   uint64
	totalPublished uint64

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewBatcher creates a dispatcher over sink and starts its flush loop.
func NewBatcher(ctx context.Context, sink Sink, cfg BatcherConfig) *Batcher {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = defaultFlushEvery
	}
	if cfg.BufferCap <= 0 {
		cfg.BufferCap = defaultBufferCap
	}
	b := &Batcher{cfg: cfg, sink: sink, done: make(chan struct{})}
	b.wg.Add(1)
	go b.loop(ctx)
	return b
}

// Enqueue adds an event for the next flush. It never blocks on the sink.
func (b *Batcher) Enqueue(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= b.cfg.BufferCap {
		b.dropped++
		b.totalDropped++
		return
	}
	b.pending = append(b.pending, ev)
}

// Backlog returns the number of events waiting for the next flush.
func (b *Batcher) Backlog() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Dropped returns the total number of events discarded due to overflow or
// sink failures.
func (b *Batcher) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalDropped
}

// Published returns the total number of events delivered to the sink.
func (b *Batcher) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalPublished
}

// Close flushes remaining events and stops the loop.
func (b *Batcher) Close() {
	b.once.Do(func() {
		close(b.done)
		b.wg.Wait()
	})
}

func (b *Batcher) loop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flush()
			return
		case <-b.done:
			b.flush()
			return
		case <-ticker.C:
			b.flush()
		}
	}
}

// flush delivers the pending batch in order. A sink error drops the
// remainder of the batch; at-least-once semantics allow the next batch to
// carry on.
func (b *Batcher) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	droppedNow := b.dropped
	b.dropped = 0
	b.mu.Unlock()

	if droppedNow > 0 {
		slog.Warn("event batcher overflow, events dropped", "count", droppedNow)
		if b.cfg.OnDrop != nil {
			b.cfg.OnDrop(droppedNow)
		}
	}

	for i, ev := range batch {
		if err := b.sink.Publish(ev); err != nil {
			remaining := uint64(len(batch) - i)
			slog.Warn("event sink publish failed, dropping batch remainder",
				"err", err, "dropped", remaining)
			b.mu.Lock()
			b.totalDropped += remaining
			b.mu.Unlock()
			if b.cfg.OnDrop != nil {
				b.cfg.OnDrop(remaining)
			}
			return
		}
		b.mu.Lock()
		b.totalPublished++
		b.mu.Unlock()
	}
}
