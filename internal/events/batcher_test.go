package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// collectSink records published events.
type collectSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *collectSink) Publish(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *collectSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestBatcher_DeliversInOrder(t *testing.T) {
	sink := &collectSink{}
	b := NewBatcher(context.Background(), sink, BatcherConfig{FlushEvery: 10 * time.Millisecond})
	defer b.Close()

	for i := range 20 {
		b.Enqueue(Event{Type: TypeProcessingProgress, SessionID: "s", Data: i})
	}

	deadline := time.After(2 * time.Second)
	for sink.len() < 20 {
		select {
		case <-deadline:
			t.Fatalf("delivered %d/20 events", sink.len())
		case <-time.After(5 * time.Millisecond):
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, ev := range sink.events {
		if ev.Data.(int) != i {
			t.Fatalf("event %d out of order: %v", i, ev.Data)
		}
	}
}

func TestBatcher_CloseFlushes(t *testing.T) {
	sink := &collectSink{}
	b := NewBatcher(context.Background(), sink, BatcherConfig{FlushEvery: time.Hour})
	b.Enqueue(Event{Type: TypeSessionStarted})
	b.Enqueue(Event{Type: TypeSessionStopped})
	b.Close()
	if sink.len() != 2 {
		t.Fatalf("Close flushed %d events, want 2", sink.len())
	}
}

func TestBatcher_OverflowDropsAndReports(t *testing.T) {
	var reported uint64
	var mu sync.Mutex
	sink := &collectSink{}
	b := NewBatcher(context.Background(), sink, BatcherConfig{
		FlushEvery: time.Hour, // no flush until Close
		BufferCap:  4,
		OnDrop: func(n uint64) {
			mu.Lock()
			reported += n
			mu.Unlock()
		},
	})
	for range 10 {
		b.Enqueue(Event{Type: TypeProcessingProgress})
	}
	if got := b.Backlog(); got != 4 {
		t.Fatalf("backlog = %d, want 4", got)
	}
	b.Close()

	if b.Dropped() != 6 {
		t.Fatalf("dropped = %d, want 6", b.Dropped())
	}
	mu.Lock()
	defer mu.Unlock()
	if reported != 6 {
		t.Fatalf("OnDrop reported %d, want 6", reported)
	}
}

func TestBatcher_SinkFailureDropsRemainder(t *testing.T) {
	sink := &collectSink{fail: true}
	b := NewBatcher(context.Background(), sink, BatcherConfig{FlushEvery: time.Hour})
	b.Enqueue(Event{})
	b.Enqueue(Event{})
	b.Close()
	if b.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", b.Dropped())
	}
	if b.Published() != 0 {
		t.Fatalf("published = %d, want 0", b.Published())
	}
}
