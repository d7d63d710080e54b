// Package stream fans audit entries out to live subscribers (SSE clients).
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"rankrelay.org/internal/audit"
)

const subscriberBuffer = 16

// Stream fan-outs audit entries to all active subscribers.
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]chan audit.Entry
	next    int
	dropped atomic.Uint64
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan audit.Entry)}
}

// Subscribe registers a subscriber and returns a channel which will receive entries.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan audit.Entry {
	ch := make(chan audit.Entry, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the entry to all subscribers. Slow subscribers miss entries.
func (s *Stream) Publish(e audit.Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Write lets the stream act as an audit sink.
func (s *Stream) Write(_ context.Context, e audit.Entry) error {
	s.Publish(e)
	return nil
}

// Subscribers is the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped counts entries not delivered to slow subscribers.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }
