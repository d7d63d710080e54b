// Package audit records every attempted rank mutation in a bounded,
// newest-first ring buffer and forwards entries to optional durable sinks.
package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"rankrelay.org/internal/ids"
	"rankrelay.org/internal/obs"
)

const defaultQueueSize = 256

// Sink receives entries after they are stored in memory. Sinks run on a
// single background goroutine; a failing sink never affects the caller.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Options configures a Log.
type Options struct {
	MaxEntries int
	MaxAge     time.Duration
	QueueSize  int
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// Log is safe for concurrent use.
type Log struct {
	mu    sync.RWMutex
	buf   []Entry
	head  int
	count int

	maxAge time.Duration
	clock  clockwork.Clock
	log    *slog.Logger

	sinks   []Sink
	qmu     sync.RWMutex
	queue   chan Entry
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
	once    sync.Once
}

// New creates a Log and starts the sink dispatcher when sinks are given.
func New(opts Options, sinks ...Sink) *Log {
	if opts.MaxEntries < 1 {
		opts.MaxEntries = 100
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = defaultQueueSize
	}
	l := &Log{
		buf:    make([]Entry, opts.MaxEntries),
		maxAge: opts.MaxAge,
		clock:  opts.Clock,
		log:    opts.Logger.With("component", "audit"),
		sinks:  sinks,
		done:   make(chan struct{}),
	}
	if len(sinks) > 0 {
		l.queue = make(chan Entry, opts.QueueSize)
		go l.dispatch()
	} else {
		close(l.done)
	}
	return l
}

// Add stamps e with an id, timestamp, request id and masked source address
// taken from ctx, stores it and hands it to the sinks.
func (l *Log) Add(ctx context.Context, e Entry) Entry {
	now := l.clock.Now().UTC()
	e.Timestamp = now
	e.ID = ids.NewAt(now)
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	if e.MaskedIP == "" {
		e.MaskedIP = MaskIP(SourceIPFromContext(ctx))
	}

	l.mu.Lock()
	l.buf[l.head] = e
	l.head = (l.head + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
	n := l.count
	l.mu.Unlock()
	obs.SetAuditEntries(n)

	l.enqueue(e)
	return e
}

func (l *Log) enqueue(e Entry) {
	l.qmu.RLock()
	defer l.qmu.RUnlock()
	if l.queue == nil || l.closed {
		return
	}
	select {
	case l.queue <- e:
	default:
		l.dropped.Add(1)
		l.log.Warn("audit sink queue full, entry dropped", slog.String("id", e.ID))
	}
}

func (l *Log) dispatch() {
	defer close(l.done)
	for e := range l.queue {
		for _, s := range l.sinks {
			if err := s.Write(context.Background(), e); err != nil {
				l.log.Warn("audit sink write failed",
					slog.String("id", e.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// at returns the i-th newest entry. Caller holds the lock.
func (l *Log) at(i int) Entry {
	return l.buf[(l.head-1-i+2*len(l.buf))%len(l.buf)]
}

// Sweep drops entries older than MaxAge regardless of capacity and returns
// how many were removed.
func (l *Log) Sweep() int {
	if l.maxAge <= 0 {
		return 0
	}
	cutoff := l.clock.Now().Add(-l.maxAge)
	l.mu.Lock()
	removed := 0
	for l.count > 0 {
		oldest := l.at(l.count - 1)
		if !oldest.Timestamp.Before(cutoff) {
			break
		}
		l.buf[(l.head-l.count+len(l.buf))%len(l.buf)] = Entry{}
		l.count--
		removed++
	}
	n := l.count
	l.mu.Unlock()
	obs.SetAuditEntries(n)
	return removed
}

// Len is the number of entries held in memory.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Recent returns up to n entries, newest first.
func (l *Log) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > l.count {
		n = l.count
	}
	out := make([]Entry, n)
	for i := range out {
		out[i] = l.at(i)
	}
	return out
}

// Query filters the in-memory window newest first and paginates it.
func (l *Log) Query(f Filter) Page {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	page := Page{Items: []Entry{}, Limit: f.Limit, Offset: f.Offset}
	for i := 0; i < l.count; i++ {
		e := l.at(i)
		if !f.matches(e) {
			continue
		}
		if page.Total >= f.Offset && len(page.Items) < f.Limit {
			page.Items = append(page.Items, e)
		}
		page.Total++
	}
	return page
}

func (f Filter) matches(e Entry) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if f.UserID != 0 && e.UserID != f.UserID {
		return false
	}
	return true
}

// Stats aggregates the in-memory window only.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := Stats{ByAction: make(map[string]int), Dropped: l.dropped.Load()}
	for i := 0; i < l.count; i++ {
		e := l.at(i)
		st.Total++
		if e.Success {
			st.Successful++
		} else {
			st.Failed++
		}
		st.ByAction[e.Action]++
	}
	return st
}

// Close drains queued entries into the sinks and closes those that hold
// resources.
func (l *Log) Close() error {
	var errs []error
	l.once.Do(func() {
		l.qmu.Lock()
		l.closed = true
		if l.queue != nil {
			close(l.queue)
		}
		l.qmu.Unlock()
		<-l.done
		for _, s := range l.sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	})
	return errors.Join(errs...)
}
