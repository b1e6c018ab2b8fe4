package event

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies a category of event.
type Type string

// Known event types.
const (
	ScanStarted  Type = "scan_started"
	ScanProgress Type = "scan_progress"
	ScanStopping Type = "scan_stopping"
	ScanStopped  Type = "scan_stopped"
	ScanComplete Type = "scan_complete"
	ScanError    Type = "scan_error"
	JobUpdated   Type = "job_updated"
	JobsCleared  Type = "jobs_cleared"
	JobsArchived Type = "jobs_archived"
)

// Terminal reports whether t ends a scan attempt.
func (t Type) Terminal() bool {
	switch t {
	case ScanComplete, ScanStopped, ScanError:
		return true
	}
	return false
}

// Event represents something that happened in the system. Seq is assigned
// by the bus and increases by one per publish, so a gap tells an observer
// that it missed something.
type Event struct {
	Type      Type           `json:"type"`
	Seq       uint64         `json:"seq"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler is a function that processes an event.
type Handler func(Event)

// Subscription is one observer's handle on the bus.
type Subscription struct {
	id     uint64
	ch     chan Event
	closed bool // guarded by Bus.mu
}

// Events returns the channel events are delivered on. It is closed when the
// subscription is removed, either by Unsubscribe, by eviction, or by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Bus fans each published event out to every current subscription.
// Delivery never blocks the publisher: an observer whose buffer is full is
// considered broken and is evicted.
type Bus struct {
	logger  *slog.Logger
	bufSize int

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	seq    uint64
	closed bool

	handlers sync.WaitGroup
}

// NewBus creates a new event bus. bufSize is the per-observer buffer.
func NewBus(logger *slog.Logger, bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{
		logger:  logger.With(slog.String("component", "event-bus")),
		bufSize: bufSize,
		subs:    make(map[uint64]*Subscription),
	}
}

// Subscribe registers a new observer. It never fails; subscribing to a
// closed bus returns a subscription whose channel is already closed.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{id: b.nextID, ch: make(chan Event, b.bufSize)}
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Unsubscribe removes s. Calling it more than once, or after eviction, is
// a no-op.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(s)
}

// remove must be called with b.mu held.
func (b *Bus) remove(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	delete(b.subs, s.id)
	close(s.ch)
}

// Publish stamps e with the next sequence number and a timestamp (if unset)
// and hands it to every observer. Events reach each observer in the order
// Publish was called.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.seq++
	e.Seq = b.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.logger.Debug("evicting observer with full buffer",
				slog.Uint64("subscription", s.id),
				slog.String("type", string(e.Type)))
			b.remove(s)
		}
	}
}

// Handle subscribes h to the given types (all types when none are given)
// and runs it on a dedicated goroutine until the subscription ends.
// A panicking handler is logged and does not stop later deliveries.
func (b *Bus) Handle(h Handler, types ...Type) *Subscription {
	want := make(map[Type]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	s := b.Subscribe()
	b.handlers.Add(1)
	go func() {
		defer b.handlers.Done()
		for e := range s.ch {
			if len(want) > 0 && !want[e.Type] {
				continue
			}
			b.dispatch(h, e)
		}
	}()
	return s
}

func (b *Bus) dispatch(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", string(e.Type), "panic", r)
		}
	}()
	h(e)
}

// Observers returns the number of current subscriptions.
func (b *Bus) Observers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close removes every subscription, waits for Handle goroutines to drain,
// and turns later publishes into no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, s := range b.subs {
			b.remove(s)
		}
	}
	b.mu.Unlock()

	b.handlers.Wait()
}
