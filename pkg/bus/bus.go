package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultBacklog is the per-subscriber channel capacity used when the
// configured backlog is zero or negative.
const DefaultBacklog = 256

// Subscriber receives events on C. The channel is closed when the subscriber
// is dropped for falling behind, explicitly unsubscribed, or the bus closes.
type Subscriber struct {
	ID   string
	Name string
	C    <-chan Event

	ch chan Event
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose channel is full is dropped and its channel closed, so one stalled
// consumer cannot back-pressure the analysis.
type Bus struct {
	logger  *slog.Logger
	backlog int

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	closed bool

	dropped int64
}

// New creates a bus with the given per-subscriber backlog.
func New(backlog int, logger *slog.Logger) *Bus {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:  logger.With("component", "bus"),
		backlog: backlog,
		subs:    make(map[string]*Subscriber),
	}
}

// Subscribe registers a named consumer and returns its subscription. Name is
// informational and appears in logs when the subscriber is dropped.
func (b *Bus) Subscribe(name string) *Subscriber {
	ch := make(chan Event, b.backlog)
	sub := &Subscriber{
		ID:   uuid.New().String(),
		Name: name,
		C:    ch,
		ch:   ch,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	b.logger.Debug("Subscriber registered", "subscriber", name, "id", sub.ID)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call for
// a subscriber that was already dropped.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	delete(b.subs, sub.ID)
	close(sub.ch)
}

// Publish delivers the event to every live subscriber without blocking.
// Subscribers that cannot keep up are removed.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			delete(b.subs, id)
			close(sub.ch)
			b.dropped++
			b.logger.Warn("Dropping slow subscriber",
				"subscriber", sub.Name,
				"id", id,
				"backlog", b.backlog,
				"event_type", evt.Type)
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many subscribers have been removed for falling behind
// since the bus was created.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close shuts the bus down and closes all subscriber channels. Publish
// becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
