package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind names a class of engine event.
type Kind string

const (
	MessageProcessed Kind = "message.processed"
	MessageFailed    Kind = "message.failed"
	ModelAssigned    Kind = "model.assigned"
	NudgeSent        Kind = "nudge.sent"
)

// Event is one engine occurrence delivered to subscribers.
type Event struct {
	Kind    Kind
	UserID  string
	ModelID string
	Detail  string
	At      time.Time
}

// Bus fans events out to subscribers over buffered channels. Publish
// never blocks: a subscriber that falls behind loses events rather
// than stalling the pipeline.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event

	logger *slog.Logger
}

// NewBus creates a Bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe returns a channel receiving future events. bufferSize <= 0
// defaults to 64.
func (b *Bus) Subscribe(bufferSize int) <-chan Event {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ch := make(chan Event, bufferSize)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Debug("dropping event for slow subscriber", "kind", e.Kind, "user_id", e.UserID)
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
