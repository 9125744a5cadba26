package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/isragogreen/chorus/internal/storage"
)

// ErrNoWork is returned by Lease when the queue has no pending entry.
var ErrNoWork = errors.New("queue: no work available")

// EntryStore abstracts the durable queue operations the dispatcher and
// the worker pool need.
type EntryStore interface {
	EnqueueEntry(e storage.QueueEntry) error
	LeaseNext(workerID string, leaseFor time.Duration) (*storage.QueueEntry, error)
	CompleteEntry(id string) error
	FailEntry(id, errMsg string, retryable bool) error
	ReapExpiredLeases(now time.Time) (int, error)
	QueueDepth() (int, error)
}

// Dispatcher is the write side of the queue. It assigns entry IDs and
// stamps enqueue time so callers only supply the message itself.
type Dispatcher struct {
	store       EntryStore
	maxAttempts int
}

// NewDispatcher creates a Dispatcher. maxAttempts bounds retries per
// entry; values <= 0 fall back to 3.
func NewDispatcher(store EntryStore, maxAttempts int) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Dispatcher{store: store, maxAttempts: maxAttempts}
}

// Enqueue appends a message to the queue and returns the entry ID.
func (d *Dispatcher) Enqueue(userID, role string, direction storage.Direction, payload string) (string, error) {
	id := uuid.New().String()
	err := d.store.EnqueueEntry(storage.QueueEntry{
		ID:          id,
		UserID:      userID,
		Role:        role,
		Direction:   direction,
		Payload:     payload,
		EnqueuedAt:  time.Now().UTC(),
		MaxAttempts: d.maxAttempts,
	})
	if err != nil {
		return "", fmt.Errorf("enqueuing entry for %s: %w", userID, err)
	}
	return id, nil
}

// Lease claims the oldest pending entry for a worker. Returns
// ErrNoWork when the queue is empty.
func (d *Dispatcher) Lease(workerID string, leaseFor time.Duration) (*storage.QueueEntry, error) {
	entry, err := d.store.LeaseNext(workerID, leaseFor)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNoWork
	}
	return entry, nil
}

// Complete marks an entry done.
func (d *Dispatcher) Complete(id string) error {
	return d.store.CompleteEntry(id)
}

// Fail records a failed attempt. Retryable failures return to pending
// until the attempt bound.
func (d *Dispatcher) Fail(id, errMsg string, retryable bool) error {
	return d.store.FailEntry(id, errMsg, retryable)
}

// Reap returns entries whose lease expired before now to pending.
func (d *Dispatcher) Reap(now time.Time) (int, error) {
	return d.store.ReapExpiredLeases(now)
}

// Depth reports pending plus leased entries.
func (d *Dispatcher) Depth() (int, error) {
	return d.store.QueueDepth()
}
