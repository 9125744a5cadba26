package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/isragogreen/chorus/internal/storage"
)

// Processor handles a leased queue entry. A nil return completes the
// entry; an error fails it, retrying unless the error is permanent.
type Processor interface {
	Process(ctx context.Context, entry storage.QueueEntry) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, entry storage.QueueEntry) error

func (f ProcessorFunc) Process(ctx context.Context, entry storage.QueueEntry) error {
	return f(ctx, entry)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error as non-retryable: the entry goes straight
// to failed regardless of remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the non-retryable marker.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Pool runs a fixed set of workers that lease entries from the
// dispatcher, plus a reaper that returns expired leases to pending.
type Pool struct {
	queue     *Dispatcher
	processor Processor
	workers   int
	poll      time.Duration
	leaseFor  time.Duration
	reapEvery time.Duration
	logger    *slog.Logger
}

// PoolConfig tunes the worker pool. Zero values fall back to defaults.
type PoolConfig struct {
	Workers       int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	ReapInterval  time.Duration
}

// NewPool creates a Pool with the given dependencies.
func NewPool(queue *Dispatcher, processor Processor, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:     queue,
		processor: processor,
		workers:   cfg.Workers,
		poll:      cfg.PollInterval,
		leaseFor:  cfg.LeaseDuration,
		reapEvery: cfg.ReapInterval,
		logger:    logger,
	}
}

// Run starts the workers and the reaper and blocks until ctx is
// cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			p.runWorker(ctx, workerID)
			return nil
		})
	}

	g.Go(func() error {
		p.runReaper(ctx)
		return nil
	})

	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := p.RunOnce(ctx, workerID)
		if err != nil {
			p.logger.Error("worker iteration failed", "worker", workerID, "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.poll):
		}
	}
}

// RunOnce leases and processes a single entry. Returns true if an
// entry was handled (regardless of success or failure).
func (p *Pool) RunOnce(ctx context.Context, workerID string) (bool, error) {
	entry, err := p.queue.Lease(workerID, p.leaseFor)
	if errors.Is(err, ErrNoWork) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("leasing entry: %w", err)
	}

	if err := p.processor.Process(ctx, *entry); err != nil {
		retryable := !IsPermanent(err)
		p.logger.Warn("entry failed",
			"entry_id", entry.ID,
			"user_id", entry.UserID,
			"retryable", retryable,
			"error", err)
		if failErr := p.queue.Fail(entry.ID, err.Error(), retryable); failErr != nil {
			p.logger.Error("failed to mark entry as failed", "entry_id", entry.ID, "error", failErr)
		}
		return true, nil
	}

	if err := p.queue.Complete(entry.ID); err != nil {
		return true, fmt.Errorf("completing entry %s: %w", entry.ID, err)
	}
	return true, nil
}

func (p *Pool) runReaper(ctx context.Context) {
	ticker := time.NewTicker(p.reapEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.Reap(time.Now().UTC())
			if err != nil {
				p.logger.Error("reaping expired leases failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Info("returned expired leases to pending", "count", n)
			}
		}
	}
}
