package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// sqliteTime is a fixed-width UTC timestamp format. Unlike RFC3339Nano
// it never trims trailing zeros, so lexicographic order equals
// chronological order and ORDER BY on text columns stays correct.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		// Rows written by older tooling may carry plain RFC3339.
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err
}

// EnqueueEntry appends a new entry in pending state.
func (s *Store) EnqueueEntry(e QueueEntry) error {
	maxAttempts := e.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	enqueuedAt := e.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO queue (id, user_id, role, direction, payload, enqueued_at, status, attempts, max_attempts)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?)`,
		e.ID, e.UserID, e.Role, e.Direction, e.Payload, fmtTime(enqueuedAt), maxAttempts,
	)
	return err
}

// LeaseNext atomically claims the oldest pending entry (FIFO by
// enqueued_at, ties broken by id) whose user is not blacklisted, marks
// it leased until now+leaseFor, and returns it. Returns (nil, nil) when
// no work is available. The conditional UPDATE guarantees at most one
// caller wins the lease even under concurrent invocation.
func (s *Store) LeaseNext(workerID string, leaseFor time.Duration) (*QueueEntry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning lease transaction: %w", err)
	}

	var e QueueEntry
	var enqueuedAt string
	err = tx.QueryRow(`
		SELECT q.id, q.user_id, q.role, q.direction, q.payload, q.enqueued_at, q.attempts, q.max_attempts, q.last_error
		FROM queue q
		WHERE q.status = 'pending'
		  AND NOT EXISTS (SELECT 1 FROM blacklist b WHERE b.user_id = q.user_id)
		ORDER BY q.enqueued_at ASC, q.id ASC
		LIMIT 1`,
	).Scan(&e.ID, &e.UserID, &e.Role, &e.Direction, &e.Payload, &enqueuedAt, &e.Attempts, &e.MaxAttempts, &e.LastError)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next entry: %w", err)
	}

	expiry := time.Now().UTC().Add(leaseFor)
	res, err := tx.Exec(`
		UPDATE queue SET status = 'leased', lease_owner = ?, lease_expiry = ?
		WHERE id = ? AND status = 'pending'`,
		workerID, fmtTime(expiry), e.ID,
	)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("claiming entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking claimed rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing lease: %w", err)
	}

	e.Status = StatusLeased
	e.LeaseOwner = workerID
	e.LeaseExpiry = expiry
	if e.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return nil, fmt.Errorf("parsing enqueued_at for %s: %w", e.ID, err)
	}
	return &e, nil
}

// CompleteEntry marks a leased entry done.
func (s *Store) CompleteEntry(id string) error {
	res, err := s.db.Exec(`UPDATE queue SET status = 'done', lease_owner = '', lease_expiry = NULL WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailEntry records a failure. Retryable failures with attempts left
// return the entry to pending; otherwise it is marked failed terminally.
func (s *Store) FailEntry(id, errMsg string, retryable bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM queue WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	attempts++
	if retryable && attempts < maxAttempts {
		_, err = tx.Exec(`
			UPDATE queue SET status = 'pending', attempts = ?, last_error = ?, lease_owner = '', lease_expiry = NULL
			WHERE id = ?`, attempts, errMsg, id)
	} else {
		_, err = tx.Exec(`
			UPDATE queue SET status = 'failed', attempts = ?, last_error = ?, lease_owner = '', lease_expiry = NULL
			WHERE id = ?`, attempts, errMsg, id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// ReapExpiredLeases returns entries whose lease expired before now to
// pending so no message is lost when a worker crashes mid-processing.
// Returns the number of entries reaped.
func (s *Store) ReapExpiredLeases(now time.Time) (int, error) {
	res, err := s.db.Exec(`
		UPDATE queue SET status = 'pending', lease_owner = '', lease_expiry = NULL
		WHERE status = 'leased' AND lease_expiry <= ?`, fmtTime(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetQueueEntry returns a single entry by id.
func (s *Store) GetQueueEntry(id string) (QueueEntry, error) {
	var e QueueEntry
	var enqueuedAt string
	var leaseExpiry sql.NullString
	err := s.db.QueryRow(`
		SELECT id, user_id, role, direction, payload, enqueued_at, status, lease_owner, lease_expiry, attempts, max_attempts, last_error
		FROM queue WHERE id = ?`, id,
	).Scan(&e.ID, &e.UserID, &e.Role, &e.Direction, &e.Payload, &enqueuedAt, &e.Status, &e.LeaseOwner, &leaseExpiry, &e.Attempts, &e.MaxAttempts, &e.LastError)
	if err == sql.ErrNoRows {
		return QueueEntry{}, ErrNotFound
	}
	if err != nil {
		return QueueEntry{}, err
	}
	if e.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return QueueEntry{}, fmt.Errorf("parsing enqueued_at: %w", err)
	}
	if leaseExpiry.Valid {
		if e.LeaseExpiry, err = parseTime(leaseExpiry.String); err != nil {
			return QueueEntry{}, fmt.Errorf("parsing lease_expiry: %w", err)
		}
	}
	return e, nil
}

// QueueDepth returns the number of entries still awaiting completion
// (pending or leased).
func (s *Store) QueueDepth() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue WHERE status IN ('pending', 'leased')`).Scan(&n)
	return n, err
}
