package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func enqueueAt(t *testing.T, s *Store, id, userID string, at time.Time) {
	t.Helper()
	err := s.EnqueueEntry(QueueEntry{
		ID:         id,
		UserID:     userID,
		Direction:  DirectionIn,
		Payload:    "hi",
		EnqueuedAt: at,
	})
	if err != nil {
		t.Fatalf("EnqueueEntry(%s): %v", id, err)
	}
}

// TestLeaseNextFIFO verifies entries are leased oldest-first.
func TestLeaseNextFIFO(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC()
	enqueueAt(t, s, "e3", "u1", base.Add(2*time.Second))
	enqueueAt(t, s, "e1", "u1", base)
	enqueueAt(t, s, "e2", "u2", base.Add(time.Second))

	for _, want := range []string{"e1", "e2", "e3"} {
		e, err := s.LeaseNext("w1", time.Minute)
		if err != nil {
			t.Fatalf("LeaseNext: %v", err)
		}
		if e == nil {
			t.Fatalf("expected entry %s, got no work", want)
		}
		if e.ID != want {
			t.Errorf("FIFO violated: got %s, want %s", e.ID, want)
		}
	}

	e, err := s.LeaseNext("w1", time.Minute)
	if err != nil {
		t.Fatalf("LeaseNext on empty queue: %v", err)
	}
	if e != nil {
		t.Errorf("expected no work, got %s", e.ID)
	}
}

// TestLeaseNextTieBreakByID verifies equal enqueued_at ties resolve by id.
func TestLeaseNextTieBreakByID(t *testing.T) {
	s := openTestStore(t)

	at := time.Now().UTC()
	enqueueAt(t, s, "bbb", "u1", at)
	enqueueAt(t, s, "aaa", "u1", at)

	e, err := s.LeaseNext("w1", time.Minute)
	if err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if e == nil || e.ID != "aaa" {
		t.Errorf("tie-break by id violated: got %+v", e)
	}
}

// TestLeaseExclusive hammers LeaseNext from many goroutines over a single
// entry and verifies exactly one caller wins the lease.
func TestLeaseExclusive(t *testing.T) {
	s := openTestStore(t)
	enqueueAt(t, s, "only", "u1", time.Now().UTC())

	const callers = 16
	var wg sync.WaitGroup
	wins := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			e, err := s.LeaseNext(fmt.Sprintf("w%d", worker), time.Minute)
			if err != nil {
				t.Errorf("LeaseNext: %v", err)
				return
			}
			if e != nil {
				wins <- e.LeaseOwner
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one lease winner, got %d (%v)", len(winners), winners)
	}
}

// TestLeaseSkipsBlacklisted verifies blacklisted users' entries are not leased.
func TestLeaseSkipsBlacklisted(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC()
	enqueueAt(t, s, "blocked", "baduser", base)
	enqueueAt(t, s, "ok", "gooduser", base.Add(time.Second))

	if err := s.AddToBlacklist("baduser", "spam", base); err != nil {
		t.Fatalf("AddToBlacklist: %v", err)
	}

	e, err := s.LeaseNext("w1", time.Minute)
	if err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if e == nil || e.ID != "ok" {
		t.Errorf("expected blacklist-suppressed skip to entry ok, got %+v", e)
	}
}

// TestReapExpiredLeases simulates a crashed worker: the lease expires,
// reaping returns the entry to pending exactly once, and a subsequent
// LeaseNext hands out the same entry again.
func TestReapExpiredLeases(t *testing.T) {
	s := openTestStore(t)
	enqueueAt(t, s, "crash", "u1", time.Now().UTC())

	e, err := s.LeaseNext("w1", 10*time.Millisecond)
	if err != nil || e == nil {
		t.Fatalf("LeaseNext: entry=%v err=%v", e, err)
	}

	// Before expiry nothing is reaped.
	n, err := s.ReapExpiredLeases(time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReapExpiredLeases: %v", err)
	}
	if n != 0 {
		t.Errorf("reaped %d entries before expiry, want 0", n)
	}

	// Past expiry the entry is returned to pending exactly once.
	after := time.Now().UTC().Add(time.Minute)
	n, err = s.ReapExpiredLeases(after)
	if err != nil {
		t.Fatalf("ReapExpiredLeases: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d entries, want 1", n)
	}
	n, err = s.ReapExpiredLeases(after)
	if err != nil {
		t.Fatalf("second ReapExpiredLeases: %v", err)
	}
	if n != 0 {
		t.Errorf("second reap returned %d entries, want 0", n)
	}

	re, err := s.LeaseNext("w2", time.Minute)
	if err != nil {
		t.Fatalf("LeaseNext after reap: %v", err)
	}
	if re == nil || re.ID != "crash" {
		t.Errorf("expected reaped entry to be leased again, got %+v", re)
	}
	if re.LeaseOwner != "w2" {
		t.Errorf("lease owner = %q, want w2", re.LeaseOwner)
	}
}

// TestFailEntryRetryBound verifies retryable failures return to pending
// until the attempt bound, then mark failed terminally.
func TestFailEntryRetryBound(t *testing.T) {
	s := openTestStore(t)
	err := s.EnqueueEntry(QueueEntry{
		ID: "flaky", UserID: "u1", Direction: DirectionIn, Payload: "x", MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("EnqueueEntry: %v", err)
	}

	// First failure: attempts 1 < 2, back to pending.
	if _, err := s.LeaseNext("w1", time.Minute); err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if err := s.FailEntry("flaky", "boom", true); err != nil {
		t.Fatalf("FailEntry: %v", err)
	}
	e, err := s.GetQueueEntry("flaky")
	if err != nil {
		t.Fatalf("GetQueueEntry: %v", err)
	}
	if e.Status != StatusPending || e.Attempts != 1 {
		t.Errorf("after first failure: status=%s attempts=%d, want pending/1", e.Status, e.Attempts)
	}

	// Second failure exhausts the bound.
	if _, err := s.LeaseNext("w1", time.Minute); err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if err := s.FailEntry("flaky", "boom again", true); err != nil {
		t.Fatalf("FailEntry: %v", err)
	}
	e, err = s.GetQueueEntry("flaky")
	if err != nil {
		t.Fatalf("GetQueueEntry: %v", err)
	}
	if e.Status != StatusFailed {
		t.Errorf("after exhausting attempts: status=%s, want failed", e.Status)
	}
	if e.LastError != "boom again" {
		t.Errorf("last_error = %q", e.LastError)
	}
}

// TestFailEntryNonRetryable verifies a non-retryable failure is terminal
// regardless of remaining attempts.
func TestFailEntryNonRetryable(t *testing.T) {
	s := openTestStore(t)
	enqueueAt(t, s, "fatal", "u1", time.Now().UTC())

	if _, err := s.LeaseNext("w1", time.Minute); err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if err := s.FailEntry("fatal", "bad payload", false); err != nil {
		t.Fatalf("FailEntry: %v", err)
	}
	e, err := s.GetQueueEntry("fatal")
	if err != nil {
		t.Fatalf("GetQueueEntry: %v", err)
	}
	if e.Status != StatusFailed {
		t.Errorf("status = %s, want failed", e.Status)
	}
}

func TestCompleteEntry(t *testing.T) {
	s := openTestStore(t)
	enqueueAt(t, s, "done-me", "u1", time.Now().UTC())

	if _, err := s.LeaseNext("w1", time.Minute); err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if err := s.CompleteEntry("done-me"); err != nil {
		t.Fatalf("CompleteEntry: %v", err)
	}
	e, err := s.GetQueueEntry("done-me")
	if err != nil {
		t.Fatalf("GetQueueEntry: %v", err)
	}
	if e.Status != StatusDone {
		t.Errorf("status = %s, want done", e.Status)
	}

	if err := s.CompleteEntry("missing"); err != ErrNotFound {
		t.Errorf("CompleteEntry(missing) = %v, want ErrNotFound", err)
	}
}

func TestQueueDepth(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC()
	enqueueAt(t, s, "d1", "u1", base)
	enqueueAt(t, s, "d2", "u1", base.Add(time.Second))

	depth, err := s.QueueDepth()
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 2 {
		t.Errorf("depth = %d, want 2", depth)
	}

	if _, err := s.LeaseNext("w1", time.Minute); err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	depth, err = s.QueueDepth()
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 2 {
		t.Errorf("leased entries still count toward depth: got %d, want 2", depth)
	}

	if err := s.CompleteEntry("d1"); err != nil {
		t.Fatalf("CompleteEntry: %v", err)
	}
	depth, err = s.QueueDepth()
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 1 {
		t.Errorf("depth after completion = %d, want 1", depth)
	}
}
