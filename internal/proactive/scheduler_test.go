package proactive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/isragogreen/chorus/internal/events"
	"github.com/isragogreen/chorus/internal/provider"
	"github.com/isragogreen/chorus/internal/queue"
	"github.com/isragogreen/chorus/internal/roles"
	"github.com/isragogreen/chorus/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fixedSelector struct {
	model string
	err   error
}

func (f *fixedSelector) AssignedModel(context.Context, string) (string, error) {
	return f.model, f.err
}

type cannedGenerator struct {
	text string
	err  error
}

func (g *cannedGenerator) Generate(context.Context, provider.ChatRequest) (string, error) {
	return g.text, g.err
}

func newTestScheduler(t *testing.T, s *storage.Store, gen Generator, sel ModelSelector) (*Scheduler, *queue.Dispatcher) {
	t.Helper()
	d := queue.NewDispatcher(s, 3)
	sched := NewScheduler(s, sel, roles.NewRegistry(nil), gen, d, events.NewBus(nil),
		Config{Inactivity: time.Hour, RandMin: 1, RandMax: 1}, nil)
	return sched, d
}

func TestTouchArmsDeadline(t *testing.T) {
	s := openTestStore(t)
	sched, _ := newTestScheduler(t, s, &cannedGenerator{text: "hey!"}, &fixedSelector{model: "m"})

	now := time.Now().UTC()
	if err := sched.Touch("alice", now); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	a, err := s.GetActivity("alice")
	if err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	// RandMin == RandMax == 1 pins the deadline to exactly one
	// inactivity period.
	want := now.Add(time.Hour)
	if !a.NextNudgeAt.Equal(want) {
		t.Errorf("next nudge = %v, want %v", a.NextNudgeAt, want)
	}
}

func TestTouchRandomizedWithinBounds(t *testing.T) {
	s := openTestStore(t)
	d := queue.NewDispatcher(s, 3)
	sched := NewScheduler(s, &fixedSelector{model: "m"}, roles.NewRegistry(nil),
		&cannedGenerator{text: "hey"}, d, nil,
		Config{Inactivity: time.Hour, RandMin: 0.5, RandMax: 2}, nil)

	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		if err := sched.Touch("alice", now); err != nil {
			t.Fatalf("Touch: %v", err)
		}
		a, err := s.GetActivity("alice")
		if err != nil {
			t.Fatal(err)
		}
		delay := a.NextNudgeAt.Sub(now)
		if delay < 30*time.Minute || delay > 2*time.Hour {
			t.Fatalf("deadline delay %v outside [30m, 2h]", delay)
		}
	}
}

func TestScanNudgesDueUser(t *testing.T) {
	s := openTestStore(t)
	sched, d := newTestScheduler(t, s, &cannedGenerator{text: "miss you, what's new?"}, &fixedSelector{model: "m"})

	base := time.Now().UTC()
	if err := sched.Touch("alice", base); err != nil {
		t.Fatal(err)
	}

	// Before the deadline nothing happens.
	if err := sched.Scan(context.Background(), base.Add(30*time.Minute)); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	depth, _ := d.Depth()
	if depth != 0 {
		t.Errorf("early scan enqueued %d entries", depth)
	}

	// Past the deadline exactly one nudge goes out.
	after := base.Add(2 * time.Hour)
	if err := sched.Scan(context.Background(), after); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	depth, _ = d.Depth()
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1 nudge", depth)
	}
	entry, err := s.LeaseNext("w1", time.Minute)
	if err != nil || entry == nil {
		t.Fatalf("LeaseNext: %v, %v", entry, err)
	}
	if entry.Direction != storage.DirectionOut || entry.Payload != "miss you, what's new?" {
		t.Errorf("nudge entry = %+v", entry)
	}
	if entry.Role != "agitator" {
		t.Errorf("nudge role = %q", entry.Role)
	}

	history, err := s.RecentHistory("alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Direction != storage.DirectionOut {
		t.Errorf("nudge history = %+v", history)
	}
}

// TestScanExactlyOnce repeats the scan and verifies the nudge never
// fires twice for one idle period.
func TestScanExactlyOnce(t *testing.T) {
	s := openTestStore(t)
	sched, d := newTestScheduler(t, s, &cannedGenerator{text: "hey"}, &fixedSelector{model: "m"})

	base := time.Now().UTC()
	if err := sched.Touch("alice", base); err != nil {
		t.Fatal(err)
	}

	after := base.Add(2 * time.Hour)
	for i := 0; i < 3; i++ {
		if err := sched.Scan(context.Background(), after); err != nil {
			t.Fatalf("Scan %d: %v", i, err)
		}
	}

	depth, _ := d.Depth()
	if depth != 1 {
		t.Errorf("repeated scans produced %d entries, want 1", depth)
	}
}

// TestNudgeCycleRearms verifies fresh activity after a nudge arms a
// new idle period.
func TestNudgeCycleRearms(t *testing.T) {
	s := openTestStore(t)
	sched, d := newTestScheduler(t, s, &cannedGenerator{text: "hey"}, &fixedSelector{model: "m"})

	base := time.Now().UTC()
	if err := sched.Touch("alice", base); err != nil {
		t.Fatal(err)
	}
	if err := sched.Scan(context.Background(), base.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	// The user replies; a new cycle starts.
	if err := sched.Touch("alice", base.Add(3*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := sched.Scan(context.Background(), base.Add(5*time.Hour)); err != nil {
		t.Fatal(err)
	}

	depth, _ := d.Depth()
	if depth != 2 {
		t.Errorf("expected a second nudge after re-arm, depth = %d", depth)
	}
}

func TestNudgeFallbackText(t *testing.T) {
	s := openTestStore(t)
	sched, _ := newTestScheduler(t, s, &cannedGenerator{err: errors.New("down")}, &fixedSelector{model: "m"})

	base := time.Now().UTC()
	if err := sched.Touch("alice", base); err != nil {
		t.Fatal(err)
	}
	if err := sched.Scan(context.Background(), base.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	entry, err := s.LeaseNext("w1", time.Minute)
	if err != nil || entry == nil {
		t.Fatalf("LeaseNext: %v, %v", entry, err)
	}
	if entry.Payload != fallbackNudge {
		t.Errorf("payload = %q, want fallback", entry.Payload)
	}
}

func TestNudgeFallbackWhenNoModel(t *testing.T) {
	s := openTestStore(t)
	sched, _ := newTestScheduler(t, s, &cannedGenerator{text: "generated"}, &fixedSelector{err: errors.New("no candidates")})

	base := time.Now().UTC()
	if err := sched.Touch("alice", base); err != nil {
		t.Fatal(err)
	}
	if err := sched.Scan(context.Background(), base.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	entry, err := s.LeaseNext("w1", time.Minute)
	if err != nil || entry == nil {
		t.Fatalf("LeaseNext: %v, %v", entry, err)
	}
	if entry.Payload != fallbackNudge {
		t.Errorf("payload = %q, want fallback", entry.Payload)
	}
}
