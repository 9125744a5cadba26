package proactive

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/isragogreen/chorus/internal/events"
	"github.com/isragogreen/chorus/internal/provider"
	"github.com/isragogreen/chorus/internal/roles"
	"github.com/isragogreen/chorus/internal/storage"
)

// fallbackNudge is sent when the check-in text cannot be generated.
const fallbackNudge = "Hey, it's been a while! How have you been?"

// ActivityStore is the persistence surface the scheduler needs.
type ActivityStore interface {
	TouchActivity(userID string, now, nextNudgeAt time.Time) error
	UsersDueForNudge(now time.Time) ([]string, error)
	MarkNudged(userID string) (bool, error)
	AppendHistory(r storage.HistoryRecord) error
}

// ModelSelector resolves the user's assigned model for nudge
// generation.
type ModelSelector interface {
	AssignedModel(ctx context.Context, userID string) (string, error)
}

// Generator runs a chat completion. Satisfied by provider.Client.
type Generator interface {
	Generate(ctx context.Context, req provider.ChatRequest) (string, error)
}

// Enqueuer appends entries to the durable queue.
type Enqueuer interface {
	Enqueue(userID, role string, direction storage.Direction, payload string) (string, error)
}

// Config tunes the scheduler. The nudge deadline for a user is
// last_activity + Inactivity * uniform(RandMin, RandMax), so check-ins
// never arrive on a predictable schedule.
type Config struct {
	Inactivity   time.Duration
	RandMin      float64
	RandMax      float64
	ScanInterval time.Duration
}

// Scheduler re-engages idle users: it persists a randomized deadline
// per user and enqueues exactly one agitator check-in per idle period
// once the deadline passes.
type Scheduler struct {
	store    ActivityStore
	selector ModelSelector
	registry *roles.Registry
	gen      Generator
	enqueuer Enqueuer
	bus      *events.Bus
	cfg      Config
	logger   *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewScheduler creates a Scheduler. Zero config fields fall back to
// defaults: 24h inactivity, multiplier 0.8–1.2, scan every minute.
func NewScheduler(store ActivityStore, selector ModelSelector, registry *roles.Registry, gen Generator, enqueuer Enqueuer, bus *events.Bus, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Inactivity <= 0 {
		cfg.Inactivity = 24 * time.Hour
	}
	if cfg.RandMin <= 0 {
		cfg.RandMin = 0.8
	}
	if cfg.RandMax < cfg.RandMin {
		cfg.RandMax = cfg.RandMin
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		selector: selector,
		registry: registry,
		gen:      gen,
		enqueuer: enqueuer,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Touch records fresh activity for a user and arms a new randomized
// deadline. Implements the pipeline's activity tracker.
func (s *Scheduler) Touch(userID string, at time.Time) error {
	return s.store.TouchActivity(userID, at, at.Add(s.deadlineDelay()))
}

func (s *Scheduler) deadlineDelay() time.Duration {
	s.mu.Lock()
	multiplier := s.cfg.RandMin + s.rng.Float64()*(s.cfg.RandMax-s.cfg.RandMin)
	s.mu.Unlock()
	return time.Duration(float64(s.cfg.Inactivity) * multiplier)
}

// Run scans for due users until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Scan(ctx, time.Now().UTC()); err != nil {
				s.logger.Error("proactive scan failed", "error", err)
			}
		}
	}
}

// Scan nudges every user whose deadline has passed. A delayed scan
// catches up on overdue users but never fires twice for the same idle
// period: the conditional nudged-flag flip decides the winner.
func (s *Scheduler) Scan(ctx context.Context, now time.Time) error {
	users, err := s.store.UsersDueForNudge(now)
	if err != nil {
		return fmt.Errorf("listing due users: %w", err)
	}

	for _, userID := range users {
		won, err := s.store.MarkNudged(userID)
		if err != nil {
			s.logger.Error("marking nudge failed", "user_id", userID, "error", err)
			continue
		}
		if !won {
			continue
		}
		if err := s.nudge(ctx, userID, now); err != nil {
			s.logger.Error("nudging failed", "user_id", userID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) nudge(ctx context.Context, userID string, now time.Time) error {
	text := s.nudgeText(ctx, userID)

	err := s.store.AppendHistory(storage.HistoryRecord{
		ID:        uuid.New().String(),
		UserID:    userID,
		Role:      roles.Agitator.String(),
		Direction: storage.DirectionOut,
		Text:      text,
		Timestamp: now,
	})
	if err != nil {
		return fmt.Errorf("recording nudge: %w", err)
	}

	if _, err := s.enqueuer.Enqueue(userID, roles.Agitator.String(), storage.DirectionOut, text); err != nil {
		return fmt.Errorf("enqueuing nudge: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{Kind: events.NudgeSent, UserID: userID})
	}
	s.logger.Info("nudged idle user", "user_id", userID)
	return nil
}

// nudgeText asks the user's assigned model for a check-in line in the
// agitator's voice, falling back to a fixed line on any failure.
func (s *Scheduler) nudgeText(ctx context.Context, userID string) string {
	modelID, err := s.selector.AssignedModel(ctx, userID)
	if err != nil {
		s.logger.Debug("no model for nudge, using fallback", "user_id", userID, "error", err)
		return fallbackNudge
	}

	persona := s.registry.Persona(roles.Agitator)
	text, err := s.gen.Generate(ctx, provider.ChatRequest{
		Model: modelID,
		Messages: []provider.Message{
			{Role: "system", Content: persona.SystemPrompt},
			{Role: "user", Content: "The user has been quiet for a while. Write one short, friendly message to restart the conversation."},
		},
		Temperature: persona.Temperature,
	})
	if err != nil || text == "" {
		s.logger.Debug("nudge generation failed, using fallback", "user_id", userID, "error", err)
		return fallbackNudge
	}
	return text
}
