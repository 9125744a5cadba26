package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/isragogreen/chorus/internal/provider"
	"github.com/isragogreen/chorus/internal/storage"
)

const (
	trialConcurrency = 3
	bootstrapCap     = 20
)

// trialPrompt is the fixed question every candidate answers during a
// bootstrap evaluation pass.
const trialPrompt = "Briefly introduce yourself and explain how you would help someone plan a weekend trip."

// ScoreStore is the storage surface the engine needs.
type ScoreStore interface {
	ListCatalog(onlyFree bool) ([]storage.CandidateModel, error)
	CatalogSize() (int, error)
	RecordOutcome(userID, modelID string, quality float64, at time.Time) (storage.ModelScore, error)
	TopScores(userID string, n int, onlyFree bool) ([]storage.ModelScore, error)
	GetScore(userID, modelID string) (storage.ModelScore, error)
	GetAssignment(userID string) (storage.Assignment, error)
	SetAssignment(userID, modelID string, at time.Time) error
	BumpIterations(userID string) (int, error)
	ResetIterations(userID string) error
}

// Config tunes selection and refresh behavior.
type Config struct {
	TopN             int
	RefreshEvery     int
	QualityThreshold float64
	TrialCount       int
	OnlyFree         bool
}

// Engine scores candidate models per user and maintains the per-user
// assignment.
type Engine struct {
	store     ScoreStore
	generator Generator
	judge     *Judge
	cfg       Config
	logger    *slog.Logger

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewEngine creates an Engine. Zero config fields fall back to
// defaults: top 3, refresh every 10 iterations, threshold 0.5, one
// trial per candidate.
func NewEngine(store ScoreStore, generator Generator, judge *Judge, cfg Config, logger *slog.Logger) *Engine {
	if cfg.TopN <= 0 {
		cfg.TopN = 3
	}
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = 10
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = 0.5
	}
	if cfg.TrialCount <= 0 {
		cfg.TrialCount = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		generator: generator,
		judge:     judge,
		cfg:       cfg,
		logger:    logger,
		users:     make(map[string]*sync.Mutex),
	}
}

func (e *Engine) userLock(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.users[userID]; ok {
		return m
	}
	m := &sync.Mutex{}
	e.users[userID] = m
	return m
}

// EvaluateCandidates runs a trial pass over the catalog for a user.
// Each candidate answers the trial prompt TrialCount times and the
// judge rates every answer; a failed generation is recorded as score
// zero with the trial counted, so broken models sink instead of
// staying unknown. The pass is capped at the first bootstrapCap
// catalog entries. Trials run with bounded concurrency.
func (e *Engine) EvaluateCandidates(ctx context.Context, userID string) error {
	catalog, err := e.store.ListCatalog(e.cfg.OnlyFree)
	if err != nil {
		return fmt.Errorf("listing catalog: %w", err)
	}
	if len(catalog) == 0 {
		return errors.New("candidate catalog is empty")
	}
	if len(catalog) > bootstrapCap {
		catalog = catalog[:bootstrapCap]
	}

	sem := make(chan struct{}, trialConcurrency)
	var wg sync.WaitGroup
	for _, model := range catalog {
		for trial := 0; trial < e.cfg.TrialCount; trial++ {
			wg.Add(1)
			go func(modelID string) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				defer func() { <-sem }()

				quality := e.runTrial(ctx, modelID)
				if _, err := e.store.RecordOutcome(userID, modelID, quality, time.Now().UTC()); err != nil {
					e.logger.Error("recording trial outcome failed",
						"user_id", userID, "model_id", modelID, "error", err)
				}
			}(model.ModelID)
		}
	}
	wg.Wait()

	return ctx.Err()
}

func (e *Engine) runTrial(ctx context.Context, modelID string) float64 {
	answer, err := e.generator.Generate(ctx, provider.ChatRequest{
		Model: modelID,
		Messages: []provider.Message{
			{Role: "user", Content: trialPrompt},
		},
	})
	if err != nil {
		e.logger.Warn("trial generation failed", "model_id", modelID, "error", err)
		return 0
	}

	score, err := e.judge.Score(ctx, trialPrompt, answer)
	if err != nil {
		e.logger.Warn("trial judging failed", "model_id", modelID, "error", err)
		return 0
	}
	return score
}

// SelectTopN returns the user's best-scored models, honoring the
// only-free filter. Ties resolve to fewer trials, then model ID.
func (e *Engine) SelectTopN(userID string, n int) ([]storage.ModelScore, error) {
	if n <= 0 {
		n = e.cfg.TopN
	}
	return e.store.TopScores(userID, n, e.cfg.OnlyFree)
}

// RecordOutcome folds one observed answer quality into the user's
// running average for the model.
func (e *Engine) RecordOutcome(userID, modelID string, quality float64) error {
	_, err := e.store.RecordOutcome(userID, modelID, quality, time.Now().UTC())
	return err
}

// AssignedModel returns the user's current model, assigning the best
// available candidate when the user has none yet. Falls back to the
// first catalog entry when the user has no scores at all.
func (e *Engine) AssignedModel(ctx context.Context, userID string) (string, error) {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	a, err := e.store.GetAssignment(userID)
	if err == nil {
		return a.ModelID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("loading assignment: %w", err)
	}

	modelID, err := e.bestAvailable(userID)
	if err != nil {
		return "", err
	}
	if err := e.store.SetAssignment(userID, modelID, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("assigning model: %w", err)
	}
	e.logger.Info("assigned model", "user_id", userID, "model_id", modelID)
	return modelID, nil
}

func (e *Engine) bestAvailable(userID string) (string, error) {
	top, err := e.store.TopScores(userID, 1, e.cfg.OnlyFree)
	if err != nil {
		return "", fmt.Errorf("selecting top score: %w", err)
	}
	if len(top) > 0 {
		return top[0].ModelID, nil
	}

	catalog, err := e.store.ListCatalog(e.cfg.OnlyFree)
	if err != nil {
		return "", fmt.Errorf("listing catalog: %w", err)
	}
	if len(catalog) == 0 {
		return "", errors.New("no candidate models available")
	}
	return catalog[0].ModelID, nil
}

// RefreshIfDue advances the user's iteration counter and, every
// RefreshEvery iterations, reconsiders the assignment. The current
// model is replaced only when it fell out of the top-N or a challenger
// beats it by at least QualityThreshold; otherwise it stays, which
// keeps the assignment from thrashing between near-equal models.
// Returns true when the assignment changed.
func (e *Engine) RefreshIfDue(ctx context.Context, userID string) (bool, error) {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	iterations, err := e.store.BumpIterations(userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("bumping iterations: %w", err)
	}
	if iterations < e.cfg.RefreshEvery {
		return false, nil
	}

	if err := e.store.ResetIterations(userID); err != nil {
		return false, fmt.Errorf("resetting iterations: %w", err)
	}

	current, err := e.store.GetAssignment(userID)
	if err != nil {
		return false, fmt.Errorf("loading assignment: %w", err)
	}

	top, err := e.store.TopScores(userID, e.cfg.TopN, e.cfg.OnlyFree)
	if err != nil {
		return false, fmt.Errorf("selecting top scores: %w", err)
	}
	if len(top) == 0 {
		return false, nil
	}

	best := top[0]
	if best.ModelID == current.ModelID {
		return false, nil
	}

	inTopN := false
	var currentScore float64
	for _, s := range top {
		if s.ModelID == current.ModelID {
			inTopN = true
			currentScore = s.Score
			break
		}
	}

	if inTopN && best.Score-currentScore < e.cfg.QualityThreshold {
		return false, nil
	}

	if err := e.store.SetAssignment(userID, best.ModelID, time.Now().UTC()); err != nil {
		return false, fmt.Errorf("replacing assignment: %w", err)
	}
	e.logger.Info("refreshed model assignment",
		"user_id", userID,
		"old_model", current.ModelID,
		"new_model", best.ModelID,
		"new_score", best.Score)
	return true, nil
}
