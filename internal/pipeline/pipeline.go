package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/isragogreen/chorus/internal/events"
	"github.com/isragogreen/chorus/internal/provider"
	"github.com/isragogreen/chorus/internal/queue"
	"github.com/isragogreen/chorus/internal/retrieval"
	"github.com/isragogreen/chorus/internal/roles"
	"github.com/isragogreen/chorus/internal/storage"
)

// DocsNamespace is the shared reference corpus namespace.
const DocsNamespace = "docs"

// UserNamespace returns the per-user conversation memory namespace.
func UserNamespace(userID string) string {
	return "user:" + userID
}

// fallbackReply is sent when the assigned model cannot produce an
// answer.
const fallbackReply = "I'm having trouble answering right now. Give me a moment and ask again."

// Store is the persistence surface the pipeline needs.
type Store interface {
	IsBlacklisted(userID string) (bool, error)
	AppendHistory(r storage.HistoryRecord) error
	RecentHistory(userID string, limit int) ([]storage.HistoryRecord, error)
}

// Retriever is the text-level retrieval surface.
type Retriever interface {
	Query(ctx context.Context, namespace, text string, topK int) ([]retrieval.ScoredPassage, error)
	Upsert(ctx context.Context, namespace, text, metadata string) error
}

// ModelSelector resolves and maintains the per-user model assignment.
type ModelSelector interface {
	AssignedModel(ctx context.Context, userID string) (string, error)
	RecordOutcome(userID, modelID string, quality float64) error
	RefreshIfDue(ctx context.Context, userID string) (bool, error)
}

// Scorer rates a generated answer. Optional; a nil Scorer disables
// live outcome recording.
type Scorer interface {
	Score(ctx context.Context, question, answer string) (float64, error)
}

// Transport delivers outbound messages to the user's channel.
type Transport interface {
	Deliver(ctx context.Context, userID, text string) error
}

// Enqueuer appends entries to the durable queue.
type Enqueuer interface {
	Enqueue(userID, role string, direction storage.Direction, payload string) (string, error)
}

// ActivityTracker records user activity and arms the next proactive
// deadline.
type ActivityTracker interface {
	Touch(userID string, at time.Time) error
}

// Config tunes the pipeline.
type Config struct {
	RemoveEmojis    bool
	SaveAllMessages bool
	TopKDocs        int
	TopKUser        int
	HistoryLimit    int
	GenTimeout      time.Duration
}

// Pipeline turns leased queue entries into replies. It is the
// Processor behind the worker pool: inbound entries run the full
// retrieve-compose-generate path, outbound entries are handed to the
// transport.
type Pipeline struct {
	store     Store
	retriever Retriever
	selector  ModelSelector
	scorer    Scorer
	registry  *roles.Registry
	generator Generator
	transport Transport
	enqueuer  Enqueuer
	activity  ActivityTracker
	bus       *events.Bus
	cfg       Config
	logger    *slog.Logger

	paused atomic.Bool
}

// Generator runs a chat completion. Satisfied by provider.Client.
type Generator interface {
	Generate(ctx context.Context, req provider.ChatRequest) (string, error)
}

// New creates a Pipeline. Zero config fields fall back to defaults:
// top 3 doc passages, top 3 user passages, 20 history turns, 60s
// generation timeout.
func New(
	store Store,
	retriever Retriever,
	selector ModelSelector,
	scorer Scorer,
	registry *roles.Registry,
	generator Generator,
	transport Transport,
	enqueuer Enqueuer,
	activity ActivityTracker,
	bus *events.Bus,
	cfg Config,
	logger *slog.Logger,
) *Pipeline {
	if cfg.TopKDocs <= 0 {
		cfg.TopKDocs = 3
	}
	if cfg.TopKUser <= 0 {
		cfg.TopKUser = 3
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.GenTimeout <= 0 {
		cfg.GenTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:     store,
		retriever: retriever,
		selector:  selector,
		scorer:    scorer,
		registry:  registry,
		generator: generator,
		transport: transport,
		enqueuer:  enqueuer,
		activity:  activity,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
	}
}

// Pause suspends reply generation. Inbound messages are still recorded
// when SaveAllMessages is set.
func (p *Pipeline) Pause() { p.paused.Store(true) }

// Resume re-enables reply generation.
func (p *Pipeline) Resume() { p.paused.Store(false) }

// Paused reports whether reply generation is suspended.
func (p *Pipeline) Paused() bool { return p.paused.Load() }

// Process dispatches a leased entry by direction.
func (p *Pipeline) Process(ctx context.Context, entry storage.QueueEntry) error {
	switch entry.Direction {
	case storage.DirectionIn:
		return p.processInbound(ctx, entry)
	case storage.DirectionOut:
		return p.processOutbound(ctx, entry)
	default:
		return queue.Permanent(fmt.Errorf("unknown direction %q", entry.Direction))
	}
}

func (p *Pipeline) processOutbound(ctx context.Context, entry storage.QueueEntry) error {
	if err := p.transport.Deliver(ctx, entry.UserID, entry.Payload); err != nil {
		return fmt.Errorf("delivering to %s: %w", entry.UserID, err)
	}
	return nil
}

func (p *Pipeline) processInbound(ctx context.Context, entry storage.QueueEntry) error {
	if entry.Payload == "" {
		return queue.Permanent(fmt.Errorf("entry %s has empty payload", entry.ID))
	}

	blocked, err := p.store.IsBlacklisted(entry.UserID)
	if err != nil {
		return fmt.Errorf("checking blacklist: %w", err)
	}
	if blocked {
		p.logger.Debug("dropping message from blacklisted user", "user_id", entry.UserID)
		return nil
	}

	text := CleanText(entry.Payload, p.cfg.RemoveEmojis)
	if text == "" {
		return nil
	}

	now := time.Now().UTC()

	if p.paused.Load() {
		if p.cfg.SaveAllMessages {
			if err := p.appendHistory(historyID(entry.ID, storage.DirectionIn), entry.UserID, entry.Role, storage.DirectionIn, text, now); err != nil {
				return err
			}
		}
		p.logger.Debug("processing paused, message suppressed", "user_id", entry.UserID)
		return nil
	}

	// Inbound history is committed before generation so a retried
	// entry never reorders the conversation. Entry-derived record IDs
	// make the replay after a later failure a no-op.
	if err := p.appendHistory(historyID(entry.ID, storage.DirectionIn), entry.UserID, entry.Role, storage.DirectionIn, text, now); err != nil {
		return err
	}
	if err := p.activity.Touch(entry.UserID, now); err != nil {
		p.logger.Warn("recording activity failed", "user_id", entry.UserID, "error", err)
	}

	role := roles.Detect(text)
	if entry.Role != "" {
		role = roles.Parse(entry.Role)
	}
	persona := p.registry.Persona(role)

	history, err := p.store.RecentHistory(entry.UserID, p.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	docs := p.query(ctx, DocsNamespace, text, p.cfg.TopKDocs)
	userMem := p.query(ctx, UserNamespace(entry.UserID), text, p.cfg.TopKUser)

	modelID, err := p.selector.AssignedModel(ctx, entry.UserID)
	if err != nil {
		return fmt.Errorf("resolving model for %s: %w", entry.UserID, err)
	}

	messages := composePrompt(persona, docs, userMem, history, text)
	p.logger.Debug("composed prompt",
		"user_id", entry.UserID,
		"role", role.String(),
		"model_id", modelID,
		"approx_tokens", estimateTokens(messages))

	reply, genErr := p.generate(ctx, modelID, persona.Temperature, messages)
	if genErr != nil {
		p.logger.Warn("generation failed, using fallback reply",
			"user_id", entry.UserID, "model_id", modelID, "error", genErr)
		reply = fallbackReply
	}

	outboundAt := time.Now().UTC()
	if !outboundAt.After(now) {
		outboundAt = now.Add(time.Nanosecond)
	}
	if err := p.appendHistory(historyID(entry.ID, storage.DirectionOut), entry.UserID, role.String(), storage.DirectionOut, reply, outboundAt); err != nil {
		return err
	}

	if err := p.retriever.Upsert(ctx, UserNamespace(entry.UserID), text, userMetadata(role)); err != nil {
		p.logger.Warn("indexing user message failed", "user_id", entry.UserID, "error", err)
	}

	if _, err := p.enqueuer.Enqueue(entry.UserID, role.String(), storage.DirectionOut, reply); err != nil {
		return fmt.Errorf("enqueuing reply: %w", err)
	}

	if genErr == nil && p.scorer != nil {
		p.recordOutcome(ctx, entry.UserID, modelID, text, reply)
	}

	if p.bus != nil {
		p.bus.Publish(events.Event{
			Kind:    events.MessageProcessed,
			UserID:  entry.UserID,
			ModelID: modelID,
			Detail:  role.String(),
		})
	}

	if _, err := p.selector.RefreshIfDue(ctx, entry.UserID); err != nil {
		p.logger.Warn("assignment refresh failed", "user_id", entry.UserID, "error", err)
	}

	return nil
}

func (p *Pipeline) query(ctx context.Context, namespace, text string, topK int) []retrieval.ScoredPassage {
	passages, err := p.retriever.Query(ctx, namespace, text, topK)
	if err != nil {
		p.logger.Warn("retrieval failed, continuing without context",
			"namespace", namespace, "error", err)
		return nil
	}
	return passages
}

func (p *Pipeline) generate(ctx context.Context, modelID string, temperature float64, messages []provider.Message) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, p.cfg.GenTimeout)
	defer cancel()

	return p.generator.Generate(genCtx, provider.ChatRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: temperature,
	})
}

// recordOutcome judges the live reply and folds it into the user's
// running score. Best effort: scoring failures only log.
func (p *Pipeline) recordOutcome(ctx context.Context, userID, modelID, question, answer string) {
	quality, err := p.scorer.Score(ctx, question, answer)
	if err != nil {
		p.logger.Debug("live scoring failed", "user_id", userID, "model_id", modelID, "error", err)
		return
	}
	if err := p.selector.RecordOutcome(userID, modelID, quality); err != nil {
		p.logger.Warn("recording outcome failed", "user_id", userID, "model_id", modelID, "error", err)
	}
}

// historyID derives a stable record ID from the queue entry so a
// retried entry replays into its existing history rows.
func historyID(entryID string, direction storage.Direction) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(entryID+":"+string(direction))).String()
}

func (p *Pipeline) appendHistory(id, userID, role string, direction storage.Direction, text string, at time.Time) error {
	err := p.store.AppendHistory(storage.HistoryRecord{
		ID:        id,
		UserID:    userID,
		Role:      role,
		Direction: direction,
		Text:      text,
		Timestamp: at,
	})
	if err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

func userMetadata(role roles.Role) string {
	return fmt.Sprintf(`{"role":%q}`, role.String())
}
