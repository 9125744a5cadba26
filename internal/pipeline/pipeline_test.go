package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/isragogreen/chorus/internal/events"
	"github.com/isragogreen/chorus/internal/provider"
	"github.com/isragogreen/chorus/internal/queue"
	"github.com/isragogreen/chorus/internal/retrieval"
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

type fakeRetriever struct {
	mu       sync.Mutex
	docs     []retrieval.ScoredPassage
	userMem  []retrieval.ScoredPassage
	upserted map[string][]string
	queryErr error
}

func newFakeRetriever() *fakeRetriever {
	return &fakeRetriever{upserted: make(map[string][]string)}
}

func (f *fakeRetriever) Query(_ context.Context, namespace, _ string, _ int) ([]retrieval.ScoredPassage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if namespace == DocsNamespace {
		return f.docs, nil
	}
	return f.userMem, nil
}

func (f *fakeRetriever) Upsert(_ context.Context, namespace, text, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted[namespace] = append(f.upserted[namespace], text)
	return nil
}

type fakeSelector struct {
	model     string
	modelErr  error
	outcomes  []float64
	refreshes int
}

func (f *fakeSelector) AssignedModel(context.Context, string) (string, error) {
	return f.model, f.modelErr
}

func (f *fakeSelector) RecordOutcome(_, _ string, quality float64) error {
	f.outcomes = append(f.outcomes, quality)
	return nil
}

func (f *fakeSelector) RefreshIfDue(context.Context, string) (bool, error) {
	f.refreshes++
	return false, nil
}

type fakeScorer struct {
	score float64
	err   error
}

func (f *fakeScorer) Score(context.Context, string, string) (float64, error) {
	return f.score, f.err
}

type fakeGenerator struct {
	reply string
	err   error
	last  provider.ChatRequest
}

func (f *fakeGenerator) Generate(_ context.Context, req provider.ChatRequest) (string, error) {
	f.last = req
	return f.reply, f.err
}

type fakeTransport struct {
	mu        sync.Mutex
	delivered []string
	err       error
}

func (f *fakeTransport) Deliver(_ context.Context, userID, text string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, userID+": "+text)
	return nil
}

type fakeActivity struct {
	touched []string
}

func (f *fakeActivity) Touch(userID string, _ time.Time) error {
	f.touched = append(f.touched, userID)
	return nil
}

type testEnv struct {
	store     *storage.Store
	retriever *fakeRetriever
	selector  *fakeSelector
	scorer    *fakeScorer
	generator *fakeGenerator
	transport *fakeTransport
	activity  *fakeActivity
	bus       *events.Bus
	dispatch  *queue.Dispatcher
	pipeline  *Pipeline
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	s := openTestStore(t)
	env := &testEnv{
		store:     s,
		retriever: newFakeRetriever(),
		selector:  &fakeSelector{model: "model/assigned"},
		scorer:    &fakeScorer{score: 7},
		generator: &fakeGenerator{reply: "generated reply"},
		transport: &fakeTransport{},
		activity:  &fakeActivity{},
		bus:       events.NewBus(nil),
		dispatch:  queue.NewDispatcher(s, 3),
	}
	t.Cleanup(env.bus.Close)
	env.pipeline = New(
		s, env.retriever, env.selector, env.scorer,
		roles.NewRegistry(nil), env.generator, env.transport,
		env.dispatch, env.activity, env.bus, cfg, nil,
	)
	return env
}

func inboundEntry(userID, payload string) storage.QueueEntry {
	return storage.QueueEntry{
		ID:        "e1",
		UserID:    userID,
		Direction: storage.DirectionIn,
		Payload:   payload,
	}
}

func TestProcessInbound(t *testing.T) {
	env := newTestEnv(t, Config{})
	sub := env.bus.Subscribe(4)

	err := env.pipeline.Process(context.Background(), inboundEntry("alice", "can you help with this error?"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	// History holds the exchange in causal order.
	history, err := env.store.RecentHistory("alice", 10)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Direction != storage.DirectionIn || history[1].Direction != storage.DirectionOut {
		t.Errorf("history order wrong: %s then %s", history[0].Direction, history[1].Direction)
	}
	if history[1].Text != "generated reply" {
		t.Errorf("outbound text = %q", history[1].Text)
	}
	// "help" and "error" route to the tech persona.
	if history[1].Role != "tech" {
		t.Errorf("role = %q, want tech", history[1].Role)
	}

	// The reply is queued for delivery, not delivered inline.
	depth, err := env.dispatch.Depth()
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1 outbound entry", depth)
	}
	if len(env.transport.delivered) != 0 {
		t.Errorf("transport called during inbound processing: %v", env.transport.delivered)
	}

	// The inbound text lands in the user's memory namespace.
	if got := env.retriever.upserted[UserNamespace("alice")]; len(got) != 1 {
		t.Errorf("user namespace upserts = %v", got)
	}

	// Outcome recorded from the live exchange.
	if len(env.selector.outcomes) != 1 || env.selector.outcomes[0] != 7 {
		t.Errorf("outcomes = %v", env.selector.outcomes)
	}
	if env.selector.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", env.selector.refreshes)
	}
	if len(env.activity.touched) != 1 || env.activity.touched[0] != "alice" {
		t.Errorf("activity touches = %v", env.activity.touched)
	}

	select {
	case e := <-sub:
		if e.Kind != events.MessageProcessed || e.UserID != "alice" {
			t.Errorf("unexpected event %+v", e)
		}
	default:
		t.Error("no event published")
	}

	// The generator saw the persona temperature.
	if env.generator.last.Temperature != 0.1 {
		t.Errorf("temperature = %v, want tech 0.1", env.generator.last.Temperature)
	}
}

func TestProcessInboundBlacklisted(t *testing.T) {
	env := newTestEnv(t, Config{})
	if err := env.store.AddToBlacklist("mallory", "spam", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	if err := env.pipeline.Process(context.Background(), inboundEntry("mallory", "hello")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	history, err := env.store.RecentHistory("mallory", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("blacklisted user produced history: %v", history)
	}
	depth, _ := env.dispatch.Depth()
	if depth != 0 {
		t.Errorf("blacklisted user produced queue entries: depth %d", depth)
	}
}

// TestProcessInboundGenerationFailure verifies the fallback reply is
// used and no outcome is recorded for the failed generation.
func TestProcessInboundGenerationFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.generator.err = errors.New("model down")

	if err := env.pipeline.Process(context.Background(), inboundEntry("alice", "hello there")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	history, err := env.store.RecentHistory("alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[1].Text != fallbackReply {
		t.Errorf("expected fallback reply in history, got %+v", history)
	}
	if len(env.selector.outcomes) != 0 {
		t.Errorf("outcome recorded for failed generation: %v", env.selector.outcomes)
	}
}

// flakySelector fails its first AssignedModel call, then behaves.
type flakySelector struct {
	fakeSelector
	failed bool
}

func (f *flakySelector) AssignedModel(ctx context.Context, userID string) (string, error) {
	if !f.failed {
		f.failed = true
		return "", errors.New("scores briefly unavailable")
	}
	return f.fakeSelector.AssignedModel(ctx, userID)
}

// TestProcessInboundRetryDoesNotDuplicateHistory replays an entry
// whose first attempt failed after the inbound commit and checks the
// second attempt does not append the inbound message again.
func TestProcessInboundRetryDoesNotDuplicateHistory(t *testing.T) {
	env := newTestEnv(t, Config{})
	sel := &flakySelector{fakeSelector: fakeSelector{model: "model/assigned"}}
	env.pipeline = New(
		env.store, env.retriever, sel, env.scorer,
		roles.NewRegistry(nil), env.generator, env.transport,
		env.dispatch, env.activity, env.bus, Config{}, nil,
	)

	entry := inboundEntry("alice", "hello there")
	if err := env.pipeline.Process(context.Background(), entry); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	if err := env.pipeline.Process(context.Background(), entry); err != nil {
		t.Fatalf("retry: %v", err)
	}

	history, err := env.store.RecentHistory("alice", 10)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	inbound := 0
	for _, r := range history {
		if r.Direction == storage.DirectionIn {
			inbound++
		}
	}
	if inbound != 1 {
		t.Errorf("inbound history records = %d, want 1", inbound)
	}
	if len(history) != 2 {
		t.Errorf("history length = %d, want 2", len(history))
	}

	depth, err := env.dispatch.Depth()
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1 outbound entry", depth)
	}
}

func TestProcessInboundRetrievalFailureDegrades(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.retriever.queryErr = errors.New("index offline")

	if err := env.pipeline.Process(context.Background(), inboundEntry("alice", "hello there")); err != nil {
		t.Fatalf("retrieval failure should not fail the message: %v", err)
	}

	history, err := env.store.RecentHistory("alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Errorf("history length = %d, want 2", len(history))
	}
}

func TestProcessInboundEmptyPayloadPermanent(t *testing.T) {
	env := newTestEnv(t, Config{})

	err := env.pipeline.Process(context.Background(), inboundEntry("alice", ""))
	if err == nil {
		t.Fatal("expected error for empty payload")
	}
	if !queue.IsPermanent(err) {
		t.Errorf("empty payload should be permanent: %v", err)
	}
}

func TestProcessUnknownDirectionPermanent(t *testing.T) {
	env := newTestEnv(t, Config{})

	err := env.pipeline.Process(context.Background(), storage.QueueEntry{
		ID: "e1", UserID: "alice", Direction: "sideways", Payload: "x",
	})
	if err == nil || !queue.IsPermanent(err) {
		t.Errorf("unknown direction should be permanent: %v", err)
	}
}

func TestProcessOutbound(t *testing.T) {
	env := newTestEnv(t, Config{})

	err := env.pipeline.Process(context.Background(), storage.QueueEntry{
		ID: "e1", UserID: "alice", Direction: storage.DirectionOut, Payload: "hi alice",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(env.transport.delivered) != 1 || env.transport.delivered[0] != "alice: hi alice" {
		t.Errorf("delivered = %v", env.transport.delivered)
	}
}

func TestProcessOutboundTransportFailureRetryable(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.transport.err = errors.New("connection reset")

	err := env.pipeline.Process(context.Background(), storage.QueueEntry{
		ID: "e1", UserID: "alice", Direction: storage.DirectionOut, Payload: "hi",
	})
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if queue.IsPermanent(err) {
		t.Errorf("transport failure should be retryable: %v", err)
	}
}

// TestPausedSuppressesReplies verifies the pause gate: with
// SaveAllMessages the inbound text is still recorded, but no reply is
// generated or queued.
func TestPausedSuppressesReplies(t *testing.T) {
	env := newTestEnv(t, Config{SaveAllMessages: true})
	env.pipeline.Pause()

	if err := env.pipeline.Process(context.Background(), inboundEntry("alice", "anyone there?")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	history, err := env.store.RecentHistory("alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Direction != storage.DirectionIn {
		t.Errorf("paused history = %+v, want single inbound record", history)
	}
	depth, _ := env.dispatch.Depth()
	if depth != 0 {
		t.Errorf("paused pipeline enqueued a reply: depth %d", depth)
	}

	env.pipeline.Resume()
	if env.pipeline.Paused() {
		t.Error("Resume did not clear the pause flag")
	}
}

func TestPausedWithoutSaveAll(t *testing.T) {
	env := newTestEnv(t, Config{SaveAllMessages: false})
	env.pipeline.Pause()

	if err := env.pipeline.Process(context.Background(), inboundEntry("alice", "hello")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	history, err := env.store.RecentHistory("alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("history recorded while paused without SaveAllMessages: %v", history)
	}
}

func TestCleanText(t *testing.T) {
	cases := []struct {
		in     string
		remove bool
		want   string
	}{
		{"  hello   world  ", false, "hello world"},
		{"great job \U0001F600\U0001F680", true, "great job"},
		{"keep \U0001F600 it", false, "keep \U0001F600 it"},
		{"\U0001F600\U0001F601", true, ""},
		{"tabs\tand\nnewlines", false, "tabs and newlines"},
	}
	for _, tc := range cases {
		if got := CleanText(tc.in, tc.remove); got != tc.want {
			t.Errorf("CleanText(%q, %v) = %q, want %q", tc.in, tc.remove, got, tc.want)
		}
	}
}

func TestComposePrompt(t *testing.T) {
	registry := roles.NewRegistry(nil)
	persona := registry.Persona(roles.Advisor)

	docs := []retrieval.ScoredPassage{{Passage: retrieval.Passage{Text: "manual section 3"}}}
	userMem := []retrieval.ScoredPassage{{Passage: retrieval.Passage{Text: "prefers brief answers"}}}
	history := []storage.HistoryRecord{
		{Direction: storage.DirectionIn, Text: "earlier question"},
		{Direction: storage.DirectionOut, Text: "earlier answer"},
	}

	messages := composePrompt(persona, docs, userMem, history, "what should I pick?")
	if len(messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(messages))
	}
	if messages[0].Role != "system" {
		t.Errorf("first message role = %s", messages[0].Role)
	}
	sys := messages[0].Content
	if !strings.Contains(sys, persona.SystemPrompt) ||
		!strings.Contains(sys, "manual section 3") ||
		!strings.Contains(sys, "prefers brief answers") {
		t.Errorf("system prompt missing sections: %q", sys)
	}
	if messages[1].Role != "user" || messages[2].Role != "assistant" {
		t.Errorf("history roles wrong: %s, %s", messages[1].Role, messages[2].Role)
	}
	if messages[3].Role != "user" || messages[3].Content != "what should I pick?" {
		t.Errorf("final message = %+v", messages[3])
	}

	if estimateTokens(messages) <= 0 {
		t.Error("token estimate should be positive")
	}
}
