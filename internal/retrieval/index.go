package retrieval

import (
	"context"
	"time"
)

// Index is the interface for namespace-scoped vector storage and
// similarity search. The default implementation uses SQLite with
// brute-force cosine similarity; an ANN-backed store can replace it
// behind the same interface when the corpus outgrows a linear scan.
type Index interface {
	// Upsert inserts or replaces passages in the given namespace.
	Upsert(ctx context.Context, namespace string, passages []Passage) error

	// Query returns the top-K passages in the namespace most similar
	// to the query vector.
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]ScoredPassage, error)

	// Count returns the number of passages in the namespace.
	Count(namespace string) (int, error)

	// DeleteNamespace removes every passage in the namespace.
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Passage is one stored chunk of text with its embedding.
type Passage struct {
	ID        string
	Namespace string
	Text      string
	Embedding []float32
	Metadata  string // JSON object stored as text
	CreatedAt time.Time
}

// ScoredPassage is a Passage with a cosine similarity score attached.
type ScoredPassage struct {
	Passage
	Score float32
}
