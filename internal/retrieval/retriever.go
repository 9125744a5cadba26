package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Retriever is the text-level API over an Index and an Embedder.
// Callers hand it raw text; it embeds, chunks, and searches.
type Retriever struct {
	index       Index
	embedder    *Embedder
	chunkLength int
	overlap     int
}

// NewRetriever creates a Retriever. chunkLength and overlap control
// how long texts are split on Upsert; chunkLength <= 0 disables
// splitting.
func NewRetriever(index Index, embedder *Embedder, chunkLength, overlap int) *Retriever {
	return &Retriever{
		index:       index,
		embedder:    embedder,
		chunkLength: chunkLength,
		overlap:     overlap,
	}
}

// Query embeds the text and returns the top-K most similar passages
// in the namespace.
func (r *Retriever) Query(ctx context.Context, namespace, text string, topK int) ([]ScoredPassage, error) {
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return r.index.Query(ctx, namespace, vec, topK)
}

// Upsert chunks the text, embeds each chunk, and stores the passages
// in the namespace. Metadata is attached to every chunk.
func (r *Retriever) Upsert(ctx context.Context, namespace, text, metadata string) error {
	chunks := []string{text}
	if r.chunkLength > 0 {
		chunks = ChunkText(text, r.chunkLength, r.overlap)
	}
	if len(chunks) == 0 {
		return nil
	}

	vectors, err := r.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}

	now := time.Now().UTC()
	passages := make([]Passage, len(chunks))
	for i, chunk := range chunks {
		passages[i] = Passage{
			ID:        passageID(namespace, chunk),
			Namespace: namespace,
			Text:      chunk,
			Embedding: vectors[i],
			Metadata:  metadata,
			CreatedAt: now,
		}
	}
	return r.index.Upsert(ctx, namespace, passages)
}

// passageID is content-derived: re-indexing the same chunk replaces
// its row instead of inserting a duplicate.
func passageID(namespace, chunk string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(namespace+"\x00"+chunk)).String()
}
