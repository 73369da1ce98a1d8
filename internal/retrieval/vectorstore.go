package retrieval

import (
	"context"
	"time"
)

// Index is a per-document similarity search handle. Implementations must
// return results ordered best-first and tolerate empty indexes.
//
// Two call shapes are exposed on purpose: Search is the primary retrieval
// path and returns passage text only; SearchWithScores is the alternative
// query used as a fallback when the primary path errors, and additionally
// carries per-result scores.
type Index interface {
	// Search returns the text of the top-K most similar chunks.
	Search(ctx context.Context, vector []float32, topK int) ([]string, error)

	// SearchWithScores returns the top-K most similar chunks with their
	// cosine similarity scores.
	SearchWithScores(ctx context.Context, vector []float32, topK int) ([]ScoredChunk, error)
}

// Chunk is a stored fragment of a document with its embedding.
type Chunk struct {
	ID        string
	DocID     string
	Seq       int
	Text      string
	Embedding []float32
	CreatedAt time.Time
}

// ScoredChunk is a retrieved passage with its similarity score.
type ScoredChunk struct {
	Text  string
	Score float32
}
