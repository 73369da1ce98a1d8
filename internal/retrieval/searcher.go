package retrieval

import (
	"context"
	"log/slog"
	"strings"
)

// Searcher retrieves candidate passages for a question from a document's
// vector index. The primary strategy is plain nearest-neighbor search; if it
// errors, the scored variant of the query is tried as a fallback. If both
// fail, retrieval yields an empty sequence: absent context is a legitimate
// input for the answering step, not a failure.
type Searcher struct {
	embedder *Embedder
	logger   *slog.Logger
}

// NewSearcher creates a Searcher over the given embedder.
func NewSearcher(embedder *Embedder) *Searcher {
	return &Searcher{embedder: embedder, logger: slog.Default()}
}

// Retrieve returns up to topK non-empty passages relevant to the question,
// ordered by relevance. It never returns an error; every failure path
// degrades to fewer (possibly zero) passages.
func (s *Searcher) Retrieve(ctx context.Context, question string, idx Index, topK int) []string {
	if topK <= 0 {
		return nil
	}

	vec, err := s.embedder.Embed(ctx, question)
	if err != nil {
		s.logger.Warn("retrieval: embedding question failed", "error", err)
		return nil
	}

	texts, err := idx.Search(ctx, vec, topK)
	if err == nil {
		return cleanPassages(texts, topK)
	}
	s.logger.Warn("retrieval: primary search failed, trying scored search", "error", err)

	scored, err := idx.SearchWithScores(ctx, vec, topK)
	if err != nil {
		s.logger.Warn("retrieval: fallback search failed, returning no context", "error", err)
		return nil
	}

	texts = make([]string, len(scored))
	for i, sc := range scored {
		texts[i] = sc.Text
	}
	return cleanPassages(texts, topK)
}

// RetrieveScored returns up to topK passages with their similarity scores.
// Like Retrieve, it degrades to an empty result instead of erroring.
func (s *Searcher) RetrieveScored(ctx context.Context, question string, idx Index, topK int) []ScoredChunk {
	if topK <= 0 {
		return nil
	}

	vec, err := s.embedder.Embed(ctx, question)
	if err != nil {
		s.logger.Warn("retrieval: embedding question failed", "error", err)
		return nil
	}

	scored, err := idx.SearchWithScores(ctx, vec, topK)
	if err != nil {
		s.logger.Warn("retrieval: scored search failed", "error", err)
		return nil
	}

	out := make([]ScoredChunk, 0, len(scored))
	for _, sc := range scored {
		sc.Text = strings.TrimSpace(sc.Text)
		if sc.Text == "" {
			continue
		}
		out = append(out, sc)
		if len(out) == topK {
			break
		}
	}
	return out
}

// cleanPassages trims passages, drops empty ones, and caps the result at topK.
func cleanPassages(texts []string, topK int) []string {
	var out []string
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out = append(out, t)
		if len(out) == topK {
			break
		}
	}
	return out
}
