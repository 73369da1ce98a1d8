package retrieval

import (
	"context"
	"errors"
	"testing"
)

type mockEmbedClient struct {
	vec []float32
	err error
}

func (m *mockEmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.vec, m.err
}

type mockIndex struct {
	searchTexts []string
	searchErr   error
	scored      []ScoredChunk
	scoredErr   error
	searchCalls int
	scoredCalls int
}

func (m *mockIndex) Search(ctx context.Context, vector []float32, topK int) ([]string, error) {
	m.searchCalls++
	return m.searchTexts, m.searchErr
}

func (m *mockIndex) SearchWithScores(ctx context.Context, vector []float32, topK int) ([]ScoredChunk, error) {
	m.scoredCalls++
	return m.scored, m.scoredErr
}

func newTestSearcher() *Searcher {
	return NewSearcher(NewEmbedder(&mockEmbedClient{vec: []float32{0.1, 0.2}}))
}

func TestRetrieve_Primary(t *testing.T) {
	idx := &mockIndex{searchTexts: []string{"  passage one ", "passage two"}}
	got := newTestSearcher().Retrieve(context.Background(), "q", idx, 4)

	if len(got) != 2 || got[0] != "passage one" {
		t.Errorf("unexpected passages: %v", got)
	}
	if idx.scoredCalls != 0 {
		t.Error("fallback invoked although primary succeeded")
	}
}

func TestRetrieve_DropsEmptyAndCaps(t *testing.T) {
	idx := &mockIndex{searchTexts: []string{"a", "   ", "b", "c"}}
	got := newTestSearcher().Retrieve(context.Background(), "q", idx, 2)

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected passages: %v", got)
	}
}

func TestRetrieve_FallbackOnPrimaryFailure(t *testing.T) {
	idx := &mockIndex{
		searchErr: errors.New("index unavailable"),
		scored:    []ScoredChunk{{Text: "rescued", Score: 0.9}},
	}
	got := newTestSearcher().Retrieve(context.Background(), "q", idx, 4)

	if len(got) != 1 || got[0] != "rescued" {
		t.Errorf("fallback passages: %v", got)
	}
	if idx.scoredCalls != 1 {
		t.Errorf("expected 1 fallback call, got %d", idx.scoredCalls)
	}
}

func TestRetrieve_EmptyOnDoubleFailure(t *testing.T) {
	idx := &mockIndex{
		searchErr: errors.New("primary failed"),
		scoredErr: errors.New("fallback failed"),
	}
	got := newTestSearcher().Retrieve(context.Background(), "q", idx, 4)

	if len(got) != 0 {
		t.Errorf("expected no passages, got %v", got)
	}
}

func TestRetrieve_EmptyOnEmbedFailure(t *testing.T) {
	s := NewSearcher(NewEmbedder(&mockEmbedClient{err: errors.New("embed down")}))
	idx := &mockIndex{searchTexts: []string{"never reached"}}

	if got := s.Retrieve(context.Background(), "q", idx, 4); len(got) != 0 {
		t.Errorf("expected no passages, got %v", got)
	}
	if idx.searchCalls != 0 {
		t.Error("search invoked despite embedding failure")
	}
}
