package chat

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dkoval/docq/internal/storage"
)

// StoreHistory adapts the SQLite store to the HistorySink interface.
type StoreHistory struct {
	store *storage.Store
}

func NewStoreHistory(store *storage.Store) *StoreHistory {
	return &StoreHistory{store: store}
}

func (h *StoreHistory) Append(_ context.Context, docID, userID, question, answer string) error {
	return h.store.AppendTurn(storage.Turn{
		ID:        uuid.New().String(),
		DocID:     docID,
		UserID:    userID,
		Question:  question,
		Answer:    answer,
		CreatedAt: time.Now(),
	})
}

func (h *StoreHistory) Recent(_ context.Context, docID string, n int) ([]HistoryTurn, error) {
	turns, err := h.store.RecentTurns(docID, n)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryTurn, len(turns))
	for i, t := range turns {
		out[i] = HistoryTurn{Question: t.Question, Answer: t.Answer}
	}
	return out, nil
}
