// Package ingest turns uploaded document folders into searchable chunks:
// extract text, split, embed, and insert into the vector store.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dkoval/docq/internal/extract"
	"github.com/dkoval/docq/internal/retrieval"
	"github.com/dkoval/docq/internal/storage"
)

// JobTypeDocumentProcess is the queue type for document ingestion jobs.
const JobTypeDocumentProcess = "document_process"

// minDocumentWords rejects uploads that extracted to nearly nothing, which
// usually means an unsupported or corrupt file.
const minDocumentWords = 20

// JobStore abstracts the job queue and document bookkeeping operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetDocument(id string) (storage.Document, error)
	MarkDocumentReady(id string, wordCount, chunkCount int) error
	MarkDocumentFailed(id string) error
}

// ChunkEmbedder generates embeddings for a batch of text chunks.
type ChunkEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorInserter inserts chunk records into the vector store.
type VectorInserter interface {
	Insert(ctx context.Context, chunks []retrieval.Chunk) error
}

// ContentCache receives the extracted full text for fast later access.
// Writes are best-effort.
type ContentCache interface {
	StoreDocumentContent(ctx context.Context, docID, content string)
	StoreVectorMarker(ctx context.Context, docID string)
}

// Worker processes document_process jobs from the SQLite job queue.
type Worker struct {
	store         JobStore
	embedder      ChunkEmbedder
	vectors       VectorInserter
	cache         ContentCache
	extractFolder func(ctx context.Context, dir string) ([]extract.File, error)
	poll          time.Duration
	logger        *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder ChunkEmbedder, vectors VectorInserter, cache ContentCache, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:         store,
		embedder:      embedder,
		vectors:       vectors,
		cache:         cache,
		extractFolder: extract.Folder,
		poll:          pollInterval,
		logger:        slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single document_process job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeDocumentProcess})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type processPayload struct {
	DocID string `json:"doc_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload processPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetDocument(payload.DocID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", payload.DocID, err)
	}

	files, err := w.extractFolder(ctx, doc.Folder)
	if err != nil {
		w.markFailed(doc.ID)
		return fmt.Errorf("extracting folder %s: %w", doc.Folder, err)
	}

	var parts []string
	for _, f := range files {
		if f.Text != "" {
			parts = append(parts, f.Text)
		}
	}
	text := strings.Join(parts, "\n\n")

	words := extract.CountWords(text)
	if words < minDocumentWords {
		w.markFailed(doc.ID)
		return fmt.Errorf("document %s too short: %d words", doc.ID, words)
	}

	w.cache.StoreDocumentContent(ctx, doc.ID, text)

	texts := SplitText(text)
	if len(texts) == 0 {
		w.markFailed(doc.ID)
		return fmt.Errorf("document %s produced no chunks", doc.ID)
	}

	embeddings, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		w.markFailed(doc.ID)
		return fmt.Errorf("embedding chunks: %w", err)
	}

	now := time.Now().UTC()
	chunks := make([]retrieval.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = retrieval.Chunk{
			ID:        uuid.New().String(),
			DocID:     doc.ID,
			Seq:       i,
			Text:      t,
			Embedding: embeddings[i],
			CreatedAt: now,
		}
	}

	if err := w.vectors.Insert(ctx, chunks); err != nil {
		w.markFailed(doc.ID)
		return fmt.Errorf("inserting vectors: %w", err)
	}

	w.cache.StoreVectorMarker(ctx, doc.ID)

	if err := w.store.MarkDocumentReady(doc.ID, words, len(chunks)); err != nil {
		return fmt.Errorf("marking document ready: %w", err)
	}

	w.logger.Info("document processed", "doc_id", doc.ID, "words", words, "chunks", len(chunks))
	return nil
}

func (w *Worker) markFailed(docID string) {
	if err := w.store.MarkDocumentFailed(docID); err != nil {
		w.logger.Error("failed to mark document failed", "doc_id", docID, "error", err)
	}
}
