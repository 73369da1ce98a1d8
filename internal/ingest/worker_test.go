package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dkoval/docq/internal/extract"
	"github.com/dkoval/docq/internal/retrieval"
	"github.com/dkoval/docq/internal/storage"
)

// --- Mocks ---

type mockJobStore struct {
	job       *storage.Job
	doc       storage.Document
	docErr    error
	completed []string
	failed    map[string]string
	ready     []string
	docFailed []string
}

func newMockJobStore() *mockJobStore {
	return &mockJobStore{failed: make(map[string]string)}
}

func (m *mockJobStore) ClaimNextJob(types []string) (*storage.Job, error) {
	j := m.job
	m.job = nil
	return j, nil
}

func (m *mockJobStore) CompleteJob(id string) error {
	m.completed = append(m.completed, id)
	return nil
}

func (m *mockJobStore) FailJob(id string, errMsg string) error {
	m.failed[id] = errMsg
	return nil
}

func (m *mockJobStore) GetDocument(id string) (storage.Document, error) {
	if m.docErr != nil {
		return storage.Document{}, m.docErr
	}
	return m.doc, nil
}

func (m *mockJobStore) MarkDocumentReady(id string, wordCount, chunkCount int) error {
	m.ready = append(m.ready, id)
	return nil
}

func (m *mockJobStore) MarkDocumentFailed(id string) error {
	m.docFailed = append(m.docFailed, id)
	return nil
}

type mockEmbedder struct {
	err   error
	calls int
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type mockInserter struct {
	chunks []retrieval.Chunk
	err    error
}

func (m *mockInserter) Insert(_ context.Context, chunks []retrieval.Chunk) error {
	if m.err != nil {
		return m.err
	}
	m.chunks = append(m.chunks, chunks...)
	return nil
}

type mockContentCache struct {
	content map[string]string
	markers []string
}

func newMockContentCache() *mockContentCache {
	return &mockContentCache{content: make(map[string]string)}
}

func (m *mockContentCache) StoreDocumentContent(_ context.Context, docID, content string) {
	m.content[docID] = content
}

func (m *mockContentCache) StoreVectorMarker(_ context.Context, docID string) {
	m.markers = append(m.markers, docID)
}

func testWorker(store *mockJobStore, emb *mockEmbedder, ins *mockInserter, cc *mockContentCache, text string) *Worker {
	w := NewWorker(store, emb, ins, cc, time.Millisecond)
	w.extractFolder = func(_ context.Context, dir string) ([]extract.File, error) {
		return []extract.File{{Name: "doc.txt", Text: text}}, nil
	}
	return w
}

func processJob() *storage.Job {
	return &storage.Job{ID: "job-1", Type: JobTypeDocumentProcess, PayloadJSON: `{"doc_id":"doc-1"}`}
}

// --- Tests ---

func TestRunOnceNoJobs(t *testing.T) {
	store := newMockJobStore()
	w := testWorker(store, &mockEmbedder{}, &mockInserter{}, newMockContentCache(), "")

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("expected done=false with empty queue")
	}
}

func TestRunOnceProcessesDocument(t *testing.T) {
	store := newMockJobStore()
	store.job = processJob()
	store.doc = storage.Document{ID: "doc-1", Folder: "/tmp/up", Status: storage.DocStatusProcessing}

	emb := &mockEmbedder{}
	ins := &mockInserter{}
	cc := newMockContentCache()
	text := strings.Repeat("informative words about the quarterly revenue figures ", 10)
	w := testWorker(store, emb, ins, cc, text)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("expected a job to be processed")
	}

	if len(store.completed) != 1 || store.completed[0] != "job-1" {
		t.Errorf("expected job-1 completed, got %v", store.completed)
	}
	if len(store.ready) != 1 || store.ready[0] != "doc-1" {
		t.Errorf("expected doc-1 marked ready, got %v", store.ready)
	}
	if len(ins.chunks) == 0 {
		t.Fatal("expected vectors inserted")
	}
	for i, c := range ins.chunks {
		if c.DocID != "doc-1" || c.Seq != i || c.ID == "" {
			t.Errorf("chunk %d malformed: %+v", i, c)
		}
	}
	if cc.content["doc-1"] == "" {
		t.Error("expected extracted content cached")
	}
	if len(cc.markers) != 1 {
		t.Error("expected vector marker stored")
	}
}

func TestRunOnceRejectsShortDocument(t *testing.T) {
	store := newMockJobStore()
	store.job = processJob()
	store.doc = storage.Document{ID: "doc-1", Folder: "/tmp/up"}

	w := testWorker(store, &mockEmbedder{}, &mockInserter{}, newMockContentCache(), "just a few words")

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("expected job attempt")
	}
	if _, ok := store.failed["job-1"]; !ok {
		t.Error("expected job marked failed")
	}
	if len(store.docFailed) != 1 || store.docFailed[0] != "doc-1" {
		t.Errorf("expected document marked failed, got %v", store.docFailed)
	}
}

func TestRunOnceEmbeddingFailure(t *testing.T) {
	store := newMockJobStore()
	store.job = processJob()
	store.doc = storage.Document{ID: "doc-1", Folder: "/tmp/up"}

	emb := &mockEmbedder{err: errors.New("quota exceeded")}
	text := strings.Repeat("plenty of words in this document body to pass the gate ", 5)
	w := testWorker(store, emb, &mockInserter{}, newMockContentCache(), text)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("expected job attempt")
	}
	if msg := store.failed["job-1"]; !strings.Contains(msg, "quota exceeded") {
		t.Errorf("expected failure reason recorded, got %q", msg)
	}
	if len(store.ready) != 0 {
		t.Error("document must not be marked ready after embedding failure")
	}
}

func TestRunOnceMissingDocument(t *testing.T) {
	store := newMockJobStore()
	store.job = processJob()
	store.docErr = storage.ErrNotFound

	w := testWorker(store, &mockEmbedder{}, &mockInserter{}, newMockContentCache(), "text")

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("expected job attempt")
	}
	if _, ok := store.failed["job-1"]; !ok {
		t.Error("expected job marked failed for missing document")
	}
	// A document we cannot load cannot be marked failed either.
	if len(store.docFailed) != 0 {
		t.Errorf("unexpected document status change: %v", store.docFailed)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newMockJobStore()
	w := testWorker(store, &mockEmbedder{}, &mockInserter{}, newMockContentCache(), "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	doneCh := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancelled context")
	}
}
