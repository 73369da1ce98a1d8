package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkoval/docq/internal/chat"
	"github.com/dkoval/docq/internal/ingest"
	"github.com/dkoval/docq/internal/storage"
)

const testToken = "test-token"

type stubAnswerer struct {
	answer string
	last   chat.Request
	calls  int
}

func (s *stubAnswerer) Answer(_ context.Context, req chat.Request) string {
	s.calls++
	s.last = req
	return s.answer
}

type stubVectors struct {
	deleted []string
}

func (s *stubVectors) DeleteDocument(_ context.Context, docID string) error {
	s.deleted = append(s.deleted, docID)
	return nil
}

type env struct {
	store    *storage.Store
	answerer *stubAnswerer
	vectors  *stubVectors
	handler  http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	e := &env{
		store:    store,
		answerer: &stubAnswerer{answer: "Here is a sufficiently long answer."},
		vectors:  &stubVectors{},
	}
	e.handler = NewAppHandler(AppDeps{
		Store:     store,
		Answerer:  e.answerer,
		Vectors:   e.vectors,
		Token:     testToken,
		UploadDir: t.TempDir(),
	})
	return e
}

func (e *env) do(t *testing.T, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *env) doJSON(t *testing.T, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return e.do(t, method, path, b, "application/json")
}

func (e *env) saveReadyDoc(t *testing.T, id string) {
	t.Helper()
	err := e.store.SaveDocument(storage.Document{
		ID: id, UserID: "user-1", Name: "report.pdf", Folder: "",
		Status: storage.DocStatusReady, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

// --- Auth ---

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
}

func TestAuthWrongToken(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", rec.Code)
	}
}

func TestHealthNoAuth(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for health without auth, got %d", rec.Code)
	}
}

// --- Chat ---

func TestChatNormalChat(t *testing.T) {
	e := newEnv(t)

	rec := e.doJSON(t, http.MethodPost, "/chat", ChatRequest{
		UserID: "user-1", Question: "hello there", NormalChat: true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Answer != e.answerer.answer {
		t.Errorf("unexpected answer %q", resp.Answer)
	}
	if !e.answerer.last.NormalChat {
		t.Error("normal_chat flag not forwarded")
	}
}

func TestChatRequiresQuestion(t *testing.T) {
	e := newEnv(t)
	rec := e.doJSON(t, http.MethodPost, "/chat", ChatRequest{UserID: "u", NormalChat: true})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestChatDocumentNotFound(t *testing.T) {
	e := newEnv(t)
	rec := e.doJSON(t, http.MethodPost, "/chat", ChatRequest{
		UserID: "u", DocID: "missing", Question: "what is this?",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown document, got %d", rec.Code)
	}
	if e.answerer.calls != 0 {
		t.Error("answerer must not be called for missing document")
	}
}

func TestChatContextOnlyRequiresReadyDocument(t *testing.T) {
	e := newEnv(t)
	err := e.store.SaveDocument(storage.Document{
		ID: "doc-1", UserID: "u", Name: "x", Status: storage.DocStatusProcessing, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := e.doJSON(t, http.MethodPost, "/chat", ChatRequest{
		UserID: "u", DocID: "doc-1", Question: "summarize", ContextOnly: true,
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for processing document, got %d", rec.Code)
	}
}

func TestChatContextOnlyReadyDocument(t *testing.T) {
	e := newEnv(t)
	e.saveReadyDoc(t, "doc-1")

	rec := e.doJSON(t, http.MethodPost, "/chat", ChatRequest{
		UserID: "u", DocID: "doc-1", Question: "summarize the report", ContextOnly: true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !e.answerer.last.ContextOnly {
		t.Error("context_only flag not forwarded")
	}
}

// --- Documents ---

func multipartUpload(t *testing.T, fields map[string]string, files map[string]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), mw.FormDataContentType()
}

func TestUploadDocument(t *testing.T) {
	e := newEnv(t)
	body, ct := multipartUpload(t,
		map[string]string{"user_id": "user-1", "name": "annual report"},
		map[string]string{"report.txt": "some extensive report content"},
	)

	rec := e.do(t, http.MethodPost, "/documents", body, ct)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "queued" || resp["id"] == "" {
		t.Errorf("unexpected response %v", resp)
	}

	doc, err := e.store.GetDocument(resp["id"])
	if err != nil {
		t.Fatalf("document not saved: %v", err)
	}
	if doc.Status != storage.DocStatusProcessing || doc.Name != "annual report" {
		t.Errorf("unexpected document %+v", doc)
	}

	job, err := e.store.ClaimNextJob([]string{ingest.JobTypeDocumentProcess})
	if err != nil || job == nil {
		t.Fatalf("expected queued processing job, got %+v err=%v", job, err)
	}
	if !strings.Contains(job.PayloadJSON, resp["id"]) {
		t.Errorf("job payload missing doc id: %s", job.PayloadJSON)
	}
}

func TestUploadDocumentRequiresUserAndFiles(t *testing.T) {
	e := newEnv(t)

	body, ct := multipartUpload(t, map[string]string{}, map[string]string{"a.txt": "x"})
	if rec := e.do(t, http.MethodPost, "/documents", body, ct); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without user_id, got %d", rec.Code)
	}

	body, ct = multipartUpload(t, map[string]string{"user_id": "u"}, map[string]string{})
	if rec := e.do(t, http.MethodPost, "/documents", body, ct); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without files, got %d", rec.Code)
	}
}

func TestListDocuments(t *testing.T) {
	e := newEnv(t)
	e.saveReadyDoc(t, "doc-1")

	rec := e.do(t, http.MethodGet, "/documents?user_id=user-1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var docs []DocumentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &docs); err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != "doc-1" {
		t.Errorf("unexpected documents %v", docs)
	}

	if rec := e.do(t, http.MethodGet, "/documents", nil, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without user_id, got %d", rec.Code)
	}
}

func TestGetDocument(t *testing.T) {
	e := newEnv(t)
	e.saveReadyDoc(t, "doc-1")

	rec := e.do(t, http.MethodGet, "/documents/doc-1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	if rec := e.do(t, http.MethodGet, "/documents/nope", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteDocument(t *testing.T) {
	e := newEnv(t)
	e.saveReadyDoc(t, "doc-1")

	rec := e.do(t, http.MethodDelete, "/documents/doc-1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(e.vectors.deleted) != 1 || e.vectors.deleted[0] != "doc-1" {
		t.Errorf("expected vector cleanup for doc-1, got %v", e.vectors.deleted)
	}
	if _, err := e.store.GetDocument("doc-1"); err == nil {
		t.Error("document must be deleted")
	}

	if rec := e.do(t, http.MethodDelete, "/documents/doc-1", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for second delete, got %d", rec.Code)
	}
}

func TestDocumentHistory(t *testing.T) {
	e := newEnv(t)
	e.saveReadyDoc(t, "doc-1")
	for i := 0; i < 2; i++ {
		err := e.store.AppendTurn(storage.Turn{
			ID: string(rune('a' + i)), DocID: "doc-1", UserID: "u",
			Question: "q", Answer: "a", CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	rec := e.do(t, http.MethodGet, "/documents/doc-1/history", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(entries))
	}
}
