// Package api exposes the HTTP surface: question answering, document
// management, and history, plus the MCP tool server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dkoval/docq/internal/chat"
	"github.com/dkoval/docq/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// QuestionAnswerer answers one question. Implemented by chat.Answerer.
type QuestionAnswerer interface {
	Answer(ctx context.Context, req chat.Request) string
}

// VectorDeleter removes a document's vectors. Implemented by retrieval.SQLiteStore.
type VectorDeleter interface {
	DeleteDocument(ctx context.Context, docID string) error
}

// AppDeps holds dependencies for the HTTP API.
type AppDeps struct {
	Store     *storage.Store
	Answerer  QuestionAnswerer
	Vectors   VectorDeleter // optional; if nil, vector cleanup is skipped on delete
	Token     string
	UploadDir string
}

// NewAppHandler builds the authenticated application router.
// The health endpoint stays outside the auth wall for probes.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(slog.Default()))

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/chat", handleChat(deps))
		r.Post("/documents", handleUploadDocument(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Get("/documents/{id}/history", handleDocumentHistory(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type ChatRequest struct {
	UserID      string `json:"user_id"`
	DocID       string `json:"doc_id"`
	Question    string `json:"question"`
	NormalChat  bool   `json:"normal_chat"`
	ContextOnly bool   `json:"context_only"`
}

type ChatResponse struct {
	Answer string `json:"answer"`
}

func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}
		if !req.NormalChat {
			if req.DocID == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "doc_id is required for document chat")
				return
			}
			doc, err := deps.Store.GetDocument(req.DocID)
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "document not found")
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to load document: %v", err)
				return
			}
			if doc.Status != storage.DocStatusReady && req.ContextOnly {
				httpError(w, http.StatusConflict, "document_not_ready", "document is still %s", doc.Status)
				return
			}
		}

		answer := deps.Answerer.Answer(r.Context(), chat.Request{
			UserID:      req.UserID,
			DocID:       req.DocID,
			Question:    req.Question,
			NormalChat:  req.NormalChat,
			ContextOnly: req.ContextOnly,
		})

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{Answer: answer})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
