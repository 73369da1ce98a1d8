package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dkoval/docq/internal/ingest"
	"github.com/dkoval/docq/internal/storage"
)

const maxUploadSize = 32 << 20 // 32MB across all files

type DocumentResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	WordCount  int    `json:"word_count"`
	ChunkCount int    `json:"chunk_count"`
	CreatedAt  string `json:"created_at"`
}

func documentResponse(d storage.Document) DocumentResponse {
	return DocumentResponse{
		ID:         d.ID,
		Name:       d.Name,
		Status:     d.Status,
		WordCount:  d.WordCount,
		ChunkCount: d.ChunkCount,
		CreatedAt:  d.CreatedAt.Format(time.RFC3339),
	}
}

// handleUploadDocument accepts a multipart upload, stores the files into a
// per-document folder, and queues asynchronous processing. The response is
// immediate; the document becomes ready once the ingest worker finishes.
func handleUploadDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}

		userID := r.FormValue("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		files := r.MultipartForm.File["files"]
		if len(files) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one file is required")
			return
		}

		docID := uuid.New().String()
		folder := filepath.Join(deps.UploadDir, docID)
		if err := os.MkdirAll(folder, 0o755); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create upload folder: %v", err)
			return
		}

		for _, fh := range files {
			if err := saveUpload(fh, filepath.Join(folder, filepath.Base(fh.Filename))); err != nil {
				os.RemoveAll(folder)
				httpError(w, http.StatusInternalServerError, "api_error", "failed to store file %s: %v", fh.Filename, err)
				return
			}
		}

		name := r.FormValue("name")
		if name == "" {
			name = files[0].Filename
		}

		doc := storage.Document{
			ID:        docID,
			UserID:    userID,
			Name:      name,
			Folder:    folder,
			Status:    storage.DocStatusProcessing,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.SaveDocument(doc); err != nil {
			os.RemoveAll(folder)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save document: %v", err)
			return
		}

		payload, err := json.Marshal(map[string]string{"doc_id": docID})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create job payload: %v", err)
			return
		}
		job := storage.Job{
			ID:          uuid.New().String(),
			Type:        ingest.JobTypeDocumentProcess,
			PayloadJSON: string(payload),
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"id":     docID,
			"status": "queued",
		})
	}
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return err
	}
	return out.Close()
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		docs, err := deps.Store.ListDocuments(userID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		out := make([]DocumentResponse, len(docs))
		for i, d := range docs {
			out[i] = documentResponse(d)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleGetDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(documentResponse(doc))
	}
}

func handleDeleteDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		if deps.Vectors != nil {
			if err := deps.Vectors.DeleteDocument(r.Context(), id); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to delete vectors: %v", err)
				return
			}
		}

		if err := deps.Store.DeleteDocument(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}

		if doc.Folder != "" {
			os.RemoveAll(doc.Folder)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

type HistoryEntry struct {
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	CreatedAt string `json:"created_at"`
}

func handleDocumentHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		limit := parseIntParam(r, "limit", 20, 100)

		turns, err := deps.Store.RecentTurns(id, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load history: %v", err)
			return
		}

		out := make([]HistoryEntry, len(turns))
		for i, t := range turns {
			out[i] = HistoryEntry{
				Question:  t.Question,
				Answer:    t.Answer,
				CreatedAt: t.CreatedAt.Format(time.RFC3339),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
