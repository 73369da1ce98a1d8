package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// KV is the backing key-value store. Namespaces are realized as key prefixes;
// the store must expire entries on its own and treat expired reads as absent.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Namespace TTLs. These are fixed; config owns the remaining tunables.
const (
	DocumentContentTTL = 7200 * time.Second
	ResponseTTL        = 3600 * time.Second
	VectorMarkerTTL    = 3600 * time.Second
)

const (
	nsDocumentContent = "document_content"
	nsResponse        = "response"
	nsVectorMarker    = "vector_store"
)

// Cache is a read-through cache layered over a shared key-value store, with
// three independent namespaces: extracted document text, final answers, and
// vector-store existence markers.
//
// The cache is strictly an optimization: every Get failure is a miss and
// every Set failure is logged and swallowed, so backing-store unavailability
// degrades performance, never correctness.
type Cache struct {
	kv     KV
	logger *slog.Logger
}

// New creates a Cache over the given key-value store.
func New(kv KV) *Cache {
	return &Cache{kv: kv, logger: slog.Default()}
}

// Response returns the cached answer for a (document, mode, question) triple.
func (c *Cache) Response(ctx context.Context, docID, question string, contextOnly bool) (string, bool) {
	return c.get(ctx, responseKey(docID, question, contextOnly))
}

// StoreResponse caches an answer. Best-effort.
func (c *Cache) StoreResponse(ctx context.Context, docID, question, answer string, contextOnly bool) {
	c.set(ctx, responseKey(docID, question, contextOnly), answer, ResponseTTL)
}

// DocumentContent returns the cached full extracted text for a document.
func (c *Cache) DocumentContent(ctx context.Context, docID string) (string, bool) {
	return c.get(ctx, nsDocumentContent+":"+docID)
}

// StoreDocumentContent caches a document's full extracted text. Best-effort.
func (c *Cache) StoreDocumentContent(ctx context.Context, docID, content string) {
	c.set(ctx, nsDocumentContent+":"+docID, content, DocumentContentTTL)
}

// HasVectorMarker reports whether a vector-index existence marker is cached
// for the document.
func (c *Cache) HasVectorMarker(ctx context.Context, docID string) bool {
	_, ok := c.get(ctx, nsVectorMarker+":"+docID)
	return ok
}

// StoreVectorMarker caches a vector-index existence marker. Best-effort.
func (c *Cache) StoreVectorMarker(ctx context.Context, docID string) {
	c.set(ctx, nsVectorMarker+":"+docID, "exists", VectorMarkerTTL)
}

func (c *Cache) get(ctx context.Context, key string) (string, bool) {
	v, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		// Backing-store unavailability is a miss, never an error.
		c.logger.Warn("cache get failed, treating as miss", "key", key, "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	return string(v), true
}

func (c *Cache) set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.kv.SetEx(ctx, key, []byte(value), ttl); err != nil {
		c.logger.Warn("cache set failed, ignoring", "key", key, "error", err)
	}
}

// responseKey derives a deterministic key for the response namespace from the
// document ID, retrieval-mode flag, and normalized question. A content hash
// keeps keys stable across process restarts; normalization is lowercase+trim
// so trivially rephrased questions address the same entry.
func responseKey(docID, question string, contextOnly bool) string {
	normalized := strings.ToLower(strings.TrimSpace(question))
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%t:%s", docID, contextOnly, normalized))
	return fmt.Sprintf("%s:%s:%t:%s", nsResponse, docID, contextOnly, hex.EncodeToString(sum[:8]))
}
