package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// SQLiteStore provides vector storage and brute-force cosine similarity
// search backed by SQLite, scoped per document. Scan cost grows with document
// size, which is acceptable at the chunk counts a single upload produces.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The doc_vectors table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Insert adds chunks for a document.
func (s *SQLiteStore) Insert(ctx context.Context, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO doc_vectors (id, doc_id, seq, text_chunk, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		blob := encodeFloat32s(c.Embedding)
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(c.ID, c.DocID, c.Seq, c.Text, blob, createdAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// DeleteDocument removes every chunk belonging to a document.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, docID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM doc_vectors WHERE doc_id = ?", docID); err != nil {
		return fmt.Errorf("deleting vectors for %s: %w", docID, err)
	}
	return nil
}

// Count returns the number of chunks stored for a document.
func (s *SQLiteStore) Count(ctx context.Context, docID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM doc_vectors WHERE doc_id = ?", docID).Scan(&count)
	return count, err
}

// Index returns a similarity search handle scoped to the given document.
func (s *SQLiteStore) Index(docID string) Index {
	return &sqliteIndex{store: s, docID: docID}
}

type sqliteIndex struct {
	store *SQLiteStore
	docID string
}

func (i *sqliteIndex) Search(ctx context.Context, vector []float32, topK int) ([]string, error) {
	scored, err := i.store.search(ctx, i.docID, vector, topK)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(scored))
	for j, s := range scored {
		texts[j] = s.Text
	}
	return texts, nil
}

func (i *sqliteIndex) SearchWithScores(ctx context.Context, vector []float32, topK int) ([]ScoredChunk, error) {
	return i.store.search(ctx, i.docID, vector, topK)
}

// idScore holds only the ID and score during the scan phase of search.
// Chunk text is fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// search performs brute-force cosine similarity over a document's chunks,
// returning the top-K most similar ordered best-first.
func (s *SQLiteStore) search(ctx context.Context, docID string, vector []float32, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		return nil, nil
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM doc_vectors WHERE doc_id = ?`, docID)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch text only for the winners, then restore score order.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	queryArgs := make([]interface{}, len(topIDs))
	for i, id := range topIDs {
		queryArgs[i] = id
	}
	textQuery := `SELECT id, text_chunk FROM doc_vectors WHERE id IN (?` +
		strings.Repeat(",?", len(topIDs)-1) + `)`

	textRows, err := s.db.QueryContext(ctx, textQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer textRows.Close()

	texts := make(map[string]string, len(topIDs))
	for textRows.Next() {
		var id, text string
		if err := textRows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("scanning chunk text: %w", err)
		}
		texts[id] = text
	}
	if err := textRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunk texts: %w", err)
	}

	results := make([]ScoredChunk, 0, len(topIDs))
	for _, id := range topIDs {
		results = append(results, ScoredChunk{Text: texts[id], Score: scores[id]})
	}
	return results, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score, used during the
// scan phase to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
