package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var _ VectorIndex = (*SQLiteIndex)(nil)

const dimensionsKey = "dimensions"

// SQLiteIndex stores vectors in the chunk_vectors table and answers queries
// with a brute-force cosine scan over the rows of one document. The
// document filter is part of the SQL, so other documents' rows are never
// read.
type SQLiteIndex struct {
	db  *sql.DB
	now func() time.Time

	mu  sync.Mutex
	dim int
}

// NewSQLiteIndex wraps an existing *sql.DB. The chunk_vectors and
// vector_meta tables must already exist (created via migrations).
func NewSQLiteIndex(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Dimensions returns the pinned vector length, loading it from vector_meta
// on first use. Zero means nothing has been written yet.
func (s *SQLiteIndex) Dimensions(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadDimLocked(ctx)
}

func (s *SQLiteIndex) loadDimLocked(ctx context.Context) (int, error) {
	if s.dim != 0 {
		return s.dim, nil
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM vector_meta WHERE key = ?`, dimensionsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: reading dimensions: %w", ErrIndex, err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt dimensions value %q", ErrIndex, raw)
	}
	s.dim = n
	return n, nil
}

// Upsert writes items in one transaction. Re-upserting an ID overwrites its
// row in place and keeps its original insertion position.
func (s *SQLiteIndex) Upsert(ctx context.Context, documentID string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	n := len(items[0].Vector)
	for _, it := range items {
		if len(it.Vector) != n || n == 0 {
			return fmt.Errorf("%w: %w: item %s has %d values, batch has %d", ErrIndex, ErrDimensionMismatch, it.ID, len(it.Vector), n)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim, err := s.loadDimLocked(ctx)
	if err != nil {
		return err
	}
	if dim != 0 && dim != n {
		return fmt.Errorf("%w: %w: index holds %d-dimensional vectors, got %d", ErrIndex, ErrDimensionMismatch, dim, n)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning upsert transaction: %w", ErrIndex, err)
	}
	defer tx.Rollback()

	if dim == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vector_meta (key, value) VALUES (?, ?)`, dimensionsKey, strconv.Itoa(n)); err != nil {
			return fmt.Errorf("%w: pinning dimensions: %w", ErrIndex, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_vectors (id, document_id, page_number, chunk_index, text_chunk, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document_id = excluded.document_id,
			page_number = excluded.page_number,
			chunk_index = excluded.chunk_index,
			text_chunk  = excluded.text_chunk,
			embedding   = excluded.embedding`)
	if err != nil {
		return fmt.Errorf("%w: preparing upsert: %w", ErrIndex, err)
	}
	defer stmt.Close()

	createdAt := s.now().Format(time.RFC3339Nano)
	for _, it := range items {
		var page any
		if it.Metadata.PageNumber > 0 {
			page = it.Metadata.PageNumber
		}
		if _, err := stmt.ExecContext(ctx, it.ID, documentID, page, it.Metadata.ChunkIndex,
			it.Text, encodeFloat32s(it.Vector), createdAt); err != nil {
			return fmt.Errorf("%w: upserting %s: %w", ErrIndex, it.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing upsert: %w", ErrIndex, err)
	}
	s.dim = n
	return nil
}

// candidate holds only the row position and score during the scan phase of
// Query. Full rows are fetched only for the winners.
type candidate struct {
	seq   int64
	score float32
}

// Query scans the document's vectors and returns the top limit matches.
func (s *SQLiteIndex) Query(ctx context.Context, documentID string, vector []float32, limit int) ([]Result, error) {
	if limit <= 0 {
		return nil, nil
	}
	dim, err := s.Dimensions(ctx)
	if err != nil {
		return nil, err
	}
	if dim == 0 {
		return nil, nil
	}
	if len(vector) != dim {
		return nil, fmt.Errorf("%w: %w: query has %d values, index holds %d", ErrIndex, ErrDimensionMismatch, len(vector), dim)
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan seq + embedding for this document only.
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, embedding FROM chunk_vectors WHERE document_id = ? ORDER BY seq`, documentID)
	if err != nil {
		return nil, fmt.Errorf("%w: querying vectors: %w", ErrIndex, err)
	}
	defer rows.Close()

	h := &candidateHeap{}
	var buf []float32
	for rows.Next() {
		var seq int64
		var blob []byte
		if err := rows.Scan(&seq, &blob); err != nil {
			return nil, fmt.Errorf("%w: scanning row: %w", ErrIndex, err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding embedding %d: %w", ErrIndex, seq, err)
		}

		c := candidate{seq: seq, score: dotProduct(vector, buf, queryNorm)}
		if h.Len() < limit {
			heap.Push(h, c)
		} else if worse((*h)[0], c) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating rows: %w", ErrIndex, err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full rows for the winners.
	scores := make(map[int64]float32, h.Len())
	args := make([]any, 0, h.Len()+1)
	args = append(args, documentID)
	for _, c := range *h {
		scores[c.seq] = c.score
		args = append(args, c.seq)
	}
	full, err := s.db.QueryContext(ctx, `
		SELECT seq, id, page_number, chunk_index, text_chunk
		FROM chunk_vectors WHERE document_id = ? AND seq IN (?`+strings.Repeat(",?", h.Len()-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching top-%d rows: %w", ErrIndex, limit, err)
	}
	defer full.Close()

	type ranked struct {
		Result
		seq int64
	}
	var out []ranked
	for full.Next() {
		var r ranked
		var page sql.NullInt64
		if err := full.Scan(&r.seq, &r.ID, &page, &r.Metadata.ChunkIndex, &r.Text); err != nil {
			return nil, fmt.Errorf("%w: scanning result: %w", ErrIndex, err)
		}
		r.Metadata.DocumentID = documentID
		r.Metadata.PageNumber = int(page.Int64)
		r.Score = scores[r.seq]
		out = append(out, r)
	}
	if err := full.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating results: %w", ErrIndex, err)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].seq < out[j].seq
	})
	results := make([]Result, len(out))
	for i, r := range out {
		results[i] = r.Result
	}
	return results, nil
}

// DeleteDocument removes all vectors for documentID. Deleting a document
// with no vectors is not an error.
func (s *SQLiteIndex) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("%w: deleting vectors for %s: %w", ErrIndex, documentID, err)
	}
	return nil
}

// ChunkIDs returns the IDs stored for documentID in insertion order.
func (s *SQLiteIndex) ChunkIDs(ctx context.Context, documentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chunk_vectors WHERE document_id = ? ORDER BY seq`, documentID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing chunk ids: %w", ErrIndex, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scanning chunk id: %w", ErrIndex, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, reusing it to
// avoid per-row allocations during scans. A length that is not a multiple
// of 4 indicates corruption.
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

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
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

// worse reports whether a ranks below b: lower score, or equal score and
// inserted later.
func worse(a, b candidate) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.seq > b.seq
}

// candidateHeap keeps the worst candidate at the root.
type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
