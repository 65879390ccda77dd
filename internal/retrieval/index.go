package retrieval

import (
	"context"
	"errors"
)

// ErrIndex marks an unavailable vector index or a rejected write.
var ErrIndex = errors.New("vector index unavailable")

// Metadata travels with every indexed chunk. PageNumber is 0 when the
// source had no page boundaries.
type Metadata struct {
	DocumentID string
	PageNumber int
	ChunkIndex int
}

// Item is one chunk to upsert.
type Item struct {
	ID       string
	Vector   []float32
	Metadata Metadata
	Text     string
}

// Result is one nearest-neighbor hit. Score is cosine similarity.
type Result struct {
	ID       string
	Text     string
	Metadata Metadata
	Score    float32
}

// VectorIndex persists chunk vectors and answers nearest-neighbor queries
// scoped to one document. Implementations must apply the document filter
// inside the index, never after returning rows.
type VectorIndex interface {
	// Upsert writes items for documentID, overwriting any with the same ID.
	Upsert(ctx context.Context, documentID string, items []Item) error

	// Query returns up to limit results for documentID ordered by
	// descending similarity, ties broken by insertion order.
	Query(ctx context.Context, documentID string, vector []float32, limit int) ([]Result, error)

	// DeleteDocument removes every vector belonging to documentID.
	DeleteDocument(ctx context.Context, documentID string) error
}
