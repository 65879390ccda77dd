package retrieval

import (
	"context"
	"fmt"
	"time"
)

// Retriever combines embedding and vector search to find the chunks of one
// document relevant to a question.
type Retriever struct {
	embedder     *Embedder
	index        VectorIndex
	queryTimeout time.Duration
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorIndex.
func NewRetriever(embedder *Embedder, index VectorIndex, queryTimeout time.Duration) *Retriever {
	return &Retriever{embedder: embedder, index: index, queryTimeout: queryTimeout}
}

// Retrieve embeds query and returns the topK most similar chunks of
// documentID. Embedding failures wrap ErrEmbedding and index failures wrap
// ErrIndex, so callers can degrade differently.
func (r *Retriever) Retrieve(ctx context.Context, documentID, query string, topK int) ([]Result, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	qctx := ctx
	if r.queryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()
	}
	results, err := r.index.Query(qctx, documentID, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("searching document %s: %w", documentID, err)
	}
	return results, nil
}
