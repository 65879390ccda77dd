package retrieval

import (
	"context"
	"fmt"
	"sort"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
)

var _ VectorIndex = (*ChromaIndex)(nil)

// Metadata keys stored with every Chroma record.
const (
	metaDocumentID = "document_id"
	metaPageNumber = "page_number"
	metaChunkIndex = "chunk_index"
)

// chromaCollection is the subset of chroma.Collection the index uses.
type chromaCollection interface {
	Upsert(ctx context.Context, opts ...chroma.CollectionUpdateOption) error
	Query(ctx context.Context, opts ...chroma.CollectionQueryOption) (chroma.QueryResult, error)
	Delete(ctx context.Context, opts ...chroma.CollectionDeleteOption) error
}

// ChromaIndex stores vectors in a Chroma collection configured for cosine
// distance. Document scoping is a server-side where filter. Equal scores
// are ordered by chunk index, which stays fixed for an id across upserts.
type ChromaIndex struct {
	col chromaCollection
}

// ChromaConfig configures NewChromaIndex.
type ChromaConfig struct {
	BaseURL    string
	Collection string
}

// NewChromaIndex connects to Chroma and gets or creates the collection.
func NewChromaIndex(ctx context.Context, cfg ChromaConfig) (*ChromaIndex, error) {
	client, err := chroma.NewHTTPClient(chroma.WithBaseURL(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("%w: creating chroma client: %w", ErrIndex, err)
	}

	col, err := client.GetOrCreateCollection(ctx, cfg.Collection,
		chroma.WithCollectionMetadataCreate(
			chroma.NewMetadata(chroma.NewStringAttribute("hnsw:space", "cosine")),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: opening collection %s: %w", ErrIndex, cfg.Collection, err)
	}
	return newChromaIndex(col), nil
}

func newChromaIndex(col chromaCollection) *ChromaIndex {
	return &ChromaIndex{col: col}
}

func (c *ChromaIndex) Upsert(ctx context.Context, documentID string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	n := len(items[0].Vector)

	ids := make([]chroma.DocumentID, len(items))
	vecs := make([]embeddings.Embedding, len(items))
	texts := make([]string, len(items))
	metas := make([]chroma.DocumentMetadata, len(items))
	for i, it := range items {
		if len(it.Vector) != n || n == 0 {
			return fmt.Errorf("%w: %w: item %s has %d values, batch has %d", ErrIndex, ErrDimensionMismatch, it.ID, len(it.Vector), n)
		}
		ids[i] = chroma.DocumentID(it.ID)
		vecs[i] = embeddings.NewEmbeddingFromFloat32(it.Vector)
		texts[i] = it.Text
		metas[i] = chroma.NewDocumentMetadata(
			chroma.NewStringAttribute(metaDocumentID, documentID),
			chroma.NewIntAttribute(metaPageNumber, int64(it.Metadata.PageNumber)),
			chroma.NewIntAttribute(metaChunkIndex, int64(it.Metadata.ChunkIndex)),
		)
	}

	err := c.col.Upsert(ctx,
		chroma.WithIDs(ids...),
		chroma.WithEmbeddings(vecs...),
		chroma.WithTexts(texts...),
		chroma.WithMetadatas(metas...),
	)
	if err != nil {
		return fmt.Errorf("%w: upserting %d items for %s: %w", ErrIndex, len(items), documentID, err)
	}
	return nil
}

func (c *ChromaIndex) Query(ctx context.Context, documentID string, vector []float32, limit int) ([]Result, error) {
	if limit <= 0 {
		return nil, nil
	}
	qr, err := c.col.Query(ctx,
		chroma.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(vector)),
		chroma.WithNResults(limit),
		chroma.WithWhereQuery(chroma.EqString(metaDocumentID, documentID)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: querying %s: %w", ErrIndex, documentID, err)
	}

	idGroups := qr.GetIDGroups()
	if len(idGroups) == 0 {
		return nil, nil
	}
	ids := idGroups[0]
	docs := qr.GetDocumentsGroups()[0]
	metas := qr.GetMetadatasGroups()[0]
	dists := qr.GetDistancesGroups()[0]

	out := make([]Result, 0, len(ids))
	for i := range ids {
		r := Result{ID: string(ids[i])}
		if i < len(docs) && docs[i] != nil {
			r.Text = docs[i].ContentString()
		}
		if i < len(metas) && metas[i] != nil {
			r.Metadata.DocumentID, _ = metas[i].GetString(metaDocumentID)
			page, _ := metas[i].GetInt(metaPageNumber)
			idx, _ := metas[i].GetInt(metaChunkIndex)
			r.Metadata.PageNumber = int(page)
			r.Metadata.ChunkIndex = int(idx)
		}
		if i < len(dists) {
			r.Score = 1 - float32(dists[i])
		}
		// The where filter already scopes rows; this guards a misbehaving server.
		if r.Metadata.DocumentID != documentID {
			return nil, fmt.Errorf("%w: result %s belongs to another document", ErrIndex, r.ID)
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Metadata.ChunkIndex < out[j].Metadata.ChunkIndex
	})
	return out, nil
}

func (c *ChromaIndex) DeleteDocument(ctx context.Context, documentID string) error {
	err := c.col.Delete(ctx, chroma.WithWhereDelete(chroma.EqString(metaDocumentID, documentID)))
	if err != nil {
		return fmt.Errorf("%w: deleting vectors for %s: %w", ErrIndex, documentID, err)
	}
	return nil
}
