// Package ingest drives a document from UPLOADED to COMPLETED or ERROR:
// extraction, chunking, embedding, indexing and summarization, under an
// exclusive lease on the document.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/siacta/internal/chunker"
	"github.com/kalambet/siacta/internal/extract"
	"github.com/kalambet/siacta/internal/retrieval"
	"github.com/kalambet/siacta/internal/storage"
)

// ErrAlreadyClaimed is returned when another run holds the document or its
// status does not allow the requested transition.
var ErrAlreadyClaimed = errors.New("document is already being ingested or not in a claimable state")

var errNoEmbeddings = errors.New("no chunk could be embedded")

const (
	defaultLease = 2 * time.Minute
	failTimeout  = 10 * time.Second
)

// DocumentStore abstracts the document record operations the pipeline needs.
// Every write after the claim is guarded by the claim token.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (storage.Document, error)
	ClaimDocument(ctx context.Context, id string, from []storage.Status, token string, leaseUntil time.Time) (storage.Status, error)
	RenewLease(ctx context.Context, id, token string, until time.Time) error
	UpdateMetadata(ctx context.Context, id, token string, pageCount *int, author string) error
	CompleteDocument(ctx context.Context, id, token string, sum storage.Summary) error
	FailDocument(ctx context.Context, id, token string) error
}

// TextExtractor turns a stored file into text.
type TextExtractor interface {
	Extract(ctx context.Context, path, mimeType string) (extract.Result, error)
}

// ChunkEmbedder embeds a batch of texts. A nil vector marks a failed text.
type ChunkEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Documents  DocumentStore
	Extractor  TextExtractor
	Chunker    *chunker.Chunker
	Embedder   ChunkEmbedder
	Index      retrieval.VectorIndex
	Summarizer *Summarizer
}

// Options tune a Pipeline. Zero values select defaults.
type Options struct {
	Lease          time.Duration
	ExtractTimeout time.Duration
	IndexTimeout   time.Duration
	Logger         *slog.Logger
}

// Pipeline runs ingestions as detached background tasks. Claims are taken
// synchronously so callers learn immediately whether a run started.
type Pipeline struct {
	deps           Deps
	lease          time.Duration
	extractTimeout time.Duration
	indexTimeout   time.Duration
	logger         *slog.Logger
	now            func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPipeline(deps Deps, opts Options) *Pipeline {
	if deps.Chunker == nil {
		deps.Chunker = chunker.Default()
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		deps:           deps,
		lease:          opts.Lease,
		extractTimeout: opts.ExtractTimeout,
		indexTimeout:   opts.IndexTimeout,
		logger:         opts.Logger,
		now:            func() time.Time { return time.Now().UTC() },
		baseCtx:        ctx,
		cancel:         cancel,
	}
}

// BeginIngestion claims an UPLOADED document and ingests it in the
// background.
func (p *Pipeline) BeginIngestion(ctx context.Context, id string) error {
	return p.start(ctx, id, storage.StatusUploaded)
}

// Retry claims a document in ERROR and ingests it again.
func (p *Pipeline) Retry(ctx context.Context, id string) error {
	return p.start(ctx, id, storage.StatusError)
}

// Reingest claims a COMPLETED document and rebuilds its vectors and summary.
func (p *Pipeline) Reingest(ctx context.Context, id string) error {
	return p.start(ctx, id, storage.StatusCompleted)
}

func (p *Pipeline) start(ctx context.Context, id string, from storage.Status) error {
	if p.baseCtx.Err() != nil {
		return fmt.Errorf("pipeline is shutting down")
	}
	doc, err := p.deps.Documents.GetDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", id, err)
	}

	token := uuid.NewString()
	prev, err := p.deps.Documents.ClaimDocument(ctx, id, []storage.Status{from}, token, p.now().Add(p.lease))
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("%w: %w", ErrAlreadyClaimed, err)
	}
	if err != nil {
		return fmt.Errorf("claiming document %s: %w", id, err)
	}
	p.logger.Info("ingestion started", "document_id", id, "from", prev)

	p.wg.Add(1)
	go p.run(doc, token)
	return nil
}

// Wait blocks until every started run has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Shutdown cancels in-flight runs, which move their documents to ERROR, and
// waits for them up to ctx's deadline.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) run(doc storage.Document, token string) {
	defer p.wg.Done()
	log := p.logger.With("document_id", doc.ID)
	started := time.Now()

	ctx, stop := p.heartbeat(p.baseCtx, doc.ID, token)
	err := p.process(ctx, doc, token)
	stop()

	if err == nil {
		log.Info("ingestion completed", "duration", time.Since(started))
		return
	}

	log.Warn("ingestion failed", "error", err, "duration", time.Since(started))
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
	defer cancel()
	if ferr := p.deps.Documents.FailDocument(failCtx, doc.ID, token); ferr != nil {
		if errors.Is(ferr, storage.ErrConflict) {
			p.purgeIfDeleted(failCtx, doc.ID, log)
			return
		}
		log.Error("failed to mark document as failed", "error", ferr)
	}
}

// purgeIfDeleted removes vectors a run wrote after its document was deleted
// underneath it. That happens when the lease expired mid-run and the now
// ERROR document was deleted before the run finished.
func (p *Pipeline) purgeIfDeleted(ctx context.Context, id string, log *slog.Logger) {
	if _, err := p.deps.Documents.GetDocument(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		log.Info("run no longer owns document, leaving status as is")
		return
	}
	if err := p.deps.Index.DeleteDocument(ctx, id); err != nil {
		log.Error("purging vectors of deleted document", "error", err)
		return
	}
	log.Info("document deleted during ingestion, purged its vectors")
}

func (p *Pipeline) process(ctx context.Context, doc storage.Document, token string) error {
	log := p.logger.With("document_id", doc.ID)

	res, err := p.extract(ctx, doc)
	if err != nil {
		return err
	}
	if err := p.deps.Documents.UpdateMetadata(ctx, doc.ID, token, res.PageCount, res.Author); err != nil {
		return fmt.Errorf("updating metadata: %w", err)
	}

	var chunks []chunker.Chunk
	if res.Extractable() {
		chunks = p.deps.Chunker.Split(doc.ID, toChunkerPages(res.Pages), res.FullText)
	}
	log.Debug("document chunked", "chunks", len(chunks), "pages", len(res.Pages))

	items, err := p.embed(ctx, chunks)
	if err != nil {
		return err
	}
	if err := p.index(ctx, doc.ID, items); err != nil {
		return err
	}

	sum := p.summarize(ctx, doc, res)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ingestion cancelled: %w", err)
	}
	if err := p.deps.Documents.CompleteDocument(ctx, doc.ID, token, sum); err != nil {
		return fmt.Errorf("completing document: %w", err)
	}
	return nil
}

func (p *Pipeline) extract(ctx context.Context, doc storage.Document) (extract.Result, error) {
	if p.extractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.extractTimeout)
		defer cancel()
	}
	res, err := p.deps.Extractor.Extract(ctx, doc.FilePath, doc.MimeType)
	if err != nil {
		return extract.Result{}, fmt.Errorf("extracting %s: %w", doc.Filename, err)
	}
	return res, nil
}

// embed returns index items for the chunks that embedded successfully.
// Failed chunks are dropped; if every chunk fails the run fails.
func (p *Pipeline) embed(ctx context.Context, chunks []chunker.Chunk) ([]retrieval.Item, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vecs, err := p.deps.Embedder.EmbedBatch(ctx, texts)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("embedding cancelled: %w", ctxErr)
	}

	items := make([]retrieval.Item, 0, len(chunks))
	for i, c := range chunks {
		if i >= len(vecs) || vecs[i] == nil {
			continue
		}
		items = append(items, retrieval.Item{
			ID:     c.ID,
			Vector: vecs[i],
			Text:   c.Text,
			Metadata: retrieval.Metadata{
				PageNumber: c.PageNumber,
				ChunkIndex: c.Ordinal,
			},
		})
	}
	if dropped := len(chunks) - len(items); dropped > 0 {
		p.logger.Warn("dropped chunks that failed to embed", "dropped", dropped, "total", len(chunks), "error", err)
	}
	if len(items) == 0 {
		if err == nil {
			err = errNoEmbeddings
		}
		return nil, fmt.Errorf("%w (%d chunks): %w", errNoEmbeddings, len(chunks), err)
	}
	return items, nil
}

// index replaces the document's vectors with items.
func (p *Pipeline) index(ctx context.Context, documentID string, items []retrieval.Item) error {
	if p.indexTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.indexTimeout)
		defer cancel()
	}
	if err := p.deps.Index.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("purging previous vectors: %w", err)
	}
	for i := range items {
		items[i].Metadata.DocumentID = documentID
	}
	if err := p.deps.Index.Upsert(ctx, documentID, items); err != nil {
		return fmt.Errorf("indexing %d chunks: %w", len(items), err)
	}
	return nil
}

func (p *Pipeline) summarize(ctx context.Context, doc storage.Document, res extract.Result) storage.Summary {
	if p.deps.Summarizer == nil || !res.Extractable() || res.FullText == "" {
		return storage.Summary{Short: SummaryUnavailable}
	}
	return p.deps.Summarizer.Summarize(ctx, doc.Title, res.FullText)
}

func toChunkerPages(pages []extract.Page) []chunker.Page {
	if len(pages) == 0 {
		return nil
	}
	out := make([]chunker.Page, len(pages))
	for i, pg := range pages {
		out[i] = chunker.Page{Number: pg.Number, Text: pg.Text}
	}
	return out
}
