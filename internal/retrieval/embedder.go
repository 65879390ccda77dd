package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kalambet/siacta/internal/engine"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// ErrEmbedding marks a failed embedding call. During ingestion it is
	// recoverable per chunk; for a live query it is fatal to the turn.
	ErrEmbedding = errors.New("embedding failed")

	// ErrDimensionMismatch is wrapped by ErrEmbedding or ErrIndex when a
	// vector's length differs from the dimension already pinned.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

const defaultConcurrency = 4

// Embedder wraps an Engine to generate text embeddings of a single fixed
// dimension. The dimension is either configured or learned from the first
// successful call, and never changes afterwards.
type Embedder struct {
	engine      engine.Engine
	concurrency int
	timeout     time.Duration
	limiter     *rate.Limiter

	mu  sync.Mutex
	dim int
}

type EmbedderOption func(*Embedder)

// WithConcurrency bounds the number of in-flight calls in EmbedBatch.
func WithConcurrency(n int) EmbedderOption {
	return func(e *Embedder) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithRateLimit caps provider calls per second. Zero disables the limit.
func WithRateLimit(perSec float64) EmbedderOption {
	return func(e *Embedder) {
		if perSec > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(perSec), max(1, int(perSec)))
		}
	}
}

// WithDimensions pins the expected vector length up front.
func WithDimensions(d int) EmbedderOption {
	return func(e *Embedder) {
		if d > 0 {
			e.dim = d
		}
	}
}

// WithCallTimeout bounds each provider call.
func WithCallTimeout(d time.Duration) EmbedderOption {
	return func(e *Embedder) { e.timeout = d }
}

func NewEmbedder(e engine.Engine, opts ...EmbedderOption) *Embedder {
	em := &Embedder{engine: e, concurrency: defaultConcurrency}
	for _, opt := range opts {
		opt(em)
	}
	return em
}

// Dimensions returns the pinned dimension, or 0 if none is known yet.
func (e *Embedder) Dimensions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dim
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: waiting for rate limiter: %w", ErrEmbedding, err)
		}
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	vec, err := e.engine.Embed(callCtx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: provider returned an empty vector", ErrEmbedding)
	}
	if allZero(vec) {
		return nil, fmt.Errorf("%w: provider returned an all-zero vector", ErrEmbedding)
	}
	if err := e.checkDimension(len(vec)); err != nil {
		return nil, err
	}
	return vec, nil
}

// allZero reports a vector with no direction; cosine similarity against it
// is undefined.
func allZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func (e *Embedder) checkDimension(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dim == 0 {
		e.dim = n
		return nil
	}
	if n != e.dim {
		return fmt.Errorf("%w: %w: got %d, want %d", ErrEmbedding, ErrDimensionMismatch, n, e.dim)
	}
	return nil
}

// EmbedBatch embeds texts concurrently. The returned slice is parallel to
// texts; a nil entry means that text failed. The error joins every
// per-text failure and is nil only when all succeeded. Cancellation of ctx
// is returned as is.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, text := range texts {
		g.Go(func() error {
			if ctx.Err() != nil {
				errs[i] = ctx.Err()
				return nil
			}
			vec, err := e.Embed(ctx, text)
			if err != nil {
				errs[i] = fmt.Errorf("text %d: %w", i, err)
				return nil
			}
			results[i] = vec
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, errors.Join(errs...)
}
