// Package reranking re-scores retrieved chunks against the question with the
// language model before they are placed in a chat prompt.
package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/siacta/internal/retrieval"
)

const (
	defaultConcurrency = 3
	defaultTimeout     = 5 * time.Second
)

// Completer is the language-model capability the reranker needs.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Reranker re-scores retrieval results by relevance to a question.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []retrieval.Result) ([]retrieval.Result, error)
}

// NewReranker returns an LLMReranker if enabled and llm is set, NoOpReranker
// otherwise.
//
// keep is the early-return threshold: once keep results have been scored the
// reranker stops waiting for the rest. 0 scores everything.
func NewReranker(llm Completer, enabled bool, timeout time.Duration, threshold float64, keep int) Reranker {
	if !enabled || llm == nil {
		return &NoOpReranker{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &LLMReranker{
		llm:       llm,
		timeout:   timeout,
		threshold: threshold,
		keep:      keep,
		logger:    slog.Default(),
	}
}

// LLMReranker asks the model for a 0..1 relevance score per result, at most
// defaultConcurrency at a time. Results below threshold are dropped and the
// rest are ordered by score, ties keeping retrieval order.
type LLMReranker struct {
	llm       Completer
	timeout   time.Duration
	threshold float64
	keep      int
	logger    *slog.Logger
}

type scored struct {
	rank int
	res  retrieval.Result
}

// Rerank scores results against query. A result whose score cannot be read
// keeps its similarity score. If the timeout fires before enough results are
// scored Rerank returns an error and callers should use the input order.
func (r *LLMReranker) Rerank(ctx context.Context, query string, results []retrieval.Result) ([]retrieval.Result, error) {
	if len(results) == 0 {
		return results, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	earlyReturnAt := r.keep
	if earlyReturnAt <= 0 || earlyReturnAt >= len(results) {
		earlyReturnAt = 0
	}

	// Buffered so workers never block on send after collection stops.
	out := make(chan scored, len(results))
	sem := make(chan struct{}, defaultConcurrency)

	var wg sync.WaitGroup
	for i, res := range results {
		wg.Add(1)
		go func(rank int, res retrieval.Result) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.score(ctx, query, res)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Debug("rerank: scoring failed, keeping similarity", "chunk_id", res.ID, "error", err)
			} else {
				res.Score = float32(score)
			}
			out <- scored{rank: rank, res: res}
		}(i, res)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	got := make([]scored, 0, len(results))
collect:
	for {
		select {
		case s, ok := <-out:
			if !ok {
				break collect
			}
			got = append(got, s)
			if earlyReturnAt > 0 && len(got) >= earlyReturnAt {
				cancel()
				break collect
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("rerank: %w", ctx.Err())
		}
	}

	kept := got[:0]
	for _, s := range got {
		if float64(s.res.Score) >= r.threshold {
			kept = append(kept, s)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].res.Score != kept[j].res.Score {
			return kept[i].res.Score > kept[j].res.Score
		}
		return kept[i].rank < kept[j].rank
	})

	final := make([]retrieval.Result, len(kept))
	for i, s := range kept {
		final[i] = s.res
	}
	return final, nil
}

const scoreSystemPrompt = `You rate how relevant a document excerpt is to a question.
Respond with only a JSON object: {"score": <number between 0.0 and 1.0>}`

func (r *LLMReranker) score(ctx context.Context, query string, res retrieval.Result) (float64, error) {
	user := "[Question]\n" + query + "\n\n[Excerpt]\n" + res.Text

	resp, err := r.llm.Complete(ctx, scoreSystemPrompt, user)
	if err != nil {
		return 0, err
	}
	return parseScore(resp)
}

// parseScore reads {"score": x} from a model answer. Small local models often
// wrap JSON in markdown fences or add filler around it, so the object is
// located by its outermost braces after stripping fences.
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("unmarshal score: %w", err)
	}
	if obj.Score == nil {
		return 0, fmt.Errorf("response has no score")
	}
	if *obj.Score < 0 || *obj.Score > 1 {
		return 0, fmt.Errorf("score %g out of range", *obj.Score)
	}
	return *obj.Score, nil
}

// NoOpReranker passes results through unchanged.
type NoOpReranker struct{}

func (n *NoOpReranker) Rerank(_ context.Context, _ string, results []retrieval.Result) ([]retrieval.Result, error) {
	return results, nil
}
