// Package chat answers questions about one document by retrieving its most
// relevant chunks and grounding a language-model answer in them.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/siacta/internal/composer"
	"github.com/kalambet/siacta/internal/retrieval"
	"github.com/kalambet/siacta/internal/storage"
)

// Answers persisted when a turn degrades. Each user message always gets
// exactly one AI message.
const (
	EmbeddingFailureAnswer = "Sorry, I could not process the question right now. Please try again."
	UnavailableAnswer      = "The assistant is currently unavailable. Please try again later."
)

const (
	defaultTopK    = 3
	persistTimeout = 5 * time.Second
	defaultHistory = 50

	// rerankPool is how many candidates per kept result are retrieved when
	// a Reranker is set.
	rerankPool = 3
)

// DocumentReader resolves documents.
type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (storage.Document, error)
}

// MessageStore is the append-only chat transcript.
type MessageStore interface {
	AppendMessage(ctx context.Context, documentID string, role storage.Role, content string) (storage.ChatMessage, error)
	ListMessages(ctx context.Context, documentID string, limit int) ([]storage.ChatMessage, error)
}

// Searcher finds the chunks of one document relevant to a query.
type Searcher interface {
	Retrieve(ctx context.Context, documentID, query string, topK int) ([]retrieval.Result, error)
}

// Reranker reorders and filters retrieved chunks by relevance to the
// question.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []retrieval.Result) ([]retrieval.Result, error)
}

// Completer is the language-model capability.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Source is a page cited by an answer.
type Source struct {
	Page int `json:"page"`
}

// Reply is the outcome of one chat turn.
type Reply struct {
	Answer   string
	Sources  []Source
	Question storage.ChatMessage
	Response storage.ChatMessage

	// Diagnostics.
	ChunksUsed  []string
	ContextFree bool
	Degraded    bool
	Duration    time.Duration
}

// Options tune an Orchestrator. Zero values select defaults.
type Options struct {
	TopK       int
	LLMTimeout time.Duration
	Reranker   Reranker // optional
	Logger     *slog.Logger
}

// Orchestrator runs chat turns. It is safe for concurrent use; turns on the
// same document may interleave their messages.
type Orchestrator struct {
	docs       DocumentReader
	messages   MessageStore
	searcher   Searcher
	llm        Completer
	composer   *composer.Composer
	reranker   Reranker
	topK       int
	llmTimeout time.Duration
	logger     *slog.Logger
}

func New(docs DocumentReader, messages MessageStore, searcher Searcher, llm Completer, comp *composer.Composer, opts Options) *Orchestrator {
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if comp == nil {
		comp = composer.New(0)
	}
	return &Orchestrator{
		docs:       docs,
		messages:   messages,
		searcher:   searcher,
		llm:        llm,
		composer:   comp,
		reranker:   opts.Reranker,
		topK:       opts.TopK,
		llmTimeout: opts.LLMTimeout,
		logger:     opts.Logger,
	}
}

// Chat runs one turn:
//  1. Resolve the document (storage.ErrNotFound if absent)
//  2. Persist the user message
//  3. Retrieve the top-K chunks of this document, reranked if configured
//  4. Build a grounded prompt, or a context-free one if the index is down
//  5. Ask the language model, degrading to UnavailableAnswer on failure
//  6. Persist and return the answer with its distinct cited pages
//
// A failed query embedding is fatal to the turn: the error answer is
// persisted and returned in Reply together with an error wrapping
// retrieval.ErrEmbedding.
func (o *Orchestrator) Chat(ctx context.Context, documentID, message string) (reply Reply, err error) {
	start := time.Now()
	defer func() { reply.Duration = time.Since(start) }()
	log := o.logger.With("document_id", documentID)

	if _, err := o.docs.GetDocument(ctx, documentID); err != nil {
		return Reply{}, fmt.Errorf("loading document %s: %w", documentID, err)
	}

	reply.Question, err = o.messages.AppendMessage(ctx, documentID, storage.RoleUser, message)
	if err != nil {
		return Reply{}, fmt.Errorf("saving question: %w", err)
	}
	reply.Sources = []Source{}

	results, err := o.retrieve(ctx, documentID, message)
	switch {
	case errors.Is(err, retrieval.ErrEmbedding):
		log.Warn("chat: query embedding failed", "error", err)
		reply.Degraded = true
		if perr := o.respond(ctx, &reply, EmbeddingFailureAnswer); perr != nil {
			return reply, errors.Join(fmt.Errorf("embedding question: %w", err), perr)
		}
		return reply, fmt.Errorf("embedding question: %w", err)
	case err != nil:
		log.Warn("chat: retrieval failed, answering without document context", "error", err)
		reply.ContextFree = true
		results = nil
	}

	var system, user string
	if reply.ContextFree {
		system, user = o.composer.ContextFreePrompt(message)
	} else {
		system, user = o.composer.ChatPrompt(message, results)
	}
	for _, r := range results {
		reply.ChunksUsed = append(reply.ChunksUsed, r.ID)
	}
	reply.Sources = Sources(results)

	answer, err := o.complete(ctx, system, user)
	if err != nil {
		log.Warn("chat: language model failed", "error", err)
		reply.Degraded = true
		answer = UnavailableAnswer
	}

	if err := o.respond(ctx, &reply, answer); err != nil {
		return reply, err
	}
	log.Debug("chat turn complete", "chunks_used", len(reply.ChunksUsed), "context_free", reply.ContextFree, "degraded", reply.Degraded)
	return reply, nil
}

// retrieve returns the top-K chunks for message. With a Reranker a larger
// candidate pool is fetched, reranked and cut to K; a reranking failure keeps
// the similarity order.
func (o *Orchestrator) retrieve(ctx context.Context, documentID, message string) ([]retrieval.Result, error) {
	if o.reranker == nil {
		return o.searcher.Retrieve(ctx, documentID, message, o.topK)
	}

	candidates, err := o.searcher.Retrieve(ctx, documentID, message, o.topK*rerankPool)
	if err != nil {
		return nil, err
	}
	reranked, err := o.reranker.Rerank(ctx, message, candidates)
	if err != nil {
		o.logger.Warn("chat: reranking failed, using similarity order", "document_id", documentID, "error", err)
		reranked = candidates
	}
	if len(reranked) > o.topK {
		reranked = reranked[:o.topK]
	}
	return reranked, nil
}

func (o *Orchestrator) complete(ctx context.Context, system, user string) (string, error) {
	if o.llmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.llmTimeout)
		defer cancel()
	}
	answer, err := o.llm.Complete(ctx, system, user)
	if err != nil {
		return "", err
	}
	if answer == "" {
		return "", errors.New("empty answer")
	}
	return answer, nil
}

// respond persists the AI message. It outlives cancellation of ctx so a
// question is never left without its answer.
func (o *Orchestrator) respond(ctx context.Context, reply *Reply, answer string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	msg, err := o.messages.AppendMessage(ctx, reply.Question.DocumentID, storage.RoleAI, answer)
	if err != nil {
		return fmt.Errorf("saving answer: %w", err)
	}
	reply.Answer = answer
	reply.Response = msg
	return nil
}

// History returns up to limit of the document's most recent messages, oldest
// first. limit <= 0 selects 50.
func (o *Orchestrator) History(ctx context.Context, documentID string, limit int) ([]storage.ChatMessage, error) {
	if _, err := o.docs.GetDocument(ctx, documentID); err != nil {
		return nil, fmt.Errorf("loading document %s: %w", documentID, err)
	}
	if limit <= 0 {
		limit = defaultHistory
	}
	msgs, err := o.messages.ListMessages(ctx, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}

// Sources returns the distinct known pages of results in first-seen order.
func Sources(results []retrieval.Result) []Source {
	out := []Source{}
	seen := make(map[int]bool, len(results))
	for _, r := range results {
		p := r.Metadata.PageNumber
		if p <= 0 || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, Source{Page: p})
	}
	return out
}
