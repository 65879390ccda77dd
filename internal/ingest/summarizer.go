package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/siacta/internal/composer"
	"github.com/kalambet/siacta/internal/storage"
)

// SummaryUnavailable is stored when the language model could not summarize.
const SummaryUnavailable = "Summary unavailable."

const (
	defaultPrefixChars = 8000
	maxConcepts        = 8
)

// Completer is the language-model capability the summarizer needs.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Summarizer asks the language model for short and long summaries plus key
// concepts of a document's leading text. It never fails: on any error the
// result carries SummaryUnavailable, since indexing already succeeded.
type Summarizer struct {
	llm         Completer
	composer    *composer.Composer
	prefixChars int
	timeout     time.Duration
	logger      *slog.Logger
}

// NewSummarizer creates a Summarizer. prefixChars <= 0 selects 8000.
func NewSummarizer(llm Completer, comp *composer.Composer, prefixChars int, timeout time.Duration) *Summarizer {
	if prefixChars <= 0 {
		prefixChars = defaultPrefixChars
	}
	if comp == nil {
		comp = composer.New(0)
	}
	return &Summarizer{llm: llm, composer: comp, prefixChars: prefixChars, timeout: timeout, logger: slog.Default()}
}

type summaryJSON struct {
	Short    string   `json:"short"`
	Long     string   `json:"long"`
	Concepts []string `json:"concepts"`
}

// Summarize returns the summary of text. Malformed JSON answers are kept as
// the short summary so a usable answer is not thrown away.
func (s *Summarizer) Summarize(ctx context.Context, title, text string) storage.Summary {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	system, user := s.composer.SummaryPrompt(title, text, s.prefixChars)
	raw, err := s.llm.Complete(ctx, system, user)
	if err != nil {
		s.logger.Warn("summary generation failed", "error", err)
		return storage.Summary{Short: SummaryUnavailable}
	}

	raw = strings.TrimSpace(raw)
	var parsed summaryJSON
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &parsed); err != nil || strings.TrimSpace(parsed.Short) == "" {
		s.logger.Warn("summary was not valid JSON, storing raw answer", "error", err)
		return storage.Summary{Short: raw}
	}

	return storage.Summary{
		Short:    strings.TrimSpace(parsed.Short),
		Long:     strings.TrimSpace(parsed.Long),
		Concepts: cleanConcepts(parsed.Concepts),
	}
}

// stripCodeFence removes a surrounding ```json ... ``` block if present.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// cleanConcepts trims, dedupes case-insensitively and caps the list.
func cleanConcepts(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, min(len(in), maxConcepts))
	for _, c := range in {
		c = strings.TrimSpace(c)
		key := strings.ToLower(c)
		if c == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
		if len(out) == maxConcepts {
			break
		}
	}
	return out
}
