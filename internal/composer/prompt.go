package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/siacta/internal/retrieval"
)

const defaultMaxContextTokens = 2000

// NoContextSentinel replaces the context block when retrieval found nothing,
// so the model is told explicitly that there is no supporting text.
const NoContextSentinel = "No relevant context was found in the document."

const groundedSystemPrompt = `You are a document assistant. Answer the user's question using ONLY the document context provided below the [Document Context] header.

Rules:
- If the context does not contain the answer, say explicitly that the document does not provide enough information to answer.
- Do not invent facts that are not in the context.
- When you rely on a passage tagged [Page N], mention that page.`

const contextFreeSystemPrompt = `You are a document assistant. The document could not be searched right now, so no document context is available for this question.

Rules:
- Say clearly at the start of your answer that it is not based on the document.
- Answer briefly from general knowledge only if you can do so reliably.`

const summarySystemPrompt = `You are a document summarization engine. Your output must be ONLY a single valid JSON object. Do not include any other text, prose, or markdown.

The object has exactly these keys:
- "short": one or two sentences describing what the document is about.
- "long": one to three paragraphs covering the main points and conclusions.
- "concepts": an array of at most 8 key concepts, each a short noun phrase.`

// Composer assembles the prompts sent to the language model: grounded chat
// prompts built from retrieved chunks, a context-free fallback, and the
// document summary prompt.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (2000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// BuildContext renders results in retrieval order, each tagged with its page
// or excerpt number and separated by blank lines. Entries that would exceed
// the token budget are skipped. With no results it returns
// NoContextSentinel.
func (c *Composer) BuildContext(results []retrieval.Result) string {
	if len(results) == 0 {
		return NoContextSentinel
	}

	remaining := c.MaxContextTokens
	var selected []string
	for i, r := range results {
		entry := formatChunk(i, r)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		selected = append(selected, entry)
		remaining -= tokens
	}

	if len(selected) == 0 {
		// Every chunk is over budget on its own: keep a prefix of the best one.
		entry := formatChunk(0, results[0])
		return Truncate(entry, c.MaxContextTokens*4)
	}
	return strings.Join(selected, "\n\n")
}

// ChatPrompt returns the system and user prompts for a grounded answer.
func (c *Composer) ChatPrompt(question string, results []retrieval.Result) (system, user string) {
	return groundedSystemPrompt, fmt.Sprintf("[Document Context]\n%s\n\n[Question]\n%s", c.BuildContext(results), question)
}

// ContextFreePrompt returns the prompts used when the index is unavailable.
func (c *Composer) ContextFreePrompt(question string) (system, user string) {
	return contextFreeSystemPrompt, fmt.Sprintf("[Question]\n%s", question)
}

// SummaryPrompt returns the prompts asking for a JSON summary of the first
// prefixChars characters of text.
func (c *Composer) SummaryPrompt(title, text string, prefixChars int) (system, user string) {
	var sb strings.Builder
	if title != "" {
		fmt.Fprintf(&sb, "[Title]\n%s\n\n", title)
	}
	sb.WriteString("[Document]\n")
	sb.WriteString(Truncate(text, prefixChars))
	return summarySystemPrompt, sb.String()
}

func formatChunk(i int, r retrieval.Result) string {
	text := strings.TrimSpace(r.Text)
	if r.Metadata.PageNumber > 0 {
		return fmt.Sprintf("[Page %d]\n%s", r.Metadata.PageNumber, text)
	}
	return fmt.Sprintf("[Excerpt %d]\n%s", i+1, text)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Truncate returns at most n characters of text, never splitting a rune.
// n <= 0 means no limit.
func Truncate(text string, n int) string {
	if n <= 0 {
		return text
	}
	count := 0
	for i := range text {
		if count == n {
			return text[:i]
		}
		count++
	}
	return text
}
