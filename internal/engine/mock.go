package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

var _ Engine = (*MockEngine)(nil)

const defaultMockDimensions = 256

// MockEngine is an offline engine for development and tests. Embeddings are
// normalized hashed bags of words, so texts sharing words score higher under
// cosine similarity. Completions echo the question and the size of the
// supplied context.
type MockEngine struct {
	dimensions int
}

func NewMockEngine(dimensions int) *MockEngine {
	if dimensions <= 0 {
		dimensions = defaultMockDimensions
	}
	return &MockEngine{dimensions: dimensions}
}

func (m *MockEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	vec := make([]float32, m.dimensions)
	for _, word := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%uint32(m.dimensions)]++
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		vec[0] = 1
		return vec, nil
	}
	n := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= n
	}
	return vec, nil
}

func (m *MockEngine) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrProvider, err)
	}
	return fmt.Sprintf("[mock] %d characters of instructions, %d words of input.",
		len(systemPrompt), len(tokenize(userPrompt))), nil
}

func (m *MockEngine) IsRunning(context.Context) bool { return true }

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
