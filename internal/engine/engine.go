package engine

import (
	"context"
	"errors"
)

// ErrProvider marks a failure of a remote model provider: transport errors,
// non-success statuses, or empty output.
var ErrProvider = errors.New("provider unavailable")

// Engine is the capability interface the ingestion pipeline and the chat
// orchestrator depend on. Implementations are chosen at startup by
// configuration (see Detect).
type Engine interface {
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Complete answers userPrompt under the constraints in systemPrompt.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Prober is implemented by engines that can report whether their backend is
// reachable.
type Prober interface {
	IsRunning(ctx context.Context) bool
}
