package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/siacta/internal/ollama"
)

// Compile-time checks.
var (
	_ Engine      = (*OllamaEngine)(nil)
	_ ModelPuller = (*OllamaEngine)(nil)
)

// answerTemperature keeps grounded answers close to the supplied context.
var answerTemperature = 0.2

// OllamaEngine serves both capabilities from an Ollama server.
type OllamaEngine struct {
	client     *ollama.Client
	chatModel  string
	embedModel string
}

func NewOllamaEngine(baseURL, chatModel, embedModel string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL), chatModel: chatModel, embedModel: embedModel}
}

func (e *OllamaEngine) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	msgs := make([]ollama.Message, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: systemPrompt})
	}
	msgs = append(msgs, ollama.Message{Role: "user", Content: userPrompt})

	out, err := e.client.Chat(ctx, e.chatModel, msgs, &ollama.Options{Temperature: &answerTemperature})
	if err != nil {
		return "", fmt.Errorf("%w: ollama chat: %w", ErrProvider, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("%w: ollama returned an empty answer", ErrProvider)
	}
	return out, nil
}

func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, e.embedModel, text)
	if err != nil {
		return nil, fmt.Errorf("%w: ollama embed: %w", ErrProvider, err)
	}
	return vec, nil
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(ollama.PullProgress)) error {
	return e.client.PullModel(ctx, name, onProgress)
}

// Models returns the configured chat and embedding model names.
func (e *OllamaEngine) Models() (chat, embed string) {
	return e.chatModel, e.embedModel
}
