package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	maxRetries           = 3
	initialBackoff       = 500 * time.Millisecond
)

var _ Engine = (*OpenAIEngine)(nil)

// OpenAIEngine talks to any OpenAI-compatible API (OpenAI, OpenRouter,
// vLLM, LM Studio) through /chat/completions and /embeddings.
type OpenAIEngine struct {
	apiKey     string
	baseURL    string
	chatModel  string
	embedModel string
	dimensions int
	httpClient *http.Client
}

// OpenAIConfig configures an OpenAIEngine. Dimensions is forwarded to the
// embeddings endpoint when non-zero.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	ChatModel  string
	EmbedModel string
	Dimensions int
}

func NewOpenAIEngine(cfg OpenAIConfig) *OpenAIEngine {
	base := cfg.BaseURL
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	return &OpenAIEngine{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(base, "/"),
		chatModel:  cfg.ChatModel,
		embedModel: cfg.EmbedModel,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{},
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

func (e *OpenAIEngine) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := completionRequest{Model: e.chatModel, Temperature: answerTemperature}
	if systemPrompt != "" {
		req.Messages = append(req.Messages, openAIMessage{Role: "system", Content: systemPrompt})
	}
	req.Messages = append(req.Messages, openAIMessage{Role: "user", Content: userPrompt})

	var resp completionResponse
	if err := e.postWithRetry(ctx, "/chat/completions", req, &resp); err != nil {
		return "", fmt.Errorf("%w: chat completion: %w", ErrProvider, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: chat completion returned no content", ErrProvider)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

type embeddingRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *OpenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embeddingResponse
	req := embeddingRequest{Model: e.embedModel, Input: text, Dimensions: e.dimensions}
	if err := e.postWithRetry(ctx, "/embeddings", req, &resp); err != nil {
		return nil, fmt.Errorf("%w: embeddings: %w", ErrProvider, err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: embeddings response was empty", ErrProvider)
	}
	return resp.Data[0].Embedding, nil
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

// postWithRetry retries only rate-limited requests, backing off exponentially.
func (e *OpenAIEngine) postWithRetry(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		err := e.post(ctx, path, payload, out)
		var rl *rateLimitError
		if !errors.As(err, &rl) {
			return err
		}
		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (e *OpenAIEngine) post(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	req.Header.Set("X-Title", "siacta")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
