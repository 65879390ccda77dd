package engine

import "fmt"

// Provider kinds accepted by Detect.
const (
	KindOllama = "ollama"
	KindOpenAI = "openai"
	KindMock   = "mock"
)

// DetectConfig selects and configures a provider.
type DetectConfig struct {
	Kind       string
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
	Dimensions int
}

// Detect builds the Engine named by cfg.Kind.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Kind {
	case KindOllama, "":
		base := cfg.BaseURL
		if base == "" {
			base = "http://localhost:11434"
		}
		return NewOllamaEngine(base, cfg.ChatModel, cfg.EmbedModel), nil
	case KindOpenAI:
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai provider needs an API key or a custom base URL")
		}
		return NewOpenAIEngine(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			ChatModel:  cfg.ChatModel,
			EmbedModel: cfg.EmbedModel,
			Dimensions: cfg.Dimensions,
		}), nil
	case KindMock:
		return NewMockEngine(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}
