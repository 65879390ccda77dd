// Package config loads layered settings: defaults, then the TOML file at
// FilePath, then SIACTA_* environment variables. Callers load .env files
// into the environment before calling Load.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Provider  ProviderConfig
	Embedding EmbeddingConfig
	Index     IndexConfig
	Chunker   ChunkerConfig
	Chat      ChatConfig
	Rerank    RerankConfig
	Summary   SummaryConfig
	Ingest    IngestConfig
	Timeouts  TimeoutsConfig
	Watch     WatchConfig
}

type ServerConfig struct {
	Port           int
	APIToken       string
	UploadMaxBytes int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

type ProviderConfig struct {
	Kind         string
	BaseURL      string
	ChatModel    string
	EmbedModel   string
	OpenAIAPIKey string
}

type EmbeddingConfig struct {
	Dimensions  int
	Concurrency int
	RatePerSec  float64
}

type IndexConfig struct {
	Kind             string
	ChromaURL        string
	ChromaCollection string
}

type ChunkerConfig struct {
	Size      int
	Overlap   int
	MinLength int
}

type ChatConfig struct {
	TopK          int
	ContextTokens int
}

// RerankConfig enables LLM scoring of retrieved chunks before they reach the
// chat prompt.
type RerankConfig struct {
	Enabled   bool
	Threshold float64
	Timeout   time.Duration
}

type SummaryConfig struct {
	PrefixChars int
}

type IngestConfig struct {
	Lease        time.Duration
	ReapInterval time.Duration
}

type TimeoutsConfig struct {
	Extract time.Duration
	Embed   time.Duration
	Index   time.Duration
	LLM     time.Duration
}

type WatchConfig struct {
	InboxDir string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           4000,
			UploadMaxBytes: 32 << 20,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Provider: ProviderConfig{
			Kind:       "ollama",
			ChatModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		Embedding: EmbeddingConfig{
			Concurrency: 4,
		},
		Index: IndexConfig{
			Kind:             "sqlite",
			ChromaURL:        "http://localhost:8000",
			ChromaCollection: "siacta_chunks",
		},
		Chunker: ChunkerConfig{
			Size:      1000,
			Overlap:   200,
			MinLength: 50,
		},
		Chat: ChatConfig{
			TopK:          3,
			ContextTokens: 2000,
		},
		Rerank: RerankConfig{
			Threshold: 0.3,
			Timeout:   5 * time.Second,
		},
		Summary: SummaryConfig{
			PrefixChars: 8000,
		},
		Ingest: IngestConfig{
			Lease:        2 * time.Minute,
			ReapInterval: 30 * time.Second,
		},
		Timeouts: TimeoutsConfig{
			Extract: 2 * time.Minute,
			Embed:   30 * time.Second,
			Index:   30 * time.Second,
			LLM:     2 * time.Minute,
		},
	}
}

// Load reads the config file at FilePath and applies environment overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend(FilePath()))
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Provider.Kind {
	case "ollama", "mock":
	case "openai":
		if c.Provider.OpenAIAPIKey == "" && c.Provider.BaseURL == "" {
			errs = append(errs, errors.New("provider.kind=openai needs SIACTA_OPENAI_API_KEY or provider.base_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("provider.kind must be ollama, openai or mock, got %q", c.Provider.Kind))
	}
	switch c.Index.Kind {
	case "sqlite":
	case "chroma":
		if c.Index.ChromaURL == "" {
			errs = append(errs, errors.New("index.kind=chroma needs index.chroma_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("index.kind must be sqlite or chroma, got %q", c.Index.Kind))
	}
	if c.Chunker.Size <= 0 {
		errs = append(errs, fmt.Errorf("chunker.size must be positive, got %d", c.Chunker.Size))
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.Size {
		errs = append(errs, fmt.Errorf("chunker.overlap must be in [0, chunker.size), got %d", c.Chunker.Overlap))
	}
	if c.Embedding.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("embedding.dimensions must not be negative, got %d", c.Embedding.Dimensions))
	}
	if c.Rerank.Threshold < 0 || c.Rerank.Threshold > 1 {
		errs = append(errs, fmt.Errorf("rerank.threshold must be in [0, 1], got %g", c.Rerank.Threshold))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
