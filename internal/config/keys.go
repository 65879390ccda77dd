package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
	kBool
)

// keySpec binds a dotted config key to its environment variable and Config
// field. Secret keys are read from the environment only.
type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SIACTA_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "SIACTA_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.upload_max_bytes", typ: kInt, env: "SIACTA_SERVER_UPLOAD_MAX_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Server.UploadMaxBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.UploadMaxBytes },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SIACTA_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "SIACTA_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "SIACTA_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "provider.kind", typ: kString, env: "SIACTA_PROVIDER_KIND",
		apply:   func(cfg *Config, v any) { cfg.Provider.Kind = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Kind },
	},
	{
		key: "provider.base_url", typ: kString, env: "SIACTA_PROVIDER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.BaseURL },
	},
	{
		key: "provider.chat_model", typ: kString, env: "SIACTA_PROVIDER_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.ChatModel },
	},
	{
		key: "provider.embed_model", typ: kString, env: "SIACTA_PROVIDER_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.EmbedModel },
	},
	{
		key: "provider.openai_api_key", typ: kString, env: "SIACTA_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Provider.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OpenAIAPIKey },
	},
	{
		key: "embedding.dimensions", typ: kInt, env: "SIACTA_EMBEDDING_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimensions },
	},
	{
		key: "embedding.concurrency", typ: kInt, env: "SIACTA_EMBEDDING_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Concurrency },
	},
	{
		key: "embedding.rate_per_sec", typ: kFloat, env: "SIACTA_EMBEDDING_RATE_PER_SEC",
		apply:   func(cfg *Config, v any) { cfg.Embedding.RatePerSec = v.(float64) },
		extract: func(cfg Config) any { return cfg.Embedding.RatePerSec },
	},
	{
		key: "index.kind", typ: kString, env: "SIACTA_INDEX_KIND",
		apply:   func(cfg *Config, v any) { cfg.Index.Kind = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.Kind },
	},
	{
		key: "index.chroma_url", typ: kString, env: "SIACTA_INDEX_CHROMA_URL",
		apply:   func(cfg *Config, v any) { cfg.Index.ChromaURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.ChromaURL },
	},
	{
		key: "index.chroma_collection", typ: kString, env: "SIACTA_INDEX_CHROMA_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Index.ChromaCollection = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.ChromaCollection },
	},
	{
		key: "chunker.size", typ: kInt, env: "SIACTA_CHUNKER_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunker.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.Size },
	},
	{
		key: "chunker.overlap", typ: kInt, env: "SIACTA_CHUNKER_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunker.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.Overlap },
	},
	{
		key: "chunker.min_length", typ: kInt, env: "SIACTA_CHUNKER_MIN_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Chunker.MinLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunker.MinLength },
	},
	{
		key: "chat.top_k", typ: kInt, env: "SIACTA_CHAT_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Chat.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.TopK },
	},
	{
		key: "chat.context_tokens", typ: kInt, env: "SIACTA_CHAT_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chat.ContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.ContextTokens },
	},
	{
		key: "rerank.enabled", typ: kBool, env: "SIACTA_RERANK_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Rerank.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Rerank.Enabled },
	},
	{
		key: "rerank.threshold", typ: kFloat, env: "SIACTA_RERANK_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Rerank.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Rerank.Threshold },
	},
	{
		key: "rerank.timeout", typ: kDuration, env: "SIACTA_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Rerank.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Rerank.Timeout },
	},
	{
		key: "summary.prefix_chars", typ: kInt, env: "SIACTA_SUMMARY_PREFIX_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Summary.PrefixChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Summary.PrefixChars },
	},
	{
		key: "ingest.lease", typ: kDuration, env: "SIACTA_INGEST_LEASE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Lease = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.Lease },
	},
	{
		key: "ingest.reap_interval", typ: kDuration, env: "SIACTA_INGEST_REAP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ReapInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.ReapInterval },
	},
	{
		key: "timeouts.extract", typ: kDuration, env: "SIACTA_TIMEOUTS_EXTRACT",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Extract = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Extract },
	},
	{
		key: "timeouts.embed", typ: kDuration, env: "SIACTA_TIMEOUTS_EMBED",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Embed = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Embed },
	},
	{
		key: "timeouts.index", typ: kDuration, env: "SIACTA_TIMEOUTS_INDEX",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Index = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.Index },
	},
	{
		key: "timeouts.llm", typ: kDuration, env: "SIACTA_TIMEOUTS_LLM",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.LLM = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeouts.LLM },
	},
	{
		key: "watch.inbox_dir", typ: kString, env: "SIACTA_WATCH_INBOX_DIR",
		apply:   func(cfg *Config, v any) { cfg.Watch.InboxDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Watch.InboxDir },
	},
}

// parse converts raw into the key's Go type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kBool:
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}

func (s keySpec) typeName() string {
	switch s.typ {
	case kInt:
		return "integer"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	case kBool:
		return "boolean"
	default:
		return "string"
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not read config key %s: %v. Using default value.\n", s.key, err)
				continue
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typeName(), s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typeName(), s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
