package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

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
		key: "server.host", typ: kString, env: "TASKMIND_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "TASKMIND_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_stdio", typ: kBool, env: "TASKMIND_SERVER_MCP_STDIO",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPStdio = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPStdio },
	},
	{
		key: "ollama.base_url", typ: kString, env: "TASKMIND_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "TASKMIND_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "TASKMIND_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TASKMIND_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.backend", typ: kString, env: "TASKMIND_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.redis_url", typ: kString, env: "TASKMIND_STORAGE_REDIS_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.RedisURL },
	},
	{
		key: "storage.namespace", typ: kString, env: "TASKMIND_STORAGE_NAMESPACE",
		apply:   func(cfg *Config, v any) { cfg.Storage.Namespace = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Namespace },
	},
	{
		key: "log.level", typ: kString, env: "TASKMIND_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "TASKMIND_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "planner.threshold", typ: kFloat, env: "TASKMIND_PLANNER_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Planner.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Planner.Threshold },
	},
	{
		key: "planner.max_plans", typ: kInt, env: "TASKMIND_PLANNER_MAX_PLANS",
		apply:   func(cfg *Config, v any) { cfg.Planner.MaxPlans = v.(int) },
		extract: func(cfg Config) any { return cfg.Planner.MaxPlans },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "TASKMIND_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.rerank", typ: kBool, env: "TASKMIND_RETRIEVAL_RERANK",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Rerank = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.Rerank },
	},
	{
		key: "retrieval.rerank_threshold", typ: kFloat, env: "TASKMIND_RETRIEVAL_RERANK_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankThreshold },
	},
	{
		key: "retrieval.rerank_timeout", typ: kDuration, env: "TASKMIND_RETRIEVAL_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankTimeout },
	},
	{
		key: "memory.max_entries", typ: kInt, env: "TASKMIND_MEMORY_MAX_ENTRIES",
		apply:   func(cfg *Config, v any) { cfg.Memory.MaxEntries = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.MaxEntries },
	},
	{
		key: "memory.max_age", typ: kDuration, env: "TASKMIND_MEMORY_MAX_AGE",
		apply:   func(cfg *Config, v any) { cfg.Memory.MaxAge = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Memory.MaxAge },
	},
	{
		key: "resilience.max_attempts", typ: kInt, env: "TASKMIND_RESILIENCE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Resilience.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Resilience.MaxAttempts },
	},
	{
		key: "resilience.base_delay", typ: kDuration, env: "TASKMIND_RESILIENCE_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Resilience.BaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Resilience.BaseDelay },
	},
	{
		key: "resilience.max_delay", typ: kDuration, env: "TASKMIND_RESILIENCE_MAX_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Resilience.MaxDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Resilience.MaxDelay },
	},
	{
		key: "tools.output_dir", typ: kString, env: "TASKMIND_TOOLS_OUTPUT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Tools.OutputDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Tools.OutputDir },
	},
	{
		key: "tools.run_timeout", typ: kDuration, env: "TASKMIND_TOOLS_RUN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Tools.RunTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Tools.RunTimeout },
	},
	{
		key: "tools.window_tokens", typ: kInt, env: "TASKMIND_TOOLS_WINDOW_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Tools.WindowTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Tools.WindowTokens },
	},
	{
		key: "ingest.poll_interval", typ: kDuration, env: "TASKMIND_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
}

// parse converts raw into the Go value for s.typ.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
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
			slog.Warn("invalid config value, using default", "key", s.key, "value", raw, "error", err)
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
			slog.Warn("invalid environment value, using default", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
