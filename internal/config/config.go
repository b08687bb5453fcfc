package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Ollama     OllamaConfig
	Storage    StorageConfig
	Log        LogConfig
	Planner    PlannerConfig
	Retrieval  RetrievalConfig
	Memory     MemoryConfig
	Resilience ResilienceConfig
	Tools      ToolsConfig
	Ingest     IngestConfig
}

type ServerConfig struct {
	Host string
	Port int
	// MCPStdio serves MCP over stdin/stdout next to the HTTP API.
	MCPStdio bool
}

type OllamaConfig struct {
	BaseURL    string
	Model      string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
	// Backend selects the KV store for memories and conversations:
	// sqlite, redis or memory.
	Backend   string
	RedisURL  string
	Namespace string
}

type LogConfig struct {
	Level  string
	Format string // text or json
}

type PlannerConfig struct {
	Threshold float64
	MaxPlans  int
}

type RetrievalConfig struct {
	TopK int
	// Rerank re-scores research results with the chat model.
	Rerank          bool
	RerankThreshold float64
	RerankTimeout   time.Duration
}

type MemoryConfig struct {
	MaxEntries int
	MaxAge     time.Duration
}

type ResilienceConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type ToolsConfig struct {
	OutputDir    string
	RunTimeout   time.Duration
	WindowTokens int
}

type IngestConfig struct {
	PollInterval time.Duration
}

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			Model:      "mistral-nemo",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir:   defaultDataDir(),
			Backend:   BackendSQLite,
			RedisURL:  "redis://localhost:6379/0",
			Namespace: "taskmind",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Planner: PlannerConfig{
			Threshold: 0.6,
			MaxPlans:  100,
		},
		Retrieval: RetrievalConfig{
			TopK:            5,
			RerankThreshold: 0.3,
			RerankTimeout:   5 * time.Second,
		},
		Memory: MemoryConfig{
			MaxEntries: 500,
			MaxAge:     30 * 24 * time.Hour,
		},
		Resilience: ResilienceConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		},
		Tools: ToolsConfig{
			RunTimeout:   30 * time.Second,
			WindowTokens: 8192,
		},
		Ingest: IngestConfig{
			PollInterval: 500 * time.Millisecond,
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory and environment variables.
//
// On macOS the backend is UserDefaults (domain: com.taskmind.app).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/taskmind/config.json.
//
// Variables from .env never replace ones already set in the environment.
// Environment variables (TASKMIND_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), ".env")
}

func loadWith(b ConfigBackend, envFile string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("could not read env file", "path", envFile, "error", err)
		}
	}
	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("invalid storage.backend %q: want sqlite, redis or memory", c.Storage.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Storage.DataDir == "" {
		return errors.New("missing required config: storage.data_dir")
	}
	return nil
}

// SlogLevel maps log.level to a slog level. Unknown values mean info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
