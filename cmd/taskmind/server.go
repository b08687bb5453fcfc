package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/taskmind/internal/api"
	"github.com/kalambet/taskmind/internal/capability"
	"github.com/kalambet/taskmind/internal/config"
	"github.com/kalambet/taskmind/internal/debounce"
	"github.com/kalambet/taskmind/internal/engine"
	"github.com/kalambet/taskmind/internal/eventbus"
	"github.com/kalambet/taskmind/internal/history"
	"github.com/kalambet/taskmind/internal/ingest"
	"github.com/kalambet/taskmind/internal/memory"
	"github.com/kalambet/taskmind/internal/metrics"
	"github.com/kalambet/taskmind/internal/planner"
	"github.com/kalambet/taskmind/internal/reranking"
	"github.com/kalambet/taskmind/internal/resilience"
	"github.com/kalambet/taskmind/internal/retrieval"
	"github.com/kalambet/taskmind/internal/storage"
	"github.com/kalambet/taskmind/internal/tools"
)

const (
	shutdownTimeout = 5 * time.Second
	pruneInterval   = time.Hour
	networkWait     = 5 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the taskmind server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running taskmind server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show taskmind system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "taskmind.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// openKV returns the key-value store for memories and conversations.
func openKV(ctx context.Context, cfg config.StorageConfig, store *storage.Store) (storage.KV, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		kv, err := storage.NewRedisKV(ctx, cfg.RedisURL, cfg.Namespace)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return kv, func() {
			if err := kv.Close(); err != nil {
				slog.Warn("closing redis", "error", err)
			}
		}, nil
	case config.BackendMemory:
		return storage.NewMemKV(), func() {}, nil
	default:
		return store, func() {}, nil
	}
}

func retryPolicy(cfg config.ResilienceConfig) resilience.Config {
	policy := resilience.DefaultConfig()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		policy.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		policy.MaxDelay = cfg.MaxDelay
	}
	return policy
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)
	fmt.Fprintf(stderr, "taskmind version %s\n", version)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	logger.Info("API bearer token available")

	// Refuse to start twice: a live /health means another instance owns the port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("taskmind is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("taskmind is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	if err := engine.EnsureReady(ctx, eng, cfg.Ollama.Model, cfg.Ollama.EmbedModel, stderr); err != nil {
		printWarning("inference engine not ready: %v", err)
	}

	outputDir := cfg.Tools.OutputDir
	if outputDir == "" {
		outputDir = capability.DefaultOutputDir()
	}
	caps := capability.Prober{Engine: eng, OutputDir: outputDir, Logger: logger}.Probe(ctx)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	kv, closeKV, err := openKV(ctx, cfg.Storage, store)
	if err != nil {
		return err
	}
	defer closeKV()

	bus := eventbus.New()
	m := metrics.New("taskmind", nil)
	defer m.ObserveBus(bus)()
	features := resilience.NewFeatures(m)

	budget := resilience.NewTimeoutBudget(cfg.Tools.RunTimeout, 4*cfg.Tools.RunTimeout)
	retrier := resilience.NewRetrier(bus,
		resilience.WithRecovery(resilience.NewRegistry(resilience.DefaultStrategies(nil, networkWait, budget)...)),
		resilience.WithObserver(m),
		resilience.WithLogger(logger),
	)
	policy := retryPolicy(cfg.Resilience)

	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel, retrier).WithPolicy(policy)
	vectors := retrieval.NewSQLiteStore(store.DB())
	indexer := retrieval.NewIndexer(vectors, embedder, retrieval.DefaultIndexerConfig())
	searcher := retrieval.NewSearcher(vectors, embedder)
	searcher.SetObserver(m)
	searcher.SetLogger(logger)

	debouncer := debounce.New(debounce.DefaultDelay)
	memories := memory.NewManager(kv, memory.Config{
		MaxEntries: cfg.Memory.MaxEntries,
		MaxAge:     cfg.Memory.MaxAge,
		Debouncer:  debouncer,
		Features:   features,
		Observer:   m.MemoryObserver(),
		Logger:     logger,
	})
	if err := memories.Load(ctx); err != nil {
		logger.Warn("memory running without persistence", "error", err)
	}
	conversations := history.NewStore(kv, history.Config{
		Debouncer: debouncer,
		Features:  features,
		Logger:    logger,
	})
	if err := conversations.Load(ctx); err != nil {
		logger.Warn("history running without persistence", "error", err)
	}

	toolDeps := tools.Deps{
		Engine:       eng,
		Model:        cfg.Ollama.Model,
		WindowTokens: cfg.Tools.WindowTokens,
		Search:       searcher,
		Documents:    store,
		Memory:       memories,
		Caps:         caps,
		Features:     features,
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
		RunTimeout:   cfg.Tools.RunTimeout,
		RunBudget:    budget,
	}
	if cfg.Retrieval.Rerank {
		rr := reranking.New(eng, cfg.Ollama.Model)
		rr.Threshold = cfg.Retrieval.RerankThreshold
		rr.Timeout = cfg.Retrieval.RerankTimeout
		rr.TopK = cfg.Retrieval.TopK
		rr.Logger = logger
		toolDeps.Reranker = rr
	}
	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, toolDeps)

	executor := planner.NewExecutor(
		planner.New(bus, planner.WithThreshold(cfg.Planner.Threshold)),
		planner.ExecutorConfig{
			Tools:            registry,
			Memory:           memories,
			Search:           searcher,
			Retrier:          retrier,
			Policy:           policy,
			Plans:            planner.NewPlans(cfg.Planner.MaxPlans),
			Observer:         m,
			KnowledgeResults: cfg.Retrieval.TopK,
			Logger:           logger,
		},
	)

	worker := ingest.NewWorker(store, indexer, cfg.Ingest.PollInterval)
	worker.SetObserver(m)
	worker.SetLogger(logger)
	go worker.Run(ctx)
	go pruneLoop(ctx, memories, pruneInterval)

	handler := api.NewHandler(api.Deps{
		Token:      apiToken,
		Executor:   executor,
		Documents:  store,
		Chunks:     indexer,
		Search:     searcher,
		Memory:     memories,
		History:    conversations,
		Bus:        bus,
		Metrics:    m,
		Features:   features,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Logger:     logger,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if cfg.Server.MCPStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Executor:  executor,
			Documents: store,
			Memory:    memories,
			Search:    searcher,
			Engine:    eng,
			Model:     cfg.Ollama.Model,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(stderr, "taskmind listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}

	// Pending debounced writes must land before the stores close.
	n := memories.Flush() + conversations.Flush()
	logger.Info("flushed pending writes", "count", n)
	return serveErr
}

func pruneLoop(ctx context.Context, m *memory.Manager, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.Prune(ctx); err != nil {
				slog.Warn("memory prune failed", "error", err)
			} else if n > 0 {
				slog.Info("memory pruned", "removed", n)
			}
		}
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("taskmind is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop taskmind (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to taskmind (PID %d)", pid)
	return nil
}

type healthReport struct {
	Status           string   `json:"status"`
	DisabledFeatures []string `json:"disabled_features"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	running := false

	resp, err := client.Get(serverURL(cfg) + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var h healthReport
		json.NewDecoder(resp.Body).Decode(&h)
		resp.Body.Close()
		switch {
		case resp.StatusCode != http.StatusOK:
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		case h.Status == "degraded":
			running = true
			printStatus("Server", "degraded on port %d (%s)", cfg.Server.Port, strings.Join(h.DisabledFeatures, ", "))
		default:
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		}
	}

	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	if eng.IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}
	printStatus("Model", "%s", cfg.Ollama.Model)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Storage", "%s", cfg.Storage.Backend)

	if running {
		if c, err := newAPIClient(); err == nil {
			printCount(ctx, c, "Documents", "/documents?limit=100", 100)
			printCount(ctx, c, "Memories", "/memories?limit=500", 500)
			printCount(ctx, c, "Plans", "/plans", 1<<30)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printCount(ctx context.Context, c *apiClient, label, path string, limit int) {
	resp, err := c.get(ctx, path)
	if err != nil {
		return
	}
	var items []json.RawMessage
	if decodeJSON(resp, &items) == nil {
		printStatus(label, "%s", countLabel(len(items), limit))
	}
}
