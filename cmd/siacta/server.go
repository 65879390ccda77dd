package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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

	"github.com/kalambet/siacta/internal/api"
	"github.com/kalambet/siacta/internal/chat"
	"github.com/kalambet/siacta/internal/chunker"
	"github.com/kalambet/siacta/internal/composer"
	"github.com/kalambet/siacta/internal/config"
	"github.com/kalambet/siacta/internal/engine"
	"github.com/kalambet/siacta/internal/extract"
	"github.com/kalambet/siacta/internal/ingest"
	"github.com/kalambet/siacta/internal/reranking"
	"github.com/kalambet/siacta/internal/retrieval"
	"github.com/kalambet/siacta/internal/storage"
	"github.com/kalambet/siacta/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the siacta server (foreground)",
	Long: `Start the siacta server in the foreground.

With --mcp the MCP tool server also runs on stdin/stdout, so siacta can be
registered as a stdio MCP server in an assistant.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running siacta server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [document-id]",
	Short: "Show server status, or the ingestion status of a document",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return showDocument(cmd.Context(), args[0])
		}
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
	rootCmd.AddCommand(stopCmd)
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "siacta.pid")
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

// newLogger builds the process logger. Output always goes to stderr since
// stdout carries the MCP protocol in --mcp mode.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openIndex selects the vector index named by cfg.Index.Kind.
func openIndex(ctx context.Context, cfg config.Config, store *storage.Store) (retrieval.VectorIndex, error) {
	switch cfg.Index.Kind {
	case "chroma":
		idx, err := retrieval.NewChromaIndex(ctx, retrieval.ChromaConfig{
			BaseURL:    cfg.Index.ChromaURL,
			Collection: cfg.Index.ChromaCollection,
		})
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return retrieval.NewSQLiteIndex(store.DB()), nil
	}
}

// newReranker returns nil when reranking is disabled. The orchestrator cuts
// the reranked pool to top_k itself, so every candidate is scored.
func newReranker(cfg config.RerankConfig, llm reranking.Completer) chat.Reranker {
	if !cfg.Enabled {
		return nil
	}
	return reranking.NewReranker(llm, true, cfg.Timeout, cfg.Threshold, 0)
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "siacta version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	if cfg.Server.APIToken == "" {
		slog.Warn("SIACTA_API_TOKEN is not set, the HTTP API accepts unauthenticated requests")
	}

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("siacta is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("siacta is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pick the model provider and make sure local models are present.
	eng, err := engine.Detect(engine.DetectConfig{
		Kind:       cfg.Provider.Kind,
		BaseURL:    cfg.Provider.BaseURL,
		APIKey:     cfg.Provider.OpenAIAPIKey,
		ChatModel:  cfg.Provider.ChatModel,
		EmbedModel: cfg.Provider.EmbedModel,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return fmt.Errorf("detecting model provider: %w", err)
	}
	if puller, ok := eng.(engine.ModelPuller); ok {
		if err := engine.EnsureReady(ctx, puller, os.Stderr, cfg.Provider.ChatModel, cfg.Provider.EmbedModel); err != nil {
			// Chat degrades and ingestion fails per document while the
			// backend is down, so keep serving.
			slog.Warn("model backend not ready", "error", err)
		}
	}

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	files, err := storage.NewFileStore(filepath.Join(cfg.Storage.DataDir, "files"))
	if err != nil {
		return fmt.Errorf("opening file storage: %w", err)
	}

	index, err := openIndex(ctx, cfg, store)
	if err != nil {
		return fmt.Errorf("opening vector index: %w", err)
	}

	// Build the retrieval stack.
	embedder := retrieval.NewEmbedder(eng,
		retrieval.WithConcurrency(cfg.Embedding.Concurrency),
		retrieval.WithRateLimit(cfg.Embedding.RatePerSec),
		retrieval.WithDimensions(cfg.Embedding.Dimensions),
		retrieval.WithCallTimeout(cfg.Timeouts.Embed),
	)
	retriever := retrieval.NewRetriever(embedder, index, cfg.Timeouts.Index)
	chk, err := chunker.New(cfg.Chunker.Size, cfg.Chunker.Overlap, cfg.Chunker.MinLength)
	if err != nil {
		return fmt.Errorf("configuring chunker: %w", err)
	}
	comp := composer.New(cfg.Chat.ContextTokens)

	// Build ingestion.
	pipeline := ingest.NewPipeline(ingest.Deps{
		Documents:  store,
		Extractor:  extract.New(),
		Chunker:    chk,
		Embedder:   embedder,
		Index:      index,
		Summarizer: ingest.NewSummarizer(eng, comp, cfg.Summary.PrefixChars, cfg.Timeouts.LLM),
	}, ingest.Options{
		Lease:          cfg.Ingest.Lease,
		ExtractTimeout: cfg.Timeouts.Extract,
		IndexTimeout:   cfg.Timeouts.Index,
		Logger:         logger,
	})
	catalog := ingest.NewCatalog(store, files, index, pipeline, logger)

	// Recover documents left PROCESSING by a previous crash, then keep
	// reaping expired leases.
	reaper := ingest.NewReaper(store, cfg.Ingest.ReapInterval)
	if n, err := reaper.RunOnce(ctx); err != nil {
		slog.Warn("expiring stale leases", "error", err)
	} else if n > 0 {
		slog.Info("moved stale documents to ERROR", "count", n)
	}
	go reaper.Run(ctx)

	orchestrator := chat.New(store, store, retriever, eng, comp, chat.Options{
		TopK:       cfg.Chat.TopK,
		LLMTimeout: cfg.Timeouts.LLM,
		Reranker:   newReranker(cfg.Rerank, eng),
		Logger:     logger,
	})

	if cfg.Watch.InboxDir != "" {
		w := watch.New(cfg.Watch.InboxDir, catalog, watch.WithLogger(logger))
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("inbox watcher stopped", "dir", cfg.Watch.InboxDir, "error", err)
			}
		}()
		slog.Info("watching inbox", "dir", cfg.Watch.InboxDir)
	}

	deps := api.Deps{
		Store:          store,
		Catalog:        catalog,
		Ingester:       pipeline,
		Chat:           orchestrator,
		Token:          cfg.Server.APIToken,
		UploadMaxBytes: int64(cfg.Server.UploadMaxBytes),
		Logger:         logger,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps, version))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "siacta listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout. In-flight ingestions are cancelled and
	// their documents moved to ERROR before storage closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		slog.Warn("ingestion shutdown", "error", err)
	}
	return serveErr
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
		printError("siacta is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop siacta (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to siacta (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Provider", "%s", cfg.Provider.Kind)
	if cfg.Provider.Kind == engine.KindOllama {
		base := cfg.Provider.BaseURL
		if base == "" {
			base = "http://localhost:11434"
		}
		if r, err := client.Get(base + "/api/version"); err != nil {
			printStatus("Ollama", "not running")
		} else {
			r.Body.Close()
			printStatus("Ollama", "running at %s", base)
		}
	}
	printStatus("Chat model", "%s", cfg.Provider.ChatModel)
	printStatus("Embed model", "%s", cfg.Provider.EmbedModel)
	printStatus("Vector index", "%s", cfg.Index.Kind)

	if running {
		docsResp, err := apiGet(client, serverURL+"/v1/documents?limit=100", cfg.Server.APIToken)
		if err == nil {
			var docs []json.RawMessage
			if json.NewDecoder(docsResp.Body).Decode(&docs) == nil {
				printStatus("Documents", "%s", countLabel(len(docs), 100))
			}
			docsResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	if cfg.Watch.InboxDir != "" {
		printStatus("Inbox", "%s", cfg.Watch.InboxDir)
	}
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return client.Do(req)
}
