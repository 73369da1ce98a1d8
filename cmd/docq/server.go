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
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/dkoval/docq/internal/api"
	"github.com/dkoval/docq/internal/cache"
	"github.com/dkoval/docq/internal/chat"
	"github.com/dkoval/docq/internal/config"
	"github.com/dkoval/docq/internal/ingest"
	"github.com/dkoval/docq/internal/llm"
	"github.com/dkoval/docq/internal/pool"
	"github.com/dkoval/docq/internal/profile"
	"github.com/dkoval/docq/internal/retrieval"
	"github.com/dkoval/docq/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the docq server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running docq server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docq system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "docq.pid")
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

// rotatingEmbedder spreads embedding traffic across credentials the same way
// chat traffic does, reusing one constructed client per credential.
type rotatingEmbedder struct {
	rotator    *llm.Rotator
	chatModel  string
	embedModel string

	mu      sync.Mutex
	clients map[string]*llm.Client
}

func newRotatingEmbedder(rotator *llm.Rotator, chatModel, embedModel string) *rotatingEmbedder {
	return &rotatingEmbedder{
		rotator:    rotator,
		chatModel:  chatModel,
		embedModel: embedModel,
		clients:    make(map[string]*llm.Client),
	}
}

func (e *rotatingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.rotator.Next()
	client, err := e.client(ctx, key)
	if err != nil {
		e.rotator.ReportError(key)
		return nil, err
	}

	vec, err := client.Embed(ctx, text)
	if err != nil {
		if llm.IsCredentialError(err) {
			e.rotator.ReportError(key)
		}
		return nil, err
	}
	return vec, nil
}

func (e *rotatingEmbedder) client(ctx context.Context, key string) (*llm.Client, error) {
	e.mu.Lock()
	if c, ok := e.clients[key]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	c, err := llm.NewClientWithModels(ctx, key, e.chatModel, e.embedModel)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.clients[key]; ok {
		return existing, nil
	}
	e.clients[key] = c
	return c, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "docq version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.EnsureAPIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to double-start. The health endpoint is the source of truth;
	// the PID file just names the culprit.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("docq is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("docq is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	// Open the cache store.
	boltKV, err := cache.OpenBolt(filepath.Join(cfg.Storage.DataDir, "cache.db"))
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer func() {
		if err := boltKV.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing cache: %v\n", err)
		}
	}()
	responseCache := cache.New(boltKV)

	// Credential rotation and model access.
	rotator, err := llm.NewRotator(cfg.Model.Credentials)
	if err != nil {
		return fmt.Errorf("initializing credential rotator: %w", err)
	}
	slog.Info("credential rotator initialized", "credentials", rotator.Len())

	buildClient := func(buildCtx context.Context, credential string) (pool.ModelClient, error) {
		c, err := llm.NewClientWithModels(buildCtx, credential, cfg.Model.ChatModel, cfg.Model.EmbedModel)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	resourcePool := pool.New(rotator, buildClient)
	defer resourcePool.Close()

	// Retrieval over the shared SQLite connection.
	vectorStore := retrieval.NewSQLiteStore(store.DB())
	embedder := retrieval.NewEmbedder(newRotatingEmbedder(rotator, cfg.Model.ChatModel, cfg.Model.EmbedModel))
	searcher := retrieval.NewSearcher(embedder)

	// Question answering.
	profiles := profile.NewTracker()
	answerer := chat.NewAnswerer(
		responseCache,
		resourcePool,
		searcher,
		vectorStore,
		chat.NewStoreHistory(store),
		profiles,
		rotator,
		llm.IsCredentialError,
	)
	answerer.SetTopK(cfg.Retrieval.TopK)

	if err := os.MkdirAll(cfg.Storage.UploadDir, 0o755); err != nil {
		return fmt.Errorf("creating upload directory: %w", err)
	}

	// Build HTTP handler and server.
	appHandler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Answerer:  answerer,
		Vectors:   vectorStore,
		Token:     apiToken,
		UploadDir: cfg.Storage.UploadDir,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// Start ingest worker.
	worker := ingest.NewWorker(store, embedder, vectorStore, responseCache, 500*time.Millisecond)
	go worker.Run(ctx)

	// Start MCP server over streamable HTTP on its own port.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Answerer: answerer,
		Searcher: searcher,
		Indexes:  vectorStore,
	})
	mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
	mcpHTTP := server.NewStreamableHTTPServer(mcpSrv)
	go func() {
		if err := mcpHTTP.Start(mcpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("MCP server error", "error", err)
		}
	}()
	slog.Info("MCP server started", "addr", mcpAddr)

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docq listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mcpHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Warn("MCP server shutdown", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
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
		printError("docq is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop docq (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to docq (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("MCP port", "%d", cfg.Server.MCPPort)
	printStatus("Chat model", "%s", cfg.Model.ChatModel)
	printStatus("Embed model", "%s", cfg.Model.EmbedModel)
	printStatus("Credentials", "%d", len(cfg.Model.Credentials))

	// Show document counts if the server is up.
	apiToken, tokenErr := config.EnsureAPIToken(cfg)
	if tokenErr == nil && resp != nil && resp.StatusCode == 200 {
		docsResp, err := apiGet(client, serverURL+"/documents?user_id="+defaultUserID()+"&limit=100", apiToken)
		if err == nil {
			var docs []json.RawMessage
			if json.NewDecoder(docsResp.Body).Decode(&docs) == nil {
				printStatus("Documents", "%s", countLabel(len(docs), 100))
			}
			docsResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
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
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
