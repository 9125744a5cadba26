package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/isragogreen/chorus/internal/api"
	"github.com/isragogreen/chorus/internal/config"
	"github.com/isragogreen/chorus/internal/events"
	"github.com/isragogreen/chorus/internal/pipeline"
	"github.com/isragogreen/chorus/internal/proactive"
	"github.com/isragogreen/chorus/internal/provider"
	"github.com/isragogreen/chorus/internal/queue"
	"github.com/isragogreen/chorus/internal/retrieval"
	"github.com/isragogreen/chorus/internal/roles"
	"github.com/isragogreen/chorus/internal/scoring"
	"github.com/isragogreen/chorus/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the chorus server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running chorus server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chorus system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "chorus.pid")
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

// logTransport delivers outbound messages by logging them. Real chat
// transports (Telegram and friends) plug in behind pipeline.Transport.
type logTransport struct {
	logger *slog.Logger
}

func (t *logTransport) Deliver(_ context.Context, userID, text string) error {
	t.logger.Info("outbound message delivered", "user", userID, "text", text)
	return nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "chorus version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Structured logging with a runtime-adjustable level. The level
	// var is shared with the observability API so PUT /log/level takes
	// effect immediately.
	logLevel := new(slog.LevelVar)
	if err := logLevel.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] unknown log level %q, using info\n", cfg.Log.Level)
		logLevel.Set(slog.LevelInfo)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Refuse to double-start: probe the health endpoint first.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("chorus is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("chorus is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	orClient := provider.NewClient(cfg.Provider.OpenRouterAPIKey)

	// Model catalog: refresh from OpenRouter, keep a stale catalog when
	// the fetch fails and one exists from a previous run.
	if err := refreshCatalog(ctx, store, orClient, cfg.Scoring.OnlyFree, logger); err != nil {
		return err
	}

	// Personas never answer each other: blacklist every role name so a
	// bot-authored message can never re-enter the inbound path.
	now := time.Now().UTC()
	for _, role := range roles.All() {
		if err := store.AddToBlacklist(role.String(), "persona role", now); err != nil {
			return fmt.Errorf("blacklisting role %s: %w", role, err)
		}
	}

	judge := scoring.NewJudge(orClient, cfg.Provider.JudgeModel)
	engine := scoring.NewEngine(store, orClient, judge, scoring.Config{
		TopN:             cfg.Scoring.TopN,
		RefreshEvery:     cfg.Scoring.RefreshEvery,
		QualityThreshold: cfg.Scoring.QualityThreshold,
		TrialCount:       cfg.Scoring.TrialCount,
		OnlyFree:         cfg.Scoring.OnlyFree,
	}, logger)

	embedClient := retrieval.NewHTTPEmbeddingClient(cfg.Provider.OpenRouterAPIKey, cfg.Provider.EmbedBaseURL, cfg.Provider.EmbedModel)
	embedder := retrieval.NewEmbedder(embedClient)
	index := retrieval.NewSQLiteIndex(store.DB())
	retriever := retrieval.NewRetriever(index, embedder, cfg.Retrieval.ChunkLength, cfg.Retrieval.Overlap)

	registry := roles.NewRegistry(cfg.Roles.Temps())
	bus := events.NewBus(logger)
	defer bus.Close()
	dispatcher := queue.NewDispatcher(store, cfg.Queue.MaxAttempts)

	scheduler := proactive.NewScheduler(store, engine, registry, orClient, dispatcher, bus, proactive.Config{
		Inactivity:   parseDurationOr(cfg.Proactive.Inactivity, 24*time.Hour, logger),
		RandMin:      cfg.Proactive.RandMin,
		RandMax:      cfg.Proactive.RandMax,
		ScanInterval: parseDurationOr(cfg.Proactive.ScanInterval, time.Minute, logger),
	}, logger)

	pipe := pipeline.New(
		store,
		retriever,
		engine,
		judge,
		registry,
		orClient,
		&logTransport{logger: logger},
		dispatcher,
		scheduler,
		bus,
		pipeline.Config{
			RemoveEmojis:    cfg.Pipeline.RemoveEmojis,
			SaveAllMessages: cfg.Pipeline.SaveAllMessages,
			TopKDocs:        cfg.Retrieval.TopKDocs,
			TopKUser:        cfg.Retrieval.TopKUser,
			HistoryLimit:    cfg.Pipeline.HistoryLimit,
			GenTimeout:      parseDurationOr(cfg.Pipeline.GenTimeout, 60*time.Second, logger),
		},
		logger,
	)

	pool := queue.NewPool(dispatcher, pipe, queue.PoolConfig{Workers: cfg.Queue.Workers}, logger)

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Queue:    dispatcher,
		Pauser:   pipe,
		LogLevel: logLevel,
		Token:    cfg.Server.APIToken,
	})

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:     store,
		Queue:     dispatcher,
		Retriever: retriever,
	})
	mcpHTTP := mcpserver.NewStreamableHTTPServer(mcpSrv)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})

	// First-run scoring: users with history but no scores get a
	// bootstrap evaluation pass in the background.
	go bootstrapScores(gctx, store, engine, cfg.Scoring.OnlyFree, logger)

	errCh := make(chan error, 2)
	go func() {
		fmt.Fprintf(os.Stderr, "chorus listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		mcpAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort)
		logger.Info("MCP server listening", "addr", mcpAddr)
		if err := mcpHTTP.Start(mcpAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		runErr = fmt.Errorf("server error: %w", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	if err := mcpHTTP.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}

	if err := g.Wait(); err != nil && err != context.Canceled && runErr == nil {
		runErr = err
	}
	return runErr
}

func parseDurationOr(raw string, fallback time.Duration, logger *slog.Logger) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid duration, using default", "value", raw, "default", fallback, "error", err)
		return fallback
	}
	return d
}

// refreshCatalog replaces the candidate model catalog from the
// provider's model list. ONLY_FREE keeps zero-priced models; when the
// filter leaves nothing (pricing data missing) the full list is kept.
func refreshCatalog(ctx context.Context, store *storage.Store, client *provider.Client, onlyFree bool, logger *slog.Logger) error {
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	models, err := client.ListModels(listCtx)
	if err != nil {
		if n, sizeErr := store.CatalogSize(); sizeErr == nil && n > 0 {
			logger.Warn("model catalog refresh failed, keeping existing catalog", "size", n, "error", err)
			return nil
		}
		return fmt.Errorf("fetching model catalog: %w", err)
	}

	candidates := make([]storage.CandidateModel, 0, len(models))
	for _, m := range models {
		if onlyFree && !m.Free() {
			continue
		}
		candidates = append(candidates, storage.CandidateModel{
			ModelID:  m.ID,
			Name:     m.Name,
			Provider: providerOf(m.ID),
			IsFree:   m.Free(),
		})
	}
	if len(candidates) == 0 {
		logger.Warn("no free models in catalog, keeping full list", "total", len(models))
		for _, m := range models {
			candidates = append(candidates, storage.CandidateModel{
				ModelID:  m.ID,
				Name:     m.Name,
				Provider: providerOf(m.ID),
				IsFree:   m.Free(),
			})
		}
	}
	if len(candidates) == 0 {
		return fmt.Errorf("provider returned an empty model list")
	}

	if err := store.ReplaceCatalog(candidates); err != nil {
		return fmt.Errorf("storing model catalog: %w", err)
	}
	logger.Info("model catalog refreshed", "models", len(candidates), "only_free", onlyFree)
	return nil
}

func providerOf(modelID string) string {
	if i := strings.Index(modelID, "/"); i > 0 {
		return modelID[:i]
	}
	return modelID
}

// bootstrapScores runs the initial evaluation pass for users that have
// conversation history but no recorded model scores yet.
func bootstrapScores(ctx context.Context, store *storage.Store, engine *scoring.Engine, onlyFree bool, logger *slog.Logger) {
	users, err := store.KnownUsers()
	if err != nil {
		logger.Error("listing known users for bootstrap scoring", "error", err)
		return
	}
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		scores, err := store.TopScores(userID, 1, onlyFree)
		if err != nil {
			logger.Error("checking scores for bootstrap", "user", userID, "error", err)
			continue
		}
		if len(scores) > 0 {
			continue
		}
		logger.Info("bootstrap scoring", "user", userID)
		if err := engine.EvaluateCandidates(ctx, userID); err != nil {
			logger.Error("bootstrap scoring failed", "user", userID, "error", err)
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
		printError("chorus is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop chorus (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to chorus (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
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

	printStatus("Judge model", "%s", cfg.Provider.JudgeModel)
	printStatus("Embed model", "%s", cfg.Provider.EmbedModel)
	printStatus("Only free models", "%t", cfg.Scoring.OnlyFree)

	if running {
		if apiC, err := newAPIClient(); err == nil {
			if depthResp, err := apiC.get(ctx, "/queue/depth"); err == nil {
				var result map[string]int
				if decodeJSON(depthResp, &result) == nil {
					printStatus("Queue depth", "%d", result["depth"])
				}
			}
			if stResp, err := apiC.get(ctx, "/engine/status"); err == nil {
				var result map[string]bool
				if decodeJSON(stResp, &result) == nil {
					if result["paused"] {
						printStatus("Processing", "paused")
					} else {
						printStatus("Processing", "active")
					}
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
