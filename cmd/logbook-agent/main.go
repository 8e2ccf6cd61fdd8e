// Package main provides the CLI entry point for the PSI accelerator-facility
// assistant: an Agent Orchestrator backed by an ELOG retrieval core and an
// opaque knowledge-graph retrieval adapter.
//
// # Basic Usage
//
// Start the server:
//
//	logbook-agent serve --config logbook-agent.yaml
//
// # Environment Variables
//
// Configuration can be provided via environment variables layered on top of
// the config file (see internal/config):
//
//   - LOGBOOK_AGENT_CONFIG: Path to configuration file (default: logbook-agent.yaml)
//   - AGENT_HOST, AGENT_GRPC_PORT, AGENT_HTTP_PORT, DATABASE_URL
//   - ELOG_API_KEY, GRAPH_API_KEY
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/psi/logbook-agent/internal/config"
	"github.com/psi/logbook-agent/internal/elog"
	"github.com/psi/logbook-agent/internal/graph"
	providers "github.com/psi/logbook-agent/internal/llm"
	"github.com/psi/logbook-agent/internal/mcp"
	"github.com/psi/logbook-agent/internal/orchestrator"
	"github.com/psi/logbook-agent/internal/promptctx"
	"github.com/psi/logbook-agent/internal/rerank"
	"github.com/psi/logbook-agent/internal/sessions"
	"github.com/psi/logbook-agent/internal/toolhub"
	"github.com/psi/logbook-agent/pkg/models"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "logbook-agent",
		Short:        "PSI accelerator-facility assistant",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	return root
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("LOGBOOK_AGENT_CONFIG")); env != "" {
		return env
	}
	return "logbook-agent.yaml"
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent orchestrator server",
		Long: `Start the agent orchestrator server.

The server will:
1. Load configuration from the specified file
2. Connect to configured MCP tool servers
3. Construct the ELOG and knowledge-graph retrieval cores
4. Initialize the configured LLM provider (with fallback chain)
5. Start the HTTP server for turn submission, health checks, and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	slog.Info("starting logbook-agent", "version", version, "commit", commit, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	svc, err := buildService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer svc.close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.hub.Bootstrap(ctx); err != nil {
		slog.Warn("mcp bootstrap failed, continuing with retrieval tools only", "error", err)
	}
	orchestrator.RegisterHubTools(svc.registry, svc.hub)
	orchestrator.RegisterRetrievalTools(svc.registry, svc.elogCore, svc.graphAdapter)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           svc.mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErrs := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-serveErrs:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	slog.Info("logbook-agent stopped gracefully")
	return nil
}

// service holds every long-lived component runServe wires together.
type service struct {
	cfg          *config.Config
	mcpManager   *mcp.Manager
	hub          *toolhub.Hub
	elogCore     *elog.Core
	graphAdapter *graph.Adapter
	registry     *orchestrator.ToolRegistry
	loop         *orchestrator.Loop
	store        sessions.Store
	turnBuilder  *promptctx.TurnBuilder
	defaultModel string
}

func (s *service) close() {
	if s.mcpManager != nil {
		if err := s.mcpManager.Stop(); err != nil {
			slog.Warn("mcp manager stop failed", "error", err)
		}
	}
}

func buildService(ctx context.Context, cfg *config.Config) (*service, error) {
	logger := slog.Default()

	mcpManager := mcp.NewManager(toMCPConfig(cfg.MCP), logger)
	hub := toolhub.NewHub(mcpManager, logger, cfg.MCP.ReconnectBackoff, cfg.MCP.MaxReconnectAttempts)

	elogClient, err := elog.NewClient(cfg.ELOG.BaseURL, cfg.ELOG.APIKey, cfg.ELOG.Timeout)
	if err != nil {
		return nil, fmt.Errorf("elog client: %w", err)
	}

	reranker := rerank.New(rerank.Config{
		HalfLifeHours:  cfg.Rerank.HalfLifeHours,
		MaxPerCategory: cfg.Rerank.MaxPerCategory,
	}, logger, func() (rerank.CrossEncoder, error) {
		if !cfg.Rerank.Enabled {
			return nil, fmt.Errorf("cross-encoder reranking disabled by config")
		}
		return rerank.NewHTTPCrossEncoder(cfg.Rerank.BaseURL, cfg.Rerank.Model, cfg.Rerank.Timeout), nil
	})

	elogCore := elog.NewCore(elogClient, reranker, logger, cfg.ELOG.ParallelReaders, cfg.ELOG.DefaultMaxResults)

	var graphAdapter *graph.Adapter
	if cfg.Graph.Enabled {
		graphAdapter, err = graph.NewAdapter(cfg.Graph.BaseURL, cfg.Graph.APIKey, cfg.Graph.Timeout, reranker, logger)
		if err != nil {
			return nil, fmt.Errorf("graph adapter: %w", err)
		}
	}

	provider, err := providers.NewProviderWithFallback(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}

	registry := orchestrator.NewToolRegistry()

	loopCfg := orchestrator.LoopConfig{
		MaxIterations:   cfg.Orchestrator.MaxIterations,
		MaxCallsPerTool: cfg.Orchestrator.MaxCallsPerTool,
		MaxTotalCalls:   cfg.Orchestrator.MaxTotalCalls,
		DecisionTimeout: cfg.Orchestrator.DecisionTimeout,
	}
	defaultModel := cfg.LLM.Providers[cfg.LLM.DefaultProvider].DefaultModel
	loop := orchestrator.NewLoop(provider, registry, defaultModel, loopCfg, logger)

	store := sessions.NewMemoryStore()
	pruning := promptctx.DefaultContextPruningSettings()
	if !cfg.Session.ContextPruning.Enabled {
		pruning.Mode = promptctx.ContextPruningOff
	}
	turnBuilder := promptctx.NewTurnBuilder(store, pruning)

	return &service{
		cfg:          cfg,
		mcpManager:   mcpManager,
		hub:          hub,
		elogCore:     elogCore,
		graphAdapter: graphAdapter,
		registry:     registry,
		loop:         loop,
		store:        store,
		turnBuilder:  turnBuilder,
		defaultModel: defaultModel,
	}, nil
}

func toMCPConfig(cfg config.MCPConfig) *mcp.Config {
	servers := make([]*mcp.ServerConfig, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		transport := mcp.TransportType(strings.ToLower(strings.TrimSpace(s.Transport)))
		if transport == "" {
			transport = mcp.TransportStdio
		}
		servers = append(servers, &mcp.ServerConfig{
			ID:        s.Name,
			Name:      s.Name,
			Transport: transport,
			Command:   s.Command,
			Args:      s.Args,
			URL:       s.URL,
			Timeout:   s.Timeout,
			AutoStart: true,
		})
	}
	return &mcp.Config{Enabled: len(servers) > 0, Servers: servers}
}

// queryRequest is the body of POST /v1/query.
type queryRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	Model     string `json:"model,omitempty"`
}

// queryResponse is the JSON shape returned by POST /v1/query.
type queryResponse struct {
	Answer  string                   `json:"answer,omitempty"`
	AskUser string                   `json:"ask_user,omitempty"`
	Log     []models.ToolInvocation  `json:"log,omitempty"`
}

func (s *service) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/query", s.handleQuery)
	return mux
}

func (s *service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	var servers []mcp.ServerStatus
	if s.mcpManager != nil {
		servers = s.mcpManager.Status()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Status      string            `json:"status"`
		ToolServers []mcp.ServerStatus `json:"tool_servers,omitempty"`
	}{
		Status:      "ok",
		ToolServers: servers,
	})
}

func (s *service) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	model := req.Model
	if model == "" {
		model = s.defaultModel
	}

	settings := models.TurnSettings{
		Model:        model,
		ToolsEnabled: true,
	}
	settings.Normalize()

	turn, err := s.turnBuilder.BuildTurn(r.Context(), uuid.NewString(), req.SessionID, req.Query, model, nil, settings)
	if err != nil {
		http.Error(w, fmt.Sprintf("build turn: %v", err), http.StatusInternalServerError)
		return
	}

	tools := s.registry.Descriptors()
	outcome, err := s.loop.Run(r.Context(), turn, tools, nil)
	if err != nil {
		http.Error(w, fmt.Sprintf("orchestrator run: %v", err), http.StatusInternalServerError)
		return
	}

	if err := s.appendTurnToSession(r.Context(), req.SessionID, req.Query, outcome); err != nil {
		slog.Warn("failed to persist turn to session history", "error", err, "session_id", req.SessionID)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(queryResponse{
		Answer:  outcome.Answer,
		AskUser: outcome.AskUser,
		Log:     outcome.Log,
	})
}

func (s *service) appendTurnToSession(ctx context.Context, sessionID, query string, outcome *orchestrator.Outcome) error {
	if _, err := s.store.GetOrCreate(ctx, sessionID, "facility-assistant", models.ChannelAPI, sessionID); err != nil {
		return fmt.Errorf("get or create session: %w", err)
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Channel:   models.ChannelAPI,
		Role:      models.RoleUser,
		Content:   query,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendMessage(ctx, sessionID, userMsg); err != nil {
		return err
	}

	content := outcome.Answer
	if content == "" {
		content = outcome.AskUser
	}
	assistantMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Channel:   models.ChannelAPI,
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now(),
	}
	return s.store.AppendMessage(ctx, sessionID, assistantMsg)
}
