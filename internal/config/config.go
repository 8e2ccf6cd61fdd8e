// Package config loads and validates the agent's runtime configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for the agent orchestrator and retrieval core.
type Config struct {
	Version int `yaml:"version"`

	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	LLM          LLMConfig          `yaml:"llm"`
	MCP          MCPConfig          `yaml:"mcp"`
	Session      SessionConfig      `yaml:"session"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	ELOG         ELOGConfig         `yaml:"elog"`
	Graph        GraphConfig        `yaml:"graph"`
	Rerank       RerankConfig       `yaml:"rerank"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig configures the process's network listeners.
type ServerConfig struct {
	Host        string `yaml:"host"`
	GRPCPort    int    `yaml:"grpc_port"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// DatabaseConfig configures the session store backend.
type DatabaseConfig struct {
	// Driver names the session store backend: "memory", "postgres", or "sqlite".
	// Default: memory. The service does not read it and always uses the
	// in-memory store.
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// MCPConfig configures the tool transport layer's upstream tool servers.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`

	// ReconnectBackoff is the fixed backoff schedule used between reconnect
	// attempts before a tool server is marked unavailable.
	ReconnectBackoff []time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts bounds how many times a failed tool server is retried.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// MCPServerConfig describes a single upstream tool server.
type MCPServerConfig struct {
	Name string `yaml:"name"`

	// Transport is "stdio" or "http".
	Transport string   `yaml:"transport"`
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	URL       string   `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
}

// SessionConfig configures conversation history persistence and pruning.
type SessionConfig struct {
	// MaxHistoryMessages is parsed but not read by the service; the history
	// bound comes from the turn's own settings (TurnSettings.MaxHistoryMessages).
	MaxHistoryMessages int `yaml:"max_history_messages"`

	ContextPruning ContextPruningConfig `yaml:"context_pruning"`
}

// ContextPruningConfig configures how older turns are summarized or dropped
// once the assembled context approaches the model's token budget.
type ContextPruningConfig struct {
	Enabled bool `yaml:"enabled"`

	// TokenBudget, KeepRecentTurns and Strategy are parsed but not read by
	// the service; only Enabled switches pruning on or off.
	TokenBudget int `yaml:"token_budget"`

	KeepRecentTurns int `yaml:"keep_recent_turns"`

	// Strategy is "truncate" or "summarize".
	Strategy string `yaml:"strategy"`
}

// OrchestratorConfig configures the agent loop's bounds.
type OrchestratorConfig struct {
	// MaxIterations bounds SELECT_TOOLS -> EXECUTE -> EVALUATE -> REFINE cycles.
	// Default: 3.
	MaxIterations int `yaml:"max_iterations"`

	// MaxCallsPerTool bounds repeated invocation of a single tool within a turn.
	// Default: 3.
	MaxCallsPerTool int `yaml:"max_calls_per_tool"`

	// MaxTotalCalls bounds total tool calls across a turn.
	// Default: 8.
	MaxTotalCalls int `yaml:"max_total_calls"`

	// DecisionTimeout bounds each LLM decision call (DECIDE_TOOLS, SELECT_TOOLS, EVALUATE).
	DecisionTimeout time.Duration `yaml:"decision_timeout"`
}

// ELOGConfig configures the electronic logbook retrieval core.
type ELOGConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`

	// ParallelReaders bounds concurrent bulk-read fetches. Default: 10.
	ParallelReaders int `yaml:"parallel_readers"`

	// DefaultMaxResults is used when a search request omits one. Default: 20.
	DefaultMaxResults int `yaml:"default_max_results"`
}

// GraphConfig configures the opaque knowledge-graph retrieval adapter.
type GraphConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// RerankConfig configures the cross-encoder reranking stage.
type RerankConfig struct {
	// Enabled turns on the cross-encoder pass. When false, hits are returned
	// in timestamp-descending order.
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	Timeout time.Duration `yaml:"timeout"`

	// HalfLifeHours controls the recency boost decay. Default: 48.
	HalfLifeHours float64 `yaml:"half_life_hours"`

	// MaxPerCategory caps how many hits from one category survive diversity
	// selection, relaxed only if it would starve the result set. Default: 5.
	MaxPerCategory int `yaml:"max_per_category"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error". Default: info.
	Level string `yaml:"level"`

	// Format is "json" or "text". Default: json.
	Format string `yaml:"format"`
}

// Load reads, expands, validates, and defaults the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applyMCPDefaults(&cfg.MCP)
	applySessionDefaults(&cfg.Session)
	applyOrchestratorDefaults(&cfg.Orchestrator)
	applyELOGDefaults(&cfg.ELOG)
	applyRerankDefaults(&cfg.Rerank)
	applyLoggingDefaults(&cfg.Logging)
}

func applyServerDefaults(cfg *ServerConfig) {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.GRPCPort == 0 {
		cfg.GRPCPort = 50051
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if strings.TrimSpace(cfg.Driver) == "" {
		cfg.Driver = "memory"
	}
}

func applyMCPDefaults(cfg *MCPConfig) {
	if len(cfg.ReconnectBackoff) == 0 {
		cfg.ReconnectBackoff = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond}
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = len(cfg.ReconnectBackoff)
	}
	for i := range cfg.Servers {
		if cfg.Servers[i].Timeout == 0 {
			cfg.Servers[i].Timeout = 30 * time.Second
		}
	}
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.MaxHistoryMessages == 0 {
		cfg.MaxHistoryMessages = 6
	}
	if cfg.ContextPruning.TokenBudget == 0 {
		cfg.ContextPruning.TokenBudget = 32000
	}
	if cfg.ContextPruning.KeepRecentTurns == 0 {
		cfg.ContextPruning.KeepRecentTurns = 3
	}
	if strings.TrimSpace(cfg.ContextPruning.Strategy) == "" {
		cfg.ContextPruning.Strategy = "truncate"
	}
}

func applyOrchestratorDefaults(cfg *OrchestratorConfig) {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 3
	}
	if cfg.MaxCallsPerTool == 0 {
		cfg.MaxCallsPerTool = 3
	}
	if cfg.MaxTotalCalls == 0 {
		cfg.MaxTotalCalls = 8
	}
	if cfg.DecisionTimeout == 0 {
		cfg.DecisionTimeout = 30 * time.Second
	}
}

func applyELOGDefaults(cfg *ELOGConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ParallelReaders == 0 {
		cfg.ParallelReaders = 10
	}
	if cfg.DefaultMaxResults == 0 {
		cfg.DefaultMaxResults = 20
	}
}

func applyRerankDefaults(cfg *RerankConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HalfLifeHours == 0 {
		cfg.HalfLifeHours = 48
	}
	if cfg.MaxPerCategory == 0 {
		cfg.MaxPerCategory = 5
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if strings.TrimSpace(cfg.Level) == "" {
		cfg.Level = "info"
	}
	if strings.TrimSpace(cfg.Format) == "" {
		cfg.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if value := strings.TrimSpace(os.Getenv("AGENT_HOST")); value != "" {
		cfg.Server.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("AGENT_GRPC_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.GRPCPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("AGENT_HTTP_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("DATABASE_URL")); value != "" {
		cfg.Database.URL = value
	}
	if value := strings.TrimSpace(os.Getenv("ELOG_API_KEY")); value != "" {
		cfg.ELOG.APIKey = value
	}
	if value := strings.TrimSpace(os.Getenv("GRAPH_API_KEY")); value != "" {
		cfg.Graph.APIKey = value
	}
}

// ConfigValidationError reports one or more configuration problems.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	defaultProvider := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if defaultProvider != "" {
		if _, ok := cfg.LLM.Providers[defaultProvider]; !ok {
			issues = append(issues, fmt.Sprintf("llm.default_provider %q has no matching entry in llm.providers", cfg.LLM.DefaultProvider))
		}
	}

	if cfg.Orchestrator.MaxIterations < 1 {
		issues = append(issues, "orchestrator.max_iterations must be >= 1")
	}
	if cfg.Orchestrator.MaxCallsPerTool < 1 {
		issues = append(issues, "orchestrator.max_calls_per_tool must be >= 1")
	}
	if cfg.Orchestrator.MaxTotalCalls < cfg.Orchestrator.MaxCallsPerTool {
		issues = append(issues, "orchestrator.max_total_calls must be >= orchestrator.max_calls_per_tool")
	}

	if cfg.Session.MaxHistoryMessages < 0 {
		issues = append(issues, "session.max_history_messages must be >= 0")
	}
	if !validPruningStrategy(cfg.Session.ContextPruning.Strategy) {
		issues = append(issues, "session.context_pruning.strategy must be \"truncate\" or \"summarize\"")
	}

	if cfg.ELOG.ParallelReaders < 1 {
		issues = append(issues, "elog.parallel_readers must be >= 1")
	}
	if strings.TrimSpace(cfg.ELOG.BaseURL) == "" {
		issues = append(issues, "elog.base_url is required")
	}

	if cfg.Rerank.MaxPerCategory < 1 {
		issues = append(issues, "rerank.max_per_category must be >= 1")
	}
	if cfg.Rerank.HalfLifeHours <= 0 {
		issues = append(issues, "rerank.half_life_hours must be > 0")
	}

	if !validLogLevel(cfg.Logging.Level) {
		issues = append(issues, "logging.level must be \"debug\", \"info\", \"warn\", or \"error\"")
	}
	if !validLogFormat(cfg.Logging.Format) {
		issues = append(issues, "logging.format must be \"json\" or \"text\"")
	}

	if !validDriver(cfg.Database.Driver) {
		issues = append(issues, "database.driver must be \"memory\", \"postgres\", or \"sqlite\"")
	}

	for i, server := range cfg.MCP.Servers {
		if strings.TrimSpace(server.Name) == "" {
			issues = append(issues, fmt.Sprintf("mcp.servers[%d].name is required", i))
		}
		if server.Transport != "stdio" && server.Transport != "http" {
			issues = append(issues, fmt.Sprintf("mcp.servers[%d].transport must be \"stdio\" or \"http\"", i))
		}
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

func validPruningStrategy(s string) bool {
	return s == "truncate" || s == "summarize"
}

func validLogLevel(s string) bool {
	switch s {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func validLogFormat(s string) bool {
	return s == "json" || s == "text"
}

func validDriver(s string) bool {
	switch s {
	case "memory", "postgres", "sqlite":
		return true
	}
	return false
}
