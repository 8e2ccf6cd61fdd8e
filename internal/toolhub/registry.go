// Package toolhub builds the session's Tool Registry from configured MCP
// servers and re-dispatches calls through them with reconnect backoff.
package toolhub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/psi/logbook-agent/internal/backoff"
	"github.com/psi/logbook-agent/internal/mcp"
	"github.com/psi/logbook-agent/pkg/models"
)

// Hub owns a Manager's connections and the merged Tool Registry built from
// them at session start. It is read-only after Bootstrap (§5 shared-resource
// policy).
type Hub struct {
	manager *mcp.Manager
	logger  *slog.Logger

	backoffPolicy   backoff.BackoffPolicy
	maxReconnects   int

	mu        sync.RWMutex
	tools     map[string]models.ToolDescriptor // name -> descriptor, last-loaded wins
	owners    map[string]string                // tool name -> server id
	unavailable map[string]bool
}

// NewHub wraps an already-constructed mcp.Manager.
func NewHub(manager *mcp.Manager, logger *slog.Logger, reconnectBackoff []time.Duration, maxReconnects int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	policy := backoff.BackoffPolicy{InitialMs: 100, Factor: 4, MaxMs: 1600, Jitter: 0}
	if len(reconnectBackoff) >= 2 {
		policy.InitialMs = float64(reconnectBackoff[0].Milliseconds())
		policy.MaxMs = float64(reconnectBackoff[len(reconnectBackoff)-1].Milliseconds())
		policy.Factor = float64(reconnectBackoff[1].Milliseconds()) / policy.InitialMs
	}
	if maxReconnects <= 0 {
		maxReconnects = 3
	}
	return &Hub{
		manager:       manager,
		logger:        logger.With("component", "toolhub"),
		backoffPolicy: policy,
		maxReconnects: maxReconnects,
		tools:         map[string]models.ToolDescriptor{},
		owners:        map[string]string{},
		unavailable:   map[string]bool{},
	}
}

// Bootstrap connects to every configured server, lists its tools, and merges
// them into the registry keyed by tool name. Conflicts: last-loaded wins,
// logged (§4.2).
func (h *Hub) Bootstrap(ctx context.Context) error {
	if err := h.manager.Start(ctx); err != nil {
		return fmt.Errorf("starting tool servers: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for serverID, client := range h.manager.Clients() {
		for _, tool := range client.Tools() {
			if existing, ok := h.tools[tool.Name]; ok {
				h.logger.Warn("tool name conflict, last-loaded wins",
					"tool", tool.Name, "previous_server", existing.OwningServer, "server", serverID)
			}
			h.tools[tool.Name] = models.ToolDescriptor{
				Name:         tool.Name,
				Description:  tool.Description,
				InputSchema:  json.RawMessage(tool.InputSchema),
				OwningServer: serverID,
			}
			h.owners[tool.Name] = serverID
		}
	}

	return nil
}

// Descriptors returns a snapshot of every registered tool.
func (h *Hub) Descriptors() []models.ToolDescriptor {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.ToolDescriptor, 0, len(h.tools))
	for _, d := range h.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the descriptor for name, if registered and not marked unavailable.
func (h *Hub) Lookup(name string) (models.ToolDescriptor, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.unavailable[name] {
		return models.ToolDescriptor{}, false
	}
	d, ok := h.tools[name]
	return d, ok
}

// Call invokes name with arguments. Each failed call disconnects and
// immediately reconnects the owning server; the next call attempt follows
// after the backoff wait (100ms, then 400ms with the default policy). After
// maxReconnects failed attempts the tool is marked unavailable (§4.2); no
// wait follows the last attempt, so with 3 attempts there is no 1.6s wait.
func (h *Hub) Call(ctx context.Context, name string, arguments map[string]any) (*mcp.ToolCallResult, error) {
	h.mu.RLock()
	serverID, ok := h.owners[name]
	unavailable := h.unavailable[name]
	h.mu.RUnlock()
	if unavailable {
		return nil, fmt.Errorf("tool %q is marked unavailable", name)
	}
	if !ok {
		return nil, fmt.Errorf("tool %q not found in registry", name)
	}

	result, err := backoff.RetryWithBackoff(ctx, h.backoffPolicy, h.maxReconnects, func(attempt int) (*mcp.ToolCallResult, error) {
		res, callErr := h.manager.CallTool(ctx, serverID, name, arguments)
		if callErr == nil {
			return res, nil
		}
		h.logger.Warn("tool call failed, reconnecting",
			"tool", name, "server", serverID, "attempt", attempt, "error", callErr)
		_ = h.manager.Disconnect(serverID)
		if connErr := h.manager.Connect(ctx, serverID); connErr != nil {
			return nil, connErr
		}
		return nil, callErr
	})
	if err != nil {
		h.mu.Lock()
		h.unavailable[name] = true
		h.mu.Unlock()
		h.logger.Error("tool unavailable after exhausting reconnect attempts", "tool", name, "server", serverID)
		return nil, fmt.Errorf("tool %q unavailable: %w", name, err)
	}

	return result.Value, nil
}
