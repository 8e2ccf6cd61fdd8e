package orchestrator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/psi/logbook-agent/internal/toolhub"
	"github.com/psi/logbook-agent/pkg/models"
)

// hubTool adapts a single tool published by toolhub.Hub (MCP transport) to
// the local Tool interface the Executor dispatches against.
type hubTool struct {
	hub  *toolhub.Hub
	desc models.ToolDescriptor
}

func (t *hubTool) Name() string           { return t.desc.Name }
func (t *hubTool) Description() string    { return t.desc.Description }
func (t *hubTool) Schema() json.RawMessage { return t.desc.InputSchema }

func (t *hubTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var args map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return &ToolResult{Content: "invalid tool arguments: " + err.Error(), IsError: true}, nil
		}
	}

	result, err := t.hub.Call(ctx, t.desc.Name, args)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}

	var parts []string
	for _, c := range result.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return &ToolResult{Content: strings.Join(parts, "\n"), IsError: result.IsError}, nil
}

// RegisterHubTools populates registry with every tool currently published by
// hub, so the EXECUTE phase dispatches through the real tool transport (§4.2).
func RegisterHubTools(registry *ToolRegistry, hub *toolhub.Hub) {
	for _, desc := range hub.Descriptors() {
		registry.Register(&hubTool{hub: hub, desc: desc})
	}
}
