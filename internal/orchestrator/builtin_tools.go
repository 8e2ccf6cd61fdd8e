package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/psi/logbook-agent/internal/datetime"
	"github.com/psi/logbook-agent/internal/elog"
	"github.com/psi/logbook-agent/internal/graph"
	"github.com/psi/logbook-agent/pkg/models"
)

// The four tool contracts in §6 are exposed to the agent as ordinary Tools
// backed directly by the ELOG and Graph retrieval cores, the same way
// hubTool exposes remote MCP tools. They are registered alongside whatever
// the tool transport publishes, so a name conflict follows the same
// last-loaded-wins rule as RegisterHubTools.

const searchELOGSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string"},
    "since": {"type": "string"},
    "until": {"type": "string"},
    "category": {"type": "string"},
    "system": {"type": "string"},
    "domain": {"type": "string"},
    "max_results": {"type": "integer"}
  }
}`

const threadSchema = `{
  "type": "object",
  "properties": {
    "message_id": {"type": "integer"},
    "include_replies": {"type": "boolean"},
    "include_parents": {"type": "boolean"}
  },
  "required": ["message_id"]
}`

const searchGraphSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string"},
    "accelerator": {"type": "string", "enum": ["hipa", "proscan", "sls", "swissfel", "all"]},
    "retriever": {"type": "string", "enum": ["dense", "sparse", "hybrid", "both"]},
    "limit": {"type": "integer"}
  },
  "required": ["query"]
}`

const relatedContentSchema = `{
  "type": "object",
  "properties": {
    "article_id": {"type": "string"},
    "max_depth": {"type": "integer"}
  },
  "required": ["article_id"]
}`

// elogSearchTool wraps elog.Core.Search as search_elog (§6).
type elogSearchTool struct{ core *elog.Core }

func (t *elogSearchTool) Name() string        { return "search_elog" }
func (t *elogSearchTool) Description() string { return "Search the electronic logbook by keyword, regex, or structured attribute filters." }
func (t *elogSearchTool) Schema() json.RawMessage { return json.RawMessage(searchELOGSchema) }

func (t *elogSearchTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var args struct {
		Query      string `json:"query"`
		Since      string `json:"since"`
		Until      string `json:"until"`
		Category   string `json:"category"`
		System     string `json:"system"`
		Domain     string `json:"domain"`
		MaxResults int    `json:"max_results"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return &ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
		}
	}

	result, err := t.core.Search(ctx, elog.SearchRequest{
		Query: args.Query, Since: args.Since, Until: args.Until,
		Category: args.Category, System: args.System, Domain: args.Domain,
		MaxResults: args.MaxResults,
	})
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}
	annotateELOGAge(result.Hits)
	return &ToolResult{Content: encodeResult(result)}, nil
}

// elogThreadTool wraps elog.Core.Thread as get_elog_thread (§6).
type elogThreadTool struct{ core *elog.Core }

func (t *elogThreadTool) Name() string        { return "get_elog_thread" }
func (t *elogThreadTool) Description() string { return "Assemble the reply/parent thread graph around a logbook entry." }
func (t *elogThreadTool) Schema() json.RawMessage { return json.RawMessage(threadSchema) }

func (t *elogThreadTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	args := struct {
		MessageID      int   `json:"message_id"`
		IncludeReplies *bool `json:"include_replies"`
		IncludeParents *bool `json:"include_parents"`
	}{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return &ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
		}
	}
	includeReplies := args.IncludeReplies == nil || *args.IncludeReplies
	includeParents := args.IncludeParents == nil || *args.IncludeParents

	result, err := t.core.Thread(ctx, args.MessageID, includeReplies, includeParents)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}
	annotateELOGAge(result.Hits)
	return &ToolResult{Content: encodeResult(result)}, nil
}

// graphSearchTool wraps graph.Adapter.Search as search_accelerator_knowledge (§6).
type graphSearchTool struct{ adapter *graph.Adapter }

func (t *graphSearchTool) Name() string        { return "search_accelerator_knowledge" }
func (t *graphSearchTool) Description() string { return "Semantic search over the accelerator knowledge graph, scoped to a facility and retriever mode." }
func (t *graphSearchTool) Schema() json.RawMessage { return json.RawMessage(searchGraphSchema) }

func (t *graphSearchTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var args struct {
		Query       string `json:"query"`
		Accelerator string `json:"accelerator"`
		Retriever   string `json:"retriever"`
		Limit       int    `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return &ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
		}
	}
	accelerator := models.Accelerator(strings.ToLower(args.Accelerator))
	if accelerator == "" {
		accelerator = models.AcceleratorAll
	}
	retriever := models.NormalizeRetriever(args.Retriever)

	result, err := t.adapter.Search(ctx, args.Query, accelerator, retriever, args.Limit)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}
	annotateGraphAge(result.Hits)
	return &ToolResult{Content: encodeResult(result)}, nil
}

// graphRelatedTool wraps graph.Adapter.Related as get_related_content (§6).
type graphRelatedTool struct{ adapter *graph.Adapter }

func (t *graphRelatedTool) Name() string        { return "get_related_content" }
func (t *graphRelatedTool) Description() string { return "Traverse the knowledge graph outward from an article up to a bounded depth." }
func (t *graphRelatedTool) Schema() json.RawMessage { return json.RawMessage(relatedContentSchema) }

func (t *graphRelatedTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var args struct {
		ArticleID string `json:"article_id"`
		MaxDepth  int    `json:"max_depth"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return &ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
		}
	}
	result, err := t.adapter.Related(ctx, args.ArticleID, args.MaxDepth)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}
	annotateGraphAge(result.Hits)
	return &ToolResult{Content: encodeResult(result)}, nil
}

// annotateELOGAge fills in each hit's human-readable age so the model doesn't
// have to do timestamp arithmetic itself to judge recency.
func annotateELOGAge(hits []*models.ELOGHit) {
	now := time.Now()
	for _, h := range hits {
		if !h.Timestamp.IsZero() {
			h.RelativeAge = datetime.FormatRelativeTime(h.Timestamp, now)
		}
	}
}

func annotateGraphAge(hits []*models.GraphHit) {
	now := time.Now()
	for _, h := range hits {
		if !h.Timestamp.IsZero() {
			h.RelativeAge = datetime.FormatRelativeTime(h.Timestamp, now)
		}
	}
}

func encodeResult(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// RegisterRetrievalTools wires the ELOG and (optional) Graph retrieval cores
// into registry as the stable tool subset of §6. graphAdapter may be nil
// when the knowledge-graph backend is disabled, in which case only the
// ELOG-backed tools are registered.
func RegisterRetrievalTools(registry *ToolRegistry, elogCore *elog.Core, graphAdapter *graph.Adapter) {
	if elogCore != nil {
		registry.Register(&elogSearchTool{core: elogCore})
		registry.Register(&elogThreadTool{core: elogCore})
	}
	if graphAdapter != nil {
		registry.Register(&graphSearchTool{adapter: graphAdapter})
		registry.Register(&graphRelatedTool{adapter: graphAdapter})
	}
}
