package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// LegacyMaxIterations is the iteration bound used by the older router-style
// agent. The autonomous planner standardizes on MaxIterations instead.
const LegacyMaxIterations = 5

// Default bounds for a Turn's tool usage, overridable per-turn.
const (
	DefaultMaxIterations   = 3
	DefaultMaxCallsPerTool = 3
	DefaultMaxTotalCalls   = 8
	DefaultMaxHistory      = 6
)

// TurnFile is an uploaded file attached to a Turn, summarized or presented
// in full depending on which C9 context builder is invoked.
type TurnFile struct {
	Name    string `json:"name"`
	IsImage bool   `json:"is_image"`
	Preview string `json:"preview,omitempty"`
	Text    string `json:"text,omitempty"`
}

// TurnSettings carries the turn-scoped configuration options from §6.
type TurnSettings struct {
	Model                string  `json:"model"`
	Temperature          float64 `json:"temperature"`
	SystemPromptTemplate string  `json:"system_prompt_template"`
	ToolsEnabled         bool    `json:"tools_enabled"`
	MaxIterations        int     `json:"max_iterations"`
	MaxHistoryMessages   int     `json:"max_history_messages"`
}

// Normalize fills turn settings with their documented defaults.
func (s *TurnSettings) Normalize() {
	if s.MaxIterations < 1 {
		s.MaxIterations = DefaultMaxIterations
	}
	if s.MaxHistoryMessages <= 0 {
		s.MaxHistoryMessages = DefaultMaxHistory
	}
}

// HistoryMessage is one prior message fed into conversation context.
type HistoryMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Turn is one user question within a session and everything gathered to answer it.
type Turn struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Query     string           `json:"query"`
	History   []HistoryMessage `json:"history"`
	Files     []TurnFile       `json:"files,omitempty"`
	Settings  TurnSettings     `json:"settings"`

	Iteration int          `json:"iteration"`
	Ledger    *UsageLedger `json:"-"`
	Log       []ToolInvocation `json:"log"`

	CreatedAt time.Time `json:"created_at"`
}

// NewTurn constructs a Turn with normalized settings and a fresh ledger.
func NewTurn(id, sessionID, query string, history []HistoryMessage, files []TurnFile, settings TurnSettings) *Turn {
	settings.Normalize()
	return &Turn{
		ID:        id,
		SessionID: sessionID,
		Query:     query,
		History:   history,
		Files:     files,
		Settings:  settings,
		Ledger:    NewUsageLedger(),
		CreatedAt: time.Now(),
	}
}

// ToolDescriptor describes one tool the agent may invoke, immutable for the session.
type ToolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OwningServer string          `json:"owning_server"`
}

// PlanAction names the kind of step a PlanStep performs.
type PlanAction string

const (
	ActionToolCall  PlanAction = "tool_call"
	ActionEvaluate  PlanAction = "evaluate"
	ActionSynthesize PlanAction = "synthesize"
)

// ToolSelection is one proposed tool invocation within a PlanStep.
type ToolSelection struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	Reasoning string          `json:"reasoning"`
}

// PlanStep is one unit of work in a Plan.
type PlanStep struct {
	StepID             string          `json:"step_id"`
	Action             PlanAction      `json:"action"`
	ToolInvocations    []ToolSelection `json:"tool_invocations,omitempty"`
	EvaluationCriteria string          `json:"evaluation_criteria,omitempty"`
	DependsOn          string          `json:"depends_on,omitempty"`
}

// PlanStrategy classifies how a Plan intends to answer a Turn.
type PlanStrategy string

const (
	StrategyDirect    PlanStrategy = "direct"
	StrategyMultiTool PlanStrategy = "multi_tool"
	StrategyNone      PlanStrategy = "none"
)

// Plan is the LLM-produced, schema-validated procedure for a Turn.
type Plan struct {
	Strategy   PlanStrategy `json:"strategy"`
	Confidence float64      `json:"confidence"`
	Reasoning  string       `json:"reasoning"`
	Steps      []PlanStep   `json:"steps"`
}

// ToolInvocation records one executed (or attempted) tool call in the turn's log.
type ToolInvocation struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	Timestamp time.Time       `json:"timestamp"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ArgsHash returns a stable fingerprint of (tool name, canonical arguments)
// used by UsageLedger to reject duplicate invocations.
func ArgsHash(toolName string, arguments json.RawMessage) string {
	var canon any
	if len(arguments) > 0 {
		_ = json.Unmarshal(arguments, &canon)
	}
	canonBytes, _ := json.Marshal(canon)
	sum := sha256.Sum256(append([]byte(toolName+"\x00"), canonBytes...))
	return hex.EncodeToString(sum[:])
}

// UsageLedger enforces per-turn tool-call bounds (§3, invariants I1/I2).
type UsageLedger struct {
	MaxCallsPerTool int
	MaxTotalCalls   int

	perTool map[string]int
	seen    map[string]bool
	total   int
}

// NewUsageLedger returns a ledger using the documented defaults.
func NewUsageLedger() *UsageLedger {
	return &UsageLedger{
		MaxCallsPerTool: DefaultMaxCallsPerTool,
		MaxTotalCalls:   DefaultMaxTotalCalls,
		perTool:         map[string]int{},
		seen:            map[string]bool{},
	}
}

// Admit reports whether an invocation of toolName with arguments would be
// allowed under the ledger's invariants, without recording it.
func (l *UsageLedger) Admit(toolName string, arguments json.RawMessage) (bool, string) {
	if l.total >= l.MaxTotalCalls {
		return false, "total tool call budget exhausted"
	}
	if l.perTool[toolName] >= l.MaxCallsPerTool {
		return false, "per-tool call budget exhausted for " + toolName
	}
	if l.seen[ArgsHash(toolName, arguments)] {
		return false, "duplicate invocation of " + toolName + " with identical arguments"
	}
	return true, ""
}

// Record admits and records an invocation, returning false with a reason if
// it was rejected by policy.
func (l *UsageLedger) Record(toolName string, arguments json.RawMessage) (bool, string) {
	ok, reason := l.Admit(toolName, arguments)
	if !ok {
		return false, reason
	}
	l.perTool[toolName]++
	l.seen[ArgsHash(toolName, arguments)] = true
	l.total++
	return true, ""
}

// Total returns the number of invocations recorded so far.
func (l *UsageLedger) Total() int {
	return l.total
}

// PerTool returns the invocation count recorded for toolName.
func (l *UsageLedger) PerTool(toolName string) int {
	return l.perTool[toolName]
}

// EvaluationVerdict is EVALUATE's judgment of the current turn's evidence.
type EvaluationVerdict struct {
	Adequate    bool   `json:"adequate"`
	Reasoning   string `json:"reasoning"`
	Refinement  string `json:"refinement,omitempty"`
}
