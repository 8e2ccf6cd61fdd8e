// Package orchestrator drives one Turn through the state machine described
// in the agent orchestrator design: START -> DECIDE_TOOLS -> {ANSWER_DIRECT,
// SELECT_TOOLS} -> EXECUTE -> EVALUATE -> {SYNTHESIZE, REFINE, ASK_USER}.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	providers "github.com/psi/logbook-agent/internal/llm"
	"github.com/psi/logbook-agent/internal/promptctx"
	"github.com/psi/logbook-agent/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// LoopConfig bounds the state machine's iteration and concurrency behavior.
type LoopConfig struct {
	MaxIterations   int
	MaxCallsPerTool int
	MaxTotalCalls   int
	DecisionTimeout time.Duration
}

// DefaultLoopConfig mirrors the orchestrator's published defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:   3,
		MaxCallsPerTool: 3,
		MaxTotalCalls:   8,
		DecisionTimeout: 30 * time.Second,
	}
}

// Loop is the agent orchestrator (C8): it owns the LLM provider used for
// DECIDE_TOOLS/SELECT_TOOLS/EVALUATE/SYNTHESIZE and the tool registry/executor
// used for EXECUTE.
type Loop struct {
	provider providers.LLMProvider
	registry *ToolRegistry
	executor *Executor
	model    string
	cfg      LoopConfig
	logger   *slog.Logger
}

// NewLoop constructs the orchestrator around an already-bootstrapped registry.
func NewLoop(provider providers.LLMProvider, registry *ToolRegistry, model string, cfg LoopConfig, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	execCfg := DefaultExecutorConfig()
	return &Loop{
		provider: provider,
		registry: registry,
		executor: NewExecutor(registry, execCfg),
		model:    model,
		cfg:      cfg,
		logger:   logger.With("component", "orchestrator"),
	}
}

// Outcome is the final disposition of a turn.
type Outcome struct {
	Phase     LoopPhase
	Answer    string
	AskUser   string
	Log       []models.ToolInvocation
	Verdicts  []models.EvaluationVerdict
	Iteration int
}

// Run drives turn through the full state machine. onToken is called once per
// streamed chunk during SYNTHESIZE; it may be nil.
func (l *Loop) Run(ctx context.Context, turn *models.Turn, tools []models.ToolDescriptor, onToken func(string)) (*Outcome, error) {
	turn.Settings.Normalize()
	ledger := models.NewUsageLedger()
	ledger.MaxCallsPerTool = l.cfg.MaxCallsPerTool
	ledger.MaxTotalCalls = l.cfg.MaxTotalCalls
	turn.Ledger = ledger

	byName := make(map[string]models.ToolDescriptor, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	out := &Outcome{Phase: PhaseStart}

	needsTools := turn.Settings.ToolsEnabled
	if needsTools {
		var err error
		needsTools, err = l.decideTools(ctx, turn, tools)
		if err != nil {
			return nil, &LoopError{Phase: PhaseDecideTools, Iteration: turn.Iteration, Cause: err}
		}
	}
	if !needsTools {
		answer, err := l.synthesize(ctx, turn, nil, onToken)
		if err != nil {
			return nil, &LoopError{Phase: PhaseAnswerDirect, Iteration: turn.Iteration, Cause: err}
		}
		out.Phase = PhaseAnswerDirect
		out.Answer = answer
		return out, nil
	}

	refinement := ""

	for {
		plan, err := l.selectTools(ctx, turn, tools, byName, ledger, refinement)
		if err != nil {
			return nil, &LoopError{Phase: PhaseSelectTools, Iteration: turn.Iteration, Cause: err}
		}

		results := l.execute(ctx, turn, ledger, plan)
		turn.Log = append(turn.Log, invocationsFromResults(results)...)

		verdict, err := l.evaluate(ctx, turn, results)
		if err != nil {
			verdict = models.EvaluationVerdict{Adequate: false, Refinement: "rephrase and retry"}
		}
		out.Verdicts = append(out.Verdicts, verdict)

		if verdict.Adequate {
			answer, err := l.synthesize(ctx, turn, results, onToken)
			if err != nil {
				return nil, &LoopError{Phase: PhaseSynthesize, Iteration: turn.Iteration, Cause: err}
			}
			out.Phase = PhaseSynthesize
			out.Answer = answer
			out.Iteration = turn.Iteration
			return out, nil
		}

		if turn.Iteration >= turn.Settings.MaxIterations {
			out.Phase = PhaseAskUser
			out.AskUser = l.askUser(turn, out.Verdicts)
			out.Iteration = turn.Iteration
			return out, nil
		}

		turn.Iteration++
		refinement = verdict.Refinement
		if refinement == "" {
			refinement = "rephrase and retry"
		}
	}
}

// systemPrompt builds the system block for a turn's LLM calls, substituting
// {mcp_tools_list} into system_prompt_template when one is configured (§6).
func (l *Loop) systemPrompt(turn *models.Turn, tools []models.ToolDescriptor) string {
	base := promptctx.SystemContext(time.Now())
	if turn.Settings.SystemPromptTemplate == "" {
		return base
	}
	return strings.ReplaceAll(turn.Settings.SystemPromptTemplate, "{mcp_tools_list}", promptctx.ToolsSummary(tools))
}

func (l *Loop) modelFor(turn *models.Turn) string {
	if turn.Settings.Model != "" {
		return turn.Settings.Model
	}
	return l.model
}

// decideTools is the DECIDE_TOOLS LLM call: returns whether EXECUTE-class
// tools are required for this query.
func (l *Loop) decideTools(ctx context.Context, turn *models.Turn, tools []models.ToolDescriptor) (bool, error) {
	prompt := strings.Join([]string{
		l.systemPrompt(turn, tools),
		promptctx.ConversationContext(turn.History, turn.Settings.MaxHistoryMessages),
		promptctx.FilesSummary(turn.Files),
		"Query: " + turn.Query,
		promptctx.ToolsSummary(tools),
		`Respond with a single JSON object: {"needs_tools": bool, "reasoning": string}. ` +
			`Tools are required unless the query is clearly conversational, purely about prior ` +
			`conversation, or purely about uploaded file contents.`,
	}, "\n\n")

	var decision struct {
		NeedsTools bool   `json:"needs_tools"`
		Reasoning  string `json:"reasoning"`
	}
	if err := l.completeJSON(ctx, turn, prompt, &decision); err != nil {
		l.logger.Warn("decide_tools defaulted to needs_tools=true after malformed JSON", "error", err)
		return true, nil
	}
	return decision.NeedsTools, nil
}

// selectTools is the SELECT_TOOLS LLM call: full schemas, validated against
// the registry, the schema, and the usage ledger.
func (l *Loop) selectTools(ctx context.Context, turn *models.Turn, tools []models.ToolDescriptor, byName map[string]models.ToolDescriptor, ledger *models.UsageLedger, refinement string) (*models.Plan, error) {
	var sb strings.Builder
	sb.WriteString(l.systemPrompt(turn, tools))
	sb.WriteString("\n\n")
	sb.WriteString("Query: " + turn.Query)
	sb.WriteString("\n\n")
	sb.WriteString(promptctx.ToolsDetailed(tools))
	if refinement != "" {
		sb.WriteString("\n\nRefinement suggestion from prior evaluation: " + refinement)
	}
	sb.WriteString(`

Respond with a single JSON object: {"tools": [{"tool_name": string, "arguments": object, "reasoning": string}, ...]}.`)

	var raw struct {
		Tools []models.ToolSelection `json:"tools"`
	}
	if err := l.completeJSON(ctx, turn, sb.String(), &raw); err != nil {
		return &models.Plan{Strategy: models.StrategyNone}, nil
	}

	plan := &models.Plan{Strategy: models.StrategyMultiTool}
	for _, sel := range raw.Tools {
		desc, ok := byName[sel.ToolName]
		if !ok {
			l.logger.Warn("select_tools: dropped unknown tool", "tool", sel.ToolName)
			continue
		}
		if err := validateArguments(desc.InputSchema, sel.Arguments); err != nil {
			l.logger.Warn("select_tools: dropped invalid arguments", "tool", sel.ToolName, "error", err)
			continue
		}
		if ok, reason := ledger.Admit(sel.ToolName, sel.Arguments); !ok {
			l.logger.Warn("select_tools: dropped by usage ledger", "tool", sel.ToolName, "reason", reason)
			continue
		}
		plan.Steps = append(plan.Steps, models.PlanStep{
			StepID:          uuid.NewString(),
			Action:          models.ActionToolCall,
			ToolInvocations: []models.ToolSelection{sel},
		})
	}
	return plan, nil
}

type executedCall struct {
	selection models.ToolSelection
	result    *ExecutionResult
}

// execute is the EXECUTE state: admits every surviving selection into the
// ledger, dispatches concurrently, and records results in submission order.
func (l *Loop) execute(ctx context.Context, turn *models.Turn, ledger *models.UsageLedger, plan *models.Plan) []*executedCall {
	var calls []models.ToolCall
	var selections []models.ToolSelection
	for _, step := range plan.Steps {
		for _, sel := range step.ToolInvocations {
			ledger.Record(sel.ToolName, sel.Arguments)
			calls = append(calls, models.ToolCall{ID: uuid.NewString(), Name: sel.ToolName, Input: sel.Arguments})
			selections = append(selections, sel)
		}
	}
	if len(calls) == 0 {
		return nil
	}

	results := l.executor.ExecuteAll(ctx, calls)
	out := make([]*executedCall, len(results))
	for i, r := range results {
		out[i] = &executedCall{selection: selections[i], result: r}
	}
	return out
}

// evaluate is the EVALUATE LLM call.
func (l *Loop) evaluate(ctx context.Context, turn *models.Turn, results []*executedCall) (models.EvaluationVerdict, error) {
	summary := summarizeResults(results)
	prompt := fmt.Sprintf(`Query: %s

Tool results this turn:
%s

Respond with a single JSON object: {"adequate": bool, "reasoning": string, "refinement": string}. `+
		`adequate=true requires at least one topically relevant result with enough detail to answer the question; `+
		`otherwise set adequate=false and a non-empty refinement (e.g. "switch to ELOG", "translate query to German", "add facility filter", "use dense retriever").`,
		turn.Query, summary)

	var verdict models.EvaluationVerdict
	if err := l.completeJSON(ctx, turn, prompt, &verdict); err != nil {
		return models.EvaluationVerdict{}, err
	}
	return verdict, nil
}

// synthesize is the final SYNTHESIZE LLM call, streamed token by token.
func (l *Loop) synthesize(ctx context.Context, turn *models.Turn, results []*executedCall, onToken func(string)) (string, error) {
	refs := dedupedReferences(results)
	system := l.systemPrompt(turn, nil)
	prompt := strings.Join([]string{
		system,
		"Query: " + turn.Query,
		"Tool result context:\n" + summarizeResults(results),
		"References (cite by domain-name link text):\n" + strings.Join(refs, "\n"),
		"Answer in 2-4 paragraphs. Every factual claim drawn from tool results must cite a listed reference. " +
			"Use $$...$$ for math and ![caption](url) for inline images.",
	}, "\n\n")

	req := &providers.CompletionRequest{
		Model:       l.modelFor(turn),
		System:      system,
		Messages:    []providers.CompletionMessage{{Role: "user", Content: prompt}},
		MaxTokens:   2048,
	}
	chunks, err := l.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		if chunk.Text != "" {
			sb.WriteString(chunk.Text)
			if onToken != nil {
				onToken(chunk.Text)
			}
		}
		if chunk.Done {
			break
		}
	}
	return sb.String(), nil
}

// askUser builds the ASK_USER clarification message (§4.1).
func (l *Loop) askUser(turn *models.Turn, verdicts []models.EvaluationVerdict) string {
	var tried []string
	for _, entry := range turn.Log {
		tried = append(tried, entry.ToolName)
	}
	var reasons []string
	for _, v := range verdicts {
		if v.Reasoning != "" {
			reasons = append(reasons, v.Reasoning)
		}
	}

	var sb strings.Builder
	sb.WriteString("I wasn't able to find a confident answer to \"" + turn.Query + "\".\n")
	if len(tried) > 0 {
		sb.WriteString("Tried: " + strings.Join(tried, ", ") + ".\n")
	}
	if len(reasons) > 0 {
		sb.WriteString("Reasons: " + strings.Join(reasons, "; ") + ".\n")
	}
	sb.WriteString("Options: (a) supply more specific filters (dates, system, category), " +
		"(b) answer from general knowledge without facility-specific data, or (c) redirect me to a different question.")
	return sb.String()
}

// completeJSON issues prompt as a non-streamed completion and decodes the
// response as JSON into out. On malformed JSON it retries once; the caller
// decides the default on a second failure (§4.1, §7).
func (l *Loop) completeJSON(ctx context.Context, turn *models.Turn, prompt string, out any) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		text, err := l.completeText(ctx, turn, prompt)
		if err != nil {
			lastErr = err
			continue
		}
		if err := json.Unmarshal([]byte(extractJSON(text)), out); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("completeJSON: %w", lastErr)
}

func (l *Loop) completeText(ctx context.Context, turn *models.Turn, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.DecisionTimeout)
	defer cancel()

	req := &providers.CompletionRequest{
		Model:     l.modelFor(turn),
		Messages:  []providers.CompletionMessage{{Role: "user", Content: prompt}},
		MaxTokens: 1024,
	}
	chunks, err := l.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		sb.WriteString(chunk.Text)
		if chunk.Done {
			break
		}
	}
	return sb.String(), nil
}

// extractJSON trims leading/trailing prose some models wrap JSON in.
func extractJSON(text string) string {
	start := strings.IndexAny(text, "{[")
	end := strings.LastIndexAny(text, "}]")
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}

func validateArguments(schema json.RawMessage, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", string(schema))
	if err != nil {
		return err
	}
	var v any
	if len(args) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(args, &v); err != nil {
		return err
	}
	return compiled.Validate(v)
}

func invocationsFromResults(results []*executedCall) []models.ToolInvocation {
	out := make([]models.ToolInvocation, 0, len(results))
	for _, r := range results {
		inv := models.ToolInvocation{
			ToolName:  r.selection.ToolName,
			Arguments: r.selection.Arguments,
			Timestamp: time.Now(),
		}
		if r.result.Error != nil {
			inv.Error = r.result.Error.Error()
		} else if r.result.Result != nil {
			inv.Result = json.RawMessage(fmt.Sprintf("%q", r.result.Result.Content))
		}
		out = append(out, inv)
	}
	return out
}

func summarizeResults(results []*executedCall) string {
	if len(results) == 0 {
		return "(no tool results)"
	}
	sorted := make([]*executedCall, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].selection.ToolName < sorted[j].selection.ToolName })

	var sb strings.Builder
	for _, r := range sorted {
		if r.result.Error != nil {
			fmt.Fprintf(&sb, "- %s: error: %s\n", r.selection.ToolName, r.result.Error.Error())
			continue
		}
		content := ""
		if r.result.Result != nil {
			content = r.result.Result.Content
		}
		if len(content) > 500 {
			content = content[:500]
		}
		fmt.Fprintf(&sb, "- %s: %s\n", r.selection.ToolName, content)
	}
	return sb.String()
}

func dedupedReferences(results []*executedCall) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range results {
		if r.result == nil || r.result.Result == nil {
			continue
		}
		for _, line := range strings.Split(r.result.Result.Content, "\n") {
			if !strings.Contains(line, "http") {
				continue
			}
			if seen[line] {
				continue
			}
			seen[line] = true
			out = append(out, line)
		}
	}
	return out
}
