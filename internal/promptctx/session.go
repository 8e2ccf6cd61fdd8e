package promptctx

import (
	"context"
	"fmt"

	ctxwindow "github.com/psi/logbook-agent/internal/context"
	"github.com/psi/logbook-agent/internal/sessions"
	"github.com/psi/logbook-agent/pkg/models"
)

// TurnBuilder assembles a models.Turn from a session's persisted message
// history: it prunes stale tool-result bloat, packs the remainder into a
// model-aware character budget, and folds in the rolling summary if one
// exists, before handing the result to the orchestrator loop.
type TurnBuilder struct {
	store    sessions.Store
	pruning  ContextPruningSettings
	packOpts PackOptions
}

// NewTurnBuilder constructs a TurnBuilder backed by store, using the given
// pruning settings (zero value selects DefaultContextPruningSettings).
func NewTurnBuilder(store sessions.Store, pruning ContextPruningSettings) *TurnBuilder {
	if pruning.Mode == "" {
		pruning = DefaultContextPruningSettings()
	}
	return &TurnBuilder{
		store:    store,
		pruning:  pruning,
		packOpts: DefaultPackOptions(),
	}
}

// BuildTurn loads sessionID's history, prunes and packs it to fit modelID's
// context window, and returns a ready-to-run Turn for query.
func (b *TurnBuilder) BuildTurn(ctx context.Context, id, sessionID, query, modelID string, files []models.TurnFile, settings models.TurnSettings) (*models.Turn, error) {
	settings.Normalize()

	history, err := b.store.GetHistory(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}

	window := ctxwindow.NewWindowForModel(modelID)
	// Reserve headroom for the system prompt, tool schemas, and the model's
	// own output budget; spend what's left on history.
	charBudget := (window.Remaining() / 2) * 4
	if charBudget <= 0 {
		charBudget = b.packOpts.MaxChars
	}

	pruned := PruneContextMessages(history, b.pruning, charBudget)

	packOpts := b.packOpts
	packOpts.MaxChars = charBudget
	packer := NewPacker(packOpts)

	summary := FindLatestSummary(pruned)
	sinceSummary := MessagesSinceSummary(pruned, summary)

	packed, err := packer.Pack(sinceSummary, nil, summary)
	if err != nil {
		return nil, fmt.Errorf("pack session history: %w", err)
	}

	turnHistory := make([]models.HistoryMessage, 0, len(packed))
	for _, m := range packed {
		if m == nil {
			continue
		}
		turnHistory = append(turnHistory, models.HistoryMessage{Role: m.Role, Content: m.Content})
	}

	return models.NewTurn(id, sessionID, query, turnHistory, files, settings), nil
}
