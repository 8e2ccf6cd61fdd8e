package promptctx

import (
	"fmt"
	"strings"
	"time"

	"github.com/psi/logbook-agent/pkg/models"
)

const (
	conversationCharLimit = 200
	filePreviewCharLimit  = 100
	toolDescCharLimit     = 100
	maxEnumOptionsShown   = 5
)

// SystemContext builds the assistant-identity and current-time block fed to
// every LLM call of a turn.
func SystemContext(now time.Time) string {
	return fmt.Sprintf(
		"You are the PSI accelerator-facility assistant. Current time: %s, %s.",
		now.Format("Monday, 2006-01-02"), now.Format("15:04 MST"),
	)
}

// ConversationContext renders the last n history messages, each truncated to
// conversationCharLimit characters (§4.5, invariant I7).
func ConversationContext(history []models.HistoryMessage, n int) string {
	if n <= 0 {
		n = models.DefaultMaxHistory
	}
	start := 0
	if len(history) > n {
		start = len(history) - n
	}
	recent := history[start:]

	var b strings.Builder
	for _, msg := range recent {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(truncate(msg.Content, conversationCharLimit))
		b.WriteString("\n")
	}
	return b.String()
}

// FilesSummary renders one line per uploaded file: its name and either
// "image uploaded" or a short preview.
func FilesSummary(files []models.TurnFile) string {
	var b strings.Builder
	for _, f := range files {
		b.WriteString(f.Name)
		b.WriteString(": ")
		if f.IsImage {
			b.WriteString("image uploaded")
		} else {
			b.WriteString(truncate(f.Preview, filePreviewCharLimit))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FilesFull renders each file's name and its full extracted text, unbounded;
// the caller is responsible for fitting this into the overall token budget.
func FilesFull(files []models.TurnFile) string {
	var b strings.Builder
	for _, f := range files {
		b.WriteString("--- ")
		b.WriteString(f.Name)
		b.WriteString(" ---\n")
		b.WriteString(f.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// ToolsSummary renders one line per tool: "- name: truncated description".
func ToolsSummary(tools []models.ToolDescriptor) string {
	var b strings.Builder
	for _, t := range tools {
		b.WriteString("- ")
		b.WriteString(t.Name)
		b.WriteString(": ")
		b.WriteString(truncate(t.Description, toolDescCharLimit))
		b.WriteString("\n")
	}
	return b.String()
}

// ToolsDetailed renders, per tool, its name and description followed by each
// schema parameter on its own line with type, the first few enum options,
// and a required marker.
func ToolsDetailed(tools []models.ToolDescriptor) string {
	var b strings.Builder
	for _, t := range tools {
		b.WriteString(t.Name)
		b.WriteString(": ")
		b.WriteString(t.Description)
		b.WriteString("\n")
		for _, p := range schemaParameters(t.InputSchema) {
			b.WriteString("  - ")
			b.WriteString(p.Name)
			b.WriteString(" (")
			b.WriteString(p.Type)
			if len(p.Enum) > 0 {
				shown := p.Enum
				if len(shown) > maxEnumOptionsShown {
					shown = shown[:maxEnumOptionsShown]
				}
				b.WriteString(", one of: ")
				b.WriteString(strings.Join(shown, ", "))
			}
			b.WriteString(")")
			if p.Required {
				b.WriteString(" [required]")
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
