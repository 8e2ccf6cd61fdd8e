package elog

import (
	"strings"
	"time"
)

// parseEntryTimestamp accepts both the ISO "YYYY-MM-DD[THH:MM:SS]" form and
// the logbook's native dotted "DD.MM.YYYY HH:MM:SS" form (§4.3 step 4).
func parseEntryTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}

	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"02.01.2006 15:04:05",
		"02.01.2006",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseBoundaryDate parses a since/until filter boundary, which per §6 is
// accepted in "YYYY-MM-DD" form.
func parseBoundaryDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
