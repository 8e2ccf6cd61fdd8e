package orchestrator

import (
	"testing"
	"time"

	"github.com/psi/logbook-agent/pkg/models"
)

func TestAnnotateELOGAgeSkipsZeroTimestamp(t *testing.T) {
	hits := []*models.ELOGHit{
		{ELOGID: 1, Timestamp: time.Now().Add(-3 * 24 * time.Hour)},
		{ELOGID: 2},
	}
	annotateELOGAge(hits)

	if hits[0].RelativeAge == "" {
		t.Error("expected RelativeAge to be set for a non-zero timestamp")
	}
	if hits[1].RelativeAge != "" {
		t.Errorf("expected RelativeAge to stay empty for a zero timestamp, got %q", hits[1].RelativeAge)
	}
}

func TestAnnotateGraphAgeSkipsZeroTimestamp(t *testing.T) {
	hits := []*models.GraphHit{
		{ArticleID: "a1", Timestamp: time.Now().Add(-2 * time.Hour)},
		{ArticleID: "a2"},
	}
	annotateGraphAge(hits)

	if hits[0].RelativeAge != "2 hours ago" {
		t.Errorf("unexpected RelativeAge: %q", hits[0].RelativeAge)
	}
	if hits[1].RelativeAge != "" {
		t.Errorf("expected RelativeAge to stay empty for a zero timestamp, got %q", hits[1].RelativeAge)
	}
}
