package usage

import (
	"testing"
	"time"

	"github.com/mjfuentes/orchestrator/pkg/models"
)

func TestTrackerAccumulatesByModelAndUser(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	tr.Record(Record{UserID: "u1", Model: "claude-opus", Usage: models.TokenUsage{InputTokens: 100, OutputTokens: 50}})
	tr.Record(Record{UserID: "u1", Model: "claude-opus", Usage: models.TokenUsage{InputTokens: 200, OutputTokens: 25}})
	tr.Record(Record{UserID: "u2", Model: "claude-opus", Usage: models.TokenUsage{InputTokens: 10}})

	modelTotal := tr.ModelTotals("claude-opus")
	if modelTotal.InputTokens != 310 || modelTotal.OutputTokens != 75 {
		t.Fatalf("model totals = %+v", modelTotal)
	}

	u1Total := tr.UserTotals("u1")
	if u1Total.InputTokens != 300 || u1Total.OutputTokens != 75 {
		t.Fatalf("u1 totals = %+v", u1Total)
	}
}

func TestTrackerPrunesOldRecords(t *testing.T) {
	tr := NewTracker(TrackerConfig{MaxAge: 10 * time.Millisecond, MaxCount: 1000})
	tr.Record(Record{Model: "m", Timestamp: time.Now().Add(-time.Hour)})
	tr.Record(Record{Model: "m", Timestamp: time.Now()})
	tr.pruneOld()

	recent := tr.Recent(10)
	if len(recent) != 1 {
		t.Fatalf("len(recent) = %d, want 1 after pruning the stale record", len(recent))
	}
}

func TestTrackerCapsRecordCount(t *testing.T) {
	tr := NewTracker(TrackerConfig{MaxAge: time.Hour, MaxCount: 2})
	for i := 0; i < 5; i++ {
		tr.Record(Record{Model: "m"})
	}
	if got := len(tr.Recent(100)); got != 2 {
		t.Fatalf("len(records) = %d, want capped at 2", got)
	}
}

func TestFormatTokenCount(t *testing.T) {
	cases := map[int64]string{
		0:         "0",
		500:       "500",
		1500:      "1.5k",
		25000:     "25k",
		2_500_000: "2.5m",
	}
	for in, want := range cases {
		if got := FormatTokenCount(in); got != want {
			t.Errorf("FormatTokenCount(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatUSD(t *testing.T) {
	if got := FormatUSD(0); got != "" {
		t.Errorf("FormatUSD(0) = %q, want empty", got)
	}
	if got := FormatUSD(0.005); got != "$0.0050" {
		t.Errorf("FormatUSD(0.005) = %q, want $0.0050", got)
	}
	if got := FormatUSD(1.2); got != "$1.20" {
		t.Errorf("FormatUSD(1.2) = %q, want $1.20", got)
	}
}

func TestFormatUsageDetailed(t *testing.T) {
	u := models.TokenUsage{InputTokens: 1000, OutputTokens: 500}
	got := FormatUsageDetailed(u)
	want := "1.5k tokens (in: 1.0k, out: 500)"
	if got != want {
		t.Errorf("FormatUsageDetailed = %q, want %q", got, want)
	}
}
