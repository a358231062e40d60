package audit

import (
	"testing"

	"github.com/mkoval/oppwatch/internal/opportunity"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndHistory(t *testing.T) {
	l := openTestLog(t)

	steps := []struct {
		from, to opportunity.Status
		action   string
	}{
		{"", opportunity.StatusDetected, "detect"},
		{opportunity.StatusDetected, opportunity.StatusPromoted, "promote"},
		{opportunity.StatusPromoted, opportunity.StatusSpecGenerated, "generate-spec"},
	}
	for _, s := range steps {
		if err := l.Record("opp-1", s.from, s.to, s.action, "alice", ""); err != nil {
			t.Fatalf("Record(%s): %v", s.action, err)
		}
	}

	got, err := l.History("opp-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("history length = %d, want 3", len(got))
	}
	// Oldest first.
	for i, s := range steps {
		if got[i].Action != s.action || got[i].To != string(s.to) {
			t.Errorf("transition %d = %+v, want action %q to %q", i, got[i], s.action, s.to)
		}
	}
	if got[0].From != "" {
		t.Errorf("initial transition has from_status %q", got[0].From)
	}
}

func TestHistoryScopedToOpportunity(t *testing.T) {
	l := openTestLog(t)

	if err := l.Record("opp-1", "", opportunity.StatusDetected, "detect", "", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record("opp-2", "", opportunity.StatusDetected, "detect", "", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := l.History("opp-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 1 || got[0].OpportunityID != "opp-1" {
		t.Errorf("history = %+v", got)
	}
}

func TestHistoryEmptyForUnknownID(t *testing.T) {
	l := openTestLog(t)
	got, err := l.History("missing")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("history = %+v, want empty", got)
	}
}

// Reopening the same directory must not re-apply migrations and must keep
// previously recorded transitions.
func TestReopenKeepsHistory(t *testing.T) {
	dir := t.TempDir()

	l1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := l1.Record("opp-1", "", opportunity.StatusDetected, "detect", "", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	l1.Close()

	l2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer l2.Close()

	got, err := l2.History("opp-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("history length after reopen = %d, want 1", len(got))
	}
}
