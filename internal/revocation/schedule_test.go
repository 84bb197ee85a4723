package revocation

import (
	"testing"
	"time"

	"github.com/veriscript/rx-lifecycle/internal/audit"
)

func scheduleEntry(eventType, scheduleID string, details map[string]any) *audit.Entry {
	return audit.NewEntry(eventType, 1, "admin", "test", scheduleResource, scheduleID, details)
}

func TestReconstructSchedulePending(t *testing.T) {
	executeAt := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	root := scheduleEntry(audit.EventRevocationScheduled, "sched-1", map[string]any{
		"prescription_id": int64(55),
		"execute_at":      executeAt.Format(time.RFC3339),
		"reason":          "duplicate",
	})

	info, err := reconstructSchedule([]*audit.Entry{root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.State != SchedulePending {
		t.Fatalf("got state %s, want %s", info.State, SchedulePending)
	}
	if info.PrescriptionID != 55 {
		t.Fatalf("got prescription id %d, want 55", info.PrescriptionID)
	}
	if !info.ExecuteAt.Equal(executeAt) {
		t.Fatalf("got execute_at %v, want %v", info.ExecuteAt, executeAt)
	}
}

func TestReconstructScheduleLatestSiblingWins(t *testing.T) {
	details := map[string]any{
		"prescription_id": int64(55),
		"execute_at":      "2026-06-01T08:00:00Z",
		"reason":          "duplicate",
	}
	root := scheduleEntry(audit.EventRevocationScheduled, "sched-2", details)

	cancelled := scheduleEntry(audit.EventRevocationScheduleCancelled, "sched-2", nil)
	info, err := reconstructSchedule([]*audit.Entry{root, cancelled})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.State != ScheduleCancelled {
		t.Fatalf("got state %s, want %s", info.State, ScheduleCancelled)
	}

	executed := scheduleEntry(audit.EventRevocationScheduleExecuted, "sched-2", nil)
	info, err = reconstructSchedule([]*audit.Entry{root, executed})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.State != ScheduleExecuted {
		t.Fatalf("got state %s, want %s", info.State, ScheduleExecuted)
	}
}

func TestReconstructScheduleRejectsBadRoot(t *testing.T) {
	cancelled := scheduleEntry(audit.EventRevocationScheduleCancelled, "sched-3", nil)
	if _, err := reconstructSchedule([]*audit.Entry{cancelled}); err == nil {
		t.Fatal("expected error when family does not start with a scheduled event")
	}
}
