package dashboard

import (
	"testing"
	"time"

	"github.com/veriscript/rx-lifecycle/internal/audit"
	"github.com/veriscript/rx-lifecycle/pkg/sast"
)

var now = time.Date(2026, 5, 20, 15, 0, 0, 0, sast.Zone)

func revokedEntry(actorID int64, reason string) *audit.Entry {
	return audit.NewEntry(audit.EventPrescriptionRevoked, actorID, "doctor",
		"revoke", "prescription", "1", map[string]any{"reason": reason})
}

func bulkEntry(actorID int64, reason string, count int) *audit.Entry {
	return audit.NewEntry(audit.EventBulkRevocationExecuted, actorID, "admin",
		"bulk_revoke", "prescription_batch", "corr", map[string]any{
			"reason":        reason,
			"revoked_count": count,
		})
}

func TestSummarizeCountsBulkBatches(t *testing.T) {
	singles := []*audit.Entry{revokedEntry(1, "duplicate"), revokedEntry(2, "patient_request")}
	bulks := []*audit.Entry{bulkEntry(3, "prescribing_error", 15)}

	s := summarize(singles, bulks, nil)
	if s.TotalRevocations != 17 {
		t.Fatalf("total = %d, want 17", s.TotalRevocations)
	}
	if s.SingleRevocations != 2 || s.BulkOperations != 1 || s.BulkRevoked != 15 {
		t.Fatalf("unexpected summary %+v", s)
	}
}

func TestCountByReasonSortedDescending(t *testing.T) {
	singles := []*audit.Entry{
		revokedEntry(1, "duplicate"),
		revokedEntry(1, "patient_request"),
		revokedEntry(1, "patient_request"),
	}
	bulks := []*audit.Entry{bulkEntry(2, "prescribing_error", 5)}

	got := countByReason(singles, bulks)
	if len(got) != 3 {
		t.Fatalf("expected 3 reasons, got %v", got)
	}
	if got[0].Reason != "prescribing_error" || got[0].Count != 5 {
		t.Fatalf("largest reason first, got %+v", got[0])
	}
	if got[1].Reason != "patient_request" || got[1].Count != 2 {
		t.Fatalf("got %+v at index 1", got[1])
	}
}

func TestCountByActorBulkCountsOnce(t *testing.T) {
	singles := []*audit.Entry{revokedEntry(7, "duplicate")}
	bulks := []*audit.Entry{bulkEntry(7, "duplicate", 50)}

	got := countByActor(singles, bulks)
	// Same id but different roles stay separate slices.
	if len(got) != 2 {
		t.Fatalf("expected 2 actor slices, got %v", got)
	}
	for _, ac := range got {
		if ac.Count != 1 {
			t.Fatalf("each operation counts once per actor, got %+v", ac)
		}
	}
}

func TestEmptyTrendsZeroFilledOldestFirst(t *testing.T) {
	trends := emptyTrends(now, 7)
	if len(trends) != 7 {
		t.Fatalf("expected 7 days, got %d", len(trends))
	}
	if trends[6].Date != "2026-05-20" {
		t.Fatalf("last bucket must be today, got %s", trends[6].Date)
	}
	if trends[0].Date != "2026-05-14" {
		t.Fatalf("first bucket must be oldest, got %s", trends[0].Date)
	}
	for _, d := range trends {
		if d.Count != 0 {
			t.Fatalf("expected zero-filled series, got %+v", d)
		}
	}
}

func TestBucketByDayAddsBulkBatchSize(t *testing.T) {
	// Entries are stamped with the wall clock at construction, so they
	// land in today's bucket.
	singles := []*audit.Entry{revokedEntry(1, "duplicate")}
	bulks := []*audit.Entry{bulkEntry(2, "duplicate", 9)}

	wall := sast.Now()
	trends := bucketByDay(singles, bulks, wall, 7)
	last := trends[len(trends)-1]
	if last.Count != 10 {
		t.Fatalf("today's bucket = %d, want 10", last.Count)
	}
}

func TestRecentKeepsNewestUpToLimit(t *testing.T) {
	var singles []*audit.Entry
	for i := 0; i < 15; i++ {
		singles = append(singles, revokedEntry(int64(i), "duplicate"))
	}
	got := recent(singles, nil, nil, 10)
	if len(got) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(got))
	}
}
