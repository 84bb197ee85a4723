package dispensing

import (
	"testing"
	"time"

	"github.com/veriscript/rx-lifecycle/internal/domain/prescription"
)

func TestReconcile(t *testing.T) {
	cases := []struct {
		name                    string
		allowed, used, remaining int
		want                    bool
	}{
		{"fresh", 3, 0, 3, true},
		{"one used", 3, 1, 2, true},
		{"exhausted", 3, 3, 0, true},
		{"over-dispensed clamps", 3, 4, 0, true},
		{"counter drifted", 3, 1, 3, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := reconcile(tc.allowed, tc.used, tc.remaining); got != tc.want {
				t.Fatalf("reconcile(%d, %d, %d) = %v, want %v", tc.allowed, tc.used, tc.remaining, got, tc.want)
			}
		})
	}
}

func TestLastDispensedAt(t *testing.T) {
	if got := lastDispensedAt(nil); got != nil {
		t.Fatalf("expected nil for missing record, got %v", got)
	}
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	rec := &prescription.DispensingRecord{DispensedAt: at}
	got := lastDispensedAt(rec)
	if got == nil || !got.Equal(at) {
		t.Fatalf("expected %v, got %v", at, got)
	}
}
