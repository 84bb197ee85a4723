package prescription

import (
	"testing"
	"time"

	"github.com/veriscript/rx-lifecycle/pkg/sast"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, sast.Zone)

func window(start, end time.Time) ValidityWindow {
	return ValidityWindow{Start: start, End: end}
}

func TestCheckValidityActive(t *testing.T) {
	w := window(base.AddDate(0, 0, -5), base.AddDate(0, 0, 25))
	res := CheckValidityAt(w, base)
	if !res.IsValid || res.Status != ValidityActive {
		t.Errorf("expected active, got %+v", res)
	}
	if res.DaysRemaining != 25 {
		t.Errorf("expected 25 days remaining, got %d", res.DaysRemaining)
	}
}

func TestCheckValidityBoundariesInclusive(t *testing.T) {
	w := window(base, base.AddDate(0, 0, 30))

	if res := CheckValidityAt(w, base); res.Status != ValidityActive {
		t.Errorf("now == start should be active, got %s", res.Status)
	}
	if res := CheckValidityAt(w, w.End); res.Status != ValidityActive {
		t.Errorf("now == end should be active, got %s", res.Status)
	}
}

func TestCheckValidityNotYetValid(t *testing.T) {
	w := window(base.AddDate(0, 0, 1), base.AddDate(0, 0, 30))
	res := CheckValidityAt(w, base)
	if res.IsValid || res.Status != ValidityNotYetValid {
		t.Errorf("expected not_yet_valid, got %+v", res)
	}
}

func TestCheckValidityExpiredNegativeDays(t *testing.T) {
	w := window(base.AddDate(0, 0, -30), base.Add(-time.Hour))
	res := CheckValidityAt(w, base)
	if res.IsValid || res.Status != ValidityExpired {
		t.Errorf("expected expired, got %+v", res)
	}
	if res.DaysRemaining >= 0 {
		t.Errorf("expected negative days remaining once expired, got %d", res.DaysRemaining)
	}
}

func TestCheckValidityMissingBounds(t *testing.T) {
	res := CheckValidityAt(ValidityWindow{End: base}, base)
	if res.Status != ValidityUnknown || res.IsValid {
		t.Errorf("missing start should yield unknown, got %+v", res)
	}
	res = CheckValidityAt(ValidityWindow{Start: base}, base)
	if res.Status != ValidityUnknown {
		t.Errorf("missing end should yield unknown, got %+v", res)
	}
}

func TestExpirationWarningTiers(t *testing.T) {
	cases := []struct {
		name      string
		remaining time.Duration
		notify    bool
		level     WarningLevel
	}{
		{"exactly 24h is critical", 24 * time.Hour, true, WarningCritical},
		{"24h1s is warning not critical", 24*time.Hour + time.Second, true, WarningWarning},
		{"exactly 168h is warning", 168 * time.Hour, true, WarningWarning},
		{"168h1s is none", 168*time.Hour + time.Second, false, WarningNone},
		{"1h is critical", time.Hour, true, WarningCritical},
		{"zero remaining is none", 0, false, WarningNone},
		{"already expired is none", -time.Hour, false, WarningNone},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := window(base.AddDate(0, 0, -10), base.Add(c.remaining))
			res := CheckExpirationWarningsAt(w, base)
			if res.ShouldNotify != c.notify {
				t.Errorf("should_notify = %v, want %v", res.ShouldNotify, c.notify)
			}
			if res.Level != c.level {
				t.Errorf("level = %s, want %s", res.Level, c.level)
			}
		})
	}
}

func TestExpirationWarningMissingEnd(t *testing.T) {
	res := CheckExpirationWarningsAt(ValidityWindow{Start: base}, base)
	if res.ShouldNotify || res.Level != WarningNone {
		t.Errorf("missing end should not notify, got %+v", res)
	}
}
