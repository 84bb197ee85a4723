package prescription

import (
	"time"

	"github.com/veriscript/rx-lifecycle/pkg/sast"
)

// ValidityStatus is the temporal state of a prescription's validity window.
type ValidityStatus string

const (
	ValidityNotYetValid ValidityStatus = "not_yet_valid"
	ValidityActive      ValidityStatus = "active"
	ValidityExpired     ValidityStatus = "expired"
	ValidityUnknown     ValidityStatus = "unknown"
)

// WarningLevel is the expiration-warning tier.
type WarningLevel string

const (
	WarningNone     WarningLevel = "none"
	WarningWarning  WarningLevel = "warning"
	WarningCritical WarningLevel = "critical"
)

// Expiration warning thresholds. The tier boundaries are inclusive on the
// upper edge: exactly 24h remaining is critical, exactly 168h is warning.
const (
	criticalThreshold = 24 * time.Hour
	warningThreshold  = 7 * 24 * time.Hour
)

// ValidityWindow is the strongly-typed validity input. A zero Start or End
// marks the bound as missing.
type ValidityWindow struct {
	Start time.Time
	End   time.Time
}

// ValidityResult is the outcome of a validity check.
type ValidityResult struct {
	IsValid       bool           `json:"is_valid"`
	Status        ValidityStatus `json:"status"`
	DaysRemaining int            `json:"days_remaining"`
}

// WarningResult is the outcome of an expiration-warning check.
type WarningResult struct {
	ShouldNotify   bool         `json:"should_notify"`
	Level          WarningLevel `json:"warning_level"`
	HoursRemaining float64      `json:"hours_remaining"`
}

// CheckValidity classifies a validity window against the current time.
// Boundary instants (now == start, now == end) count as active. A window with
// a missing bound yields a structured unknown result rather than an error so
// callers can degrade gracefully.
func CheckValidity(w ValidityWindow) ValidityResult {
	return CheckValidityAt(w, sast.Now())
}

// CheckValidityAt is CheckValidity with an explicit clock, for callers that
// need deterministic evaluation.
func CheckValidityAt(w ValidityWindow, now time.Time) ValidityResult {
	if w.Start.IsZero() || w.End.IsZero() {
		return ValidityResult{IsValid: false, Status: ValidityUnknown}
	}

	days := sast.FloorDays(w.End.Sub(now))

	switch {
	case now.Before(w.Start):
		return ValidityResult{IsValid: false, Status: ValidityNotYetValid, DaysRemaining: days}
	case now.After(w.End):
		return ValidityResult{IsValid: false, Status: ValidityExpired, DaysRemaining: days}
	default:
		return ValidityResult{IsValid: true, Status: ValidityActive, DaysRemaining: days}
	}
}

// CheckExpirationWarnings determines the notification tier for a window.
// Strict tiering: 0 < remaining <= 24h is critical, 24h < remaining <= 168h is
// warning, everything else (including already expired) notifies nothing.
func CheckExpirationWarnings(w ValidityWindow) WarningResult {
	return CheckExpirationWarningsAt(w, sast.Now())
}

// CheckExpirationWarningsAt is CheckExpirationWarnings with an explicit clock.
func CheckExpirationWarningsAt(w ValidityWindow, now time.Time) WarningResult {
	if w.End.IsZero() {
		return WarningResult{Level: WarningNone}
	}

	remaining := w.End.Sub(now)
	hours := remaining.Hours()

	switch {
	case remaining <= 0:
		return WarningResult{Level: WarningNone, HoursRemaining: hours}
	case remaining <= criticalThreshold:
		return WarningResult{ShouldNotify: true, Level: WarningCritical, HoursRemaining: hours}
	case remaining <= warningThreshold:
		return WarningResult{ShouldNotify: true, Level: WarningWarning, HoursRemaining: hours}
	default:
		return WarningResult{Level: WarningNone, HoursRemaining: hours}
	}
}
