package prescription

import (
	"time"

	"github.com/veriscript/rx-lifecycle/pkg/sast"
)

// EligibilityReason explains an eligibility decision.
type EligibilityReason string

const (
	ReasonEligible            EligibilityReason = "eligible"
	ReasonPrescriptionExpired EligibilityReason = "prescription_expired"
	ReasonNoRepeats           EligibilityReason = "no_repeats"
	ReasonTooSoon             EligibilityReason = "too_soon"
)

// EligibilityResult is the outcome of a repeat-eligibility check.
// DaysUntilEligible is -1 when waiting cannot help (expired, no repeats).
type EligibilityResult struct {
	IsEligible        bool              `json:"is_eligible"`
	RepeatsRemaining  int               `json:"repeats_remaining"`
	DaysUntilEligible int               `json:"days_until_eligible"`
	Reason            EligibilityReason `json:"reason"`
	NextEligibleAt    *time.Time        `json:"next_eligible_at,omitempty"`
}

// CheckRepeatEligibility determines whether a repeat dispense is allowed.
// lastDispensedAt is nil when the prescription has never been dispensed.
//
// Precedence is strict: validity first, then repeat count, then interval. A
// lapsed prescription is ineligible no matter how many repeats remain.
func CheckRepeatEligibility(p *Prescription, lastDispensedAt *time.Time) EligibilityResult {
	return CheckRepeatEligibilityAt(p, lastDispensedAt, sast.Now())
}

// CheckRepeatEligibilityAt is CheckRepeatEligibility with an explicit clock.
func CheckRepeatEligibilityAt(p *Prescription, lastDispensedAt *time.Time, now time.Time) EligibilityResult {
	validity := CheckValidityAt(p.Window(), now)
	if validity.Status != ValidityActive {
		return EligibilityResult{
			RepeatsRemaining:  p.RepeatCount,
			DaysUntilEligible: -1,
			Reason:            ReasonPrescriptionExpired,
		}
	}

	if p.RepeatCount <= 0 {
		return EligibilityResult{
			DaysUntilEligible: -1,
			Reason:            ReasonNoRepeats,
		}
	}

	if lastDispensedAt == nil {
		// First dispense is always allowed once validity and repeats pass.
		return EligibilityResult{
			IsEligible:       true,
			RepeatsRemaining: p.RepeatCount,
			Reason:           ReasonEligible,
		}
	}

	nextEligible := lastDispensedAt.Add(time.Duration(p.SupplyInterval) * 24 * time.Hour)
	if !now.Before(nextEligible) {
		return EligibilityResult{
			IsEligible:       true,
			RepeatsRemaining: p.RepeatCount,
			Reason:           ReasonEligible,
			NextEligibleAt:   &nextEligible,
		}
	}

	// Round up on any sub-day remainder: a patient must never be told they
	// can refill before the supply interval truly elapses.
	days := sast.CeilDays(nextEligible.Sub(now))
	return EligibilityResult{
		RepeatsRemaining:  p.RepeatCount,
		DaysUntilEligible: days,
		Reason:            ReasonTooSoon,
		NextEligibleAt:    &nextEligible,
	}
}

// DecrementRepeatCount is the pure projection of a repeat decrement. The
// actual mutation happens only inside the dispensing coordinator's
// transaction.
func DecrementRepeatCount(current int) int {
	if current <= 0 {
		return 0
	}
	return current - 1
}
