package prescription

import (
	"testing"
	"time"
)

func repeatPrescription(repeats, intervalDays int) *Prescription {
	return &Prescription{
		ID:             1,
		Status:         StatusActive,
		IsRepeat:       true,
		RepeatCount:    repeats,
		SupplyInterval: intervalDays,
		DateIssued:     base.AddDate(0, 0, -30),
		DateExpires:    base.AddDate(0, 0, 150),
	}
}

func TestEligibilityFirstDispense(t *testing.T) {
	p := repeatPrescription(2, 28)
	res := CheckRepeatEligibilityAt(p, nil, base)
	if !res.IsEligible || res.Reason != ReasonEligible {
		t.Errorf("expected eligible first dispense, got %+v", res)
	}
	if res.RepeatsRemaining != 2 {
		t.Errorf("expected 2 repeats remaining, got %d", res.RepeatsRemaining)
	}
}

func TestEligibilityTooSoon(t *testing.T) {
	p := repeatPrescription(2, 28)
	last := base.AddDate(0, 0, -10)
	res := CheckRepeatEligibilityAt(p, &last, base)
	if res.IsEligible {
		t.Error("expected ineligible within supply interval")
	}
	if res.Reason != ReasonTooSoon {
		t.Errorf("expected too_soon, got %s", res.Reason)
	}
	if res.DaysUntilEligible != 18 {
		t.Errorf("expected 18 days until eligible, got %d", res.DaysUntilEligible)
	}
	if res.NextEligibleAt == nil {
		t.Fatal("expected next_eligible_at")
	}
}

func TestEligibilityRoundsUpSubDayRemainder(t *testing.T) {
	p := repeatPrescription(1, 28)
	// 10 days minus one hour ago: 18 days plus one hour remain, which must
	// round up to 19 so the patient is never told early.
	last := base.AddDate(0, 0, -10).Add(time.Hour)
	res := CheckRepeatEligibilityAt(p, &last, base)
	if res.DaysUntilEligible != 19 {
		t.Errorf("expected round-up to 19 days, got %d", res.DaysUntilEligible)
	}
}

func TestEligibilityIntervalElapsed(t *testing.T) {
	p := repeatPrescription(1, 28)
	last := base.AddDate(0, 0, -28)
	res := CheckRepeatEligibilityAt(p, &last, base)
	if !res.IsEligible || res.Reason != ReasonEligible {
		t.Errorf("expected eligible at exact interval boundary, got %+v", res)
	}
}

func TestEligibilityNoRepeats(t *testing.T) {
	p := repeatPrescription(0, 28)
	res := CheckRepeatEligibilityAt(p, nil, base)
	if res.IsEligible || res.Reason != ReasonNoRepeats {
		t.Errorf("expected no_repeats, got %+v", res)
	}
	if res.DaysUntilEligible != -1 {
		t.Errorf("expected -1 days, got %d", res.DaysUntilEligible)
	}
}

func TestEligibilityExpiredTakesPrecedence(t *testing.T) {
	p := repeatPrescription(5, 28)
	p.DateExpires = base.AddDate(0, 0, -1)
	res := CheckRepeatEligibilityAt(p, nil, base)
	if res.IsEligible {
		t.Error("expired prescription must not be eligible regardless of repeats")
	}
	if res.Reason != ReasonPrescriptionExpired {
		t.Errorf("expected prescription_expired, got %s", res.Reason)
	}
	if res.DaysUntilEligible != -1 {
		t.Errorf("expected -1 days, got %d", res.DaysUntilEligible)
	}
}

func TestEligibilityNotYetValidTreatedAsExpiredReason(t *testing.T) {
	p := repeatPrescription(5, 28)
	p.DateIssued = base.AddDate(0, 0, 1)
	res := CheckRepeatEligibilityAt(p, nil, base)
	if res.IsEligible || res.Reason != ReasonPrescriptionExpired {
		t.Errorf("window not started should be ineligible, got %+v", res)
	}
}

func TestDecrementRepeatCount(t *testing.T) {
	if got := DecrementRepeatCount(3); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	if got := DecrementRepeatCount(0); got != 0 {
		t.Errorf("decrement must never go below zero, got %d", got)
	}
	if got := DecrementRepeatCount(-1); got != 0 {
		t.Errorf("negative input clamps to zero, got %d", got)
	}
}

func TestParseRoleRoundTrip(t *testing.T) {
	for _, role := range []Role{RoleDoctor, RolePharmacist, RolePatient, RoleAdmin, RoleSystem} {
		if got := ParseRole(role.String()); got != role {
			t.Errorf("round trip failed for %s", role)
		}
	}
	unknown := ParseRole("auditor")
	if unknown.String() != "auditor" {
		t.Errorf("unknown role should be preserved, got %s", unknown)
	}
	if unknown == RoleAdmin {
		t.Error("unknown role must not compare equal to a known role")
	}
}
