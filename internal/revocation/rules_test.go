package revocation

import (
	"testing"
	"time"

	"github.com/veriscript/rx-lifecycle/internal/domain/prescription"
	"github.com/veriscript/rx-lifecycle/pkg/sast"
)

var now = time.Date(2026, 5, 10, 9, 0, 0, 0, sast.Zone)

func activePrescription() *prescription.Prescription {
	return &prescription.Prescription{
		ID:          42,
		Status:      prescription.StatusActive,
		DateIssued:  now.AddDate(0, 0, -30),
		DateExpires: now.AddDate(0, 0, 60),
		IsRepeat:    true,
		RepeatCount: 2,
	}
}

func TestExpiryRuleTriggersAfterExpiry(t *testing.T) {
	rule := Rule{Trigger: TriggerExpiry, Reason: prescription.ReasonOther}

	p := activePrescription()
	if got := EvaluateRules([]Rule{rule}, p, now); got != nil {
		t.Fatalf("expected no match before expiry, got %v", got)
	}

	p.DateExpires = now.Add(-time.Hour)
	got := EvaluateRules([]Rule{rule}, p, now)
	if len(got) != 1 || got[0].PrescriptionID != 42 {
		t.Fatalf("expected one match for prescription 42, got %v", got)
	}
}

func TestRepeatExhaustedRule(t *testing.T) {
	rule := Rule{Trigger: TriggerRepeatExhausted}

	p := activePrescription()
	if got := EvaluateRules([]Rule{rule}, p, now); got != nil {
		t.Fatalf("repeats remaining, expected no match, got %v", got)
	}

	p.RepeatCount = 0
	if got := EvaluateRules([]Rule{rule}, p, now); len(got) != 1 {
		t.Fatalf("expected match with zero repeats, got %v", got)
	}

	p.IsRepeat = false
	if got := EvaluateRules([]Rule{rule}, p, now); got != nil {
		t.Fatalf("non-repeat prescription must never match, got %v", got)
	}
}

func TestTimeBasedRule(t *testing.T) {
	rule := Rule{Trigger: TriggerTimeBased, MaxAgeDays: 30}

	p := activePrescription()
	// issued exactly 30 days ago
	if got := EvaluateRules([]Rule{rule}, p, now); len(got) != 1 {
		t.Fatalf("expected match at exactly max age, got %v", got)
	}

	p.DateIssued = now.AddDate(0, 0, -29)
	if got := EvaluateRules([]Rule{rule}, p, now); got != nil {
		t.Fatalf("expected no match under max age, got %v", got)
	}
}

func TestRulesSkipNonActivePrescriptions(t *testing.T) {
	rule := Rule{Trigger: TriggerExpiry}
	p := activePrescription()
	p.DateExpires = now.Add(-time.Hour)
	p.Status = prescription.StatusRevoked
	if got := EvaluateRules([]Rule{rule}, p, now); got != nil {
		t.Fatalf("revoked prescription must not match, got %v", got)
	}
}

func TestAssessImpactTiers(t *testing.T) {
	cases := []struct {
		name          string
		dispenseCount int
		repeats       int
		want          ImpactTier
	}{
		{"history and repeats", 2, 1, ImpactHigh},
		{"history only", 1, 0, ImpactMedium},
		{"repeats only", 0, 3, ImpactMedium},
		{"untouched", 0, 0, ImpactLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := activePrescription()
			p.RepeatCount = tc.repeats
			impact := AssessImpact(p, tc.dispenseCount)
			if impact.Tier != tc.want {
				t.Fatalf("got tier %s, want %s", impact.Tier, tc.want)
			}
			if wantAffected := tc.want != ImpactLow; impact.PatientAffected != wantAffected {
				t.Fatalf("PatientAffected = %v, want %v", impact.PatientAffected, wantAffected)
			}
		})
	}
}
