package revocation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/veriscript/rx-lifecycle/internal/audit"
	"github.com/veriscript/rx-lifecycle/internal/domain/prescription"
	"github.com/veriscript/rx-lifecycle/pkg/sast"
)

// TriggerType selects the condition a revocation rule fires on.
type TriggerType string

const (
	// TriggerExpiry fires when the prescription's expiry date has passed.
	TriggerExpiry TriggerType = "expiry"
	// TriggerRepeatExhausted fires when a repeat prescription has no
	// repeats remaining.
	TriggerRepeatExhausted TriggerType = "repeat_exhausted"
	// TriggerTimeBased fires when the prescription is older than the
	// rule's maximum age.
	TriggerTimeBased TriggerType = "time_based"
)

// Rule is a declarative revocation condition. Rules are stored as ledger
// entries and evaluated against prescriptions on demand; they never mutate
// anything themselves.
type Rule struct {
	ID         string                        `json:"id"`
	Name       string                        `json:"name"`
	Trigger    TriggerType                   `json:"trigger"`
	MaxAgeDays int                           `json:"max_age_days,omitempty"` // time_based only
	Reason     prescription.RevocationReason `json:"reason"`
	CreatedBy  int64                         `json:"created_by"`
	CreatedAt  time.Time                     `json:"created_at"`
}

// RuleMatch pairs a prescription with the rule whose condition it meets.
type RuleMatch struct {
	Rule           Rule  `json:"rule"`
	PrescriptionID int64 `json:"prescription_id"`
}

const ruleResource = "revocation_rule"

// CreateRule validates and records a revocation rule.
func (en *Engine) CreateRule(ctx context.Context, actor Actor, r Rule) (*Rule, error) {
	if r.Name == "" {
		return nil, &prescription.InvalidStateError{Reason: "rule name is required"}
	}
	switch r.Trigger {
	case TriggerExpiry, TriggerRepeatExhausted:
	case TriggerTimeBased:
		if r.MaxAgeDays <= 0 {
			return nil, &prescription.InvalidStateError{Reason: "time_based rules require a positive max_age_days"}
		}
	default:
		return nil, &prescription.InvalidStateError{Reason: fmt.Sprintf("unknown trigger type %q", r.Trigger)}
	}
	if r.Reason == "" {
		r.Reason = prescription.ReasonOther
	}
	if !prescription.KnownReason(r.Reason) {
		return nil, &prescription.InvalidStateError{Reason: fmt.Sprintf("unknown revocation reason %q", r.Reason)}
	}

	r.ID = audit.NewCorrelationID()
	r.CreatedBy = actor.ID

	entry := audit.NewEntry(
		audit.EventRevocationRuleCreated,
		actor.ID,
		actor.Role,
		"create_revocation_rule",
		ruleResource,
		r.ID,
		map[string]any{
			"name":         r.Name,
			"trigger":      string(r.Trigger),
			"max_age_days": r.MaxAgeDays,
			"reason":       string(r.Reason),
		},
	).WithIP(actor.IP)
	if _, err := en.ledger.Log(ctx, entry); err != nil {
		return nil, err
	}
	r.CreatedAt = entry.Timestamp()

	en.logger.Info("revocation rule created",
		zap.String("rule_id", r.ID),
		zap.String("trigger", string(r.Trigger)))
	return &r, nil
}

// ListRules reconstructs all rules from the ledger in creation order.
func (en *Engine) ListRules(ctx context.Context) ([]Rule, error) {
	res, err := en.ledger.Query(ctx, audit.Filter{
		EventType:    audit.EventRevocationRuleCreated,
		ResourceType: ruleResource,
		OldestFirst:  true,
	}, 1000, 0)
	if err != nil {
		return nil, err
	}

	rules := make([]Rule, 0, len(res.Entries))
	for _, e := range res.Entries {
		maxAge, err := int64FromDetail(e.Details(), "max_age_days")
		if err != nil {
			maxAge = 0
		}
		rules = append(rules, Rule{
			ID:         e.ResourceID(),
			Name:       e.DetailString("name"),
			Trigger:    TriggerType(e.DetailString("trigger")),
			MaxAgeDays: int(maxAge),
			Reason:     prescription.RevocationReason(e.DetailString("reason")),
			CreatedBy:  e.ActorID(),
			CreatedAt:  e.Timestamp(),
		})
	}
	return rules, nil
}

// EvaluateRules returns the rules a prescription currently triggers. Only
// ACTIVE prescriptions are candidates.
func EvaluateRules(rules []Rule, p *prescription.Prescription, now time.Time) []RuleMatch {
	if p.Status != prescription.StatusActive {
		return nil
	}
	var matches []RuleMatch
	for _, r := range rules {
		if ruleTriggers(r, p, now) {
			matches = append(matches, RuleMatch{Rule: r, PrescriptionID: p.ID})
		}
	}
	return matches
}

// EvaluatePrescription runs every stored rule against one prescription.
// Matches are advisory; nothing is revoked here.
func (en *Engine) EvaluatePrescription(ctx context.Context, prescriptionID int64) ([]RuleMatch, error) {
	p, err := en.repo.Get(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	rules, err := en.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	return EvaluateRules(rules, p, sast.Now()), nil
}

func ruleTriggers(r Rule, p *prescription.Prescription, now time.Time) bool {
	switch r.Trigger {
	case TriggerExpiry:
		return !p.DateExpires.IsZero() && now.After(p.DateExpires)
	case TriggerRepeatExhausted:
		return p.IsRepeat && p.RepeatCount == 0
	case TriggerTimeBased:
		if p.DateIssued.IsZero() {
			return false
		}
		return sast.FloorDays(now.Sub(p.DateIssued)) >= r.MaxAgeDays
	default:
		return false
	}
}

// ImpactTier grades how disruptive revoking a prescription would be.
type ImpactTier string

const (
	ImpactHigh   ImpactTier = "high"
	ImpactMedium ImpactTier = "medium"
	ImpactLow    ImpactTier = "low"
)

// Impact describes the expected effect of revoking one prescription.
type Impact struct {
	PrescriptionID   int64      `json:"prescription_id"`
	Tier             ImpactTier `json:"tier"`
	DispenseCount    int        `json:"dispense_count"`
	RepeatsRemaining int        `json:"repeats_remaining"`
	PatientAffected  bool       `json:"patient_affected"`
}

// BulkImpact aggregates per-prescription impacts for a candidate batch.
type BulkImpact struct {
	Total   int      `json:"total"`
	High    int      `json:"high"`
	Medium  int      `json:"medium"`
	Low     int      `json:"low"`
	Impacts []Impact `json:"impacts"`
	Warning string   `json:"warning,omitempty"`
}

// AssessImpact grades a single revocation. A prescription that has dispensing
// history and repeats still owed affects ongoing treatment the most.
func AssessImpact(p *prescription.Prescription, dispenseCount int) Impact {
	hasHistory := dispenseCount > 0
	hasRepeats := p.RepeatCount > 0

	tier := ImpactLow
	switch {
	case hasHistory && hasRepeats:
		tier = ImpactHigh
	case hasHistory || hasRepeats:
		tier = ImpactMedium
	}

	return Impact{
		PrescriptionID:   p.ID,
		Tier:             tier,
		DispenseCount:    dispenseCount,
		RepeatsRemaining: p.RepeatCount,
		PatientAffected:  hasHistory || hasRepeats,
	}
}

// AnalyzeImpact loads the dispensing count and grades one prescription.
func (en *Engine) AnalyzeImpact(ctx context.Context, prescriptionID int64) (*Impact, error) {
	p, err := en.repo.Get(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	count, err := en.repo.CountDispensings(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	impact := AssessImpact(p, count)
	return &impact, nil
}

// AnalyzeBulkImpact grades every prescription a bulk filter would revoke.
func (en *Engine) AnalyzeBulkImpact(ctx context.Context, f prescription.BulkFilter) (*BulkImpact, error) {
	matches, err := en.repo.FindForBulk(ctx, f, BulkLimit)
	if err != nil {
		return nil, err
	}
	if len(matches) > BulkLimit {
		matches = matches[:BulkLimit]
	}

	result := &BulkImpact{Total: len(matches)}
	for _, p := range matches {
		count, err := en.repo.CountDispensings(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		impact := AssessImpact(p, count)
		result.Impacts = append(result.Impacts, impact)
		switch impact.Tier {
		case ImpactHigh:
			result.High++
		case ImpactMedium:
			result.Medium++
		default:
			result.Low++
		}
	}
	if result.High > 0 {
		result.Warning = fmt.Sprintf("%d prescriptions with active treatment would be interrupted", result.High)
	}
	return result, nil
}
