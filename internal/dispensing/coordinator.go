// Package dispensing implements the atomic dispense transaction: dispensing
// record creation, repeat decrement, and audit append commit or roll back
// together.
package dispensing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/veriscript/rx-lifecycle/internal/audit"
	"github.com/veriscript/rx-lifecycle/internal/domain/prescription"
	"github.com/veriscript/rx-lifecycle/internal/observability/metrics"
	"github.com/veriscript/rx-lifecycle/pkg/sast"
)

// Coordinator gates every dispense through the eligibility calculator and
// applies the compound mutation in a single transaction.
type Coordinator struct {
	repo    *prescription.Repository
	ledger  *audit.Ledger
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCoordinator creates a new coordinator. metrics may be nil.
func NewCoordinator(repo *prescription.Repository, ledger *audit.Ledger, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{repo: repo, ledger: ledger, metrics: m, logger: logger}
}

// Result is the outcome of a successful dispense.
type Result struct {
	Success          bool  `json:"success"`
	DispensingID     int64 `json:"dispensing_id"`
	RepeatsRemaining int   `json:"repeats_remaining"`
}

// Dispense performs the atomic dispense transaction. Failure at any step
// rolls back every change: a dispensing record without its decrement, or the
// reverse, is never observable.
func (c *Coordinator) Dispense(ctx context.Context, prescriptionID, pharmacistID int64, quantity int) (*Result, error) {
	if quantity <= 0 {
		c.rejected("invalid_quantity")
		return nil, &prescription.InvalidStateError{Reason: "quantity must be positive"}
	}

	// The last dispense time is read outside the transaction; the row lock
	// below re-serializes concurrent attempts before anything is written.
	last, err := c.repo.LatestDispensing(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}

	tx, err := c.repo.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := c.repo.GetForUpdate(ctx, tx, prescriptionID)
	if err != nil {
		return nil, err
	}

	if p.Status == prescription.StatusRevoked {
		c.rejected("revoked")
		return nil, &prescription.InvalidStateError{Reason: "prescription is revoked"}
	}

	var lastAt = lastDispensedAt(last)
	eligibility := prescription.CheckRepeatEligibility(p, lastAt)
	if !eligibility.IsEligible {
		c.rejected(string(eligibility.Reason))
		return nil, &prescription.InvalidStateError{
			Reason: fmt.Sprintf("not eligible for dispensing: %s", eligibility.Reason),
		}
	}

	rec := &prescription.DispensingRecord{
		PrescriptionID: p.ID,
		PharmacistID:   pharmacistID,
		Quantity:       quantity,
		DispensedAt:    sast.Now(),
		Verified:       true,
	}
	if err := c.repo.InsertDispensing(ctx, tx, rec); err != nil {
		return nil, err
	}

	remaining, err := c.repo.DecrementRepeat(ctx, tx, p.ID)
	if err != nil {
		return nil, err
	}

	if remaining == 0 {
		if err := c.repo.UpdateStatus(ctx, tx, p.ID, prescription.StatusDispensed); err != nil {
			return nil, err
		}
	}

	entry := audit.NewEntry(
		audit.EventPrescriptionDispensed,
		pharmacistID,
		prescription.RolePharmacist.String(),
		"dispense",
		"prescription",
		strconv.FormatInt(p.ID, 10),
		map[string]any{
			"dispensing_id":     rec.ID,
			"quantity":          quantity,
			"repeats_remaining": remaining,
		},
	)
	if err := c.ledger.Append(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit dispense: %w", err)
	}

	if c.metrics != nil {
		c.metrics.DispensesTotal.Inc()
		c.metrics.AuditEntriesTotal.WithLabelValues(audit.EventPrescriptionDispensed).Inc()
	}

	c.logger.Info("prescription dispensed",
		zap.Int64("prescription_id", p.ID),
		zap.Int64("pharmacist_id", pharmacistID),
		zap.Int("quantity", quantity),
		zap.Int("repeats_remaining", remaining),
	)

	return &Result{Success: true, DispensingID: rec.ID, RepeatsRemaining: remaining}, nil
}

// CheckEligibility runs the eligibility calculator against the most recent
// dispensing record without mutating anything.
func (c *Coordinator) CheckEligibility(ctx context.Context, prescriptionID int64) (*prescription.EligibilityResult, error) {
	p, err := c.repo.Get(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	last, err := c.repo.LatestDispensing(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	res := prescription.CheckRepeatEligibility(p, lastDispensedAt(last))
	return &res, nil
}

// RepeatSummary reconstructs repeat usage from dispensing records rather than
// trusting only the live counter, enabling audit reconciliation.
type RepeatSummary struct {
	PrescriptionID   int64  `json:"prescription_id"`
	OriginalRepeats  int    `json:"original_repeats"`
	RepeatsUsed      int    `json:"repeats_used"`
	RepeatsRemaining int    `json:"repeats_remaining"`
	Consistent       bool   `json:"consistent"`
	Discrepancy      string `json:"discrepancy,omitempty"`
}

// GetRepeatSummary counts dispensing records and cross-checks the result
// against the live repeat counter.
func (c *Coordinator) GetRepeatSummary(ctx context.Context, prescriptionID int64) (*RepeatSummary, error) {
	p, err := c.repo.Get(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	used, err := c.repo.CountDispensings(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}

	summary := &RepeatSummary{
		PrescriptionID:   p.ID,
		OriginalRepeats:  p.RepeatsAllowed,
		RepeatsUsed:      used,
		RepeatsRemaining: p.RepeatCount,
		Consistent:       reconcile(p.RepeatsAllowed, used, p.RepeatCount),
	}
	if !summary.Consistent {
		summary.Discrepancy = fmt.Sprintf(
			"expected %d remaining from %d allowed minus %d used, counter reads %d",
			p.RepeatsAllowed-used, p.RepeatsAllowed, used, p.RepeatCount)
		c.logger.Warn("repeat counter inconsistency",
			zap.Int64("prescription_id", p.ID),
			zap.String("discrepancy", summary.Discrepancy))
	}
	return summary, nil
}

// reconcile checks allowed - used == remaining, clamped at zero the same way
// the decrement is.
func reconcile(allowed, used, remaining int) bool {
	expected := allowed - used
	if expected < 0 {
		expected = 0
	}
	return expected == remaining
}

func lastDispensedAt(rec *prescription.DispensingRecord) *time.Time {
	if rec == nil {
		return nil
	}
	t := rec.DispensedAt
	return &t
}

func (c *Coordinator) rejected(reason string) {
	if c.metrics != nil {
		c.metrics.DispensesRejected.WithLabelValues(reason).Inc()
	}
}
