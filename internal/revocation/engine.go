// Package revocation implements single, bulk, scheduled, and rule-driven
// revocation of prescriptions, with a bounded rollback window for bulk
// operations. Every state change lands in the audit ledger inside the same
// transaction that mutates the prescription.
package revocation

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

// Notifier delivers patient-facing revocation notices. Delivery is best
// effort and happens after commit.
type Notifier interface {
	PrescriptionRevoked(ctx context.Context, p *prescription.Prescription, reason prescription.RevocationReason) error
}

// RegistryPublisher propagates revocations to the external registry feed.
type RegistryPublisher interface {
	PublishRevocation(ctx context.Context, prescriptionID int64, reason string, revokedAt time.Time) error
}

// Engine coordinates revocation flows.
type Engine struct {
	repo     *prescription.Repository
	ledger   *audit.Ledger
	metrics  *metrics.Metrics
	notifier Notifier
	registry RegistryPublisher
	logger   *zap.Logger
}

// NewEngine creates a revocation engine. metrics, notifier, and registry may
// each be nil.
func NewEngine(repo *prescription.Repository, ledger *audit.Ledger, m *metrics.Metrics, notifier Notifier, registry RegistryPublisher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		repo:     repo,
		ledger:   ledger,
		metrics:  m,
		notifier: notifier,
		registry: registry,
		logger:   logger,
	}
}

// Actor identifies who is performing a revocation operation.
type Actor = audit.ActorRef

// Result reports a completed single revocation.
type Result struct {
	PrescriptionID int64     `json:"prescription_id"`
	Reason         string    `json:"reason"`
	RevokedAt      time.Time `json:"revoked_at"`
	AuditEntryID   int64     `json:"audit_entry_id"`
}

// Revoke transitions an ACTIVE prescription to REVOKED. The status change and
// the audit entry commit together. Registry and notification delivery run
// after commit and never fail the revocation. The reason is stored verbatim,
// even outside the known enumeration; an off-enum reason is the caller's
// mistake, not grounds to block the revocation.
func (en *Engine) Revoke(ctx context.Context, id int64, actor Actor, reason prescription.RevocationReason, notes string) (*Result, error) {
	tx, err := en.repo.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := en.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != prescription.StatusActive {
		return nil, &prescription.InvalidStateError{
			Reason: fmt.Sprintf("cannot revoke prescription in status %s", p.Status),
		}
	}

	if err := en.repo.UpdateStatus(ctx, tx, id, prescription.StatusRevoked); err != nil {
		return nil, err
	}

	revokedAt := sast.Now()
	entry := audit.NewEntry(
		audit.EventPrescriptionRevoked,
		actor.ID,
		actor.Role,
		"revoke",
		"prescription",
		strconv.FormatInt(id, 10),
		map[string]any{
			"reason":          string(reason),
			"notes":           notes,
			"previous_status": string(p.Status),
		},
	).WithIP(actor.IP)
	if err := en.ledger.Append(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit revocation: %w", err)
	}

	if en.metrics != nil {
		en.metrics.RevocationsTotal.WithLabelValues(string(reason)).Inc()
		en.metrics.AuditEntriesTotal.WithLabelValues(audit.EventPrescriptionRevoked).Inc()
	}
	en.logger.Info("prescription revoked",
		zap.Int64("prescription_id", id),
		zap.String("reason", string(reason)),
		zap.Int64("actor_id", actor.ID),
	)

	en.propagate(ctx, p, reason, revokedAt)

	return &Result{
		PrescriptionID: id,
		Reason:         string(reason),
		RevokedAt:      revokedAt,
		AuditEntryID:   entry.ID(),
	}, nil
}

// propagate performs the post-commit side effects. Failures are logged only.
func (en *Engine) propagate(ctx context.Context, p *prescription.Prescription, reason prescription.RevocationReason, revokedAt time.Time) {
	if en.registry != nil {
		if err := en.registry.PublishRevocation(ctx, p.ID, string(reason), revokedAt); err != nil {
			en.logger.Warn("registry publish failed",
				zap.Int64("prescription_id", p.ID), zap.Error(err))
		}
	}
	if en.notifier != nil {
		if err := en.notifier.PrescriptionRevoked(ctx, p, reason); err != nil {
			en.logger.Warn("revocation notification failed",
				zap.Int64("prescription_id", p.ID), zap.Error(err))
		}
	}
}
