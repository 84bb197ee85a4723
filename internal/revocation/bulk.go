package revocation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/veriscript/rx-lifecycle/internal/audit"
	"github.com/veriscript/rx-lifecycle/internal/domain/prescription"
	"github.com/veriscript/rx-lifecycle/pkg/sast"
)

const (
	// BulkLimit caps a single bulk revocation. Larger operations must be
	// split so each stays individually rollback-able.
	BulkLimit = 100

	// RollbackWindow bounds how long after execution a bulk revocation can
	// be undone.
	RollbackWindow = 24 * time.Hour
)

// BulkPreview describes what a bulk revocation would do without doing it.
type BulkPreview struct {
	CorrelationID string  `json:"correlation_id"`
	MatchCount    int     `json:"match_count"`
	Matches       []int64 `json:"prescription_ids"`
}

// BulkResult reports an executed bulk revocation.
type BulkResult struct {
	CorrelationID string    `json:"correlation_id"`
	RevokedCount  int       `json:"revoked_count"`
	RevokedIDs    []int64   `json:"revoked_ids"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// RollbackResult reports a bulk rollback.
type RollbackResult struct {
	CorrelationID string  `json:"correlation_id"`
	RestoredCount int     `json:"restored_count"`
	RestoredIDs   []int64 `json:"restored_ids"`
	SkippedIDs    []int64 `json:"skipped_ids,omitempty"`
}

// PreviewBulk resolves the filter to concrete prescriptions and records the
// preview in the ledger. The returned correlation id links the preview to a
// subsequent execute and rollback. A match set over BulkLimit is refused the
// same way ExecuteBulk refuses it, so a previewed filter always executes.
func (en *Engine) PreviewBulk(ctx context.Context, actor Actor, f prescription.BulkFilter) (*BulkPreview, error) {
	matches, err := en.repo.FindForBulk(ctx, f, BulkLimit)
	if err != nil {
		return nil, err
	}
	if len(matches) > BulkLimit {
		return nil, &prescription.InvalidStateError{
			Reason: fmt.Sprintf("bulk revocation is limited to %d prescriptions, filter matched more", BulkLimit),
		}
	}

	preview := &BulkPreview{
		CorrelationID: audit.NewCorrelationID(),
		Matches:       collectIDs(matches),
	}
	preview.MatchCount = len(preview.Matches)

	entry := audit.NewEntry(
		audit.EventBulkRevocationPreviewed,
		actor.ID,
		actor.Role,
		"bulk_revoke_preview",
		"prescription_batch",
		preview.CorrelationID,
		map[string]any{
			"match_count":      preview.MatchCount,
			"prescription_ids": preview.Matches,
		},
	).WithCorrelationID(preview.CorrelationID).WithIP(actor.IP)
	if _, err := en.ledger.Log(ctx, entry); err != nil {
		return nil, err
	}
	return preview, nil
}

// ExecuteBulk revokes every ACTIVE prescription matched by the filter, up to
// BulkLimit, in one transaction. A match set over the limit is refused
// outright rather than truncated. The whole batch is recorded as a single
// ledger entry so rollback can recover the exact id list.
func (en *Engine) ExecuteBulk(ctx context.Context, actor Actor, f prescription.BulkFilter, reason prescription.RevocationReason, correlationID string) (*BulkResult, error) {
	if correlationID == "" {
		correlationID = audit.NewCorrelationID()
	}

	matches, err := en.repo.FindForBulk(ctx, f, BulkLimit)
	if err != nil {
		return nil, err
	}
	if len(matches) > BulkLimit {
		return nil, &prescription.InvalidStateError{
			Reason: fmt.Sprintf("bulk revocation is limited to %d prescriptions, filter matched more", BulkLimit),
		}
	}
	if len(matches) == 0 {
		return nil, &prescription.InvalidStateError{Reason: "filter matched no prescriptions"}
	}

	tx, err := en.repo.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var revoked []int64
	for _, p := range matches {
		locked, err := en.repo.GetForUpdate(ctx, tx, p.ID)
		if err != nil {
			return nil, err
		}
		if locked.Status != prescription.StatusActive {
			continue
		}
		if err := en.repo.UpdateStatus(ctx, tx, p.ID, prescription.StatusRevoked); err != nil {
			return nil, err
		}
		revoked = append(revoked, p.ID)
	}

	executedAt := sast.Now()
	entry := audit.NewEntry(
		audit.EventBulkRevocationExecuted,
		actor.ID,
		actor.Role,
		"bulk_revoke",
		"prescription_batch",
		correlationID,
		map[string]any{
			"reason":           string(reason),
			"revoked_count":    len(revoked),
			"prescription_ids": revoked,
		},
	).WithCorrelationID(correlationID).WithIP(actor.IP)
	if err := en.ledger.Append(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit bulk revocation: %w", err)
	}

	if en.metrics != nil {
		en.metrics.BulkRevocations.Inc()
		en.metrics.RevocationsTotal.WithLabelValues(string(reason)).Add(float64(len(revoked)))
	}
	en.logger.Info("bulk revocation executed",
		zap.String("correlation_id", correlationID),
		zap.Int("revoked_count", len(revoked)),
		zap.String("reason", string(reason)),
	)

	return &BulkResult{
		CorrelationID: correlationID,
		RevokedCount:  len(revoked),
		RevokedIDs:    revoked,
		ExecutedAt:    executedAt,
	}, nil
}

// RollbackBulk restores the prescriptions revoked by a bulk operation to
// ACTIVE. It is only permitted within RollbackWindow of execution and only
// once per correlation id. Prescriptions whose status changed after the bulk
// revocation are skipped, never overwritten.
func (en *Engine) RollbackBulk(ctx context.Context, actor Actor, correlationID string) (*RollbackResult, error) {
	return en.RollbackBulkAt(ctx, actor, correlationID, sast.Now())
}

// RollbackBulkAt is RollbackBulk evaluated against an explicit instant, which
// pins the window check.
func (en *Engine) RollbackBulkAt(ctx context.Context, actor Actor, correlationID string, now time.Time) (*RollbackResult, error) {
	family, err := en.ledger.ByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}

	var executed *audit.Entry
	for _, e := range family {
		switch e.EventType() {
		case audit.EventBulkRevocationExecuted:
			executed = e
		case audit.EventBulkRevocationRolledBack:
			return nil, &prescription.InvalidStateError{Reason: "bulk revocation already rolled back"}
		}
	}
	if executed == nil {
		return nil, &prescription.NotFoundError{Resource: "bulk revocation", ID: correlationID}
	}
	if now.Sub(executed.Timestamp()) > RollbackWindow {
		return nil, &prescription.InvalidStateError{
			Reason: fmt.Sprintf("rollback window of %s has closed", RollbackWindow),
		}
	}

	ids, err := idsFromDetails(executed.Details(), "prescription_ids")
	if err != nil {
		return nil, fmt.Errorf("bulk revocation %s: %w", correlationID, err)
	}

	tx, err := en.repo.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var restored, skipped []int64
	for _, id := range ids {
		p, err := en.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			if prescription.IsNotFound(err) {
				skipped = append(skipped, id)
				continue
			}
			return nil, err
		}
		if p.Status != prescription.StatusRevoked {
			skipped = append(skipped, id)
			continue
		}
		if err := en.repo.UpdateStatus(ctx, tx, id, prescription.StatusActive); err != nil {
			return nil, err
		}
		restored = append(restored, id)
	}

	entry := audit.NewEntry(
		audit.EventBulkRevocationRolledBack,
		actor.ID,
		actor.Role,
		"bulk_revoke_rollback",
		"prescription_batch",
		correlationID,
		map[string]any{
			"restored_count":   len(restored),
			"prescription_ids": restored,
			"skipped_ids":      skipped,
		},
	).WithCorrelationID(correlationID).WithIP(actor.IP)
	if err := en.ledger.Append(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit rollback: %w", err)
	}

	if en.metrics != nil {
		en.metrics.RollbacksTotal.Inc()
	}
	en.logger.Info("bulk revocation rolled back",
		zap.String("correlation_id", correlationID),
		zap.Int("restored_count", len(restored)),
		zap.Int("skipped_count", len(skipped)),
	)

	return &RollbackResult{
		CorrelationID: correlationID,
		RestoredCount: len(restored),
		RestoredIDs:   restored,
		SkippedIDs:    skipped,
	}, nil
}

func collectIDs(ps []*prescription.Prescription) []int64 {
	ids := make([]int64, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.ID)
	}
	return ids
}

// idsFromDetails recovers an id list from a JSONB details map, where numbers
// come back as float64 and fresh entries may still hold []int64.
func idsFromDetails(details map[string]any, key string) ([]int64, error) {
	raw, ok := details[key]
	if !ok {
		return nil, fmt.Errorf("details missing %q", key)
	}
	switch v := raw.(type) {
	case []int64:
		return v, nil
	case []any:
		ids := make([]int64, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				ids = append(ids, int64(n))
			case int64:
				ids = append(ids, n)
			case string:
				id, err := strconv.ParseInt(n, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("details %q holds non-numeric id %q", key, n)
				}
				ids = append(ids, id)
			default:
				return nil, fmt.Errorf("details %q holds unexpected element %T", key, item)
			}
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("details %q is %T, expected a list", key, raw)
	}
}
