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

// Scheduled revocations live entirely in the audit ledger as event-typed
// entries sharing one resource id, which doubles as the family's correlation
// id. The current state of a schedule is the latest entry in its family:
// scheduled, cancelled, or executed.

// ScheduleState is the reconstructed state of a scheduled revocation.
type ScheduleState string

const (
	SchedulePending   ScheduleState = "pending"
	ScheduleCancelled ScheduleState = "cancelled"
	ScheduleExecuted  ScheduleState = "executed"
)

// ScheduleInfo describes one scheduled revocation.
type ScheduleInfo struct {
	ScheduleID     string        `json:"schedule_id"`
	PrescriptionID int64         `json:"prescription_id"`
	ExecuteAt      time.Time     `json:"execute_at"`
	Reason         string        `json:"reason"`
	State          ScheduleState `json:"state"`
	CreatedBy      int64         `json:"created_by"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ProcessReport summarizes one scheduler pass.
type ProcessReport struct {
	Processed int `json:"processed"`
	Revoked   int `json:"revoked"`
	Failed    int `json:"failed"`
}

const scheduleResource = "revocation_schedule"

// Schedule records a future revocation for an ACTIVE prescription. Nothing
// changes on the prescription until the scheduler executes it.
func (en *Engine) Schedule(ctx context.Context, actor Actor, prescriptionID int64, executeAt time.Time, reason prescription.RevocationReason) (*ScheduleInfo, error) {
	now := sast.Now()
	if !executeAt.After(now) {
		return nil, &prescription.InvalidStateError{Reason: "execute_at must be in the future"}
	}

	p, err := en.repo.Get(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if p.Status != prescription.StatusActive {
		return nil, &prescription.InvalidStateError{
			Reason: fmt.Sprintf("cannot schedule revocation for prescription in status %s", p.Status),
		}
	}

	scheduleID := audit.NewCorrelationID()
	entry := audit.NewEntry(
		audit.EventRevocationScheduled,
		actor.ID,
		actor.Role,
		"schedule_revocation",
		scheduleResource,
		scheduleID,
		map[string]any{
			"prescription_id": prescriptionID,
			"execute_at":      executeAt.Format(time.RFC3339),
			"reason":          string(reason),
		},
	).WithCorrelationID(scheduleID).WithIP(actor.IP)
	if _, err := en.ledger.Log(ctx, entry); err != nil {
		return nil, err
	}

	en.logger.Info("revocation scheduled",
		zap.String("schedule_id", scheduleID),
		zap.Int64("prescription_id", prescriptionID),
		zap.Time("execute_at", executeAt),
	)

	return &ScheduleInfo{
		ScheduleID:     scheduleID,
		PrescriptionID: prescriptionID,
		ExecuteAt:      executeAt,
		Reason:         string(reason),
		State:          SchedulePending,
		CreatedBy:      actor.ID,
		CreatedAt:      entry.Timestamp(),
	}, nil
}

// GetSchedule reconstructs a schedule from its entry family.
func (en *Engine) GetSchedule(ctx context.Context, scheduleID string) (*ScheduleInfo, error) {
	res, err := en.ledger.Query(ctx, audit.Filter{
		ResourceType: scheduleResource,
		ResourceID:   scheduleID,
		OldestFirst:  true,
	}, 100, 0)
	if err != nil {
		return nil, err
	}
	if len(res.Entries) == 0 {
		return nil, &prescription.NotFoundError{Resource: "revocation schedule", ID: scheduleID}
	}
	return reconstructSchedule(res.Entries)
}

// CancelSchedule marks a pending schedule cancelled. Cancelled and executed
// schedules stay in the ledger untouched.
func (en *Engine) CancelSchedule(ctx context.Context, actor Actor, scheduleID string) error {
	info, err := en.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	if info.State != SchedulePending {
		return &prescription.InvalidStateError{
			Reason: fmt.Sprintf("schedule is %s, only pending schedules can be cancelled", info.State),
		}
	}

	entry := audit.NewEntry(
		audit.EventRevocationScheduleCancelled,
		actor.ID,
		actor.Role,
		"cancel_scheduled_revocation",
		scheduleResource,
		scheduleID,
		map[string]any{"prescription_id": info.PrescriptionID},
	).WithCorrelationID(scheduleID).WithIP(actor.IP)
	if _, err := en.ledger.Log(ctx, entry); err != nil {
		return err
	}
	en.logger.Info("scheduled revocation cancelled",
		zap.String("schedule_id", scheduleID),
		zap.Int64("actor_id", actor.ID))
	return nil
}

// ListPendingSchedules returns schedules whose latest entry is still the
// original scheduled event.
func (en *Engine) ListPendingSchedules(ctx context.Context) ([]*ScheduleInfo, error) {
	families, err := en.scheduleFamilies(ctx)
	if err != nil {
		return nil, err
	}

	var pending []*ScheduleInfo
	for _, family := range families {
		info, err := reconstructSchedule(family)
		if err != nil {
			en.logger.Warn("skipping malformed schedule", zap.Error(err))
			continue
		}
		if info.State == SchedulePending {
			pending = append(pending, info)
		}
	}
	return pending, nil
}

// ProcessDueRevocations executes every pending schedule whose execute time
// has passed. One failing item does not stop the pass; it is recorded and
// retried on the next pass only if the failure left the schedule pending.
func (en *Engine) ProcessDueRevocations(ctx context.Context) (*ProcessReport, error) {
	pending, err := en.ListPendingSchedules(ctx)
	if err != nil {
		return nil, err
	}

	now := sast.Now()
	report := &ProcessReport{}
	system := Actor{ID: 0, Role: prescription.RoleSystem.String()}

	for _, info := range pending {
		if info.ExecuteAt.After(now) {
			continue
		}
		report.Processed++

		_, revokeErr := en.Revoke(ctx, info.PrescriptionID, system, prescription.RevocationReason(info.Reason), "scheduled revocation "+info.ScheduleID)
		details := map[string]any{
			"prescription_id": info.PrescriptionID,
			"success":         revokeErr == nil,
		}
		if revokeErr != nil {
			report.Failed++
			details["error"] = revokeErr.Error()
			en.logger.Warn("scheduled revocation failed",
				zap.String("schedule_id", info.ScheduleID),
				zap.Int64("prescription_id", info.PrescriptionID),
				zap.Error(revokeErr))
		} else {
			report.Revoked++
		}

		// The executed entry closes the schedule either way. A
		// prescription that was already dispensed or revoked will never
		// become revocable again, so retrying is pointless.
		entry := audit.NewEntry(
			audit.EventRevocationScheduleExecuted,
			system.ID,
			system.Role,
			"execute_scheduled_revocation",
			scheduleResource,
			info.ScheduleID,
			details,
		).WithCorrelationID(info.ScheduleID)
		if _, err := en.ledger.Log(ctx, entry); err != nil {
			en.logger.Error("failed to record schedule execution",
				zap.String("schedule_id", info.ScheduleID), zap.Error(err))
		}
	}

	if en.metrics != nil && report.Processed > 0 {
		en.metrics.ScheduledProcessed.Add(float64(report.Processed))
	}
	if report.Processed > 0 {
		en.logger.Info("scheduler pass complete",
			zap.Int("processed", report.Processed),
			zap.Int("revoked", report.Revoked),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}

// scheduleFamilies groups schedule entries by schedule id in write order.
func (en *Engine) scheduleFamilies(ctx context.Context) (map[string][]*audit.Entry, error) {
	res, err := en.ledger.Query(ctx, audit.Filter{
		ResourceType: scheduleResource,
		OldestFirst:  true,
	}, 1000, 0)
	if err != nil {
		return nil, err
	}

	families := make(map[string][]*audit.Entry)
	for _, e := range res.Entries {
		families[e.ResourceID()] = append(families[e.ResourceID()], e)
	}
	return families, nil
}

// reconstructSchedule derives the current state from a write-ordered entry
// family. The first entry must be the scheduled event; the latest entry wins.
func reconstructSchedule(family []*audit.Entry) (*ScheduleInfo, error) {
	root := family[0]
	if root.EventType() != audit.EventRevocationScheduled {
		return nil, fmt.Errorf("schedule %s: first entry is %s, expected %s",
			root.ResourceID(), root.EventType(), audit.EventRevocationScheduled)
	}

	details := root.Details()
	prescriptionID, err := int64FromDetail(details, "prescription_id")
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", root.ResourceID(), err)
	}
	executeAt, err := sast.Parse(root.DetailString("execute_at"))
	if err != nil {
		return nil, fmt.Errorf("schedule %s: bad execute_at: %w", root.ResourceID(), err)
	}

	info := &ScheduleInfo{
		ScheduleID:     root.ResourceID(),
		PrescriptionID: prescriptionID,
		ExecuteAt:      executeAt,
		Reason:         root.DetailString("reason"),
		State:          SchedulePending,
		CreatedBy:      root.ActorID(),
		CreatedAt:      root.Timestamp(),
	}

	latest := family[len(family)-1]
	switch latest.EventType() {
	case audit.EventRevocationScheduleCancelled:
		info.State = ScheduleCancelled
	case audit.EventRevocationScheduleExecuted:
		info.State = ScheduleExecuted
	}
	return info, nil
}

func int64FromDetail(details map[string]any, key string) (int64, error) {
	switch v := details[key].(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("detail %q is not numeric", key)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("detail %q is %T, expected a number", key, details[key])
	}
}
