// Package notify publishes patient notifications and registry updates to the
// streaming layer. Everything here is best effort: callers treat a publish
// failure as a warning, never as an operation failure.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/veriscript/rx-lifecycle/internal/domain/prescription"
	"github.com/veriscript/rx-lifecycle/internal/infrastructure/redpanda"
	"github.com/veriscript/rx-lifecycle/internal/observability/metrics"
	"github.com/veriscript/rx-lifecycle/pkg/sast"
)

// Publisher is the subset of the producer the notifier needs.
type Publisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// Notifier publishes patient-facing lifecycle notices.
type Notifier struct {
	producer Publisher
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewNotifier creates a notifier. metrics may be nil.
func NewNotifier(producer Publisher, m *metrics.Metrics, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{producer: producer, metrics: m, logger: logger}
}

// Notice is the wire format for patient notifications.
type Notice struct {
	Type           string    `json:"type"`
	PatientID      int64     `json:"patient_id"`
	PrescriptionID int64     `json:"prescription_id"`
	Medication     string    `json:"medication"`
	Reason         string    `json:"reason,omitempty"`
	WarningLevel   string    `json:"warning_level,omitempty"`
	HoursRemaining float64   `json:"hours_remaining,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}

// PrescriptionRevoked tells the patient their prescription was withdrawn.
func (n *Notifier) PrescriptionRevoked(ctx context.Context, p *prescription.Prescription, reason prescription.RevocationReason) error {
	return n.publish(ctx, Notice{
		Type:           "prescription_revoked",
		PatientID:      p.PatientID,
		PrescriptionID: p.ID,
		Medication:     p.MedicationName,
		Reason:         string(reason),
		SentAt:         sast.Now(),
	})
}

// ExpiryWarning tells the patient their prescription is about to lapse.
func (n *Notifier) ExpiryWarning(ctx context.Context, p *prescription.Prescription, w prescription.WarningResult) error {
	if !w.ShouldNotify {
		return nil
	}
	return n.publish(ctx, Notice{
		Type:           "expiry_warning",
		PatientID:      p.PatientID,
		PrescriptionID: p.ID,
		Medication:     p.MedicationName,
		WarningLevel:   string(w.Level),
		HoursRemaining: w.HoursRemaining,
		SentAt:         sast.Now(),
	})
}

func (n *Notifier) publish(ctx context.Context, notice Notice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	key := strconv.FormatInt(notice.PatientID, 10)
	if err := n.producer.ProduceMessage(ctx, redpanda.TopicPatientNotifications, key, payload); err != nil {
		return fmt.Errorf("publish %s notice: %w", notice.Type, err)
	}
	if n.metrics != nil {
		n.metrics.NotificationsPublished.Inc()
	}
	n.logger.Debug("notification published",
		zap.String("type", notice.Type),
		zap.Int64("patient_id", notice.PatientID))
	return nil
}

// RegistryPublisher propagates revocations to the shared registry topic,
// keyed by prescription so downstream consumers see updates in order.
type RegistryPublisher struct {
	producer Publisher
	logger   *zap.Logger
}

// NewRegistryPublisher creates a registry publisher.
func NewRegistryPublisher(producer Publisher, logger *zap.Logger) *RegistryPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryPublisher{producer: producer, logger: logger}
}

type registryUpdate struct {
	PrescriptionID int64     `json:"prescription_id"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason"`
	RevokedAt      time.Time `json:"revoked_at"`
}

// PublishRevocation emits a registry update for a revoked prescription.
func (r *RegistryPublisher) PublishRevocation(ctx context.Context, prescriptionID int64, reason string, revokedAt time.Time) error {
	payload, err := json.Marshal(registryUpdate{
		PrescriptionID: prescriptionID,
		Status:         "REVOKED",
		Reason:         reason,
		RevokedAt:      revokedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal registry update: %w", err)
	}
	key := strconv.FormatInt(prescriptionID, 10)
	if err := r.producer.ProduceMessage(ctx, redpanda.TopicRevocationRegistry, key, payload); err != nil {
		return fmt.Errorf("publish registry update: %w", err)
	}
	return nil
}
