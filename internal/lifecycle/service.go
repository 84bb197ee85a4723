// Package lifecycle exposes the prescription lifecycle operations: issuance,
// validity and warning checks, and credential verification.
package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/veriscript/rx-lifecycle/internal/audit"
	"github.com/veriscript/rx-lifecycle/internal/credential"
	"github.com/veriscript/rx-lifecycle/internal/domain/prescription"
	"github.com/veriscript/rx-lifecycle/internal/observability/metrics"
	"github.com/veriscript/rx-lifecycle/pkg/sast"
)

// Service orchestrates lifecycle operations over the repository, ledger, and
// signing service.
type Service struct {
	repo    *prescription.Repository
	ledger  *audit.Ledger
	signer  credential.Signer
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewService creates a lifecycle service. signer and metrics may be nil.
func NewService(repo *prescription.Repository, ledger *audit.Ledger, signer credential.Signer, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if signer == nil {
		signer = credential.Disabled{}
	}
	return &Service{repo: repo, ledger: ledger, signer: signer, metrics: m, logger: logger}
}

// IssueInput carries everything needed to issue a prescription.
type IssueInput struct {
	PatientID      int64  `json:"patient_id"`
	DoctorID       int64  `json:"doctor_id"`
	MedicationName string `json:"medication_name"`
	MedicationCode string `json:"medication_code"`
	Dosage         string `json:"dosage"`
	Quantity       int    `json:"quantity"`
	Instructions   string `json:"instructions"`
	ValidityDays   int    `json:"validity_days"`
	Repeats        int    `json:"repeats"`
	SupplyInterval int    `json:"supply_interval_days"`
}

const defaultValidityDays = 30

func (in IssueInput) validate() error {
	switch {
	case in.PatientID <= 0:
		return &prescription.InvalidStateError{Reason: "patient_id is required"}
	case in.DoctorID <= 0:
		return &prescription.InvalidStateError{Reason: "doctor_id is required"}
	case in.MedicationName == "":
		return &prescription.InvalidStateError{Reason: "medication_name is required"}
	case in.Quantity <= 0:
		return &prescription.InvalidStateError{Reason: "quantity must be positive"}
	case in.Repeats < 0:
		return &prescription.InvalidStateError{Reason: "repeats cannot be negative"}
	case in.Repeats > 0 && in.SupplyInterval <= 0:
		return &prescription.InvalidStateError{Reason: "repeat prescriptions require a supply interval"}
	}
	return nil
}

// Issue creates an ACTIVE prescription and records it in the ledger, then
// requests a signing credential. A signing failure leaves the prescription
// issued but uncredentialed; the credential can be attached later.
func (s *Service) Issue(ctx context.Context, actor audit.ActorRef, in IssueInput) (*prescription.Prescription, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := sast.Now()
	validity := in.ValidityDays
	if validity <= 0 {
		validity = defaultValidityDays
	}

	p := &prescription.Prescription{
		PatientID:      in.PatientID,
		DoctorID:       in.DoctorID,
		MedicationName: in.MedicationName,
		MedicationCode: in.MedicationCode,
		Dosage:         in.Dosage,
		Quantity:       in.Quantity,
		Instructions:   in.Instructions,
		DateIssued:     now,
		DateExpires:    now.AddDate(0, 0, validity),
		IsRepeat:       in.Repeats > 0,
		RepeatsAllowed: in.Repeats,
		RepeatCount:    in.Repeats,
		SupplyInterval: in.SupplyInterval,
		Status:         prescription.StatusActive,
	}

	tx, err := s.repo.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Create(ctx, tx, p); err != nil {
		return nil, err
	}

	entry := audit.NewEntry(
		audit.EventPrescriptionIssued,
		actor.ID,
		actor.Role,
		"issue",
		"prescription",
		strconv.FormatInt(p.ID, 10),
		map[string]any{
			"patient_id": p.PatientID,
			"medication": p.MedicationName,
			"repeats":    p.RepeatsAllowed,
			"expires_at": p.DateExpires.Format(time.RFC3339),
		},
	).WithIP(actor.IP)
	if err := s.ledger.Append(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit issue: %w", err)
	}

	if s.metrics != nil {
		s.metrics.PrescriptionsIssued.Inc()
	}
	s.logger.Info("prescription issued",
		zap.Int64("prescription_id", p.ID),
		zap.Int64("patient_id", p.PatientID),
		zap.String("medication", p.MedicationName))

	s.attachCredential(ctx, p)
	return p, nil
}

// attachCredential signs the prescription and stores the credential id. Runs
// after issuance commits; failure leaves CredentialID empty.
func (s *Service) attachCredential(ctx context.Context, p *prescription.Prescription) {
	credentialID, err := s.signer.Sign(ctx, p)
	if err != nil {
		s.logger.Warn("credential signing failed, prescription issued without credential",
			zap.Int64("prescription_id", p.ID), zap.Error(err))
		return
	}
	if credentialID == "" {
		return
	}

	tx, err := s.repo.Pool().Begin(ctx)
	if err != nil {
		s.logger.Warn("could not store credential", zap.Int64("prescription_id", p.ID), zap.Error(err))
		return
	}
	defer tx.Rollback(ctx)
	if err := s.repo.SetCredential(ctx, tx, p.ID, credentialID); err != nil {
		s.logger.Warn("could not store credential", zap.Int64("prescription_id", p.ID), zap.Error(err))
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.logger.Warn("could not store credential", zap.Int64("prescription_id", p.ID), zap.Error(err))
		return
	}
	p.CredentialID = credentialID
}

// Get returns a prescription by id.
func (s *Service) Get(ctx context.Context, id int64) (*prescription.Prescription, error) {
	return s.repo.Get(ctx, id)
}

// ValidityReport combines the validity check and warning evaluation.
type ValidityReport struct {
	PrescriptionID int64                       `json:"prescription_id"`
	Validity       prescription.ValidityResult `json:"validity"`
	Warning        prescription.WarningResult  `json:"warning"`
}

// CheckValidity evaluates the prescription's validity window and expiration
// warnings at the current time.
func (s *Service) CheckValidity(ctx context.Context, id int64) (*ValidityReport, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	w := p.Window()
	return &ValidityReport{
		PrescriptionID: p.ID,
		Validity:       prescription.CheckValidity(w),
		Warning:        prescription.CheckExpirationWarnings(w),
	}, nil
}

// VerificationResult reports a pharmacist-facing verification check.
type VerificationResult struct {
	PrescriptionID  int64                       `json:"prescription_id"`
	Status          prescription.Status         `json:"status"`
	Validity        prescription.ValidityResult `json:"validity"`
	HasCredential   bool                        `json:"has_credential"`
	CredentialValid bool                        `json:"credential_valid"`
}

// Verify checks status, validity window, and the signing credential, and
// records the verification in the ledger.
func (s *Service) Verify(ctx context.Context, actor audit.ActorRef, id int64) (*VerificationResult, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &VerificationResult{
		PrescriptionID: p.ID,
		Status:         p.Status,
		Validity:       prescription.CheckValidity(p.Window()),
		HasCredential:  p.HasCredential(),
	}
	if p.HasCredential() {
		valid, err := s.signer.Verify(ctx, p.CredentialID)
		if err != nil {
			s.logger.Warn("credential verification unavailable",
				zap.Int64("prescription_id", p.ID), zap.Error(err))
		} else {
			result.CredentialValid = valid
		}
	}

	entry := audit.NewEntry(
		audit.EventPrescriptionVerified,
		actor.ID,
		actor.Role,
		"verify",
		"prescription",
		strconv.FormatInt(p.ID, 10),
		map[string]any{
			"status":           string(p.Status),
			"validity":         string(result.Validity.Status),
			"credential_valid": result.CredentialValid,
		},
	).WithIP(actor.IP)
	if _, err := s.ledger.Log(ctx, entry); err != nil {
		s.logger.Warn("could not record verification", zap.Int64("prescription_id", p.ID), zap.Error(err))
	}
	return result, nil
}
