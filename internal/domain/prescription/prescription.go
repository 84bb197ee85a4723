// Package prescription implements the prescription domain model and the pure
// time-validation calculators that gate every lifecycle transition.
package prescription

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the prescription lifecycle status. The status column is
// the single authoritative lifecycle field: once REVOKED, no dispense or
// re-revocation is permitted without an explicit rollback.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusActive    Status = "ACTIVE"
	StatusExpired   Status = "EXPIRED"
	StatusRevoked   Status = "REVOKED"
	StatusDispensed Status = "DISPENSED"
)

// Role identifies the kind of actor performing a lifecycle operation.
// Compared structurally; serialization to storage goes through String/ParseRole
// rather than any equality trickery.
type Role struct {
	name string
}

var (
	RoleDoctor     = Role{"doctor"}
	RolePharmacist = Role{"pharmacist"}
	RolePatient    = Role{"patient"}
	RoleAdmin      = Role{"admin"}
	RoleSystem     = Role{"system"}
)

// ParseRole maps a stored role column back to a Role. Unknown values are
// preserved verbatim so history stays readable even if the role set grows.
func ParseRole(s string) Role {
	switch s {
	case "doctor":
		return RoleDoctor
	case "pharmacist":
		return RolePharmacist
	case "patient":
		return RolePatient
	case "admin":
		return RoleAdmin
	case "system":
		return RoleSystem
	default:
		return Role{name: s}
	}
}

func (r Role) String() string { return r.name }

// IsZero reports whether the role is unset.
func (r Role) IsZero() bool { return r.name == "" }

// RevocationReason is the fixed enumeration of recognized revocation reasons.
// The engine stores whatever reason a caller passes; an unrecognized reason is
// the caller's error, not the engine's.
type RevocationReason string

const (
	ReasonPrescribingError RevocationReason = "prescribing_error"
	ReasonPatientRequest   RevocationReason = "patient_request"
	ReasonAdverseReaction  RevocationReason = "adverse_reaction"
	ReasonDuplicate        RevocationReason = "duplicate"
	ReasonOther            RevocationReason = "other"
)

// KnownReason reports whether the reason belongs to the fixed enumeration.
func KnownReason(r RevocationReason) bool {
	switch r {
	case ReasonPrescribingError, ReasonPatientRequest, ReasonAdverseReaction, ReasonDuplicate, ReasonOther:
		return true
	}
	return false
}

// Prescription is the row-backed prescription model. Mutated only by the
// dispensing coordinator and the revocation engine, always inside a single
// transaction together with the audit write.
type Prescription struct {
	ID             int64
	PatientID      int64
	DoctorID       int64
	MedicationName string
	MedicationCode string
	Dosage         string
	Quantity       int
	Instructions   string
	DateIssued     time.Time
	DateExpires    time.Time
	IsRepeat       bool
	RepeatsAllowed int // original authorization, immutable after issue
	RepeatCount    int // repeats remaining, decremented on dispense, never negative
	SupplyInterval int // minimum days between repeat dispenses
	Status         Status
	CredentialID   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasCredential reports whether a signed credential is linked. The credential
// content itself is opaque to this core.
func (p *Prescription) HasCredential() bool { return p.CredentialID != "" }

// Window returns the prescription's validity window.
func (p *Prescription) Window() ValidityWindow {
	return ValidityWindow{Start: p.DateIssued, End: p.DateExpires}
}

// DispensingRecord is immutable once created. Records are only created through
// the dispensing coordinator's transaction and never updated.
type DispensingRecord struct {
	ID             int64
	PrescriptionID int64
	PharmacistID   int64
	Quantity       int
	DispensedAt    time.Time
	Verified       bool
	Notes          string
}

// NotFoundError indicates a referenced resource does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// InvalidStateError indicates an operation that violates a lifecycle
// invariant. It carries a human-readable reason and is never retried.
type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string { return e.Reason }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var is *InvalidStateError
	return errors.As(err, &is)
}
