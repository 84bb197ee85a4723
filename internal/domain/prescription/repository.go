// Package prescription provides the pgx-backed prescription repository.
package prescription

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Repository provides prescription and dispensing-record persistence.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// Pool exposes the underlying pool so coordinators can open their own
// transactions around compound operations.
func (r *Repository) Pool() *pgxpool.Pool { return r.pool }

const prescriptionColumns = `
	id, patient_id, doctor_id, medication_name, medication_code, dosage,
	quantity, instructions, date_issued, date_expires, is_repeat,
	repeats_allowed, repeat_count, supply_interval_days, status, credential_id,
	created_at, updated_at
`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	p := &Prescription{}
	var status string
	err := row.Scan(
		&p.ID, &p.PatientID, &p.DoctorID, &p.MedicationName, &p.MedicationCode,
		&p.Dosage, &p.Quantity, &p.Instructions, &p.DateIssued, &p.DateExpires,
		&p.IsRepeat, &p.RepeatsAllowed, &p.RepeatCount, &p.SupplyInterval, &status, &p.CredentialID,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	return p, nil
}

// Get retrieves a prescription by id.
func (r *Repository) Get(ctx context.Context, id int64) (*Prescription, error) {
	query := `SELECT ` + prescriptionColumns + ` FROM prescriptions WHERE id = $1`
	p, err := scanPrescription(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "prescription", ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("get prescription: %w", err)
	}
	return p, nil
}

// GetForUpdate retrieves a prescription inside tx with a row lock, so that
// concurrent dispense or revoke attempts serialize on the row.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*Prescription, error) {
	query := `SELECT ` + prescriptionColumns + ` FROM prescriptions WHERE id = $1 FOR UPDATE`
	p, err := scanPrescription(tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "prescription", ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("lock prescription: %w", err)
	}
	return p, nil
}

// Create inserts a new prescription row within tx and fills in its id.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, p *Prescription) error {
	query := `
		INSERT INTO prescriptions
		(patient_id, doctor_id, medication_name, medication_code, dosage,
		 quantity, instructions, date_issued, date_expires, is_repeat,
		 repeats_allowed, repeat_count, supply_interval_days, status, credential_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING id, created_at, updated_at
	`
	err := tx.QueryRow(ctx, query,
		p.PatientID, p.DoctorID, p.MedicationName, p.MedicationCode, p.Dosage,
		p.Quantity, p.Instructions, p.DateIssued, p.DateExpires, p.IsRepeat,
		p.RepeatsAllowed, p.RepeatCount, p.SupplyInterval, string(p.Status), p.CredentialID,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

// UpdateStatus sets a prescription's status within tx.
func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, id int64, status Status) error {
	tag, err := tx.Exec(ctx,
		`UPDATE prescriptions SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Resource: "prescription", ID: strconv.FormatInt(id, 10)}
	}
	return nil
}

// SetCredential links a signed credential id to a prescription within tx.
func (r *Repository) SetCredential(ctx context.Context, tx pgx.Tx, id int64, credentialID string) error {
	_, err := tx.Exec(ctx,
		`UPDATE prescriptions SET credential_id = $1, updated_at = NOW() WHERE id = $2`,
		credentialID, id)
	if err != nil {
		return fmt.Errorf("set credential: %w", err)
	}
	return nil
}

// DecrementRepeat decrements repeat_count by one within tx, never below zero,
// and returns the new count. The GREATEST guard is the storage-level half of
// the no-over-dispense invariant.
func (r *Repository) DecrementRepeat(ctx context.Context, tx pgx.Tx, id int64) (int, error) {
	var remaining int
	err := tx.QueryRow(ctx, `
		UPDATE prescriptions
		SET repeat_count = GREATEST(repeat_count - 1, 0), updated_at = NOW()
		WHERE id = $1
		RETURNING repeat_count
	`, id).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &NotFoundError{Resource: "prescription", ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return 0, fmt.Errorf("decrement repeat: %w", err)
	}
	return remaining, nil
}

// InsertDispensing creates an immutable dispensing record within tx.
func (r *Repository) InsertDispensing(ctx context.Context, tx pgx.Tx, rec *DispensingRecord) error {
	query := `
		INSERT INTO dispensing_records
		(prescription_id, pharmacist_id, quantity, dispensed_at, verified, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := tx.QueryRow(ctx, query,
		rec.PrescriptionID, rec.PharmacistID, rec.Quantity,
		rec.DispensedAt, rec.Verified, rec.Notes,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert dispensing record: %w", err)
	}
	return nil
}

// LatestDispensing returns the most recent dispensing record for a
// prescription, or nil when it has never been dispensed.
func (r *Repository) LatestDispensing(ctx context.Context, prescriptionID int64) (*DispensingRecord, error) {
	query := `
		SELECT id, prescription_id, pharmacist_id, quantity, dispensed_at, verified, notes
		FROM dispensing_records
		WHERE prescription_id = $1
		ORDER BY dispensed_at DESC
		LIMIT 1
	`
	rec := &DispensingRecord{}
	err := r.pool.QueryRow(ctx, query, prescriptionID).Scan(
		&rec.ID, &rec.PrescriptionID, &rec.PharmacistID, &rec.Quantity,
		&rec.DispensedAt, &rec.Verified, &rec.Notes,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest dispensing: %w", err)
	}
	return rec, nil
}

// CountDispensings counts dispensing records for a prescription.
func (r *Repository) CountDispensings(ctx context.Context, prescriptionID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dispensing_records WHERE prescription_id = $1`,
		prescriptionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count dispensings: %w", err)
	}
	return count, nil
}

// BulkFilter selects prescriptions for a bulk revocation.
type BulkFilter struct {
	PatientID          *int64
	Status             Status // defaults to ACTIVE
	MedicationContains string
	IssuedFrom         *time.Time
	IssuedTo           *time.Time
}

// FindExpiring returns ACTIVE prescriptions whose validity window ends on or
// before cutoff but has not lapsed yet. The scheduler's warning sweep uses it.
func (r *Repository) FindExpiring(ctx context.Context, cutoff time.Time, limit int) ([]*Prescription, error) {
	query := `SELECT ` + prescriptionColumns + `
		FROM prescriptions
		WHERE status = $1 AND date_expires > NOW() AND date_expires <= $2
		ORDER BY date_expires
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, string(StatusActive), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("expiring query: %w", err)
	}
	defer rows.Close()

	var expiring []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		expiring = append(expiring, p)
	}
	return expiring, rows.Err()
}

// FindForBulk returns prescriptions matching the filter, up to limit+1 rows so
// the caller can detect an over-limit match set.
func (r *Repository) FindForBulk(ctx context.Context, f BulkFilter, limit int) ([]*Prescription, error) {
	status := f.Status
	if status == "" {
		status = StatusActive
	}

	query := `SELECT ` + prescriptionColumns + ` FROM prescriptions WHERE status = $1`
	args := []any{string(status)}

	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		query += fmt.Sprintf(" AND patient_id = $%d", len(args))
	}
	if f.MedicationContains != "" {
		args = append(args, "%"+f.MedicationContains+"%")
		query += fmt.Sprintf(" AND medication_name ILIKE $%d", len(args))
	}
	if f.IssuedFrom != nil {
		args = append(args, *f.IssuedFrom)
		query += fmt.Sprintf(" AND date_issued >= $%d", len(args))
	}
	if f.IssuedTo != nil {
		args = append(args, *f.IssuedTo)
		query += fmt.Sprintf(" AND date_issued <= $%d", len(args))
	}

	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("bulk query: %w", err)
	}
	defer rows.Close()

	var matches []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, p)
	}
	return matches, rows.Err()
}
