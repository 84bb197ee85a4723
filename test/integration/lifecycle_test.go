// Package integration provides end-to-end tests for the prescription
// lifecycle engine against a real PostgreSQL database. Set TEST_DATABASE_URL
// to run them; without it every test skips.
package integration

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veriscript/rx-lifecycle/internal/audit"
	"github.com/veriscript/rx-lifecycle/internal/dispensing"
	"github.com/veriscript/rx-lifecycle/internal/domain/prescription"
	"github.com/veriscript/rx-lifecycle/internal/lifecycle"
	"github.com/veriscript/rx-lifecycle/internal/revocation"
	"github.com/veriscript/rx-lifecycle/pkg/sast"
)

const schema = `
CREATE TABLE IF NOT EXISTS prescriptions (
	id                   BIGSERIAL PRIMARY KEY,
	patient_id           BIGINT NOT NULL,
	doctor_id            BIGINT NOT NULL,
	medication_name      TEXT NOT NULL,
	medication_code      TEXT NOT NULL DEFAULT '',
	dosage               TEXT NOT NULL DEFAULT '',
	quantity             INT NOT NULL,
	instructions         TEXT NOT NULL DEFAULT '',
	date_issued          TIMESTAMPTZ NOT NULL,
	date_expires         TIMESTAMPTZ NOT NULL,
	is_repeat            BOOLEAN NOT NULL DEFAULT FALSE,
	repeats_allowed      INT NOT NULL DEFAULT 0,
	repeat_count         INT NOT NULL DEFAULT 0,
	supply_interval_days INT NOT NULL DEFAULT 0,
	status               TEXT NOT NULL,
	credential_id        TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS dispensing_records (
	id              BIGSERIAL PRIMARY KEY,
	prescription_id BIGINT NOT NULL REFERENCES prescriptions(id),
	pharmacist_id   BIGINT NOT NULL,
	quantity        INT NOT NULL,
	dispensed_at    TIMESTAMPTZ NOT NULL,
	verified        BOOLEAN NOT NULL DEFAULT FALSE,
	notes           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS audit_entries (
	id             BIGSERIAL PRIMARY KEY,
	event_type     TEXT NOT NULL,
	actor_id       BIGINT NOT NULL,
	actor_role     TEXT NOT NULL,
	action         TEXT NOT NULL,
	resource_type  TEXT NOT NULL,
	resource_id    TEXT NOT NULL,
	details        JSONB,
	correlation_id TEXT,
	ip_address     TEXT,
	timestamp      TIMESTAMPTZ NOT NULL,
	prev_hash      TEXT NOT NULL,
	chain_hash     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	topic          TEXT NOT NULL,
	key            TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INT NOT NULL DEFAULT 0,
	last_error     TEXT
);
`

type fixture struct {
	pool       *pgxpool.Pool
	repo       *prescription.Repository
	ledger     *audit.Ledger
	lifecycle  *lifecycle.Service
	dispensing *dispensing.Coordinator
	revocation *revocation.Engine
}

func setup(t *testing.T) *fixture {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skipf("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.Ping(ctx); err != nil {
		t.Skipf("database unreachable: %v", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	repo := prescription.NewRepository(pool, nil)
	ledger := audit.NewLedger(pool, nil)
	return &fixture{
		pool:       pool,
		repo:       repo,
		ledger:     ledger,
		lifecycle:  lifecycle.NewService(repo, ledger, nil, nil, nil),
		dispensing: dispensing.NewCoordinator(repo, ledger, nil, nil),
		revocation: revocation.NewEngine(repo, ledger, nil, nil, nil, nil),
	}
}

func doctor() audit.ActorRef {
	return audit.ActorRef{ID: 501, Role: prescription.RoleDoctor.String(), IP: "10.0.0.5"}
}

func admin() audit.ActorRef {
	return audit.ActorRef{ID: 900, Role: prescription.RoleAdmin.String(), IP: "10.0.0.9"}
}

func issue(t *testing.T, fx *fixture, repeats int) *prescription.Prescription {
	t.Helper()

	in := lifecycle.IssueInput{
		PatientID:      1001,
		DoctorID:       501,
		MedicationName: "Amoxicillin 500mg",
		MedicationCode: "AMX500",
		Dosage:         "500mg three times daily",
		Quantity:       21,
		Instructions:   "Take with food",
		Repeats:        repeats,
	}
	if repeats > 0 {
		in.SupplyInterval = 28
		in.ValidityDays = 180
	}
	p, err := fx.lifecycle.Issue(context.Background(), doctor(), in)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return p
}

func TestIssueAndValidity(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	p := issue(t, fx, 0)
	if p.ID == 0 {
		t.Fatal("expected prescription id")
	}
	if p.Status != prescription.StatusActive {
		t.Errorf("status = %s, want ACTIVE", p.Status)
	}
	if !p.DateExpires.After(p.DateIssued) {
		t.Error("expiry should follow issuance")
	}

	report, err := fx.lifecycle.CheckValidity(ctx, p.ID)
	if err != nil {
		t.Fatalf("check validity: %v", err)
	}
	if !report.Validity.IsValid {
		t.Errorf("fresh prescription should be valid, got %+v", report.Validity)
	}
	if report.Warning.ShouldNotify {
		t.Errorf("fresh prescription should not warn, got %+v", report.Warning)
	}
}

func TestDispenseRepeatFlow(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	p := issue(t, fx, 2)

	res, err := fx.dispensing.Dispense(ctx, p.ID, 77, 21)
	if err != nil {
		t.Fatalf("first dispense: %v", err)
	}
	if !res.Success || res.DispensingID == 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.RepeatsRemaining != 1 {
		t.Errorf("repeats remaining = %d, want 1", res.RepeatsRemaining)
	}

	// Second attempt on the same day violates the supply interval.
	_, err = fx.dispensing.Dispense(ctx, p.ID, 77, 21)
	var ise *prescription.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("early repeat should be rejected with InvalidStateError, got %v", err)
	}

	summary, err := fx.dispensing.GetRepeatSummary(ctx, p.ID)
	if err != nil {
		t.Fatalf("repeat summary: %v", err)
	}
	if summary.RepeatsUsed != 1 || summary.RepeatsRemaining != 1 {
		t.Errorf("summary = %+v, want 1 used / 1 remaining", summary)
	}
	if !summary.Consistent {
		t.Errorf("counter and records should agree: %s", summary.Discrepancy)
	}
}

func TestDispenseRejectsRevoked(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	p := issue(t, fx, 0)
	if _, err := fx.revocation.Revoke(ctx, p.ID, doctor(), prescription.ReasonPrescribingError, "wrong dose"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	_, err := fx.dispensing.Dispense(ctx, p.ID, 77, 21)
	var ise *prescription.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("dispensing a revoked prescription should fail, got %v", err)
	}

	got, err := fx.lifecycle.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != prescription.StatusRevoked {
		t.Errorf("status = %s, want REVOKED", got.Status)
	}
}

func TestRevokeOnlyActive(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	p := issue(t, fx, 0)
	res, err := fx.revocation.Revoke(ctx, p.ID, doctor(), prescription.ReasonPatientRequest, "")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if res.AuditEntryID == 0 {
		t.Error("expected an audit entry id")
	}

	// Revoking twice must fail, not silently succeed.
	_, err = fx.revocation.Revoke(ctx, p.ID, doctor(), prescription.ReasonPatientRequest, "")
	var ise *prescription.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("second revoke should be rejected, got %v", err)
	}
}

func TestBulkRevokeAndRollback(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	batchMed := "Recalled-Batch-" + time.Now().Format("150405.000000")
	var ids []int64
	for i := 0; i < 3; i++ {
		in := lifecycle.IssueInput{
			PatientID:      2000 + int64(i),
			DoctorID:       501,
			MedicationName: batchMed,
			Quantity:       30,
		}
		p, err := fx.lifecycle.Issue(ctx, doctor(), in)
		if err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
		ids = append(ids, p.ID)
	}

	filter := prescription.BulkFilter{MedicationContains: batchMed}

	preview, err := fx.revocation.PreviewBulk(ctx, admin(), filter)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.MatchCount != 3 {
		t.Fatalf("preview matched %d, want 3", preview.MatchCount)
	}

	bulk, err := fx.revocation.ExecuteBulk(ctx, admin(), filter, prescription.ReasonAdverseReaction, preview.CorrelationID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if bulk.RevokedCount != 3 {
		t.Fatalf("revoked %d, want 3", bulk.RevokedCount)
	}
	for _, id := range ids {
		got, err := fx.lifecycle.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %d: %v", id, err)
		}
		if got.Status != prescription.StatusRevoked {
			t.Errorf("prescription %d status = %s, want REVOKED", id, got.Status)
		}
	}

	rb, err := fx.revocation.RollbackBulk(ctx, admin(), bulk.CorrelationID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rb.RestoredCount != 3 {
		t.Errorf("restored %d, want 3", rb.RestoredCount)
	}
	for _, id := range ids {
		got, err := fx.lifecycle.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %d: %v", id, err)
		}
		if got.Status != prescription.StatusActive {
			t.Errorf("prescription %d status = %s, want ACTIVE after rollback", id, got.Status)
		}
	}

	// A second rollback of the same batch must be refused.
	_, err = fx.revocation.RollbackBulk(ctx, admin(), bulk.CorrelationID)
	var ise *prescription.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("repeat rollback should be rejected, got %v", err)
	}
}

func TestRevokeStoresUnlistedReason(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	// A reason outside the enumeration is the caller's mistake, but the
	// revocation still proceeds and the reason is recorded as passed.
	p := issue(t, fx, 0)
	res, err := fx.revocation.Revoke(ctx, p.ID, doctor(), prescription.RevocationReason("recall"), "manufacturer recall")
	if err != nil {
		t.Fatalf("revoke with unlisted reason: %v", err)
	}
	if res.Reason != "recall" {
		t.Errorf("result reason = %q, want %q", res.Reason, "recall")
	}

	got, err := fx.lifecycle.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != prescription.StatusRevoked {
		t.Errorf("status = %s, want REVOKED", got.Status)
	}

	entries, err := fx.ledger.Query(ctx, audit.Filter{
		EventType:  audit.EventPrescriptionRevoked,
		ResourceID: strconv.FormatInt(p.ID, 10),
	}, 10, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries.Entries) != 1 {
		t.Fatalf("expected one revocation entry, got %d", len(entries.Entries))
	}
	if reason := entries.Entries[0].DetailString("reason"); reason != "recall" {
		t.Errorf("ledger reason = %q, want %q", reason, "recall")
	}
}

func TestBulkOverLimitRefused(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	batchMed := "Oversized-Batch-" + time.Now().Format("150405.000000")
	for i := 0; i <= revocation.BulkLimit; i++ {
		in := lifecycle.IssueInput{
			PatientID:      3000 + int64(i),
			DoctorID:       501,
			MedicationName: batchMed,
			Quantity:       30,
		}
		if _, err := fx.lifecycle.Issue(ctx, doctor(), in); err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
	}

	filter := prescription.BulkFilter{MedicationContains: batchMed}

	var ise *prescription.InvalidStateError
	if _, err := fx.revocation.PreviewBulk(ctx, admin(), filter); !errors.As(err, &ise) {
		t.Fatalf("over-limit preview should be refused, got %v", err)
	}
	if _, err := fx.revocation.ExecuteBulk(ctx, admin(), filter, prescription.ReasonDuplicate, ""); !errors.As(err, &ise) {
		t.Fatalf("over-limit execute should be refused, got %v", err)
	}

	// Refusal means refusal: nothing in the batch may have been revoked.
	matches, err := fx.repo.FindForBulk(ctx, filter, revocation.BulkLimit)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	for _, p := range matches {
		if p.Status != prescription.StatusActive {
			t.Fatalf("prescription %d status = %s, want ACTIVE", p.ID, p.Status)
		}
	}
}

func TestBulkRollbackWindowCloses(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	batchMed := "Window-Batch-" + time.Now().Format("150405.000000")
	for i := 0; i < 2; i++ {
		in := lifecycle.IssueInput{
			PatientID:      4000 + int64(i),
			DoctorID:       501,
			MedicationName: batchMed,
			Quantity:       30,
		}
		if _, err := fx.lifecycle.Issue(ctx, doctor(), in); err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
	}

	bulk, err := fx.revocation.ExecuteBulk(ctx, admin(), prescription.BulkFilter{MedicationContains: batchMed}, prescription.ReasonOther, "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	late := sast.Now().Add(revocation.RollbackWindow + time.Hour)
	_, err = fx.revocation.RollbackBulkAt(ctx, admin(), bulk.CorrelationID, late)
	var ise *prescription.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("rollback after the window should be rejected, got %v", err)
	}

	// The refused rollback must leave the batch revoked.
	for _, id := range bulk.RevokedIDs {
		got, err := fx.lifecycle.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %d: %v", id, err)
		}
		if got.Status != prescription.StatusRevoked {
			t.Errorf("prescription %d status = %s, want REVOKED", id, got.Status)
		}
	}
}

func TestScheduleFamilySharesCorrelation(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	p := issue(t, fx, 0)
	info, err := fx.revocation.Schedule(ctx, admin(), p.ID, sast.Now().Add(time.Hour), prescription.ReasonPrescribingError)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := fx.revocation.CancelSchedule(ctx, admin(), info.ScheduleID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	family, err := fx.ledger.ByCorrelation(ctx, info.ScheduleID)
	if err != nil {
		t.Fatalf("by correlation: %v", err)
	}
	if len(family) != 2 {
		t.Fatalf("expected scheduled and cancelled entries, got %d", len(family))
	}
	if family[0].EventType() != audit.EventRevocationScheduled {
		t.Errorf("first entry = %s, want %s", family[0].EventType(), audit.EventRevocationScheduled)
	}
	if family[1].EventType() != audit.EventRevocationScheduleCancelled {
		t.Errorf("second entry = %s, want %s", family[1].EventType(), audit.EventRevocationScheduleCancelled)
	}
}

func TestLedgerChainAndImmutability(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	p := issue(t, fx, 1)
	if _, err := fx.dispensing.Dispense(ctx, p.ID, 77, 21); err != nil {
		t.Fatalf("dispense: %v", err)
	}

	report, err := fx.ledger.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !report.Verified {
		t.Fatalf("chain broken at entry %d: %s", report.FirstBreakID, report.Error)
	}
	if report.EntriesRead < 2 {
		t.Errorf("expected at least issue and dispense entries, read %d", report.EntriesRead)
	}

	entries, err := fx.ledger.Query(ctx, audit.Filter{
		ResourceType: "prescription",
		ResourceID:   strconv.FormatInt(p.ID, 10),
	}, 50, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries.Entries) < 2 {
		t.Fatalf("expected issue and dispense entries, got %d", len(entries.Entries))
	}

	del := fx.ledger.AttemptDelete(ctx, entries.Entries[0].ID())
	if del.Success {
		t.Fatal("ledger deletion must always be refused")
	}
	if del.Reason == "" {
		t.Error("refusal should carry a reason")
	}
}
