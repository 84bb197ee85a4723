package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/veriscript/rx-lifecycle/internal/infrastructure/postgres"
	"github.com/veriscript/rx-lifecycle/internal/infrastructure/redpanda"
)

// chainLockKey serializes chain-head reads across concurrent appends.
const chainLockKey = 0x52784C64 // "RxLd"

// Ledger provides append-only audit persistence. Append and Log are the only
// write operations; the audit_entries table carries a delete-prevention rule
// so even a misbehaving client cannot mutate history.
type Ledger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewLedger creates a new ledger.
func NewLedger(pool *pgxpool.Pool, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{pool: pool, logger: logger}
}

// Append writes an entry within the caller's transaction, so the audit write
// commits or rolls back atomically with the operation that produced it. The
// entry is chained onto the current head and an outbox row is written in the
// same transaction for downstream streaming.
func (l *Ledger) Append(ctx context.Context, tx pgx.Tx, e *Entry) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", chainLockKey); err != nil {
		return fmt.Errorf("acquire chain lock: %w", err)
	}

	var prevHash string
	err := tx.QueryRow(ctx,
		"SELECT chain_hash FROM audit_entries ORDER BY id DESC LIMIT 1",
	).Scan(&prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read chain head: %w", err)
	}

	e.prevHash = prevHash
	e.chainHash = computeChainHash(prevHash, e)

	detailsJSON, err := json.Marshal(e.details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	query := `
		INSERT INTO audit_entries
		(event_type, actor_id, actor_role, action, resource_type, resource_id,
		 details, correlation_id, ip_address, timestamp, prev_hash, chain_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id
	`
	err = tx.QueryRow(ctx, query,
		e.eventType, e.actorID, e.actorRole, e.action, e.resourceType,
		e.resourceID, detailsJSON, nullable(e.correlationID), nullable(e.ipAddress),
		e.timestamp, nullable(e.prevHash), e.chainHash,
	).Scan(&e.id)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}

	payload, _ := json.Marshal(e)
	outboxEntry := &postgres.OutboxEntry{
		AggregateID:   e.resourceID,
		AggregateType: e.resourceType,
		EventType:     e.eventType,
		Payload:       payload,
		Topic:         redpanda.TopicAuditTrail,
		Key:           e.resourceID,
	}
	if err := postgres.WriteEntry(ctx, tx, outboxEntry); err != nil {
		return fmt.Errorf("write audit outbox: %w", err)
	}

	return nil
}

// Log appends a single entry in its own transaction and returns the entry id.
func (l *Ledger) Log(ctx context.Context, e *Entry) (int64, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := l.Append(ctx, tx, e); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return e.id, nil
}

// Filter selects audit entries. Zero values are ignored. The date range is
// inclusive on both ends.
type Filter struct {
	ActorID       *int64
	EventType     string
	Action        string
	ResourceType  string
	ResourceID    string
	CorrelationID string
	From          *time.Time
	To            *time.Time
	OldestFirst   bool
}

// QueryResult carries a page of entries plus the unpaged total.
type QueryResult struct {
	Entries    []*Entry `json:"entries"`
	TotalCount int      `json:"total_count"`
}

const entryColumns = `
	id, event_type, actor_id, actor_role, action, resource_type, resource_id,
	details, COALESCE(correlation_id, ''), COALESCE(ip_address, ''),
	timestamp, COALESCE(prev_hash, ''), chain_hash
`

// Query returns entries matching the filter, newest-first by default. Within
// one correlation id callers pass OldestFirst to read the causal chain in
// write order.
func (l *Ledger) Query(ctx context.Context, f Filter, limit, offset int) (*QueryResult, error) {
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhere(f)

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_entries" + where
	if err := l.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count audit entries: %w", err)
	}

	order := " ORDER BY id DESC"
	if f.OldestFirst {
		order = " ORDER BY id ASC"
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf("SELECT %s FROM audit_entries%s%s LIMIT $%d OFFSET $%d",
		entryColumns, where, order, len(args)-1, len(args))

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &QueryResult{Entries: entries, TotalCount: total}, nil
}

// ByCorrelation returns the full entry family for a correlation id in write
// order. State reconstruction takes the latest entry, never counts.
func (l *Ledger) ByCorrelation(ctx context.Context, correlationID string) ([]*Entry, error) {
	res, err := l.Query(ctx, Filter{CorrelationID: correlationID, OldestFirst: true}, 1000, 0)
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// DeleteResult is the outcome of a delete attempt.
type DeleteResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

// AttemptDelete always refuses. The ledger is append-only by contract; this
// permanent no-op exists so callers get a structured refusal instead of a
// missing endpoint.
func (l *Ledger) AttemptDelete(ctx context.Context, id int64) DeleteResult {
	l.logger.Warn("audit entry delete refused", zap.Int64("entry_id", id))
	return DeleteResult{
		Success: false,
		Reason:  "audit entries are append-only and cannot be deleted",
	}
}

// ChainReport is the outcome of a chain verification walk.
type ChainReport struct {
	Verified     bool   `json:"verified"`
	EntriesRead  int    `json:"entries_read"`
	FirstBreakID int64  `json:"first_break_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// VerifyChain recomputes every chain hash in insertion order and reports the
// first break, if any.
func (l *Ledger) VerifyChain(ctx context.Context) (*ChainReport, error) {
	rows, err := l.pool.Query(ctx,
		fmt.Sprintf("SELECT %s FROM audit_entries ORDER BY id ASC", entryColumns))
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	report := &ChainReport{Verified: true}
	prevHash := ""
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		report.EntriesRead++

		if e.prevHash != prevHash || computeChainHash(prevHash, e) != e.chainHash {
			report.Verified = false
			report.FirstBreakID = e.id
			report.Error = fmt.Sprintf("chain break at entry %d", e.id)
			return report, nil
		}
		prevHash = e.chainHash
	}
	return report, rows.Err()
}

func buildWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.ActorID != nil {
		add("actor_id = $%d", *f.ActorID)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.CorrelationID != "" {
		add("correlation_id = $%d", f.CorrelationID)
	}
	if f.From != nil {
		add("timestamp >= $%d", *f.From)
	}
	if f.To != nil {
		add("timestamp <= $%d", *f.To)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	var detailsJSON []byte
	err := row.Scan(
		&e.id, &e.eventType, &e.actorID, &e.actorRole, &e.action,
		&e.resourceType, &e.resourceID, &detailsJSON, &e.correlationID,
		&e.ipAddress, &e.timestamp, &e.prevHash, &e.chainHash,
	)
	if err != nil {
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &e.details); err != nil {
			return nil, fmt.Errorf("unmarshal details: %w", err)
		}
	}
	return e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
