// Package audit implements the append-only audit ledger. The ledger is the
// sole source of truth for lifecycle history; entries are hash-chained and
// can never be updated or deleted.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/veriscript/rx-lifecycle/pkg/sast"
)

// Event types recorded by the lifecycle engine. Scheduled revocations and
// revocation rules are event-typed ledger entries, not separate tables.
const (
	EventPrescriptionIssued    = "prescription.issued"
	EventPrescriptionDispensed = "prescription.dispensed"
	EventPrescriptionRevoked   = "prescription.revoked"
	EventPrescriptionVerified  = "prescription.verified"

	EventBulkRevocationPreviewed  = "prescription.bulk_revocation_previewed"
	EventBulkRevocationExecuted   = "prescription.bulk_revoked"
	EventBulkRevocationRolledBack = "prescription.bulk_revocation_rolled_back"

	EventRevocationScheduled         = "revocation.scheduled"
	EventRevocationScheduleCancelled = "revocation.schedule_cancelled"
	EventRevocationScheduleExecuted  = "revocation.schedule_executed"

	EventRevocationRuleCreated = "revocation.rule_created"
)

// Entry is an immutable audit ledger record. It is constructed once, exposes
// accessors only, and never grows a mutator: immutability lives in the type,
// and the storage layer refuses UPDATE/DELETE on the audit table.
type Entry struct {
	id            int64
	eventType     string
	actorID       int64
	actorRole     string
	action        string
	resourceType  string
	resourceID    string
	details       map[string]any
	correlationID string
	ipAddress     string
	timestamp     time.Time
	prevHash      string
	chainHash     string
}

// NewEntry constructs an audit entry stamped with the current SAST time.
// The details map is copied so later caller mutations cannot leak in.
func NewEntry(eventType string, actorID int64, actorRole, action, resourceType, resourceID string, details map[string]any) *Entry {
	return &Entry{
		eventType:    eventType,
		actorID:      actorID,
		actorRole:    actorRole,
		action:       action,
		resourceType: resourceType,
		resourceID:   resourceID,
		details:      copyDetails(details),
		timestamp:    sast.Now(),
	}
}

// WithCorrelationID links the entry into a multi-step operation family.
// Returns the entry for construction chaining; has no effect after appending.
func (e *Entry) WithCorrelationID(id string) *Entry {
	e.correlationID = id
	return e
}

// WithIP records the caller's IP address.
func (e *Entry) WithIP(ip string) *Entry {
	e.ipAddress = ip
	return e
}

// NewCorrelationID generates a fresh correlation id.
func NewCorrelationID() string { return uuid.New().String() }

// ActorRef identifies who performs an audited operation.
type ActorRef struct {
	ID   int64
	Role string
	IP   string
}

func (e *Entry) ID() int64             { return e.id }
func (e *Entry) EventType() string     { return e.eventType }
func (e *Entry) ActorID() int64        { return e.actorID }
func (e *Entry) ActorRole() string     { return e.actorRole }
func (e *Entry) Action() string        { return e.action }
func (e *Entry) ResourceType() string  { return e.resourceType }
func (e *Entry) ResourceID() string    { return e.resourceID }
func (e *Entry) CorrelationID() string { return e.correlationID }
func (e *Entry) IP() string            { return e.ipAddress }
func (e *Entry) Timestamp() time.Time  { return e.timestamp }
func (e *Entry) PrevHash() string      { return e.prevHash }
func (e *Entry) ChainHash() string     { return e.chainHash }

// Details returns a copy of the details payload; the entry's own payload
// cannot be reached through it.
func (e *Entry) Details() map[string]any {
	return copyDetails(e.details)
}

// DetailString returns a string detail field, or "" when absent.
func (e *Entry) DetailString(key string) string {
	if v, ok := e.details[key].(string); ok {
		return v
	}
	return ""
}

// MarshalJSON renders the entry for API responses.
func (e *Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID            int64          `json:"id"`
		EventType     string         `json:"event_type"`
		ActorID       int64          `json:"actor_id"`
		ActorRole     string         `json:"actor_role"`
		Action        string         `json:"action"`
		ResourceType  string         `json:"resource_type"`
		ResourceID    string         `json:"resource_id"`
		Details       map[string]any `json:"details,omitempty"`
		CorrelationID string         `json:"correlation_id,omitempty"`
		IP            string         `json:"ip,omitempty"`
		Timestamp     string         `json:"timestamp"`
		PrevHash      string         `json:"prev_hash,omitempty"`
		ChainHash     string         `json:"chain_hash,omitempty"`
	}{
		ID:            e.id,
		EventType:     e.eventType,
		ActorID:       e.actorID,
		ActorRole:     e.actorRole,
		Action:        e.action,
		ResourceType:  e.resourceType,
		ResourceID:    e.resourceID,
		Details:       e.Details(),
		CorrelationID: e.correlationID,
		IP:            e.ipAddress,
		Timestamp:     sast.Format(e.timestamp),
		PrevHash:      e.prevHash,
		ChainHash:     e.chainHash,
	})
}

// computeChainHash hashes the entry content together with the previous chain
// head. json.Marshal sorts map keys, so the serialization is deterministic.
func computeChainHash(prevHash string, e *Entry) string {
	detailsJSON, _ := json.Marshal(e.details)
	payload := struct {
		Timestamp     string `json:"ts"`
		EventType     string `json:"event_type"`
		ActorID       int64  `json:"actor_id"`
		ActorRole     string `json:"actor_role"`
		Action        string `json:"action"`
		ResourceType  string `json:"resource_type"`
		ResourceID    string `json:"resource_id"`
		Details       string `json:"details"`
		CorrelationID string `json:"correlation_id"`
		PrevHash      string `json:"prev_hash"`
	}{
		Timestamp:     e.timestamp.UTC().Format(time.RFC3339Nano),
		EventType:     e.eventType,
		ActorID:       e.actorID,
		ActorRole:     e.actorRole,
		Action:        e.action,
		ResourceType:  e.resourceType,
		ResourceID:    e.resourceID,
		Details:       string(detailsJSON),
		CorrelationID: e.correlationID,
		PrevHash:      prevHash,
	}
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func copyDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		out[k] = v
	}
	return out
}
