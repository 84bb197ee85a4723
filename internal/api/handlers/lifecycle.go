// Package handlers implements the HTTP surface of the lifecycle API.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/veriscript/rx-lifecycle/internal/api/middleware"
	"github.com/veriscript/rx-lifecycle/internal/audit"
	"github.com/veriscript/rx-lifecycle/internal/dashboard"
	"github.com/veriscript/rx-lifecycle/internal/dispensing"
	"github.com/veriscript/rx-lifecycle/internal/domain/prescription"
	"github.com/veriscript/rx-lifecycle/internal/lifecycle"
	"github.com/veriscript/rx-lifecycle/internal/revocation"
)

// Handlers wires the lifecycle services to HTTP routes.
type Handlers struct {
	lifecycle  *lifecycle.Service
	dispensing *dispensing.Coordinator
	revocation *revocation.Engine
	dashboard  *dashboard.Aggregator
	ledger     *audit.Ledger
	logger     *zap.Logger
}

// New creates the handler set.
func New(lc *lifecycle.Service, disp *dispensing.Coordinator, rev *revocation.Engine, dash *dashboard.Aggregator, ledger *audit.Ledger, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		lifecycle:  lc,
		dispensing: disp,
		revocation: rev,
		dashboard:  dash,
		ledger:     ledger,
		logger:     logger,
	}
}

// Routes registers all lifecycle routes on the router. Mutating routes sit
// behind the actor middleware.
func (h *Handlers) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Actor)

		r.Post("/v1/prescriptions", h.issue)
		r.Post("/v1/prescriptions/{id}/dispense", h.dispense)
		r.Post("/v1/prescriptions/{id}/verify", h.verify)
		r.Post("/v1/prescriptions/{id}/revoke", h.revoke)

		r.Post("/v1/revocations/bulk/preview", h.previewBulk)
		r.Post("/v1/revocations/bulk", h.executeBulk)
		r.Post("/v1/revocations/bulk/{correlationID}/rollback", h.rollbackBulk)
		r.Post("/v1/revocations/bulk/impact", h.bulkImpact)

		r.Post("/v1/revocations/schedules", h.schedule)
		r.Delete("/v1/revocations/schedules/{scheduleID}", h.cancelSchedule)
		r.Post("/v1/revocations/rules", h.createRule)

		r.Delete("/v1/audit/entries/{id}", h.deleteAuditEntry)
	})

	r.Get("/v1/prescriptions/{id}", h.get)
	r.Get("/v1/prescriptions/{id}/validity", h.validity)
	r.Get("/v1/prescriptions/{id}/eligibility", h.eligibility)
	r.Get("/v1/prescriptions/{id}/repeats", h.repeatSummary)
	r.Get("/v1/prescriptions/{id}/revocation-impact", h.impact)

	r.Get("/v1/revocations/schedules/{scheduleID}", h.getSchedule)
	r.Get("/v1/revocations/rules", h.listRules)
	r.Get("/v1/prescriptions/{id}/rule-matches", h.evaluateRules)
	r.Get("/v1/dashboard/revocations", h.revocationDashboard)

	r.Get("/v1/audit/entries", h.queryAudit)
	r.Get("/v1/audit/chain/verify", h.verifyChain)
}

func (h *Handlers) issue(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.IssueInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	actor, _ := middleware.GetActor(r.Context())
	p, err := h.lifecycle.Issue(r.Context(), actor, in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.lifecycle.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) validity(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	report, err := h.lifecycle.CheckValidity(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) eligibility(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.dispensing.CheckEligibility(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) repeatSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	summary, err := h.dispensing.GetRepeatSummary(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

type dispenseRequest struct {
	PharmacistID int64 `json:"pharmacist_id"`
	Quantity     int   `json:"quantity"`
}

func (h *Handlers) dispense(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req dispenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	actor, _ := middleware.GetActor(r.Context())
	if req.PharmacistID == 0 {
		req.PharmacistID = actor.ID
	}
	result, err := h.dispensing.Dispense(r.Context(), id, req.PharmacistID, req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) verify(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	actor, _ := middleware.GetActor(r.Context())
	result, err := h.lifecycle.Verify(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type revokeRequest struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

func (h *Handlers) revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	actor, _ := middleware.GetActor(r.Context())
	result, err := h.revocation.Revoke(r.Context(), id, actor, prescription.RevocationReason(req.Reason), req.Notes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) impact(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	impact, err := h.revocation.AnalyzeImpact(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, impact)
}

type bulkRequest struct {
	PatientID          *int64     `json:"patient_id,omitempty"`
	Status             string     `json:"status,omitempty"`
	MedicationContains string     `json:"medication_contains,omitempty"`
	IssuedFrom         *time.Time `json:"issued_from,omitempty"`
	IssuedTo           *time.Time `json:"issued_to,omitempty"`
	Reason             string     `json:"reason,omitempty"`
	CorrelationID      string     `json:"correlation_id,omitempty"`
}

func (req bulkRequest) filter() prescription.BulkFilter {
	return prescription.BulkFilter{
		PatientID:          req.PatientID,
		Status:             prescription.Status(req.Status),
		MedicationContains: req.MedicationContains,
		IssuedFrom:         req.IssuedFrom,
		IssuedTo:           req.IssuedTo,
	}
}

func (h *Handlers) previewBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	actor, _ := middleware.GetActor(r.Context())
	preview, err := h.revocation.PreviewBulk(r.Context(), actor, req.filter())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, preview)
}

func (h *Handlers) executeBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	actor, _ := middleware.GetActor(r.Context())
	result, err := h.revocation.ExecuteBulk(r.Context(), actor, req.filter(), prescription.RevocationReason(req.Reason), req.CorrelationID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) rollbackBulk(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlationID")
	actor, _ := middleware.GetActor(r.Context())
	result, err := h.revocation.RollbackBulk(r.Context(), actor, correlationID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) bulkImpact(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	impact, err := h.revocation.AnalyzeBulkImpact(r.Context(), req.filter())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, impact)
}

type scheduleRequest struct {
	PrescriptionID int64     `json:"prescription_id"`
	ExecuteAt      time.Time `json:"execute_at"`
	Reason         string    `json:"reason"`
}

func (h *Handlers) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	actor, _ := middleware.GetActor(r.Context())
	info, err := h.revocation.Schedule(r.Context(), actor, req.PrescriptionID, req.ExecuteAt, prescription.RevocationReason(req.Reason))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, info)
}

func (h *Handlers) getSchedule(w http.ResponseWriter, r *http.Request) {
	info, err := h.revocation.GetSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())
	if err := h.revocation.CancelSchedule(r.Context(), actor, chi.URLParam(r, "scheduleID")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (h *Handlers) createRule(w http.ResponseWriter, r *http.Request) {
	var rule revocation.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	actor, _ := middleware.GetActor(r.Context())
	created, err := h.revocation.CreateRule(r.Context(), actor, rule)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) evaluateRules(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	matches, err := h.revocation.EvaluatePrescription(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if matches == nil {
		matches = []revocation.RuleMatch{}
	}
	h.writeJSON(w, http.StatusOK, matches)
}

func (h *Handlers) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.revocation.ListRules(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rules)
}

func (h *Handlers) revocationDashboard(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	h.writeJSON(w, http.StatusOK, h.dashboard.GetRevocationDashboard(r.Context(), days))
}

func (h *Handlers) queryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f audit.Filter
	f.EventType = q.Get("event_type")
	f.Action = q.Get("action")
	f.ResourceType = q.Get("resource_type")
	f.ResourceID = q.Get("resource_id")
	f.CorrelationID = q.Get("correlation_id")
	if v := q.Get("actor_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.badRequest(w, "invalid actor_id")
			return
		}
		f.ActorID = &id
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.badRequest(w, "invalid from timestamp")
			return
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.badRequest(w, "invalid to timestamp")
			return
		}
		f.To = &t
	}
	f.OldestFirst = q.Get("order") == "asc"

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	res, err := h.ledger.Query(r.Context(), f, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) deleteAuditEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	result := h.ledger.AttemptDelete(r.Context(), id)
	h.writeJSON(w, http.StatusForbidden, result)
}

func (h *Handlers) verifyChain(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.VerifyChain(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		h.badRequest(w, "invalid "+name)
		return 0, false
	}
	return id, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case prescription.IsNotFound(err):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case prescription.IsInvalidState(err):
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (h *Handlers) badRequest(w http.ResponseWriter, msg string) {
	h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}
