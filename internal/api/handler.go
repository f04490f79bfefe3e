package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/configstore"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	decisions *decision.Service
	alerts    *alerts.Service
	configs   *configstore.Store

	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus

	version string
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies, version string) *Handler {
	return &Handler{
		decisions: deps.Decisions,
		alerts:    deps.Alerts,
		configs:   deps.Configs,
		repo:      deps.Repo,
		cache:     deps.Cache,
		bus:       deps.Bus,
		version:   version,
	}
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error  string              `json:"error"`
	Fields []domain.FieldError `json:"fields,omitempty"`

	// Set on 409 for alert updates.
	Expected domain.AlertStatus `json:"expected,omitempty"`
	Actual   domain.AlertStatus `json:"actual,omitempty"`
	From     domain.AlertStatus `json:"from,omitempty"`
	To       domain.AlertStatus `json:"to,omitempty"`

	// Decision carries the fail-closed decision on a 503 from /evaluate.
	Decision *domain.Decision `json:"decision,omitempty"`
}

// TransitionRequest is the body of POST /alerts/{id}/transition.
type TransitionRequest struct {
	ExpectedStatus domain.AlertStatus `json:"expected_status"`
	Status         domain.AlertStatus `json:"status"`
	Notes          *string            `json:"notes,omitempty"`
}

// NotesRequest is the body of PUT /alerts/{id}/notes.
type NotesRequest struct {
	Notes string `json:"notes"`
}

// SeverityRequest is the body of PUT /alerts/{id}/severity.
type SeverityRequest struct {
	Severity domain.Severity `json:"severity"`
}

// OpenAlertRequest is the body of POST /alerts.
type OpenAlertRequest struct {
	TransactionID string          `json:"transactionId"`
	Severity      domain.Severity `json:"severity"`
	Notes         string          `json:"notes,omitempty"`
}

// BanRequest is the body of POST /banlist. Value is hashed before storage.
type BanRequest struct {
	EntityType domain.BanEntityType `json:"entityType"`
	Value      string               `json:"value"`
	Reason     string               `json:"reason,omitempty"`
}

// AlertListResponse is the response for GET /alerts.
type AlertListResponse struct {
	Alerts []*domain.Alert `json:"alerts"`
	Count  int             `json:"count"`
}

// AuditResponse is the response for GET /alerts/{id}/audit.
type AuditResponse struct {
	AlertID string               `json:"alertId"`
	Entries []*domain.AuditEntry `json:"entries"`
}

// Evaluate handles POST /evaluate requests.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req domain.ScoredTransaction
	if !decodeBody(w, r, &req) {
		return
	}

	d, err := h.decisions.Evaluate(r.Context(), &req)
	if err != nil {
		if d != nil && errors.Is(err, domain.ErrUpstreamUnavailable) {
			slog.Error("evaluation failed closed",
				"tx_id", req.Transaction.ID,
				"action", d.Action,
				"trace_id", GetTraceID(r.Context()),
				"error", err,
			)
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Decision: d})
			return
		}
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// GetDecision handles GET /decisions/{txId}.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	d, err := h.decisions.Get(r.Context(), chi.URLParam(r, "txId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ReplayDecision handles POST /decisions/{txId}/replay.
func (h *Handler) ReplayDecision(w http.ResponseWriter, r *http.Request) {
	result, err := h.decisions.Replay(r.Context(), chi.URLParam(r, "txId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListAlerts handles GET /alerts?status=&limit=&offset=.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AlertFilter{Status: domain.AlertStatus(q.Get("status"))}

	var fields []domain.FieldError
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fields = append(fields, domain.FieldError{Field: "limit", Message: "must be a non-negative integer"})
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fields = append(fields, domain.FieldError{Field: "offset", Message: "must be a non-negative integer"})
		}
		filter.Offset = n
	}
	if len(fields) > 0 {
		writeError(w, r, &domain.ValidationError{Fields: fields})
		return
	}

	list, err := h.alerts.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.Alert{}
	}
	writeJSON(w, http.StatusOK, AlertListResponse{Alerts: list, Count: len(list)})
}

// OpenAlert handles POST /alerts for a manually raised alert.
func (h *Handler) OpenAlert(w http.ResponseWriter, r *http.Request) {
	var req OpenAlertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TransactionID == "" {
		writeError(w, r, &domain.ValidationError{Fields: []domain.FieldError{{Field: "transactionId", Message: "is required"}}})
		return
	}

	alert, created, err := h.alerts.Open(r.Context(), req.TransactionID, req.Severity, req.Notes, GetAnalyst(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, alert)
}

// GetAlert handles GET /alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.alerts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// TransitionAlert handles POST /alerts/{id}/transition.
func (h *Handler) TransitionAlert(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	alert, err := h.alerts.Transition(r.Context(), chi.URLParam(r, "id"), req.ExpectedStatus, req.Status, GetAnalyst(r.Context()), req.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// UpdateAlertNotes handles PUT /alerts/{id}/notes.
func (h *Handler) UpdateAlertNotes(w http.ResponseWriter, r *http.Request) {
	var req NotesRequest
	if !decodeBody(w, r, &req) {
		return
	}

	alert, err := h.alerts.UpdateNotes(r.Context(), chi.URLParam(r, "id"), req.Notes, GetAnalyst(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// ChangeAlertSeverity handles PUT /alerts/{id}/severity.
func (h *Handler) ChangeAlertSeverity(w http.ResponseWriter, r *http.Request) {
	var req SeverityRequest
	if !decodeBody(w, r, &req) {
		return
	}

	alert, err := h.alerts.ChangeSeverity(r.Context(), chi.URLParam(r, "id"), req.Severity, GetAnalyst(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// AlertAudit handles GET /alerts/{id}/audit.
func (h *Handler) AlertAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := h.alerts.Audit(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AuditResponse{AlertID: id, Entries: entries})
}

// GetConfig handles GET /config.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.configs.Get()
	if cfg == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "rule config not loaded"})
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfig handles PUT /config with a partial update.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch domain.RuleConfigPatch
	if !decodeBody(w, r, &patch) {
		return
	}

	cfg, err := h.configs.Set(r.Context(), &patch, GetAnalyst(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// GetConfigVersion handles GET /config/versions/{version}.
func (h *Handler) GetConfigVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil || version < 0 {
		writeError(w, r, &domain.ValidationError{Fields: []domain.FieldError{{Field: "version", Message: "must be a non-negative integer"}}})
		return
	}

	cfg, err := h.configs.Version(r.Context(), version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ReloadConfig handles POST /config/reload.
func (h *Handler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.configs.Reload(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// Ban handles POST /banlist.
func (h *Handler) Ban(w http.ResponseWriter, r *http.Request) {
	var req BanRequest
	if !decodeBody(w, r, &req) {
		return
	}

	entry, err := h.decisions.Ban(r.Context(), req.EntityType, req.Value, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("ban list entry added",
		"entity_type", entry.EntityType,
		"analyst", GetAnalyst(r.Context()),
	)
	writeJSON(w, http.StatusCreated, entry)
}

// Health returns the status of every backing component.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := make(map[string]string)

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			components[name] = "down: " + err.Error()
			status = "degraded"
			return
		}
		components[name] = "up"
	}

	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(r.Context()) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(r.Context()) })
	}
	if h.bus != nil {
		check("bus", func() error { return h.bus.Ping(r.Context()) })
	}

	configVersion := int64(-1)
	if h.configs != nil {
		if cfg := h.configs.Get(); cfg != nil {
			components["config"] = "up"
			configVersion = cfg.Version
		} else {
			components["config"] = "down: not loaded"
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"version":       h.version,
		"components":    components,
		"configVersion": configVersion,
	})
}

// Ready returns whether the server can take traffic: a rule config is loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.configs == nil || h.configs.Get() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// decodeBody decodes a JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON request body"})
		return false
	}
	return true
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *domain.ValidationError
		conflict   *domain.ConflictError
		transition *domain.InvalidTransitionError
	)

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: domain.ErrValidation.Error(), Fields: validation.Fields})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Expected: conflict.Expected, Actual: conflict.Actual})
	case errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), From: transition.From, To: transition.To})
	case errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		slog.Error("upstream unavailable",
			"path", r.URL.Path,
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: domain.ErrUpstreamUnavailable.Error()})
	default:
		slog.Error("request failed",
			"path", r.URL.Path,
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
