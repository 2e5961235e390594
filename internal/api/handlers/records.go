// Package handlers provides HTTP handlers for the records API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/healthlink/medevents/internal/api/middleware"
	"github.com/healthlink/medevents/internal/domain/records"
	"github.com/healthlink/medevents/internal/domain/terminology"
	"github.com/healthlink/medevents/internal/observability/metrics"
	"github.com/healthlink/medevents/internal/observability/tracing"
)

// RecordsHandler handles the clinical records endpoints.
type RecordsHandler struct {
	registry *records.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewRecordsHandler creates a new handler over the repository registry.
// A nil metrics disables instrumentation.
func NewRecordsHandler(registry *records.Registry, logger *zap.Logger, m *metrics.Metrics) *RecordsHandler {
	return &RecordsHandler{
		registry: registry,
		logger:   logger,
		metrics:  m,
	}
}

func (h *RecordsHandler) countStored(resource string, n int) {
	if h.metrics != nil {
		h.metrics.ResourcesStored.WithLabelValues(resource).Add(float64(n))
	}
}

func (h *RecordsHandler) countFailed(resource string) {
	if h.metrics != nil {
		h.metrics.ResourcesFailed.WithLabelValues(resource).Inc()
	}
}

// Routes returns the handler routes.
func (h *RecordsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/encounters", h.CreateEncounter)
	r.Get("/encounters/{id}", h.GetEncounter)
	r.Post("/conditions", h.CreateConditions)
	r.Post("/observations", h.CreateObservations)
	r.Post("/immunizations", h.CreateImmunizations)
	r.Post("/procedures", h.CreateProcedures)
	r.Post("/diagnostic-reports", h.CreateDiagnosticReports)
	r.Post("/clinical-impressions", h.CreateClinicalImpressions)
	r.Post("/episodes", h.CreateEpisodes)
	r.Get("/episodes", h.GetEpisodes)
	r.Put("/concepts/{id}", h.UpdateConcept)
	r.Delete("/concepts/{id}", h.DeleteConcept)
	return r
}

// EncounterBundleRequest is an encounter package: the encounter plus the
// resources recorded inline with it.
type EncounterBundleRequest struct {
	Encounter           records.EncounterInput            `json:"encounter"`
	Conditions          []records.ConditionInput          `json:"conditions,omitempty"`
	Observations        []records.ObservationInput        `json:"observations,omitempty"`
	Immunizations       []records.ImmunizationInput       `json:"immunizations,omitempty"`
	Procedures          []records.ProcedureInput          `json:"procedures,omitempty"`
	DiagnosticReports   []records.DiagnosticReportInput   `json:"diagnosticReports,omitempty"`
	ClinicalImpressions []records.ClinicalImpressionInput `json:"clinicalImpressions,omitempty"`
}

// CreateEncounter handles POST /encounters. The encounter row is created
// first; every inline resource batch is then stored linked to it.
func (h *RecordsHandler) CreateEncounter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := tracing.Tracer("records-handler")
	ctx, span := tracer.Start(ctx, "create_encounter")
	defer span.End()

	var req EncounterBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Encounter.UUID == "" && req.Encounter.ID == "" {
		h.jsonError(w, "encounter id is required", http.StatusBadRequest)
		return
	}

	encounterID, err := h.registry.Encounters.Store(ctx, req.Encounter)
	if err != nil {
		h.jsonError(w, "failed to store encounter", http.StatusInternalServerError)
		return
	}
	span.SetAttributes(attribute.Int64("encounter_id", encounterID))

	parent := records.InlineParent(encounterID)
	steps := []struct {
		name  string
		store func() error
	}{
		{"conditions", func() error { return h.registry.Conditions.Store(ctx, parent, req.Conditions) }},
		{"observations", func() error { return h.registry.Observations.Store(ctx, parent, req.Observations) }},
		{"immunizations", func() error { return h.registry.Immunizations.Store(ctx, parent, req.Immunizations) }},
		{"procedures", func() error { return h.registry.Procedures.Store(ctx, parent, req.Procedures) }},
		{"diagnostic_reports", func() error {
			_, err := h.registry.DiagnosticReports.Store(ctx, parent, req.DiagnosticReports)
			return err
		}},
		{"clinical_impressions", func() error { return h.registry.ClinicalImpressions.Store(ctx, parent, req.ClinicalImpressions) }},
	}
	for _, step := range steps {
		if err := step.store(); err != nil {
			h.countFailed(step.name)
			h.jsonError(w, "failed to store "+step.name, http.StatusInternalServerError)
			return
		}
	}
	h.countStored("encounters", 1)

	h.logger.Info("encounter recorded",
		zap.Int64("encounter_id", encounterID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)

	h.writeJSON(w, http.StatusCreated, map[string]any{"id": encounterID})
}

// EncounterResponse is the reconstructed encounter package.
type EncounterResponse struct {
	Encounter           *records.Encounter           `json:"encounter"`
	Conditions          []records.Condition          `json:"conditions,omitempty"`
	Observations        []records.Observation        `json:"observations,omitempty"`
	Immunizations       []records.Immunization       `json:"immunizations,omitempty"`
	Procedures          []records.Procedure          `json:"procedures,omitempty"`
	DiagnosticReports   []records.DiagnosticReport   `json:"diagnosticReports,omitempty"`
	ClinicalImpressions []records.ClinicalImpression `json:"clinicalImpressions,omitempty"`
}

// GetEncounter handles GET /encounters/{id}.
func (h *RecordsHandler) GetEncounter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.jsonError(w, "invalid encounter id", http.StatusBadRequest)
		return
	}

	encounter, err := h.registry.Encounters.Get(ctx, id)
	if err != nil {
		h.jsonError(w, "failed to load encounter", http.StatusInternalServerError)
		return
	}
	if encounter == nil {
		h.jsonError(w, "encounter not found", http.StatusNotFound)
		return
	}

	resp := EncounterResponse{Encounter: encounter}
	loads := []struct {
		name string
		load func() error
	}{
		{"conditions", func() (err error) { resp.Conditions, err = h.registry.Conditions.Get(ctx, id); return }},
		{"observations", func() (err error) { resp.Observations, err = h.registry.Observations.Get(ctx, id); return }},
		{"immunizations", func() (err error) { resp.Immunizations, err = h.registry.Immunizations.Get(ctx, id); return }},
		{"procedures", func() (err error) { resp.Procedures, err = h.registry.Procedures.Get(ctx, id); return }},
		{"diagnostic_reports", func() (err error) { resp.DiagnosticReports, err = h.registry.DiagnosticReports.Get(ctx, id); return }},
		{"clinical_impressions", func() (err error) {
			resp.ClinicalImpressions, err = h.registry.ClinicalImpressions.Get(ctx, id)
			return
		}},
	}
	for _, l := range loads {
		if err := l.load(); err != nil {
			h.logger.Error("failed to load "+l.name, zap.Int64("encounter_id", id), zap.Error(err))
			h.jsonError(w, "failed to load "+l.name, http.StatusInternalServerError)
			return
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// batchRequest is the shared shape of the standalone store endpoints.
type batchRequest[T any] struct {
	EncounterID string `json:"encounterId,omitempty"`
	Items       []T    `json:"items"`
}

func parentFor(encounterUUID string) records.ParentLink {
	if encounterUUID == "" {
		return records.NoParent()
	}
	return records.StandaloneParent(encounterUUID)
}

func storeBatch[T any](h *RecordsHandler, w http.ResponseWriter, r *http.Request, name string, store func(ctx context.Context, parent records.ParentLink, items []T) error) {
	ctx := r.Context()
	var req batchRequest[T]
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		h.jsonError(w, "items is required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	if err := store(ctx, parentFor(req.EncounterID), req.Items); err != nil {
		h.countFailed(name)
		h.jsonError(w, "failed to store "+name, http.StatusInternalServerError)
		return
	}
	if h.metrics != nil {
		h.metrics.StoreDuration.Observe(time.Since(start).Seconds())
	}
	h.countStored(name, len(req.Items))

	h.logger.Info(name+" recorded",
		zap.Int("count", len(req.Items)),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	h.writeJSON(w, http.StatusCreated, map[string]any{"stored": len(req.Items)})
}

// CreateConditions handles POST /conditions.
func (h *RecordsHandler) CreateConditions(w http.ResponseWriter, r *http.Request) {
	storeBatch(h, w, r, "conditions", h.registry.Conditions.Store)
}

// CreateObservations handles POST /observations.
func (h *RecordsHandler) CreateObservations(w http.ResponseWriter, r *http.Request) {
	storeBatch(h, w, r, "observations", h.registry.Observations.Store)
}

// CreateImmunizations handles POST /immunizations.
func (h *RecordsHandler) CreateImmunizations(w http.ResponseWriter, r *http.Request) {
	storeBatch(h, w, r, "immunizations", h.registry.Immunizations.Store)
}

// CreateProcedures handles POST /procedures.
func (h *RecordsHandler) CreateProcedures(w http.ResponseWriter, r *http.Request) {
	storeBatch(h, w, r, "procedures", h.registry.Procedures.Store)
}

// CreateDiagnosticReports handles POST /diagnostic-reports. Standalone
// reports answer with the created row id; reports linked to an encounter
// answer without one.
func (h *RecordsHandler) CreateDiagnosticReports(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req batchRequest[records.DiagnosticReportInput]
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		h.jsonError(w, "items is required", http.StatusBadRequest)
		return
	}

	id, err := h.registry.DiagnosticReports.Store(ctx, parentFor(req.EncounterID), req.Items)
	if err != nil {
		h.countFailed("diagnostic_reports")
		h.jsonError(w, "failed to store diagnostic_reports", http.StatusInternalServerError)
		return
	}
	h.countStored("diagnostic_reports", len(req.Items))

	resp := map[string]any{"stored": len(req.Items)}
	if id != nil {
		resp["id"] = *id
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// CreateClinicalImpressions handles POST /clinical-impressions.
func (h *RecordsHandler) CreateClinicalImpressions(w http.ResponseWriter, r *http.Request) {
	storeBatch(h, w, r, "clinical_impressions", h.registry.ClinicalImpressions.Store)
}

// CreateEpisodes handles POST /episodes.
func (h *RecordsHandler) CreateEpisodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req batchRequest[records.EpisodeInput]
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		h.jsonError(w, "items is required", http.StatusBadRequest)
		return
	}

	if err := h.registry.Episodes.Store(ctx, req.Items); err != nil {
		h.countFailed("episodes")
		h.jsonError(w, "failed to store episodes", http.StatusInternalServerError)
		return
	}
	h.countStored("episodes", len(req.Items))
	h.writeJSON(w, http.StatusCreated, map[string]any{"stored": len(req.Items)})
}

// GetEpisodes handles GET /episodes.
func (h *RecordsHandler) GetEpisodes(w http.ResponseWriter, r *http.Request) {
	episodes, err := h.registry.Episodes.Get(r.Context())
	if err != nil {
		h.jsonError(w, "failed to load episodes", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, episodes)
}

// UpdateConcept handles PUT /concepts/{id}.
func (h *RecordsHandler) UpdateConcept(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.jsonError(w, "invalid concept id", http.StatusBadRequest)
		return
	}

	var in terminology.ConceptInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	concept, err := h.registry.Terminology.UpdateCodeableConceptByID(ctx, id, in)
	switch {
	case errors.Is(err, terminology.ErrNotFound):
		h.jsonError(w, "concept not found", http.StatusNotFound)
		return
	case errors.Is(err, terminology.ErrInvalidInput):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.jsonError(w, "failed to update concept", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, concept)
}

// DeleteConcept handles DELETE /concepts/{id}.
func (h *RecordsHandler) DeleteConcept(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.jsonError(w, "invalid concept id", http.StatusBadRequest)
		return
	}

	if err := h.registry.Terminology.DeleteCodeableConcept(r.Context(), id); err != nil {
		if errors.Is(err, terminology.ErrNotFound) {
			h.jsonError(w, "concept not found", http.StatusNotFound)
			return
		}
		h.jsonError(w, "failed to delete concept", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *RecordsHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *RecordsHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
