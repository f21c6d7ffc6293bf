package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/epis/medadmin/internal/api/middleware"
	"github.com/epis/medadmin/internal/domain/dosing"
	fhir "github.com/epis/medadmin/internal/fhir/r5"
	"github.com/epis/medadmin/internal/observability/metrics"
	"github.com/epis/medadmin/internal/projection"
)

// DoseHandler serves dose schedules and administration recording.
type DoseHandler struct {
	resolver      *dosing.Resolver
	recorder      *dosing.Recorder
	prescriptions dosing.PrescriptionStore
	ward          dosing.WardDirectory
	projector     *projection.Projector
	inline        bool
	location      *time.Location
	metrics       *metrics.Metrics
	logger        *zap.Logger
	now           func() time.Time
}

// DoseHandlerConfig wires a DoseHandler.
type DoseHandlerConfig struct {
	Resolver      *dosing.Resolver
	Recorder      *dosing.Recorder
	Prescriptions dosing.PrescriptionStore
	Ward          dosing.WardDirectory

	// Projector serves summaries. With InlineProjection set it is also
	// run after every recording, for deployments without a broker.
	Projector        *projection.Projector
	InlineProjection bool
	Location         *time.Location
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
}

// NewDoseHandler creates a new handler
func NewDoseHandler(cfg DoseHandlerConfig) *DoseHandler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &DoseHandler{
		resolver:      cfg.Resolver,
		recorder:      cfg.Recorder,
		prescriptions: cfg.Prescriptions,
		ward:          cfg.Ward,
		projector:     cfg.Projector,
		inline:        cfg.InlineProjection && cfg.Projector != nil,
		location:      cfg.Location,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		now:           time.Now,
	}
}

// Register adds the dose routes to r.
func (h *DoseHandler) Register(r chi.Router) {
	r.Get("/patients/{id}/doses", h.PatientDoses)
	r.Get("/patients/{id}/summary", h.PatientSummary)
	r.Get("/patients/{id}/medication-administrations", h.PatientAdministrations)
	r.Get("/prescriptions/{id}", h.Prescription)
	r.Get("/nurses/{id}/doses", h.NurseDoses)
	r.Get("/nurses/{id}/patients", h.NursePatients)
	r.Get("/summaries", h.Summaries)
	r.Post("/administrations", h.Record)
}

// respondDoses writes {"day","count","lines"}, or "grid" instead of
// "lines" for view=grid.
func (h *DoseHandler) respondDoses(w http.ResponseWriter, r *http.Request, day dosing.Day, lines []dosing.DoseLine) {
	resp := map[string]any{"day": day, "count": len(lines)}
	if r.URL.Query().Get("view") == "grid" {
		resp["grid"] = dosing.Pivot(lines)
	} else {
		resp["lines"] = lines
	}
	writeJSON(w, http.StatusOK, resp)
}

// PatientDoses handles GET /patients/{id}/doses
func (h *DoseHandler) PatientDoses(w http.ResponseWriter, r *http.Request) {
	lines, day, ok := h.resolve(w, r)
	if !ok {
		return
	}
	h.respondDoses(w, r, day, lines)
}

// PatientSummary handles GET /patients/{id}/summary. The counts are
// computed from a fresh resolution, not from the projection.
func (h *DoseHandler) PatientSummary(w http.ResponseWriter, r *http.Request) {
	lines, day, ok := h.resolve(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, dosing.Summarize(chi.URLParam(r, "id"), day, lines))
}

// PatientAdministrations handles GET /patients/{id}/medication-administrations.
// Errors are reported as FHIR OperationOutcome resources.
func (h *DoseHandler) PatientAdministrations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "id")
	day, err := parseDay(r, h.now(), h.location)
	if err != nil {
		writeOutcome(w, h.logger, middleware.GetRequestID(ctx), err)
		return
	}

	start := time.Now()
	lines, err := h.resolver.Resolve(ctx, patientID, day)
	h.observeResolve("patient", err, time.Since(start))
	if err != nil {
		writeOutcome(w, h.logger, middleware.GetRequestID(ctx), err)
		return
	}
	bundle, err := fhir.NewAdministrationBundle(lines, h.location, baseURL(r))
	if err != nil {
		writeOutcome(w, h.logger, middleware.GetRequestID(ctx), err)
		return
	}
	writeFHIR(w, http.StatusOK, bundle)
}

func (h *DoseHandler) resolve(w http.ResponseWriter, r *http.Request) ([]dosing.DoseLine, dosing.Day, bool) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "id")
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("patient_id", patientID))

	day, err := parseDay(r, h.now(), h.location)
	if err != nil {
		writeError(w, h.logger, middleware.GetRequestID(ctx), err)
		return nil, dosing.Day{}, false
	}

	start := time.Now()
	lines, err := h.resolver.Resolve(ctx, patientID, day)
	h.observeResolve("patient", err, time.Since(start))
	if err != nil {
		writeError(w, h.logger, middleware.GetRequestID(ctx), err)
		return nil, dosing.Day{}, false
	}
	return lines, day, true
}

// Prescription handles GET /prescriptions/{id} as a FHIR MedicationRequest.
func (h *DoseHandler) Prescription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rx, err := h.prescriptions.GetPrescription(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeOutcome(w, h.logger, middleware.GetRequestID(ctx), err)
		return
	}
	today := dosing.DayOf(h.now(), h.location)
	writeFHIR(w, http.StatusOK, fhir.FromPrescription(rx, today, h.location))
}

// NurseDoses handles GET /nurses/{id}/doses
func (h *DoseHandler) NurseDoses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	day, err := parseDay(r, h.now(), h.location)
	if err != nil {
		writeError(w, h.logger, middleware.GetRequestID(ctx), err)
		return
	}

	start := time.Now()
	lines, err := h.resolver.ResolveWard(ctx, dosing.WardQuery{
		NurseID:     chi.URLParam(r, "id"),
		Day:         day,
		PatientName: r.URL.Query().Get("patient_name"),
	})
	h.observeResolve("ward", err, time.Since(start))
	if err != nil {
		writeError(w, h.logger, middleware.GetRequestID(ctx), err)
		return
	}
	h.respondDoses(w, r, day, lines)
}

// NursePatients handles GET /nurses/{id}/patients
func (h *DoseHandler) NursePatients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patients, err := h.ward.ListAdmittedPatients(ctx, chi.URLParam(r, "id"))
	if err != nil && !errors.Is(err, dosing.ErrNotFound) {
		writeError(w, h.logger, middleware.GetRequestID(ctx), err)
		return
	}
	if patients == nil {
		patients = []dosing.Patient{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"patients": patients, "count": len(patients)})
}

// Summaries handles GET /summaries, the projected counts of a day.
func (h *DoseHandler) Summaries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	day, err := parseDay(r, h.now(), h.location)
	if err != nil {
		writeError(w, h.logger, middleware.GetRequestID(ctx), err)
		return
	}
	if h.projector == nil {
		jsonError(w, "summaries are not configured", "not_found", http.StatusNotFound)
		return
	}
	sums, err := h.projector.Summaries(ctx, day)
	if err != nil {
		writeError(w, h.logger, middleware.GetRequestID(ctx), err)
		return
	}
	if sums == nil {
		sums = []dosing.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"day": day, "summaries": sums})
}

// RecordRequest is the body of POST /administrations. The operator comes
// from the X-Operator-ID header.
type RecordRequest struct {
	PrescriptionID string `json:"prescription_id"`
	Slot           string `json:"slot"`
	Day            string `json:"day"`
	Status         string `json:"status"`
	Remarks        string `json:"remarks"`
}

// RecordResponse reports how the recording was applied.
type RecordResponse struct {
	Result         dosing.UpsertResult `json:"result"`
	PrescriptionID string              `json:"prescription_id"`
	Slot           dosing.Slot         `json:"slot"`
	Day            dosing.Day          `json:"day"`
	Status         dosing.Status       `json:"status"`
	Operator       string              `json:"operator"`
}

// Record handles POST /administrations
func (h *DoseHandler) Record(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req RecordRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		jsonError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return
	}

	in, err := req.toInput(middleware.GetOperator(ctx))
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("operator", in.Operator),
		attribute.String("client_id", middleware.GetClientID(ctx)))
	if err != nil {
		writeError(w, h.logger, requestID, err)
		return
	}

	start := time.Now()
	result, err := h.recorder.Record(ctx, in)
	outcome := string(result)
	if err != nil {
		outcome = dosing.Kind(err)
	}
	if h.metrics != nil {
		h.metrics.ObserveRecord(outcome, time.Since(start))
	}
	if err != nil {
		writeError(w, h.logger, requestID, err)
		return
	}

	if h.inline {
		h.projectInline(r, in)
	}

	code := http.StatusOK
	if result == dosing.Inserted {
		code = http.StatusCreated
	}
	writeJSON(w, code, RecordResponse{
		Result:         result,
		PrescriptionID: in.PrescriptionID,
		Slot:           in.Slot,
		Day:            in.Day,
		Status:         in.Status,
		Operator:       in.Operator,
	})
}

func (h *DoseHandler) projectInline(r *http.Request, in dosing.RecordInput) {
	ctx := r.Context()
	rx, err := h.prescriptions.GetPrescription(ctx, in.PrescriptionID)
	if err == nil {
		_, err = h.projector.Project(ctx, rx.PatientID, in.Day)
	}
	if err != nil {
		// the recording stands; the summary catches up on the next one
		h.logger.Warn("inline summary projection failed",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
	}
}

func (req RecordRequest) toInput(operator string) (dosing.RecordInput, error) {
	slot, err := dosing.ParseSlot(req.Slot)
	if err != nil {
		return dosing.RecordInput{}, err
	}
	status, err := dosing.ParseStatus(req.Status)
	if err != nil {
		return dosing.RecordInput{}, err
	}
	if strings.TrimSpace(req.Day) == "" {
		return dosing.RecordInput{}, fmt.Errorf("%w: day is required", dosing.ErrInvalidInput)
	}
	day, err := dosing.ParseDay(req.Day)
	if err != nil {
		return dosing.RecordInput{}, err
	}
	if operator == "" {
		return dosing.RecordInput{}, fmt.Errorf("%w: %s header is required", dosing.ErrInvalidInput, middleware.OperatorHeader)
	}
	return dosing.RecordInput{
		PrescriptionID: strings.TrimSpace(req.PrescriptionID),
		Slot:           slot,
		Day:            day,
		Status:         status,
		Remarks:        strings.TrimSpace(req.Remarks),
		Operator:       operator,
	}, nil
}

func (h *DoseHandler) observeResolve(scope string, err error, d time.Duration) {
	if h.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = dosing.Kind(err)
	}
	h.metrics.ObserveResolve(scope, outcome, d)
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/api/v1"
}
