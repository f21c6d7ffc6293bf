package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/epis/medadmin/internal/api/middleware"
	"github.com/epis/medadmin/internal/domain/dosing"
)

// Registry stores patients and prescriptions. Orders normally arrive from
// the prescribing system; these endpoints serve ward setup and tests.
type Registry interface {
	SavePatient(ctx context.Context, p dosing.Patient) error
	SavePrescription(ctx context.Context, rx dosing.Prescription) error
}

// RegistryHandler handles patient and prescription registration.
type RegistryHandler struct {
	registry Registry
	logger   *zap.Logger
}

// NewRegistryHandler creates a new handler
func NewRegistryHandler(registry Registry, logger *zap.Logger) *RegistryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryHandler{registry: registry, logger: logger}
}

// Register adds the registration routes to r.
func (h *RegistryHandler) Register(r chi.Router) {
	r.Put("/patients/{id}", h.SavePatient)
	r.Put("/prescriptions/{id}", h.SavePrescription)
}

// PatientRequest is the body of PUT /patients/{id}.
type PatientRequest struct {
	Name     string `json:"name"`
	WardNo   string `json:"ward_no"`
	NurseID  string `json:"nurse_id"`
	Admitted bool   `json:"admitted"`
}

// SavePatient handles PUT /patients/{id}
func (h *RegistryHandler) SavePatient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req PatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return
	}
	p := dosing.Patient{
		ID:       chi.URLParam(r, "id"),
		Name:     req.Name,
		WardNo:   req.WardNo,
		NurseID:  req.NurseID,
		Admitted: req.Admitted,
	}
	if err := h.registry.SavePatient(ctx, p); err != nil {
		writeError(w, h.logger, middleware.GetRequestID(ctx), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PrescriptionRequest is the body of PUT /prescriptions/{id}.
type PrescriptionRequest struct {
	PatientID      string        `json:"patient_id"`
	MedicationName string        `json:"medication_name"`
	Dosage         string        `json:"dosage"`
	StartDate      dosing.Day    `json:"start_date"`
	EndDate        dosing.Day    `json:"end_date"`
	Slots          []dosing.Slot `json:"slots"`
	PrescribedBy   string        `json:"prescribed_by"`
}

// SavePrescription handles PUT /prescriptions/{id}
func (h *RegistryHandler) SavePrescription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req PrescriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, middleware.GetRequestID(ctx), asInvalid(err))
		return
	}
	if req.StartDate.IsZero() || req.EndDate.IsZero() || len(req.Slots) == 0 {
		jsonError(w, "start_date, end_date and slots are required", "invalid_input", http.StatusBadRequest)
		return
	}
	rx := dosing.Prescription{
		ID:             chi.URLParam(r, "id"),
		PatientID:      req.PatientID,
		MedicationName: req.MedicationName,
		Dosage:         req.Dosage,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		Slots:          req.Slots,
		PrescribedBy:   req.PrescribedBy,
	}
	if err := h.registry.SavePrescription(ctx, rx); err != nil {
		writeError(w, h.logger, middleware.GetRequestID(ctx), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": rx.ID, "patient_id": rx.PatientID})
}

func asInvalid(err error) error {
	if dosing.Kind(err) == "invalid_input" {
		return err
	}
	return fmt.Errorf("%w: invalid request body: %v", dosing.ErrInvalidInput, err)
}
