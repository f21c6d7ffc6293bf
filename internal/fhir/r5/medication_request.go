package r5

import (
	"time"

	"github.com/epis/medadmin/internal/domain/dosing"
)

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	// active while the prescription range has not ended
	Status string `json:"status"`
	Intent string `json:"intent"`

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`
	Requester  *Reference        `json:"requester,omitempty"`

	RenderedDosageInstruction string   `json:"renderedDosageInstruction,omitempty"`
	DosageInstruction         []Dosage `json:"dosageInstruction,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence int     `json:"sequence,omitempty"`
	Text     string  `json:"text,omitempty"`
	Timing   *Timing `json:"timing,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	BoundsPeriod *Period  `json:"boundsPeriod,omitempty"`
	Frequency    int      `json:"frequency,omitempty"`
	Period       float64  `json:"period,omitempty"`
	PeriodUnit   string   `json:"periodUnit,omitempty"`
	When         []string `json:"when,omitempty"`
}

// EventTiming maps a slot to its FHIR event-timing code.
func EventTiming(s dosing.Slot) string {
	switch s {
	case dosing.SlotMorning:
		return "MORN"
	case dosing.SlotAfternoon:
		return "AFT"
	case dosing.SlotEvening:
		return "EVE"
	}
	return ""
}

// FromPrescription renders rx as a MedicationRequest with one daily
// repeat per prescribed slot. today decides between active and completed.
func FromPrescription(rx dosing.Prescription, today dosing.Day, loc *time.Location) *MedicationRequest {
	status := RequestStatusActive
	if rx.EndDate.Before(today) {
		status = RequestStatusCompleted
	}

	when := make([]string, 0, len(rx.Slots))
	for _, s := range rx.Slots {
		if code := EventTiming(s); code != "" {
			when = append(when, code)
		}
	}
	start := rx.StartDate.Start(loc)
	end := rx.EndDate.AddDays(1).Start(loc)

	mr := &MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           rx.ID,
		Identifier:   []Identifier{{System: SystemPrescription, Value: rx.ID}},
		Status:       status,
		Intent:       IntentOrder,
		Medication: CodeableReference{
			Concept: &CodeableConcept{Text: rx.MedicationName},
		},
		Subject: Reference{
			Reference: "Patient/" + rx.PatientID,
			Display:   rx.PatientName,
		},
		RenderedDosageInstruction: rx.Dosage,
		DosageInstruction: []Dosage{{
			Sequence: 1,
			Text:     rx.Dosage,
			Timing: &Timing{Repeat: &TimingRepeat{
				BoundsPeriod: &Period{Start: &start, End: &end},
				Frequency:    len(when),
				Period:       1,
				PeriodUnit:   "d",
				When:         when,
			}},
		}},
	}
	if rx.PrescribedBy != "" {
		mr.Requester = &Reference{Reference: "Practitioner/" + rx.PrescribedBy}
	}
	return mr
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	return extractIDFromReference(m.Subject.Reference)
}

// extractIDFromReference extracts the ID from a FHIR reference string.
func extractIDFromReference(ref string) string {
	// Handle references like "Patient/123" or "urn:uuid:123"
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
