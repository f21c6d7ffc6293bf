package r5

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/epis/medadmin/internal/domain/dosing"
)

// MedicationAdministration represents a FHIR R5 MedicationAdministration.
// R5 spells the occurrence element "occurence".
type MedicationAdministration struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Extension    []Extension  `json:"extension,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	Status       string            `json:"status"` // in-progress | not-done | on-hold | completed | entered-in-error | stopped | unknown
	StatusReason []CodeableConcept `json:"statusReason,omitempty"`

	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`

	OccurenceDateTime *time.Time `json:"occurenceDateTime,omitempty"`
	OccurencePeriod   *Period    `json:"occurencePeriod,omitempty"`

	Performer []AdministrationPerformer `json:"performer,omitempty"`
	Request   *Reference                `json:"request,omitempty"`
	Note      []Annotation              `json:"note,omitempty"`
	Dosage    *AdministrationDosage     `json:"dosage,omitempty"`
}

// AdministrationPerformer names who gave the dose.
type AdministrationPerformer struct {
	Actor CodeableReference `json:"actor"`
}

// AdministrationDosage describes the dose given.
type AdministrationDosage struct {
	Text string `json:"text,omitempty"`
}

// AdministrationStatus maps a dose status to the FHIR status code. A pending
// dose has not started, so it is unknown rather than in-progress.
func AdministrationStatus(s dosing.Status) string {
	switch s {
	case dosing.StatusGiven:
		return StatusCompleted
	case dosing.StatusSkipped:
		return StatusNotDone
	}
	return StatusUnknown
}

// AdministrationID is the resource id of a dose: one per (prescription, slot, day).
func AdministrationID(l dosing.DoseLine) string {
	return strings.ToLower(fmt.Sprintf("%s-%s-%s", l.PrescriptionID, l.Slot, l.Day))
}

// FromDoseLine renders a resolved line. Recorded doses carry their
// administration time; pending ones cover the whole day in loc.
func FromDoseLine(l dosing.DoseLine, loc *time.Location) *MedicationAdministration {
	if loc == nil {
		loc = time.UTC
	}
	id := AdministrationID(l)

	ma := &MedicationAdministration{
		ResourceType: "MedicationAdministration",
		ID:           id,
		Extension:    []Extension{{URL: ExtensionDoseSlot, ValueCode: string(l.Slot)}},
		Identifier:   []Identifier{{System: SystemDoseKey, Value: id}},
		Status:       AdministrationStatus(l.Status),
		Medication: CodeableReference{
			Concept: &CodeableConcept{Text: l.MedicationName},
		},
		Subject: Reference{
			Reference: "Patient/" + l.PatientID,
			Display:   l.PatientName,
		},
		Request: &Reference{Reference: "MedicationRequest/" + l.PrescriptionID},
	}
	if l.Dosage != "" {
		ma.Dosage = &AdministrationDosage{Text: l.Dosage}
	}

	if l.AdministeredAt != nil {
		at := l.AdministeredAt.In(loc)
		ma.OccurenceDateTime = &at
		ma.Meta = &Meta{LastUpdated: &at}
	} else {
		start, end := l.Day.Window(loc)
		ma.OccurencePeriod = &Period{Start: &start, End: &end}
	}

	if l.Operator != "" {
		ma.Performer = []AdministrationPerformer{{
			Actor: CodeableReference{Reference: &Reference{Reference: "Practitioner/" + l.Operator}},
		}}
	}
	if l.Remarks != "" {
		if l.Status == dosing.StatusSkipped {
			ma.StatusReason = []CodeableConcept{{Text: l.Remarks}}
		}
		ma.Note = []Annotation{{AuthorString: l.Operator, Text: l.Remarks}}
	}
	return ma
}

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// NewAdministrationBundle renders lines as a searchset Bundle. Entries keep
// the order of lines.
func NewAdministrationBundle(lines []dosing.DoseLine, loc *time.Location, baseURL string) (*Bundle, error) {
	now := time.Now().UTC()
	entries := make([]BundleEntry, 0, len(lines))
	for _, l := range lines {
		ma := FromDoseLine(l, loc)
		raw, err := json.Marshal(ma)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", ma.ID, err)
		}
		entries = append(entries, BundleEntry{
			FullURL:  strings.TrimSuffix(baseURL, "/") + "/MedicationAdministration/" + ma.ID,
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		})
	}
	total := len(entries)
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Entry:        entries,
	}, nil
}
