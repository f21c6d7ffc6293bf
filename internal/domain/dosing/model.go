package dosing

import "time"

// Patient is an admitted patient visible to a nurse.
type Patient struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	WardNo   string `json:"ward_no,omitempty"`
	NurseID  string `json:"nurse_id,omitempty"`
	Admitted bool   `json:"admitted"`
}

// Prescription is a medication order. Each slot is an independent schedule line.
type Prescription struct {
	ID             string
	PatientID      string
	PatientName    string
	MedicationName string
	Dosage         string
	StartDate      Day
	EndDate        Day
	Slots          []Slot
	PrescribedBy   string
}

// ActiveOn reports whether day falls inside the inclusive prescription range.
func (p Prescription) ActiveOn(day Day) bool {
	return day.Between(p.StartDate, p.EndDate)
}

// HasSlot reports whether s was prescribed.
func (p Prescription) HasSlot(s Slot) bool {
	for _, ps := range p.Slots {
		if ps == s {
			return true
		}
	}
	return false
}

// Key identifies the single effective administration for a dose.
type Key struct {
	PrescriptionID string
	Slot           Slot
	Day            Day
}

// AdministrationEvent records that a dose was addressed on a day.
type AdministrationEvent struct {
	ID             string
	PrescriptionID string
	PatientID      string
	Slot           Slot
	Day            Day
	Status         Status
	Remarks        string
	Operator       string
	AdministeredAt time.Time
	RecordedAt     time.Time
}

// Key returns the dose key of e.
func (e AdministrationEvent) Key() Key {
	return Key{PrescriptionID: e.PrescriptionID, Slot: e.Slot, Day: e.Day}
}

// DoseLine is one resolved (prescription, slot, day) with its status.
type DoseLine struct {
	PatientID      string     `json:"patient_id"`
	PatientName    string     `json:"patient_name"`
	PrescriptionID string     `json:"prescription_id"`
	MedicationName string     `json:"medication_name"`
	Dosage         string     `json:"dosage"`
	Slot           Slot       `json:"slot"`
	Day            Day        `json:"day"`
	Status         Status     `json:"status"`
	Remarks        string     `json:"remarks,omitempty"`
	Operator       string     `json:"operator,omitempty"`
	AdministeredAt *time.Time `json:"administered_at,omitempty"`
}
