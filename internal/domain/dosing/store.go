package dosing

import "context"

// PrescriptionStore reads medication orders.
type PrescriptionStore interface {
	// ListActivePrescriptions returns the patient's prescriptions whose
	// range contains day. An unknown patient yields an empty slice.
	ListActivePrescriptions(ctx context.Context, patientID string, day Day) ([]Prescription, error)
	// GetPrescription returns ErrNotFound for an unknown id.
	GetPrescription(ctx context.Context, id string) (Prescription, error)
}

// AdministrationLog stores administration events.
type AdministrationLog interface {
	// ListEvents returns the events for the patient's prescriptions on day.
	ListEvents(ctx context.Context, patientID string, day Day) ([]AdministrationEvent, error)
	// UpsertEvent looks up the event with the same Key and overwrites its
	// status, remarks, operator and timestamps, or inserts e when none
	// exists. It performs exactly one durable write.
	UpsertEvent(ctx context.Context, e AdministrationEvent) (UpsertResult, error)
}

// WardDirectory lists patients currently admitted under a nurse.
type WardDirectory interface {
	ListAdmittedPatients(ctx context.Context, nurseID string) ([]Patient, error)
}
