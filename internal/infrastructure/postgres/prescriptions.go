package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/epis/medadmin/internal/domain/dosing"
)

const prescriptionColumns = `
	rx.id, rx.patient_id, p.name, rx.medication_name, rx.dosage,
	rx.start_date, rx.end_date, rx.slots, rx.prescribed_by`

// ListActivePrescriptions returns the prescriptions of a patient whose
// inclusive date range covers day.
func (s *Store) ListActivePrescriptions(ctx context.Context, patientID string, day dosing.Day) ([]dosing.Prescription, error) {
	query := `
		SELECT ` + prescriptionColumns + `
		FROM prescriptions rx
		JOIN patients p ON p.id = rx.patient_id
		WHERE rx.patient_id = $1
		  AND rx.start_date <= $2::date
		  AND rx.end_date >= $2::date
		ORDER BY rx.id
	`

	var out []dosing.Prescription
	err := s.guard(ctx, "list_active_prescriptions", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, patientID, day.String())
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanPrescription)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []dosing.Prescription{}
	}
	return out, nil
}

// GetPrescription returns one prescription or dosing.ErrNotFound.
func (s *Store) GetPrescription(ctx context.Context, id string) (dosing.Prescription, error) {
	query := `
		SELECT ` + prescriptionColumns + `
		FROM prescriptions rx
		JOIN patients p ON p.id = rx.patient_id
		WHERE rx.id = $1
	`

	var rx dosing.Prescription
	err := s.guard(ctx, "get_prescription", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, id)
		if err != nil {
			return err
		}
		rx, err = pgx.CollectExactlyOneRow(rows, scanPrescription)
		return err
	})
	return rx, err
}

// SavePrescription inserts or replaces a prescription. Prescriptions are
// owned upstream; this is used for seeding and tests.
func (s *Store) SavePrescription(ctx context.Context, rx dosing.Prescription) error {
	if rx.ID == "" || rx.PatientID == "" {
		return fmt.Errorf("%w: prescription and patient id are required", dosing.ErrInvalidInput)
	}
	if rx.EndDate.Before(rx.StartDate) {
		return fmt.Errorf("%w: end date %s before start date %s", dosing.ErrInvalidInput, rx.EndDate, rx.StartDate)
	}
	slots := make([]string, 0, len(rx.Slots))
	for _, sl := range rx.Slots {
		if !sl.Valid() {
			return fmt.Errorf("%w: unknown slot %q", dosing.ErrInvalidInput, sl)
		}
		slots = append(slots, string(sl))
	}

	query := `
		INSERT INTO prescriptions (id, patient_id, medication_name, dosage, start_date, end_date, slots, prescribed_by)
		VALUES ($1, $2, $3, $4, $5::date, $6::date, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET patient_id = EXCLUDED.patient_id,
		    medication_name = EXCLUDED.medication_name,
		    dosage = EXCLUDED.dosage,
		    start_date = EXCLUDED.start_date,
		    end_date = EXCLUDED.end_date,
		    slots = EXCLUDED.slots,
		    prescribed_by = EXCLUDED.prescribed_by
	`
	return s.guard(ctx, "save_prescription", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, query,
			rx.ID, rx.PatientID, rx.MedicationName, rx.Dosage,
			rx.StartDate.String(), rx.EndDate.String(), slots, rx.PrescribedBy)
		return err
	})
}

func scanPrescription(row pgx.CollectableRow) (dosing.Prescription, error) {
	var (
		rx         dosing.Prescription
		start, end time.Time
		slots      []string
	)
	err := row.Scan(
		&rx.ID, &rx.PatientID, &rx.PatientName, &rx.MedicationName, &rx.Dosage,
		&start, &end, &slots, &rx.PrescribedBy,
	)
	if err != nil {
		return rx, err
	}
	rx.StartDate = dosing.DayOf(start, time.UTC)
	rx.EndDate = dosing.DayOf(end, time.UTC)
	rx.Slots = make([]dosing.Slot, 0, len(slots))
	for _, sl := range slots {
		rx.Slots = append(rx.Slots, dosing.Slot(sl))
	}
	return rx, nil
}
