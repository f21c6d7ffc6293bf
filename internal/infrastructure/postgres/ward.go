package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/epis/medadmin/internal/domain/dosing"
)

// admissionAdmitted is the admissions.status of a patient on the ward.
const admissionAdmitted = "Admitted"

// ListAdmittedPatients returns the patients currently admitted under the
// nurse, by name. The nurse id matches case-insensitively.
func (s *Store) ListAdmittedPatients(ctx context.Context, nurseID string) ([]dosing.Patient, error) {
	query := `
		SELECT p.id, p.name, a.ward_no, a.nurse_id
		FROM admissions a
		JOIN patients p ON p.id = a.patient_id
		WHERE a.status = $1
		  AND lower(a.nurse_id) = lower($2)
		ORDER BY p.name, p.id
	`

	var out []dosing.Patient
	err := s.guard(ctx, "list_admitted_patients", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, admissionAdmitted, nurseID)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (dosing.Patient, error) {
			p := dosing.Patient{Admitted: true}
			err := row.Scan(&p.ID, &p.Name, &p.WardNo, &p.NurseID)
			return p, err
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []dosing.Patient{}
	}
	return out, nil
}

// SavePatient upserts a patient and, when NurseID is set, its admission.
// The admission row shares the patient id.
func (s *Store) SavePatient(ctx context.Context, p dosing.Patient) error {
	if p.ID == "" {
		return fmt.Errorf("%w: patient id is required", dosing.ErrInvalidInput)
	}
	status := "Discharged"
	if p.Admitted {
		status = admissionAdmitted
	}

	return s.guard(ctx, "save_patient", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `
			INSERT INTO patients (id, name) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
		`, p.ID, p.Name); err != nil {
			return err
		}
		if p.NurseID != "" {
			if _, err := tx.Exec(ctx, `
				INSERT INTO admissions (id, patient_id, ward_no, nurse_id, status)
				VALUES ($1, $1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE
				SET ward_no = EXCLUDED.ward_no, nurse_id = EXCLUDED.nurse_id, status = EXCLUDED.status
			`, p.ID, p.WardNo, p.NurseID, status); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}
