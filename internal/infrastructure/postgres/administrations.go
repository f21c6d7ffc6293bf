package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/epis/medadmin/internal/domain/dosing"
)

// ListEvents returns the administrations of a patient whose admin_time falls
// in the ward-local window of day.
func (s *Store) ListEvents(ctx context.Context, patientID string, day dosing.Day) ([]dosing.AdministrationEvent, error) {
	start, end := day.Window(s.config.Location)
	query := `
		SELECT id, prescription_id, patient_id, slot, admin_day, status,
		       remarks, operator, admin_time, recorded_at
		FROM medicine_administrations
		WHERE patient_id = $1
		  AND admin_time >= $2
		  AND admin_time < $3
		ORDER BY admin_time
	`

	var out []dosing.AdministrationEvent
	err := s.guard(ctx, "list_events", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, patientID, start, end)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanEvent)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []dosing.AdministrationEvent{}
	}
	return out, nil
}

// UpsertEvent updates the event stored for (prescription, slot, day) or
// inserts e, and queues an AdministrationRecorded outbox entry in the same
// transaction. A concurrent insert of the same key loses on the unique
// index and surfaces as dosing.ErrConflictingWrite.
func (s *Store) UpsertEvent(ctx context.Context, e dosing.AdministrationEvent) (dosing.UpsertResult, error) {
	var result dosing.UpsertResult
	err := s.guard(ctx, "upsert_event", func(ctx context.Context) error {
		var err error
		result, err = s.upsertEvent(ctx, e)
		return err
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (s *Store) upsertEvent(ctx context.Context, e dosing.AdministrationEvent) (dosing.UpsertResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	start, end := e.Day.Window(s.config.Location)
	var existingID string
	err = tx.QueryRow(ctx, `
		SELECT id
		FROM medicine_administrations
		WHERE prescription_id = $1
		  AND slot = $2
		  AND admin_time >= $3
		  AND admin_time < $4
		ORDER BY admin_time DESC
		LIMIT 1
		FOR UPDATE
	`, e.PrescriptionID, string(e.Slot), start, end).Scan(&existingID)

	var result dosing.UpsertResult
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `
			INSERT INTO medicine_administrations
				(id, prescription_id, patient_id, slot, admin_day, status, remarks, operator, admin_time, recorded_at)
			VALUES ($1, $2, $3, $4, $5::date, $6, $7, $8, $9, $10)
		`, e.ID, e.PrescriptionID, e.PatientID, string(e.Slot), e.Day.String(),
			string(e.Status), e.Remarks, e.Operator, e.AdministeredAt, e.RecordedAt)
		if err != nil {
			return "", err
		}
		result = dosing.Inserted

	case err != nil:
		return "", err

	default:
		_, err = tx.Exec(ctx, `
			UPDATE medicine_administrations
			SET status = $2, remarks = $3, operator = $4, admin_time = $5, recorded_at = $6
			WHERE id = $1
		`, existingID, string(e.Status), e.Remarks, e.Operator, e.AdministeredAt, e.RecordedAt)
		if err != nil {
			return "", err
		}
		e.ID = existingID
		result = dosing.Updated
	}

	if err := s.writeRecordedEvent(ctx, tx, e, result); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return result, nil
}

func (s *Store) writeRecordedEvent(ctx context.Context, tx pgx.Tx, e dosing.AdministrationEvent, result dosing.UpsertResult) error {
	event, err := dosing.NewAdministrationRecorded(e, result)
	if err != nil {
		return fmt.Errorf("failed to build event: %w", err)
	}
	event.WithCorrelation(dosing.CorrelationFromContext(ctx))

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	// Keyed by patient so a patient's events stay on one partition.
	return WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     string(event.EventType),
		Payload:       payload,
		KafkaTopic:    s.config.EventsTopic,
		KafkaKey:      e.PatientID,
	})
}

func scanEvent(row pgx.CollectableRow) (dosing.AdministrationEvent, error) {
	var (
		e      dosing.AdministrationEvent
		slot   string
		status string
		day    time.Time
	)
	err := row.Scan(
		&e.ID, &e.PrescriptionID, &e.PatientID, &slot, &day, &status,
		&e.Remarks, &e.Operator, &e.AdministeredAt, &e.RecordedAt,
	)
	if err != nil {
		return e, err
	}
	e.Slot = dosing.Slot(slot)
	e.Status = dosing.Status(status)
	e.Day = dosing.DayOf(day, time.UTC)
	return e, nil
}
