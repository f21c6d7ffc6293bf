package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/epis/medadmin/internal/domain/dosing"
)

// UpsertSummary stores the counts for (patient, day), replacing older ones.
func (s *Store) UpsertSummary(ctx context.Context, sum dosing.Summary) error {
	query := `
		INSERT INTO dose_day_summary (patient_id, day, given, skipped, pending, total, updated_at)
		VALUES ($1, $2::date, $3, $4, $5, $6, NOW())
		ON CONFLICT (patient_id, day) DO UPDATE
		SET given = EXCLUDED.given,
		    skipped = EXCLUDED.skipped,
		    pending = EXCLUDED.pending,
		    total = EXCLUDED.total,
		    updated_at = NOW()
	`
	return s.guard(ctx, "upsert_summary", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, query,
			sum.PatientID, sum.Day.String(), sum.Given, sum.Skipped, sum.Pending, sum.Total)
		return err
	})
}

// ListSummaries returns the stored summaries for day, by patient.
func (s *Store) ListSummaries(ctx context.Context, day dosing.Day) ([]dosing.Summary, error) {
	query := `
		SELECT patient_id, day, given, skipped, pending, total
		FROM dose_day_summary
		WHERE day = $1::date
		ORDER BY patient_id
	`

	var out []dosing.Summary
	err := s.guard(ctx, "list_summaries", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, day.String())
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (dosing.Summary, error) {
			var (
				sum dosing.Summary
				d   time.Time
			)
			err := row.Scan(&sum.PatientID, &d, &sum.Given, &sum.Skipped, &sum.Pending, &sum.Total)
			sum.Day = dosing.DayOf(d, time.UTC)
			return sum, err
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []dosing.Summary{}
	}
	return out, nil
}
