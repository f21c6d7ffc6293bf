package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/epis/medadmin/internal/domain/dosing"
	"github.com/epis/medadmin/pkg/circuitbreaker"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, dosing.ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505", Message: "duplicate key"}, dosing.ErrConflictingWrite},
		{"serialization", fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"}), dosing.ErrConflictingWrite},
		{"foreign key", &pgconn.PgError{Code: "23503"}, dosing.ErrNotFound},
		{"syntax", &pgconn.PgError{Code: "42601"}, dosing.ErrDataUnavailable},
		{"circuit open", fmt.Errorf("ward-db: %w", circuitbreaker.ErrOpen), dosing.ErrDataUnavailable},
		{"timeout", context.DeadlineExceeded, dosing.ErrDataUnavailable},
		{"already classified", dosing.ErrInvalidInput, dosing.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); !errors.Is(got, tt.want) {
				t.Fatalf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if classify(nil) != nil {
		t.Fatal("classify(nil) must be nil")
	}
}

func TestCountsAgainstBreaker(t *testing.T) {
	if countsAgainstBreaker(classify(pgx.ErrNoRows)) {
		t.Error("missing rows must not trip the breaker")
	}
	if countsAgainstBreaker(classify(&pgconn.PgError{Code: "23505"})) {
		t.Error("conflicts must not trip the breaker")
	}
	if countsAgainstBreaker(context.Canceled) {
		t.Error("caller cancellation must not trip the breaker")
	}
	if !countsAgainstBreaker(classify(errors.New("dial tcp: connection refused"))) {
		t.Error("connection failures must trip the breaker")
	}
}
