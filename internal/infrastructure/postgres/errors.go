package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/epis/medadmin/internal/domain/dosing"
)

// Postgres SQLSTATE codes the store reacts to.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// classify maps driver errors onto the dosing error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if dosing.Kind(err) != "internal" {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return dosing.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %s", dosing.ErrConflictingWrite, pgErr.Message)
		case codeForeignKeyViolation:
			return fmt.Errorf("%w: %s", dosing.ErrNotFound, pgErr.Detail)
		}
	}
	// open circuits, timeouts and connection failures
	return fmt.Errorf("%w: %w", dosing.ErrDataUnavailable, err)
}

// countsAgainstBreaker reports whether err signals an unhealthy database.
// Missing rows, conflicts and caller cancellations do not.
func countsAgainstBreaker(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, dosing.ErrNotFound),
		errors.Is(err, dosing.ErrConflictingWrite),
		errors.Is(err, dosing.ErrInvalidInput):
		return false
	}
	return true
}
