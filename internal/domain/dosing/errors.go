package dosing

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores for a missing record. The resolver
	// never returns it; an unknown patient resolves to no lines.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput marks a malformed slot, status, date or reference.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDataUnavailable marks a storage access failure.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrConflictingWrite marks a concurrent write to the same dose key
	// rejected by the store's integrity check. Callers may retry.
	ErrConflictingWrite = errors.New("conflicting write")
)

// Kind names the class of err for logs, metrics and API responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflictingWrite):
		return "conflicting_write"
	case errors.Is(err, ErrDataUnavailable):
		return "data_unavailable"
	}
	return "internal"
}

// unavailable wraps a store failure as ErrDataUnavailable unless it already
// carries one of the known kinds.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != "internal" {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrDataUnavailable, err)
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}
