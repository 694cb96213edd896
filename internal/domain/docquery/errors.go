package docquery

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidSource     = errors.New("invalid source")
	ErrInvalidPhase      = errors.New("invalid phase")
	ErrInvalidResult     = errors.New("invalid result")
	ErrInvalidCount      = errors.New("invalid count")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrNoSourcesEnabled  = errors.New("no HIE sources enabled")
	ErrRequestSuperseded = errors.New("request superseded by a newer document query")
	// ErrMalformedResult is returned when persisted progress or a stale
	// sweep result cannot be decoded.
	ErrMalformedResult = errors.New("malformed query result")
)

// NotFoundError reports a missing patient or job. It matches ErrNotFound
// through errors.Is.
type NotFoundError struct {
	Kind string
	ID   uuid.UUID
	CxID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found for customer %s", e.Kind, e.ID, e.CxID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
