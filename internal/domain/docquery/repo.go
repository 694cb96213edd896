package docquery

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PatientRepository defines the data access interface for the progress
// embedded in patient records. Patients are created elsewhere; this engine
// only locates and updates them.
type PatientRepository interface {
	Get(ctx context.Context, id, cxID uuid.UUID) (*Patient, error)
	// GetForUpdate reads the patient and row-locks it until the surrounding
	// transaction ends. It must be called with a transactional context.
	GetForUpdate(ctx context.Context, id, cxID uuid.UUID) (*Patient, error)
	SaveProgress(ctx context.Context, p *Patient) error
	// FindStale returns patients last updated before cutoff whose stored
	// progress is inconsistent. A non-empty ids restricts the search.
	FindStale(ctx context.Context, cutoff time.Time, ids []uuid.UUID) ([]PatientRef, error)
}

// DispatchRepository defines the data access interface for the outbox of
// requests sent to HIE gateways.
type DispatchRepository interface {
	CreateDispatches(ctx context.Context, ds []*Dispatch) error
	UpdateDispatch(ctx context.Context, d *Dispatch) error
	ListByPatient(ctx context.Context, patientID, cxID uuid.UUID, limit, offset int) ([]*Dispatch, int, error)
}
