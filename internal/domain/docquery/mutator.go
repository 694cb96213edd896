package docquery

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/hie/internal/platform/db"
)

// TransformFunc computes the next state of a locked patient. Returning a nil
// patient leaves the record untouched.
type TransformFunc func(ctx context.Context, cur *Patient) (*Patient, error)

// Mutator applies transforms to a patient inside a transaction holding the
// patient's row lock, so concurrent writers for one patient serialize and
// none of their updates are lost.
type Mutator struct {
	tx       db.TxRunner
	patients PatientRepository
}

func NewMutator(tx db.TxRunner, patients PatientRepository) *Mutator {
	return &Mutator{tx: tx, patients: patients}
}

// Mutate locks the patient, applies fn, re-aggregates the source progress
// and saves the result before committing. It returns the committed state,
// or the current state when fn made no change. Any error rolls the whole
// mutation back.
func (m *Mutator) Mutate(ctx context.Context, id, cxID uuid.UUID, fn TransformFunc) (*Patient, error) {
	var out *Patient
	err := m.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := m.patients.GetForUpdate(ctx, id, cxID)
		if err != nil {
			return err
		}

		next, err := fn(ctx, cur)
		if err != nil {
			return err
		}
		if next == nil {
			out = cur
			return nil
		}

		next.Progress = Aggregate(next.Progress, next.Sources)
		if err := m.patients.SaveProgress(ctx, next); err != nil {
			return fmt.Errorf("save progress: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
