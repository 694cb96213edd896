package docquery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hie/internal/platform/batch"
)

// DispatchStatus is the terminal state of a request sent to a gateway.
type DispatchStatus string

const (
	DispatchPending    DispatchStatus = "pending"
	DispatchDispatched DispatchStatus = "dispatched"
	DispatchFailed     DispatchStatus = "failed"
)

// Dispatch is the outbox record of one document query sent to one HIE
// network. It is written in the same transaction that starts the job, so a
// stalled job always shows whether its request left the building.
type Dispatch struct {
	ID           uuid.UUID      `json:"id"`
	PatientID    uuid.UUID      `json:"patientId"`
	CxID         uuid.UUID      `json:"cxId"`
	RequestID    string         `json:"requestId"`
	Source       Source         `json:"source"`
	Status       DispatchStatus `json:"status"`
	Error        *string        `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	DispatchedAt *time.Time     `json:"dispatchedAt,omitempty"`
}

// DispatchRequest is what a gateway receives to start a document query.
type DispatchRequest struct {
	DispatchID          uuid.UUID
	PatientID           uuid.UUID
	CxID                uuid.UUID
	RequestID           string
	TriggerConsolidated bool
	Metadata            map[string]string
}

// Gateway starts document queries on one HIE network. Results arrive later
// through SetPhaseProgress and TallyPhaseProgress.
type Gateway interface {
	Source() Source
	StartDocumentQuery(ctx context.Context, req DispatchRequest) error
}

// dispatcher sends outbox records to their gateways in the background and
// records the terminal state of each.
type dispatcher struct {
	gateways   map[Source]Gateway
	dispatches DispatchRepository
	timeout    time.Duration
	logger     zerolog.Logger
	counter    Counter
	now        func() time.Time
	// onFailure is called after a dispatch is marked failed.
	onFailure func(ctx context.Context, d *Dispatch)

	wg sync.WaitGroup
}

// recordTimeout bounds the bookkeeping writes that follow a gateway call.
const recordTimeout = 10 * time.Second

// send dispatches ds detached from the caller's context: the HTTP request
// that started the job returns before the gateways answer.
func (d *dispatcher) send(ctx context.Context, ds []*Dispatch, req DispatchRequest) {
	if len(ds) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		results := batch.Execute(ctx, ds, len(ds), func(ctx context.Context, rec *Dispatch) (struct{}, error) {
			d.sendOne(ctx, rec, req)
			return struct{}{}, nil
		})
		for _, r := range results {
			if r.Err != nil {
				d.logger.Error().Err(r.Err).
					Str("dispatch_id", ds[r.Index].ID.String()).
					Msg("document query dispatch aborted")
			}
		}
	}()
}

func (d *dispatcher) sendOne(ctx context.Context, rec *Dispatch, req DispatchRequest) {
	log := d.logger.With().
		Str("dispatch_id", rec.ID.String()).
		Str("patient_id", rec.PatientID.String()).
		Str("request_id", rec.RequestID).
		Str("source", string(rec.Source)).
		Logger()

	gw, ok := d.gateways[rec.Source]
	var err error
	if !ok {
		err = ErrInvalidSource
	} else {
		req.DispatchID = rec.ID
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err = gw.StartDocumentQuery(callCtx, req)
		cancel()
	}

	now := d.now()
	rec.UpdatedAt = now
	if err != nil {
		msg := err.Error()
		rec.Status = DispatchFailed
		rec.Error = &msg
		log.Error().Err(err).Msg("document query dispatch failed")
	} else {
		rec.Status = DispatchDispatched
		rec.DispatchedAt = &now
		log.Info().Msg("document query dispatched")
	}

	d.counter.Inc("docquery_dispatch_total", "source", string(rec.Source), "status", string(rec.Status))

	// The outcome is recorded even when the gateway used up its deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if uerr := d.dispatches.UpdateDispatch(ctx, rec); uerr != nil {
		log.Error().Err(uerr).Msg("failed to record dispatch outcome")
	}
	if err != nil && d.onFailure != nil {
		d.onFailure(ctx, rec)
	}
}

// wait blocks until every background dispatch has finished.
func (d *dispatcher) wait() {
	d.wg.Wait()
}
