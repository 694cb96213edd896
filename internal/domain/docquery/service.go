package docquery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hie/internal/platform/db"
)

// Trigger names the operation that produced a notification.
type Trigger string

const (
	TriggerStart     Trigger = "start"
	TriggerProgress  Trigger = "progress"
	TriggerTally     Trigger = "tally"
	TriggerDispatch  Trigger = "dispatch"
	TriggerReconcile Trigger = "reconcile"
)

// Notification is passed to the Notifier after every committed mutation.
// Previous is the aggregate before the mutation.
type Notification struct {
	PatientID uuid.UUID
	CxID      uuid.UUID
	RequestID string
	Previous  *QueryProgress
	Progress  *QueryProgress
	Trigger   Trigger
}

// Notifier decides whether a committed change is worth telling subscribers
// about and delivers it. Errors are logged by the caller, never propagated.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// StartParams describes a request to start a document query.
type StartParams struct {
	PatientID           uuid.UUID
	CxID                uuid.UUID
	Force               bool
	TriggerConsolidated bool
	Metadata            map[string]string
}

// StartResult is returned by StartQuery. Reused is true when an in-flight
// job was returned instead of starting a new one.
type StartResult struct {
	RequestID string         `json:"requestId"`
	Progress  *QueryProgress `json:"progress"`
	Reused    bool           `json:"reused"`
}

// Option configures a Service.
type Option func(*Service)

// WithGateways registers the HIE networks queried by StartQuery.
func WithGateways(gws ...Gateway) Option {
	return func(s *Service) {
		for _, gw := range gws {
			s.gateways[gw.Source()] = gw
		}
	}
}

// WithNotifier sets the notification trigger.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithBatchLimit sets the concurrency cap of the stale sweep.
func WithBatchLimit(n int) Option {
	return func(s *Service) { s.batchLimit = n }
}

// WithMaxTimeToProcess sets how long a job may go without updates before
// the stale sweep force-resolves it.
func WithMaxTimeToProcess(d time.Duration) Option {
	return func(s *Service) { s.maxTimeToProcess = d }
}

// WithDispatchTimeout bounds the background calls to the gateways.
func WithDispatchTimeout(d time.Duration) Option {
	return func(s *Service) { s.dispatchTimeout = d }
}

// Counter counts domain events for monitoring.
type Counter interface {
	Inc(name string, labels ...string)
}

type nopCounter struct{}

func (nopCounter) Inc(string, ...string) {}

// WithCounter reports dispatch outcomes and stale corrections to c.
func WithCounter(c Counter) Option {
	return func(s *Service) { s.counter = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service provides the document query progress operations.
type Service struct {
	mutator    *Mutator
	patients   PatientRepository
	dispatches DispatchRepository
	gateways   map[Source]Gateway
	notifier   Notifier
	counter    Counter
	logger     zerolog.Logger

	batchLimit       int
	maxTimeToProcess time.Duration
	dispatchTimeout  time.Duration
	now              func() time.Time
	newRequestID     func() (uuid.UUID, error)

	dispatcher *dispatcher
}

// NewService creates a new document query service.
func NewService(tx db.TxRunner, patients PatientRepository, dispatches DispatchRepository, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		mutator:          NewMutator(tx, patients),
		patients:         patients,
		dispatches:       dispatches,
		gateways:         make(map[Source]Gateway),
		counter:          nopCounter{},
		logger:           logger.With().Str("component", "docquery").Logger(),
		batchLimit:       10,
		maxTimeToProcess: 30 * time.Minute,
		dispatchTimeout:  2 * time.Minute,
		now:              time.Now,
		newRequestID:     uuid.NewV7,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = &dispatcher{
		gateways:   s.gateways,
		dispatches: dispatches,
		timeout:    s.dispatchTimeout,
		logger:     s.logger,
		counter:    s.counter,
		now:        s.now,
		onFailure:  s.markDispatchFailed,
	}
	return s
}

// EnabledSources returns the networks StartQuery dispatches to, in stable
// order.
func (s *Service) EnabledSources() []Source {
	var out []Source
	for _, src := range Sources {
		if _, ok := s.gateways[src]; ok {
			out = append(out, src)
		}
	}
	return out
}

// Wait blocks until background gateway dispatches have finished.
func (s *Service) Wait() {
	s.dispatcher.wait()
}

// StartQuery starts a document query for the patient, or joins the one
// already in flight. A non-forced request for a patient whose download is
// still processing returns the running job's request id and changes
// nothing. Otherwise a new job is initialised, recorded in the dispatch
// outbox in the same transaction, and sent to the gateways after commit.
func (s *Service) StartQuery(ctx context.Context, params StartParams) (*StartResult, error) {
	sources := s.EnabledSources()
	if len(sources) == 0 {
		return nil, ErrNoSourcesEnabled
	}

	var (
		result     StartResult
		dispatches []*Dispatch
	)
	prev, p, err := s.mutate(ctx, params.PatientID, params.CxID, func(ctx context.Context, cur *Patient) (*Patient, error) {
		if !params.Force && cur.InFlight() {
			result.Reused = true
			return nil, nil
		}

		rid, err := s.newRequestID()
		if err != nil {
			return nil, fmt.Errorf("generate request id: %w", err)
		}
		now := s.now()
		next := startJob(cur, rid.String(), now, sources, params.TriggerConsolidated)

		dispatches = make([]*Dispatch, 0, len(sources))
		for _, src := range sources {
			dispatches = append(dispatches, &Dispatch{
				ID:        uuid.New(),
				PatientID: cur.ID,
				CxID:      cur.CxID,
				RequestID: rid.String(),
				Source:    src,
				Status:    DispatchPending,
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
		if err := s.dispatches.CreateDispatches(ctx, dispatches); err != nil {
			return nil, fmt.Errorf("record dispatches: %w", err)
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}

	result.RequestID = p.RequestID()
	result.Progress = p.Progress
	if result.Reused {
		s.logger.Debug().
			Str("patient_id", p.ID.String()).
			Str("request_id", result.RequestID).
			Msg("document query already in flight")
		return &result, nil
	}

	s.logger.Info().
		Str("patient_id", p.ID.String()).
		Str("request_id", result.RequestID).
		Bool("force", params.Force).
		Int("sources", len(sources)).
		Msg("document query started")

	s.notify(ctx, prev, p, TriggerStart)
	s.dispatcher.send(ctx, dispatches, DispatchRequest{
		PatientID:           p.ID,
		CxID:                p.CxID,
		RequestID:           result.RequestID,
		TriggerConsolidated: params.TriggerConsolidated,
		Metadata:            params.Metadata,
	})
	return &result, nil
}

// GetProgress returns the patient's aggregated progress. A patient that
// never queried documents yields an empty progress.
func (s *Service) GetProgress(ctx context.Context, id, cxID uuid.UUID) (*QueryProgress, error) {
	p, err := s.patients.Get(ctx, id, cxID)
	if err != nil {
		return nil, err
	}
	if p.Progress == nil {
		return &QueryProgress{}, nil
	}
	return p.Progress, nil
}

// SetPhaseProgress sets or clears the progress of one source phase and
// returns the new aggregated progress.
func (s *Service) SetPhaseProgress(ctx context.Context, id, cxID uuid.UUID, params SetParams) (*QueryProgress, error) {
	return s.set(ctx, id, cxID, params, TriggerProgress)
}

func (s *Service) set(ctx context.Context, id, cxID uuid.UUID, params SetParams, trigger Trigger) (*QueryProgress, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	prev, p, err := s.mutate(ctx, id, cxID, func(_ context.Context, cur *Patient) (*Patient, error) {
		if err := checkRequest(cur, params.RequestID); err != nil {
			return nil, err
		}
		return applySet(cur, params), nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, prev, p, trigger)
	return p.Progress, nil
}

// TallyPhaseProgress adds successes or errors to one source phase and
// returns the new aggregated progress.
func (s *Service) TallyPhaseProgress(ctx context.Context, id, cxID uuid.UUID, params TallyParams) (*QueryProgress, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	prev, p, err := s.mutate(ctx, id, cxID, func(_ context.Context, cur *Patient) (*Patient, error) {
		if err := checkRequest(cur, params.RequestID); err != nil {
			return nil, err
		}
		return applyTally(cur, params), nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, prev, p, TriggerTally)
	return p.Progress, nil
}

// ListDispatches returns the outbox records of a patient, newest first.
func (s *Service) ListDispatches(ctx context.Context, id, cxID uuid.UUID, limit, offset int) ([]*Dispatch, int, error) {
	if _, err := s.patients.Get(ctx, id, cxID); err != nil {
		return nil, 0, err
	}
	return s.dispatches.ListByPatient(ctx, id, cxID, limit, offset)
}

// markDispatchFailed surfaces a gateway that never received the request as
// a failed download for its source.
func (s *Service) markDispatchFailed(ctx context.Context, d *Dispatch) {
	_, err := s.set(ctx, d.PatientID, d.CxID, SetParams{
		Source:    d.Source,
		Phase:     PhaseDownload,
		Progress:  Some(ProgressPatch{Status: Some(StatusFailed)}),
		RequestID: d.RequestID,
	}, TriggerDispatch)
	if err != nil {
		s.logger.Error().Err(err).
			Str("patient_id", d.PatientID.String()).
			Str("request_id", d.RequestID).
			Str("source", string(d.Source)).
			Msg("failed to mark dispatch failure on progress")
	}
}

// mutate runs fn through the mutator and also returns the aggregate as it
// was before fn ran.
func (s *Service) mutate(ctx context.Context, id, cxID uuid.UUID, fn TransformFunc) (*QueryProgress, *Patient, error) {
	var prev *QueryProgress
	p, err := s.mutator.Mutate(ctx, id, cxID, func(ctx context.Context, cur *Patient) (*Patient, error) {
		prev = cur.Progress.clone()
		return fn(ctx, cur)
	})
	return prev, p, err
}

func (s *Service) notify(ctx context.Context, prev *QueryProgress, p *Patient, trigger Trigger) {
	if s.notifier == nil || p == nil {
		return
	}
	err := s.notifier.Notify(ctx, Notification{
		PatientID: p.ID,
		CxID:      p.CxID,
		RequestID: p.RequestID(),
		Previous:  prev,
		Progress:  p.Progress,
		Trigger:   trigger,
	})
	if err != nil {
		s.logger.Warn().Err(err).
			Str("patient_id", p.ID.String()).
			Str("trigger", string(trigger)).
			Msg("document query notification failed")
	}
}
