package docquery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/hie/internal/platform/batch"
)

// ReconcileParams narrows a stale sweep.
type ReconcileParams struct {
	// PatientIDs restricts the sweep; empty means every patient.
	PatientIDs []uuid.UUID
	// MaxTimeToProcess overrides the service default when positive.
	MaxTimeToProcess time.Duration
	// OnCandidates is called with the number of patients to inspect.
	OnCandidates func(n int)
	// OnItem is called after each patient has been handled.
	OnItem func(ref PatientRef, corrected bool, err error)
}

// ReconcileResult lists the patients whose progress was force-resolved.
type ReconcileResult struct {
	CorrectedCount int         `json:"correctedCount"`
	CorrectedIDs   []uuid.UUID `json:"correctedIds"`
	FailedCount    int         `json:"failedCount"`
}

// ReconcileStale finds jobs that stopped receiving callbacks before
// reaching a consistent state and force-resolves them, trusting the
// observed counts over the stored totals. Each patient is repaired in its
// own locked transaction; one failure never aborts the sweep.
func (s *Service) ReconcileStale(ctx context.Context, params ReconcileParams) (*ReconcileResult, error) {
	maxAge := s.maxTimeToProcess
	if params.MaxTimeToProcess > 0 {
		maxAge = params.MaxTimeToProcess
	}
	cutoff := s.now().Add(-maxAge)

	refs, err := s.patients.FindStale(ctx, cutoff, params.PatientIDs)
	if err != nil {
		if !errors.Is(err, ErrMalformedResult) {
			return nil, err
		}
		s.logger.Warn().Err(err).Msg("stale document query sweep returned a malformed result, treating as empty")
		refs = nil
	}
	if params.OnCandidates != nil {
		params.OnCandidates(len(refs))
	}

	results := batch.Execute(ctx, refs, s.batchLimit, func(ctx context.Context, ref PatientRef) (*repaired, error) {
		r, err := s.repair(ctx, ref, cutoff)
		if params.OnItem != nil {
			params.OnItem(ref, r != nil, err)
		}
		return r, err
	})

	res := &ReconcileResult{CorrectedIDs: []uuid.UUID{}}
	seen := make(map[uuid.UUID]bool, len(results))
	for _, r := range results {
		ref := refs[r.Index]
		if r.Err != nil {
			res.FailedCount++
			s.counter.Inc("docquery_stale_failed_total")
			s.logger.Error().Err(r.Err).
				Str("patient_id", ref.ID.String()).
				Str("cx_id", ref.CxID.String()).
				Msg("failed to reconcile stale document query")
			continue
		}
		if r.Value == nil || seen[ref.ID] {
			continue
		}
		seen[ref.ID] = true
		res.CorrectedIDs = append(res.CorrectedIDs, ref.ID)
		s.counter.Inc("docquery_stale_corrected_total")
		s.notify(ctx, r.Value.prev, r.Value.patient, TriggerReconcile)
	}
	res.CorrectedCount = len(res.CorrectedIDs)

	if res.CorrectedCount > 0 {
		ids := make([]string, len(res.CorrectedIDs))
		for i, id := range res.CorrectedIDs {
			ids[i] = id.String()
		}
		s.logger.Warn().
			Int("count", res.CorrectedCount).
			Strs("patient_ids", ids).
			Dur("max_time_to_process", maxAge).
			Msg("corrected stale document queries")
	}
	return res, nil
}

type repaired struct {
	prev    *QueryProgress
	patient *Patient
}

// repair re-checks the patient under its lock, since a callback may have
// landed after the sweep query, and returns nil when nothing was changed.
func (s *Service) repair(ctx context.Context, ref PatientRef, cutoff time.Time) (*repaired, error) {
	var changed bool
	prev, p, err := s.mutate(ctx, ref.ID, ref.CxID, func(_ context.Context, cur *Patient) (*Patient, error) {
		if !cur.UpdatedAt.Before(cutoff) || !cur.NeedsRepair() {
			return nil, nil
		}
		changed = true
		return applyRepair(cur), nil
	})
	if err != nil || !changed {
		return nil, err
	}
	return &repaired{prev: prev, patient: p}, nil
}

// StaleSweepJob runs ReconcileStale on a schedule.
type StaleSweepJob struct {
	svc      *Service
	interval time.Duration
}

func NewStaleSweepJob(svc *Service, interval time.Duration) *StaleSweepJob {
	return &StaleSweepJob{svc: svc, interval: interval}
}

func (j *StaleSweepJob) Name() string { return "document-query-stale-sweep" }

func (j *StaleSweepJob) Interval() time.Duration { return j.interval }

func (j *StaleSweepJob) Execute(ctx context.Context) error {
	_, err := j.svc.ReconcileStale(ctx, ReconcileParams{})
	return err
}
