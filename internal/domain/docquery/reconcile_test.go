package docquery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sweepNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newSweepFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, WithClock(func() time.Time { return sweepNow }), WithBatchLimit(4))
	f.store.now = func() time.Time { return sweepNow }
	return f
}

func stalePatient(f *fixture, age time.Duration) *Patient {
	sources := SourceProgress{CommonWell: &QueryProgress{PhaseProgress: PhaseProgress{
		Download: &Progress{Status: StatusProcessing, Total: intPtr(5), Successful: intPtr(5), Errors: intPtr(0)},
	}}}
	return f.store.addPatient(&Patient{
		Progress:  Aggregate(&QueryProgress{RequestID: "req-1"}, sources),
		Sources:   sources,
		UpdatedAt: sweepNow.Add(-age),
	})
}

func TestReconcileStale_Scenario(t *testing.T) {
	f := newSweepFixture(t)
	p := stalePatient(f, 31*time.Minute)
	ctx := context.Background()

	res, err := f.svc.ReconcileStale(ctx, ReconcileParams{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.CorrectedCount)
	assert.Equal(t, []uuid.UUID{p.ID}, res.CorrectedIDs)
	assert.Zero(t, res.FailedCount)

	stored := f.store.patient(p.ID)
	assert.Equal(t, StatusCompleted, stored.Sources.CommonWell.Download.Status)
	assert.Equal(t, StatusCompleted, stored.Progress.Download.Status)
	assert.Equal(t, "req-1", stored.Progress.RequestID)
	assert.Equal(t, []Trigger{TriggerReconcile}, f.notifier.triggers())

	again, err := f.svc.ReconcileStale(ctx, ReconcileParams{})
	require.NoError(t, err)
	assert.Zero(t, again.CorrectedCount)
	assert.Empty(t, again.CorrectedIDs)
}

func TestReconcileStale_SkipsRecentAndConsistent(t *testing.T) {
	f := newSweepFixture(t)
	recent := stalePatient(f, 29*time.Minute)
	done := f.store.addPatient(&Patient{
		Progress: &QueryProgress{PhaseProgress: PhaseProgress{
			Download: &Progress{Status: StatusCompleted, Total: intPtr(2), Successful: intPtr(2)},
		}},
		UpdatedAt: sweepNow.Add(-2 * time.Hour),
	})
	failed := f.store.addPatient(&Patient{
		Progress: &QueryProgress{PhaseProgress: PhaseProgress{
			Download: &Progress{Status: StatusFailed, Total: intPtr(2)},
		}},
		UpdatedAt: sweepNow.Add(-2 * time.Hour),
	})

	res, err := f.svc.ReconcileStale(context.Background(), ReconcileParams{})
	require.NoError(t, err)
	assert.Zero(t, res.CorrectedCount)

	assert.Equal(t, StatusProcessing, f.store.patient(recent.ID).Progress.Download.Status)
	assert.Equal(t, StatusCompleted, f.store.patient(done.ID).Progress.Download.Status)
	assert.Equal(t, StatusFailed, f.store.patient(failed.ID).Progress.Download.Status)
}

func TestReconcileStale_MaxTimeOverrideAndFilter(t *testing.T) {
	f := newSweepFixture(t)
	a := stalePatient(f, 10*time.Minute)
	b := stalePatient(f, 10*time.Minute)

	res, err := f.svc.ReconcileStale(context.Background(), ReconcileParams{
		PatientIDs:       []uuid.UUID{b.ID},
		MaxTimeToProcess: 5 * time.Minute,
	})
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{b.ID}, res.CorrectedIDs)
	assert.Equal(t, StatusProcessing, f.store.patient(a.ID).Progress.Download.Status)
}

func TestReconcileStale_FailureIsolation(t *testing.T) {
	f := newSweepFixture(t)
	var ids []uuid.UUID
	for i := 0; i < 10; i++ {
		ids = append(ids, stalePatient(f, time.Hour).ID)
	}
	f.store.saveErr[ids[3]] = errors.New("deadlock detected")

	var mu sync.Mutex
	var candidates, items int
	res, err := f.svc.ReconcileStale(context.Background(), ReconcileParams{
		OnCandidates: func(n int) { candidates = n },
		OnItem: func(PatientRef, bool, error) {
			mu.Lock()
			items++
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 9, res.CorrectedCount)
	assert.Equal(t, 1, res.FailedCount)
	assert.NotContains(t, res.CorrectedIDs, ids[3])
	assert.Equal(t, 10, candidates)
	assert.Equal(t, 10, items)
	assert.Equal(t, StatusProcessing, f.store.patient(ids[3]).Progress.Download.Status)
}

func TestReconcileStale_MalformedResultTreatedAsEmpty(t *testing.T) {
	f := newSweepFixture(t)
	f.store.findStaleErr = fmt.Errorf("%w: cannot scan", ErrMalformedResult)

	res, err := f.svc.ReconcileStale(context.Background(), ReconcileParams{})
	require.NoError(t, err)
	assert.Zero(t, res.CorrectedCount)
	assert.NotNil(t, res.CorrectedIDs)
}

func TestReconcileStale_QueryErrorPropagates(t *testing.T) {
	f := newSweepFixture(t)
	f.store.findStaleErr = errors.New("connection refused")

	_, err := f.svc.ReconcileStale(context.Background(), ReconcileParams{})
	assert.Error(t, err)
}

func TestRepair_RechecksUnderLock(t *testing.T) {
	f := newSweepFixture(t)
	p := stalePatient(f, time.Minute)

	got, err := f.svc.repair(context.Background(), PatientRef{ID: p.ID, CxID: p.CxID}, sweepNow.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got, "a patient updated after the cutoff is left alone")
	assert.Equal(t, 0, f.store.saves)
}

func TestStaleSweepJob(t *testing.T) {
	f := newSweepFixture(t)
	p := stalePatient(f, time.Hour)
	job := NewStaleSweepJob(f.svc, 15*time.Minute)

	assert.Equal(t, "document-query-stale-sweep", job.Name())
	assert.Equal(t, 15*time.Minute, job.Interval())
	require.NoError(t, job.Execute(context.Background()))
	assert.Equal(t, StatusCompleted, f.store.patient(p.ID).Progress.Download.Status)
}

func TestReconcileStale_CountsCorrections(t *testing.T) {
	counter := &countingCounter{}
	f := newFixture(t, WithClock(func() time.Time { return sweepNow }), WithCounter(counter))
	f.store.now = func() time.Time { return sweepNow }
	stalePatient(f, time.Hour)
	stalePatient(f, time.Hour)

	_, err := f.svc.ReconcileStale(context.Background(), ReconcileParams{})
	require.NoError(t, err)
	assert.Equal(t, 2, counter.get("docquery_stale_corrected_total"))
	assert.Zero(t, counter.get("docquery_stale_failed_total"))
}
