package docquery

import (
	"fmt"
	"time"
)

// Adjustments are side-channel corrections to the convert phase total.
type Adjustments struct {
	// ConvertibleDownloadErrors removes documents that failed to download
	// from the conversion denominator.
	ConvertibleDownloadErrors int `json:"convertibleDownloadErrors,omitempty"`
	// IncreaseCountConvertible adds late-discovered convertible documents.
	IncreaseCountConvertible int `json:"increaseCountConvertible,omitempty"`
}

func (a Adjustments) nonZero() bool {
	return a.ConvertibleDownloadErrors != 0 || a.IncreaseCountConvertible != 0
}

// SetParams describes a set/append of one source phase.
type SetParams struct {
	Source Source
	Phase  Phase
	// Progress is merged into the phase. A null value clears the phase and
	// an absent value leaves it untouched (useful with Adjustments alone).
	Progress Optional[ProgressPatch]
	// Reset clears every phase of the source before applying Progress.
	Reset       bool
	Adjustments Adjustments
	// RequestID, when set, must match the patient's current job.
	RequestID string
}

func (p SetParams) Validate() error {
	if _, err := ParseSource(string(p.Source)); err != nil {
		return err
	}
	if _, err := ParsePhase(string(p.Phase)); err != nil {
		return err
	}
	if !p.Progress.Present() {
		return nil
	}
	patch := p.Progress.Value
	if patch.Status.Present() && !patch.Status.Value.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, patch.Status.Value)
	}
	for _, n := range []Optional[int]{patch.Total, patch.Successful, patch.Errors} {
		if n.Present() && n.Value < 0 {
			return ErrInvalidCount
		}
	}
	return nil
}

// TallyParams describes an increment of one source phase's counters.
type TallyParams struct {
	Source Source
	Phase  Phase
	Result Result
	// Count is the number of units reported with Result; zero means one.
	Count int
	// Successful and Errors, when either is non-zero, are applied as
	// explicit deltas instead of Result/Count.
	Successful int
	Errors     int
	RequestID  string
}

func (p TallyParams) Validate() error {
	if _, err := ParseSource(string(p.Source)); err != nil {
		return err
	}
	if _, err := ParsePhase(string(p.Phase)); err != nil {
		return err
	}
	if p.Count < 0 || p.Successful < 0 || p.Errors < 0 {
		return ErrInvalidCount
	}
	if p.Successful == 0 && p.Errors == 0 {
		if _, err := ParseResult(string(p.Result)); err != nil {
			return err
		}
	}
	return nil
}

func (p TallyParams) deltas() (successful, errors int) {
	if p.Successful != 0 || p.Errors != 0 {
		return p.Successful, p.Errors
	}
	n := p.Count
	if n == 0 {
		n = 1
	}
	if p.Result == ResultSuccess {
		return n, 0
	}
	return 0, n
}

// checkRequest rejects callbacks that belong to a job other than the
// patient's current one.
func checkRequest(p *Patient, requestID string) error {
	if requestID == "" || p.RequestID() == "" || requestID == p.RequestID() {
		return nil
	}
	return fmt.Errorf("%w: got %s, current %s", ErrRequestSuperseded, requestID, p.RequestID())
}

// sourceEntry returns a copy of the progress recorded for src, creating it
// from the current job's metadata when the source has none yet.
func sourceEntry(p *Patient, src Source) *QueryProgress {
	if sp := p.Sources.For(src); sp != nil {
		return sp.clone()
	}
	entry := &QueryProgress{}
	if p.Progress != nil {
		meta := p.Progress.clone()
		entry.RequestID = meta.RequestID
		entry.StartedAt = meta.StartedAt
		entry.TriggerConsolidated = meta.TriggerConsolidated
	}
	return entry
}

// applySet returns a copy of p with the set applied to one source phase.
func applySet(p *Patient, params SetParams) *Patient {
	next := p.clone()
	entry := sourceEntry(next, params.Source)

	if params.Reset {
		entry.PhaseProgress = PhaseProgress{}
	}

	switch {
	case params.Progress.Present():
		merged := MergeProgress(entry.Get(params.Phase), params.Progress.Value)
		entry.PhaseProgress = entry.PhaseProgress.With(params.Phase, merged)
	case params.Progress.Set:
		entry.PhaseProgress = entry.PhaseProgress.With(params.Phase, nil)
	}

	if params.Adjustments.nonZero() && entry.Convert != nil {
		delta := params.Adjustments.IncreaseCountConvertible - params.Adjustments.ConvertibleDownloadErrors
		entry.Convert = adjustTotal(entry.Convert, delta)
	}

	next.Sources = next.Sources.With(params.Source, entry)
	return next
}

// adjustTotal shifts the total by delta, floored at zero, and re-derives the
// status. A failed phase stays failed.
func adjustTotal(p *Progress, delta int) *Progress {
	out := p.clone()
	total := deref(out.Total) + delta
	if total < 0 {
		total = 0
	}
	out.Total = intPtr(total)
	if out.Status != StatusFailed {
		s, e, t := out.Counts()
		out.Status = DeriveStatus(s, e, t)
	}
	return out
}

// applyTally returns a copy of p with the counters of one source phase
// incremented. The total is left untouched and the status re-derived.
func applyTally(p *Patient, params TallyParams) *Patient {
	next := p.clone()
	entry := sourceEntry(next, params.Source)

	cur := entry.Get(params.Phase).clone()
	if cur == nil {
		cur = &Progress{}
	}
	ds, de := params.deltas()
	s, e, t := cur.Counts()
	cur.Successful = intPtr(s + ds)
	cur.Errors = intPtr(e + de)
	cur.Status = DeriveStatus(s+ds, e+de, t)

	entry.PhaseProgress = entry.PhaseProgress.With(params.Phase, cur)
	next.Sources = next.Sources.With(params.Source, entry)
	return next
}

// startJob returns a copy of p with a new job initialised on the aggregate
// and on every listed source. Progress from the previous job is discarded.
func startJob(p *Patient, requestID string, startedAt time.Time, sources []Source, triggerConsolidated bool) *Patient {
	next := p.clone()
	initial := func() *QueryProgress {
		at := startedAt
		q := &QueryProgress{
			PhaseProgress: PhaseProgress{Download: &Progress{Status: StatusProcessing}},
			RequestID:     requestID,
			StartedAt:     &at,
		}
		if triggerConsolidated {
			tc := true
			q.TriggerConsolidated = &tc
		}
		return q
	}

	next.Progress = initial()
	next.Sources = SourceProgress{}
	for _, src := range sources {
		next.Sources = next.Sources.With(src, initial())
	}
	return next
}

// phaseInconsistent reports whether a stored phase disagrees with its own
// counts: counts do not add up to the total, or it still claims to be
// processing. Failed phases are terminal and never repaired.
func phaseInconsistent(p *Progress) bool {
	if p == nil || p.Status == StatusFailed {
		return false
	}
	s, e, t := p.Counts()
	return t != s+e || p.Status == StatusProcessing
}

func queryInconsistent(q *QueryProgress) bool {
	if q == nil {
		return false
	}
	return phaseInconsistent(q.Download) || phaseInconsistent(q.Convert)
}

// NeedsRepair reports whether any phase of the aggregate or of a source is
// inconsistent.
func (p *Patient) NeedsRepair() bool {
	if queryInconsistent(p.Progress) {
		return true
	}
	for _, src := range Sources {
		if queryInconsistent(p.Sources.For(src)) {
			return true
		}
	}
	return false
}

// repairPhase trusts the observed counts over the stored total.
func repairPhase(p *Progress) *Progress {
	out := p.clone()
	s, e, _ := out.Counts()
	out.Successful = intPtr(s)
	out.Errors = intPtr(e)
	out.Total = intPtr(s + e)
	out.Status = DeriveStatus(s, e, s+e)
	return out
}

func repairQuery(q *QueryProgress) *QueryProgress {
	out := q.clone()
	for _, ph := range Phases {
		if phaseInconsistent(out.Get(ph)) {
			out.PhaseProgress = out.PhaseProgress.With(ph, repairPhase(out.Get(ph)))
		}
	}
	return out
}

// applyRepair force-resolves every inconsistent phase, touching only those
// phases, and re-aggregates.
func applyRepair(p *Patient) *Patient {
	next := p.clone()
	for _, src := range Sources {
		if sp := next.Sources.For(src); queryInconsistent(sp) {
			next.Sources = next.Sources.With(src, repairQuery(sp))
		}
	}
	next.Progress = Aggregate(next.Progress, next.Sources)
	if queryInconsistent(next.Progress) {
		next.Progress = repairQuery(next.Progress)
	}
	return next
}
