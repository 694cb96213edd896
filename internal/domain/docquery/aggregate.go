package docquery

// AggregatePhase combines the progress of one phase across sources. Counts
// are summed; the status follows processing > failed > completed so the
// aggregate never reports done while a source is still working. Returns nil
// when no source carries the phase.
func AggregatePhase(progresses []*Progress) *Progress {
	var out Progress
	var seen, processing, failed bool
	var total, successful, errCount *int

	for _, p := range progresses {
		if p == nil {
			continue
		}
		seen = true

		total = addCount(total, p.Total)
		successful = addCount(successful, p.Successful)
		errCount = addCount(errCount, p.Errors)

		status := p.Status
		if status == "" {
			s, e, t := p.Counts()
			status = DeriveStatus(s, e, t)
		}
		switch status {
		case StatusProcessing:
			processing = true
		case StatusFailed:
			failed = true
		}
	}
	if !seen {
		return nil
	}

	switch {
	case processing:
		out.Status = StatusProcessing
	case failed:
		out.Status = StatusFailed
	default:
		out.Status = StatusCompleted
	}
	out.Total = total
	out.Successful = successful
	out.Errors = errCount
	return &out
}

// Aggregate recomputes the patient-level progress from every source. The
// job metadata (request id, start time, consolidation flag) is carried over
// from current. When no source has recorded anything the stored phases are
// kept as they are, which covers rows written before per-source tracking.
func Aggregate(current *QueryProgress, sources SourceProgress) *QueryProgress {
	out := current.clone()
	if out == nil {
		out = &QueryProgress{}
	}
	if sources.Empty() {
		return out
	}

	for _, ph := range Phases {
		var phase []*Progress
		for _, src := range Sources {
			if sp := sources.For(src); sp != nil {
				phase = append(phase, sp.Get(ph))
			}
		}
		out.PhaseProgress = out.PhaseProgress.With(ph, AggregatePhase(phase))
	}
	return out
}

func addCount(acc, v *int) *int {
	if v == nil {
		return acc
	}
	return intPtr(deref(acc) + *v)
}
