package docquery

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the state of one phase of a document query.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further callbacks are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase identifies a stage of the query: locating/retrieving documents or
// converting them to structured data.
type Phase string

const (
	PhaseDownload Phase = "download"
	PhaseConvert  Phase = "convert"
)

// Phases lists every phase in a stable order.
var Phases = []Phase{PhaseDownload, PhaseConvert}

func ParsePhase(s string) (Phase, error) {
	switch Phase(strings.ToLower(s)) {
	case PhaseDownload:
		return PhaseDownload, nil
	case PhaseConvert:
		return PhaseConvert, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPhase, s)
}

// Source is an external HIE network contributing documents for a patient.
type Source string

const (
	SourceCommonWell  Source = "COMMONWELL"
	SourceCareQuality Source = "CAREQUALITY"
)

// Sources lists every known network in a stable order.
var Sources = []Source{SourceCommonWell, SourceCareQuality}

func ParseSource(s string) (Source, error) {
	switch Source(strings.ToUpper(s)) {
	case SourceCommonWell:
		return SourceCommonWell, nil
	case SourceCareQuality:
		return SourceCareQuality, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSource, s)
}

// Result is the outcome of one unit of work reported through a tally.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
)

func ParseResult(s string) (Result, error) {
	switch Result(strings.ToLower(s)) {
	case ResultSuccess:
		return ResultSuccess, nil
	case ResultFailed:
		return ResultFailed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidResult, s)
}

// Progress is the state of a single phase. Counts are optional; a missing
// count is treated as zero everywhere it is read.
type Progress struct {
	Status     Status `json:"status,omitempty"`
	Total      *int   `json:"total,omitempty"`
	Successful *int   `json:"successful,omitempty"`
	Errors     *int   `json:"errors,omitempty"`
}

// Counts returns successful, errors and total with missing values as zero.
func (p *Progress) Counts() (successful, errors, total int) {
	if p == nil {
		return 0, 0, 0
	}
	return deref(p.Successful), deref(p.Errors), deref(p.Total)
}

func (p *Progress) clone() *Progress {
	if p == nil {
		return nil
	}
	return &Progress{
		Status:     p.Status,
		Total:      copyInt(p.Total),
		Successful: copyInt(p.Successful),
		Errors:     copyInt(p.Errors),
	}
}

// PhaseProgress holds the optional progress of each phase.
type PhaseProgress struct {
	Download *Progress `json:"download,omitempty"`
	Convert  *Progress `json:"convert,omitempty"`
}

// Get returns the progress of ph, or nil.
func (pp PhaseProgress) Get(ph Phase) *Progress {
	switch ph {
	case PhaseDownload:
		return pp.Download
	case PhaseConvert:
		return pp.Convert
	}
	return nil
}

// With returns a copy of pp with ph replaced by p. A nil p clears the phase.
func (pp PhaseProgress) With(ph Phase, p *Progress) PhaseProgress {
	switch ph {
	case PhaseDownload:
		pp.Download = p
	case PhaseConvert:
		pp.Convert = p
	}
	return pp
}

// Empty reports whether no phase carries progress.
func (pp PhaseProgress) Empty() bool {
	return pp.Download == nil && pp.Convert == nil
}

func (pp PhaseProgress) clone() PhaseProgress {
	return PhaseProgress{Download: pp.Download.clone(), Convert: pp.Convert.clone()}
}

// QueryProgress is the progress of one job, either for a single source or
// aggregated across all of them for the patient.
type QueryProgress struct {
	PhaseProgress
	RequestID           string     `json:"requestId,omitempty"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	TriggerConsolidated *bool      `json:"triggerConsolidated,omitempty"`
}

func (q *QueryProgress) clone() *QueryProgress {
	if q == nil {
		return nil
	}
	out := &QueryProgress{
		PhaseProgress: q.PhaseProgress.clone(),
		RequestID:     q.RequestID,
	}
	if q.StartedAt != nil {
		t := *q.StartedAt
		out.StartedAt = &t
	}
	if q.TriggerConsolidated != nil {
		b := *q.TriggerConsolidated
		out.TriggerConsolidated = &b
	}
	return out
}

// SourceProgress holds the per-network progress of a patient's current job.
// Each known network has its own field; a nil field means the network has
// not been queried for this job.
type SourceProgress struct {
	CommonWell  *QueryProgress `json:"COMMONWELL,omitempty"`
	CareQuality *QueryProgress `json:"CAREQUALITY,omitempty"`
}

// For returns the progress recorded for src, or nil.
func (s SourceProgress) For(src Source) *QueryProgress {
	switch src {
	case SourceCommonWell:
		return s.CommonWell
	case SourceCareQuality:
		return s.CareQuality
	}
	return nil
}

// With returns a copy of s with src replaced by p.
func (s SourceProgress) With(src Source, p *QueryProgress) SourceProgress {
	switch src {
	case SourceCommonWell:
		s.CommonWell = p
	case SourceCareQuality:
		s.CareQuality = p
	}
	return s
}

// Empty reports whether no network has recorded progress.
func (s SourceProgress) Empty() bool {
	for _, src := range Sources {
		if s.For(src) != nil {
			return false
		}
	}
	return true
}

func (s SourceProgress) clone() SourceProgress {
	return SourceProgress{CommonWell: s.CommonWell.clone(), CareQuality: s.CareQuality.clone()}
}

// Patient is the aggregate root owning the document query progress. It is
// the unit of locking for every mutation.
type Patient struct {
	ID        uuid.UUID
	CxID      uuid.UUID
	Progress  *QueryProgress
	Sources   SourceProgress
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InFlight reports whether the patient has a running job that a new
// non-forced start request should join.
func (p *Patient) InFlight() bool {
	return p.Progress != nil &&
		p.Progress.RequestID != "" &&
		p.Progress.Download != nil &&
		p.Progress.Download.Status == StatusProcessing
}

// RequestID returns the identifier of the patient's current job.
func (p *Patient) RequestID() string {
	if p.Progress == nil {
		return ""
	}
	return p.Progress.RequestID
}

func (p *Patient) clone() *Patient {
	out := *p
	out.Progress = p.Progress.clone()
	out.Sources = p.Sources.clone()
	return &out
}

// PatientRef identifies a patient for lookup.
type PatientRef struct {
	ID   uuid.UUID `json:"id"`
	CxID uuid.UUID `json:"cxId"`
}

func deref(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func intPtr(v int) *int { return &v }

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	return intPtr(*v)
}
