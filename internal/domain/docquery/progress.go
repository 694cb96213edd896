package docquery

import (
	"bytes"
	"encoding/json"
)

// DeriveStatus is the only rule that produces a status from counts: the
// phase is completed once every expected unit has reported.
func DeriveStatus(successful, errors, total int) Status {
	if successful+errors >= total {
		return StatusCompleted
	}
	return StatusProcessing
}

// Optional is a tri-state field: absent keeps the existing value, null
// clears it and a value replaces it.
type Optional[T any] struct {
	Set   bool
	Null  bool
	Value T
}

// Some returns an Optional carrying v.
func Some[T any](v T) Optional[T] { return Optional[T]{Set: true, Value: v} }

// Null returns an Optional that clears the target field.
func Null[T any]() Optional[T] { return Optional[T]{Set: true, Null: true} }

// Present reports whether the field carries a value.
func (o Optional[T]) Present() bool { return o.Set && !o.Null }

func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		var zero T
		o.Null = true
		o.Value = zero
		return nil
	}
	o.Null = false
	return json.Unmarshal(b, &o.Value)
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Present() {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// ProgressPatch is a partial update of a Progress.
type ProgressPatch struct {
	Status     Optional[Status] `json:"status"`
	Total      Optional[int]    `json:"total"`
	Successful Optional[int]    `json:"successful"`
	Errors     Optional[int]    `json:"errors"`
}

// PatchFrom builds a patch that sets every field present on p.
func PatchFrom(p Progress) ProgressPatch {
	var patch ProgressPatch
	if p.Status != "" {
		patch.Status = Some(p.Status)
	}
	if p.Total != nil {
		patch.Total = Some(*p.Total)
	}
	if p.Successful != nil {
		patch.Successful = Some(*p.Successful)
	}
	if p.Errors != nil {
		patch.Errors = Some(*p.Errors)
	}
	return patch
}

// MergeProgress returns a new Progress with patch applied over existing.
// Neither argument is modified.
func MergeProgress(existing *Progress, patch ProgressPatch) *Progress {
	out := existing.clone()
	if out == nil {
		out = &Progress{}
	}

	switch {
	case patch.Status.Present():
		out.Status = patch.Status.Value
	case patch.Status.Set:
		out.Status = ""
	}
	out.Total = mergeInt(out.Total, patch.Total)
	out.Successful = mergeInt(out.Successful, patch.Successful)
	out.Errors = mergeInt(out.Errors, patch.Errors)
	return out
}

func mergeInt(cur *int, o Optional[int]) *int {
	switch {
	case o.Present():
		return intPtr(o.Value)
	case o.Set:
		return nil
	}
	return cur
}
