// Package batch runs independent work items with a concurrency cap.
package batch

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sourcegraph/conc/pool"
)

// DefaultLimit is the concurrency cap used when a caller passes zero.
const DefaultLimit = 10

// Result is the outcome of one item. Index is the item's position in the
// input slice.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// PanicError wraps a panic recovered from a work item.
type PanicError struct {
	Value interface{}
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("batch item panicked: %v", e.Value)
}

// Execute runs fn for every item with at most limit items in flight and
// returns once all of them have finished. Items are independent: an error or
// panic in one is recorded in its Result and never cancels the others.
// Results are returned in input order; execution order is unspecified.
// Items not yet started when ctx is done fail with ctx.Err().
func Execute[I, O any](ctx context.Context, items []I, limit int, fn func(ctx context.Context, item I) (O, error)) []Result[O] {
	results := make([]Result[O], len(items))
	if len(items) == 0 {
		return results
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	p := pool.New().WithMaxGoroutines(limit)
	for i, item := range items {
		i, item := i, item
		results[i].Index = i
		p.Go(func() {
			results[i].Value, results[i].Err = run(ctx, item, fn)
		})
	}
	p.Wait()
	return results
}

func run[I, O any](ctx context.Context, item I, fn func(ctx context.Context, item I) (O, error)) (out O, err error) {
	if err := ctx.Err(); err != nil {
		return out, err
	}
	defer func() {
		if r := recover(); r != nil {
			var stack [4096]byte
			n := runtime.Stack(stack[:], false)
			err = &PanicError{Value: r, Stack: string(stack[:n])}
		}
	}()
	return fn(ctx, item)
}

// Errors returns the failed results.
func Errors[T any](results []Result[T]) []Result[T] {
	var out []Result[T]
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
