package activity

import (
	"context"
	"sync"

	"github.com/comptaflow/comptaflow/internal/monitoring"
)

// Fence orders overlapping fetches. Starting a fetch cancels the previous one,
// and only the latest generation's result is accepted.
type Fence struct {
	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// Begin starts a new generation and returns its context
func (f *Fence) Begin(parent context.Context) (context.Context, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
	f.gen++
	ctx, cancel := context.WithCancel(parent)
	f.cancel = cancel
	return ctx, f.gen
}

// Current reports whether gen is still the latest generation
func (f *Fence) Current(gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return gen == f.gen
}

// Finish releases the context of gen if it is still current
func (f *Fence) Finish(gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen == f.gen && f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

// Stop cancels whatever fetch is in flight
func (f *Fence) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.gen++
}

// Fetch runs fn under a new generation, passing it the generation number.
// ok is false when a newer fetch superseded this one; its result must then
// be discarded.
func Fetch[T any](f *Fence, parent context.Context, fn func(ctx context.Context, gen uint64) (T, error)) (result T, ok bool, err error) {
	ctx, gen := f.Begin(parent)
	defer f.Finish(gen)

	result, err = fn(ctx, gen)
	if !f.Current(gen) {
		monitoring.RecordStaleFetchDiscarded()
		var zero T
		return zero, false, nil
	}
	return result, true, err
}
