// Package notifytest provides a recording notify.Notifier.
package notifytest

import (
	"context"
	"sync"

	"github.com/handit-ai/handit-core/internal/notify"
)

// Recorder records every notification it is asked to send. Err, when set,
// is returned after recording.
type Recorder struct {
	Err error

	mu        sync.Mutex
	failures  []notify.ModelFailure
	optimized []notify.OptimizationReady
}

func (r *Recorder) SendModelFailure(_ context.Context, n notify.ModelFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, n)
	return r.Err
}

func (r *Recorder) SendOptimizationReady(_ context.Context, n notify.OptimizationReady) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.optimized = append(r.optimized, n)
	return r.Err
}

func (r *Recorder) Failures() []notify.ModelFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.ModelFailure(nil), r.failures...)
}

func (r *Recorder) Optimizations() []notify.OptimizationReady {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.OptimizationReady(nil), r.optimized...)
}
