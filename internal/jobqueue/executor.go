package jobqueue

import (
	"context"

	"github.com/lanterncore/lantern/internal/db"
)

// SuccessFunc is invoked by an Executor when a job has fully completed.
// shouldStop only matters for recurring jobs: true deletes the job instead
// of rescheduling it.
type SuccessFunc func(shouldStop bool)

// FailureFunc is invoked by an Executor when a job could not complete.
// permanent skips the failure-count/backoff bookkeeping and deletes the
// job (and its dependants) outright.
type FailureFunc func(err error, permanent bool)

// DeferredFunc is invoked by an Executor when a job cannot run yet for a
// reason the executor itself will resolve later (e.g. waiting on a
// network condition); the runner tracks repeated deferrals to detect
// loops but does not otherwise re-drive the job.
type DeferredFunc func()

// Executor implements the behavior of exactly one job variant.
type Executor interface {
	// MaxFailureCount is the number of failures tolerated before a job
	// is dropped permanently. -1 means no limit.
	MaxFailureCount() int

	// RequiresThreadID reports whether a job of this variant must carry
	// a ThreadID to be considered valid.
	RequiresThreadID() bool

	// RequiresInteractionID reports whether a job of this variant must
	// carry an InteractionID to be considered valid.
	RequiresInteractionID() bool

	// Run executes job, calling exactly one of success, failure, or
	// deferred before returning (or asynchronously, from another
	// goroutine, if the work is itself asynchronous).
	Run(ctx context.Context, job *db.Job, success SuccessFunc, failure FailureFunc, deferred DeferredFunc)
}

// Registry maps job variants to the Executor that runs them.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register associates variant with executor. Registering the same variant
// twice replaces the previous executor.
func (r *Registry) Register(variant string, executor Executor) {
	r.executors[variant] = executor
}

// Lookup returns the executor registered for variant, or nil with ok
// false if none is registered.
func (r *Registry) Lookup(variant string) (Executor, bool) {
	e, ok := r.executors[variant]
	return e, ok
}

// variantsForQueue returns every registered variant whose static queue
// assignment is name.
func (r *Registry) variantsForQueue(name QueueName) []string {
	var variants []string
	for variant := range r.executors {
		if QueueForVariant(variant) == name {
			variants = append(variants, variant)
		}
	}
	return variants
}
