package jobqueue

import "errors"

var (
	// ErrNoExecutor is returned when a job's variant has no registered
	// Executor. Treated as a permanent failure.
	ErrNoExecutor = errors.New("jobqueue: no executor registered for variant")

	// ErrMissingThreadID is returned when an executor requires a thread ID
	// that the job does not carry.
	ErrMissingThreadID = errors.New("jobqueue: job requires a thread id")

	// ErrMissingInteractionID is returned when an executor requires an
	// interaction ID that the job does not carry.
	ErrMissingInteractionID = errors.New("jobqueue: job requires an interaction id")

	// ErrUnresolvedDependency is the permanent-failure reason recorded
	// when a job names a dependency whose job row no longer exists.
	ErrUnresolvedDependency = errors.New("jobqueue: job has unresolved dependencies")

	// ErrPossibleDeferralLoop is the non-permanent failure fired when a
	// job defers itself too many times in too short a window.
	ErrPossibleDeferralLoop = errors.New("jobqueue: possible deferral loop")

	// ErrUnknownQueue names a variant that maps to a queue name never
	// registered with the runner. Nothing in this package returns it:
	// queueForVariant sends such variants to the general queue.
	ErrUnknownQueue = errors.New("jobqueue: unknown queue")
)
