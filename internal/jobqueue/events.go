package jobqueue

// EventPublisher receives job lifecycle notifications as they happen.
// Calls happen inline on the dispatching goroutine, so implementations
// must not block for long — internal/events' Hub.Publish satisfies this
// by construction (a buffered per-client channel, never a blocking send).
type EventPublisher interface {
	JobSucceeded(jobID int64, variant string)
	JobFailed(jobID int64, variant string, err error, permanent bool)
	JobDeferred(jobID int64, variant string)
}

// SetEventPublisher wires p to receive every subsequent job outcome. A nil
// publisher (the default) disables event publishing entirely.
func (r *Runner) SetEventPublisher(p EventPublisher) {
	r.mu.Lock()
	r.events = p
	r.mu.Unlock()
}

func (r *Runner) eventPublisher() EventPublisher {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

func (r *Runner) publishSucceeded(jobID int64, variant string) {
	if p := r.eventPublisher(); p != nil {
		p.JobSucceeded(jobID, variant)
	}
}

func (r *Runner) publishFailed(jobID int64, variant string, err error, permanent bool) {
	if p := r.eventPublisher(); p != nil {
		p.JobFailed(jobID, variant, err, permanent)
	}
}

func (r *Runner) publishDeferred(jobID int64, variant string) {
	if p := r.eventPublisher(); p != nil {
		p.JobDeferred(jobID, variant)
	}
}
