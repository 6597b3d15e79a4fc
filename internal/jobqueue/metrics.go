package jobqueue

// QueueDepthReporter receives a queue's current pending+running count
// whenever it changes; satisfied directly by a *metrics.Registry's
// SetQueueDepth method.
type QueueDepthReporter interface {
	SetQueueDepth(queue string, depth int)
}

// SetDepthReporter wires r to receive every subsequent queue depth
// change. Pass nil to disable.
func (r *Runner) SetDepthReporter(reporter QueueDepthReporter) {
	r.mu.Lock()
	r.depthReporter = reporter
	r.mu.Unlock()
}

func (r *Runner) reportDepth(name QueueName, depth int) {
	r.mu.Lock()
	reporter := r.depthReporter
	r.mu.Unlock()
	if reporter != nil {
		reporter.SetQueueDepth(string(name), depth)
	}
}
