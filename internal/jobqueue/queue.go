package jobqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lanterncore/lantern/internal/db"
)

// deferralState tracks how often a job has deferred itself recently, to
// detect a job stuck re-deferring against a condition that never clears.
type deferralState struct {
	count int
	times []time.Time
}

// queue drains jobs belonging to one named lane. Serial queues run one job
// at a time; concurrent queues fan a popped job's executor out onto its
// own goroutine and immediately continue popping.
type queue struct {
	name       QueueName
	concurrent bool
	r          *Runner

	mu        sync.Mutex
	pending   []int64
	running   map[int64]struct{}
	draining  bool
	deferrals map[int64]*deferralState

	onDrained func()
}

func newQueue(name QueueName, r *Runner) *queue {
	return &queue{
		name:       name,
		concurrent: IsConcurrent(name),
		r:          r,
		running:    make(map[int64]struct{}),
		deferrals:  make(map[int64]*deferralState),
	}
}

// enqueueFront adds id to the front of pending, used when resolving a
// dependency re-insertion. enqueueBack is used by ordinary admission.
func (q *queue) enqueueFront(id int64) {
	q.mu.Lock()
	q.pending = append([]int64{id}, q.pending...)
	depth := len(q.pending) + len(q.running)
	q.mu.Unlock()
	q.r.reportDepth(q.name, depth)
}

func (q *queue) enqueueBack(id int64) {
	q.mu.Lock()
	q.pending = append(q.pending, id)
	depth := len(q.pending) + len(q.running)
	q.mu.Unlock()
	q.r.reportDepth(q.name, depth)
}

// replace swaps an already-pending job for a freshly upserted copy, in
// place, leaving position unchanged. Returns false if id was not pending
// (including if it is currently running, which is never replaced).
func (q *queue) replace(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.pending {
		if p == id {
			return true
		}
	}
	return false
}

// insertBefore splices id into pending immediately ahead of before,
// re-inserting before at the head first if it was not already queued.
func (q *queue) insertBefore(id, before int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i, p := range q.pending {
		if p == before {
			idx = i
			break
		}
	}
	if idx == -1 {
		q.pending = append([]int64{id, before}, q.pending...)
		return
	}
	newPending := make([]int64, 0, len(q.pending)+1)
	newPending = append(newPending, q.pending[:idx]...)
	newPending = append(newPending, id)
	newPending = append(newPending, q.pending[idx:]...)
	q.pending = newPending
}

// removePending drops id from pending if present. Reports whether it was
// found.
func (q *queue) removePending(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (q *queue) isPendingOrRunning(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.running[id]; ok {
		return true
	}
	for _, p := range q.pending {
		if p == id {
			return true
		}
	}
	return false
}

// start begins (or resumes) draining the queue. Safe to call repeatedly;
// a no-op if a drain is already in progress.
func (q *queue) start(ctx context.Context) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	if q.name != QueueBlocking {
		q.loadBacklog(ctx)
	}
	q.runNext(ctx)
}

// loadBacklog fetches due jobs for this queue's variants from the job
// store, skipping anything already tracked in memory.
func (q *queue) loadBacklog(ctx context.Context) {
	variants := q.r.registry.variantsForQueue(q.name)
	if len(variants) == 0 {
		return
	}

	q.mu.Lock()
	skip := make(map[int64]struct{}, len(q.pending)+len(q.running))
	for _, id := range q.pending {
		skip[id] = struct{}{}
	}
	for id := range q.running {
		skip[id] = struct{}{}
	}
	q.mu.Unlock()

	jobs, err := q.r.repo.RunnableForVariants(ctx, variants, q.r.now(), 100)
	if err != nil {
		q.r.logger.Error("load queue backlog failed", zap.String("queue", string(q.name)), zap.Error(err))
		return
	}

	q.mu.Lock()
	for _, j := range jobs {
		if _, ok := skip[j.ID]; ok {
			continue
		}
		q.pending = append(q.pending, j.ID)
	}
	q.mu.Unlock()
}

// runNext pops the queue's head and dispatches it. For concurrent queues
// it immediately spawns another runNext so the rest of pending fans out
// in parallel; for serial queues the next pop only happens once the
// current job's executor calls back.
func (q *queue) runNext(ctx context.Context) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.draining = false
		onDrained := q.onDrained
		q.mu.Unlock()
		q.r.scheduleWake(ctx, q.name)
		if onDrained != nil {
			onDrained()
		}
		return
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	more := len(q.pending) > 0
	q.running[id] = struct{}{}
	depth := len(q.pending) + len(q.running)
	q.mu.Unlock()
	q.r.reportDepth(q.name, depth)

	if q.concurrent && more {
		go q.runNext(ctx)
	}

	q.dispatch(ctx, id)
}

func (q *queue) finishRunning(id int64) {
	q.mu.Lock()
	delete(q.running, id)
	depth := len(q.pending) + len(q.running)
	q.mu.Unlock()
	q.r.reportDepth(q.name, depth)
	q.r.fireCompletionCallbacks(id)
}

// dispatch validates, resolves dependencies for, and finally executes a
// single job. Exactly one of success/failure/deferred handling runs per
// call; serial queues re-enter runNext from inside that handling so only
// one job is ever mid-flight at a time.
func (q *queue) dispatch(ctx context.Context, id int64) {
	job, err := q.r.repo.GetByID(ctx, id)
	if err != nil {
		q.finishRunning(id)
		q.advance(ctx)
		return
	}

	executor, ok := q.r.registry.Lookup(job.Variant)
	if !ok {
		q.r.failPermanently(ctx, job, ErrNoExecutor)
		q.finishRunning(id)
		q.advance(ctx)
		return
	}
	if executor.RequiresThreadID() && (job.ThreadID == nil || *job.ThreadID == "") {
		q.r.failPermanently(ctx, job, ErrMissingThreadID)
		q.finishRunning(id)
		q.advance(ctx)
		return
	}
	if executor.RequiresInteractionID() && job.InteractionID == nil {
		q.r.failPermanently(ctx, job, ErrMissingInteractionID)
		q.finishRunning(id)
		q.advance(ctx)
		return
	}

	if job.NextRunTimestamp > q.r.now().UnixMilli() {
		q.finishRunning(id)
		q.advance(ctx)
		return
	}

	if resolved := q.resolveDependencies(ctx, job); !resolved {
		q.finishRunning(id)
		q.advance(ctx)
		return
	}

	q.r.logger.Debug("running job",
		zap.Int64("job_id", job.ID),
		zap.String("variant", job.Variant),
		zap.String("queue", string(q.name)),
	)

	success := func(shouldStop bool) {
		q.r.handleSuccess(ctx, job, shouldStop)
		q.finishRunning(id)
		q.advance(ctx)
	}
	failure := func(err error, permanent bool) {
		q.r.handleFailure(ctx, q, job, err, permanent)
		q.finishRunning(id)
		q.advance(ctx)
	}
	deferred := func() {
		q.r.publishDeferred(job.ID, job.Variant)
		loop := q.recordDeferral(job.ID)
		if loop {
			q.r.handleFailure(ctx, q, job, ErrPossibleDeferralLoop, false)
		}
		q.finishRunning(id)
		q.advance(ctx)
	}

	go executor.Run(ctx, job, success, failure, deferred)
}

// advance re-enters runNext once a job's outcome has been handled. Serial
// queues pop their next job here. Concurrent queues already fanned their
// pending jobs out from runNext itself, so for them this usually finds
// pending empty and marks the queue drained, which lets a later start
// drain it again.
func (q *queue) advance(ctx context.Context) {
	q.runNext(ctx)
}

// resolveDependencies reports whether job is clear to run now. If it has
// unresolved dependencies, the non-running ones are pushed to the front
// of their own queues so they get picked up soon, and job itself is
// treated as deferred.
func (q *queue) resolveDependencies(ctx context.Context, job *db.Job) bool {
	depIDs, err := q.r.repo.DependencyIDs(ctx, job.ID)
	if err != nil {
		q.r.logger.Error("load job dependencies failed", zap.Int64("job_id", job.ID), zap.Error(err))
		return false
	}
	if len(depIDs) == 0 {
		return true
	}

	anyPending := false
	for _, depID := range depIDs {
		dep, err := q.r.repo.GetByID(ctx, depID)
		if err != nil {
			// Referenced dependency no longer exists; treat as a
			// permanent failure of the dependent job per its fail
			// path rather than spinning on it forever.
			q.r.failPermanently(ctx, job, ErrUnresolvedDependency)
			return false
		}
		anyPending = true
		if q.r.isRunningAnywhere(dep.ID) {
			continue
		}
		q.r.enqueueFrontForVariant(dep.Variant, dep.ID)
	}
	if anyPending {
		return false
	}
	return true
}

// recordDeferral updates job's in-memory deferral tracker and reports
// whether it has now crossed the threshold that marks it a loop.
func (q *queue) recordDeferral(jobID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, ok := q.deferrals[jobID]
	if !ok {
		state = &deferralState{}
		q.deferrals[jobID] = state
	}
	now := q.r.now()
	state.count++
	state.times = append(state.times, now)
	if state.count < deferralThreshold {
		return false
	}

	oldest := state.times[0]
	if now.Sub(oldest) <= deferralWindow {
		delete(q.deferrals, jobID)
		return true
	}
	// Window elapsed without crossing the threshold in time; reset so a
	// job with occasional, well-spaced deferrals is never penalized.
	state.count = 0
	state.times = nil
	return false
}
