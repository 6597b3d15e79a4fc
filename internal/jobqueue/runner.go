package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/lanterncore/lantern/internal/db"
	"github.com/lanterncore/lantern/internal/repositories"
)

// fixedQueueNames is the full topology: every queue the runner drains,
// regardless of which variants end up assigned to it.
var fixedQueueNames = []QueueName{
	QueueBlocking,
	QueueMessageSend,
	QueueMessageReceive,
	QueueAttachmentDownload,
	QueueExpirationUpdate,
	QueueGeneral,
}

// Runner drains the fixed queue topology against a Registry of executors,
// persisting every state change through repositories.JobRepository before
// any in-memory queue state changes — the job store is the sole durable
// authority.
type Runner struct {
	repo     repositories.JobRepository
	registry *Registry
	logger   *zap.Logger
	clock    func() time.Time
	cron     gocron.Scheduler

	mu                  sync.Mutex
	queues              map[QueueName]*queue
	active              bool
	afterBlockingFns    []func()
	afterBlockingFired  bool
	completionCallbacks map[int64][]func()
	events              EventPublisher
	depthReporter       QueueDepthReporter
}

// New constructs a Runner. The blocking queue is wired to fire
// after-blocking hooks and unblock the rest of the topology once it
// drains; call AppDidFinishLaunching (or AppDidBecomeActive, for a runner
// that never goes through a launch hook) to begin processing.
func New(repo repositories.JobRepository, registry *Registry, logger *zap.Logger) (*Runner, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("jobqueue: create gocron scheduler: %w", err)
	}

	r := &Runner{
		repo:                repo,
		registry:            registry,
		logger:              logger,
		clock:               time.Now,
		cron:                cron,
		queues:              make(map[QueueName]*queue, len(fixedQueueNames)),
		completionCallbacks: make(map[int64][]func()),
	}
	for _, name := range fixedQueueNames {
		r.queues[name] = newQueue(name, r)
	}
	r.queues[QueueBlocking].onDrained = r.onBlockingDrained
	cron.Start()
	return r, nil
}

func (r *Runner) now() time.Time { return r.clock() }

// OnAfterBlocking registers a callback fired exactly once, the first time
// the blocking queue drains.
func (r *Runner) OnAfterBlocking(fn func()) {
	r.mu.Lock()
	r.afterBlockingFns = append(r.afterBlockingFns, fn)
	r.mu.Unlock()
}

func (r *Runner) onBlockingDrained() {
	r.mu.Lock()
	if r.afterBlockingFired {
		r.mu.Unlock()
		return
	}
	r.afterBlockingFired = true
	fns := append([]func(){}, r.afterBlockingFns...)
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	r.startNonBlockingQueues(context.Background())
}

func (r *Runner) startNonBlockingQueues(ctx context.Context) {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if !active {
		return
	}
	for name, q := range r.queues {
		if name == QueueBlocking {
			continue
		}
		q.start(ctx)
	}
}

func (r *Runner) blockingDrained() bool {
	q := r.queues[QueueBlocking]
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.draining && len(q.pending) == 0 && len(q.running) == 0
}

// -----------------------------------------------------------------------------
// Lifecycle hooks
// -----------------------------------------------------------------------------

// AppDidFinishLaunching loads persisted recurring-on-launch and
// run-once-next-launch jobs, partitions them by ShouldBlock, starts the
// blocking queue immediately, and leaves the rest queued until the
// blocking queue drains.
func (r *Runner) AppDidFinishLaunching(ctx context.Context) error {
	r.mu.Lock()
	r.active = true
	r.mu.Unlock()

	for _, behavior := range []Behavior{BehaviorRecurringOnLaunch, BehaviorRunOnceNextLaunch} {
		jobs, err := r.repo.RunnableInQueue(ctx, string(behavior), r.now(), 1000)
		if err != nil {
			return fmt.Errorf("jobqueue: load launch jobs: %w", err)
		}
		for i := range jobs {
			j := &jobs[i]
			if j.ShouldBlock {
				r.queues[QueueBlocking].enqueueBack(j.ID)
				continue
			}
			r.queueForVariant(j.Variant).enqueueBack(j.ID)
		}
	}

	r.queues[QueueBlocking].start(ctx)
	return nil
}

// AppDidBecomeActive loads persisted recurring-on-active jobs (skipping
// ones flagged ShouldSkipLaunchBecomeActive on firstActivation), merges
// them into their target queues, and starts the non-blocking queues
// provided the blocking queue has already drained.
func (r *Runner) AppDidBecomeActive(ctx context.Context, firstActivation bool) error {
	r.mu.Lock()
	r.active = true
	r.mu.Unlock()

	jobs, err := r.repo.RunnableInQueue(ctx, string(BehaviorRecurringOnActive), r.now(), 1000)
	if err != nil {
		return fmt.Errorf("jobqueue: load active jobs: %w", err)
	}
	for i := range jobs {
		j := &jobs[i]
		if firstActivation && j.ShouldSkipLaunchBecomeActive {
			continue
		}
		r.queueForVariant(j.Variant).enqueueBack(j.ID)
	}

	if r.blockingDrained() {
		r.startNonBlockingQueues(ctx)
	}
	return nil
}

// StopAndClearPending flags the runner stopped, drops pending jobs from
// every queue except the one owning exceptVariant (if any), then waits a
// bounded window for that queue to go idle.
func (r *Runner) StopAndClearPending(exceptVariant *string) {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()

	var exceptQueue QueueName
	hasExcept := exceptVariant != nil
	if hasExcept {
		exceptQueue = QueueForVariant(*exceptVariant)
	}

	for name, q := range r.queues {
		if hasExcept && name == exceptQueue {
			continue
		}
		q.mu.Lock()
		q.pending = nil
		q.mu.Unlock()
	}

	if !hasExcept {
		return
	}

	q := r.queues[exceptQueue]
	deadline := time.Now().Add(5 * time.Second)
	for {
		q.mu.Lock()
		idle := !q.draining && len(q.pending) == 0 && len(q.running) == 0
		q.mu.Unlock()
		if idle || time.Now().After(deadline) {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// -----------------------------------------------------------------------------
// Admission
// -----------------------------------------------------------------------------

func (r *Runner) queueForVariant(variant string) *queue {
	q := r.queues[QueueForVariant(variant)]
	if q == nil {
		return r.queues[QueueGeneral]
	}
	return q
}

// Add persists job (assigning its ID) and, if the runner is active and
// the job is already due, appends it to its target queue and starts
// draining.
func (r *Runner) Add(ctx context.Context, job *db.Job) (int64, error) {
	id, err := r.repo.Create(ctx, job)
	if err != nil {
		return 0, err
	}
	job.ID = id
	r.admit(ctx, job)
	return id, nil
}

func (r *Runner) admit(ctx context.Context, job *db.Job) {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if !active || job.NextRunTimestamp > r.now().UnixMilli() {
		return
	}

	q := r.queues[QueueGeneral]
	if job.ShouldBlock && isLaunchBehavior(behaviorOf(job)) {
		q = r.queues[QueueBlocking]
	} else {
		q = r.queueForVariant(job.Variant)
	}
	q.enqueueBack(job.ID)
	q.start(ctx)
}

// Upsert replaces job in place if an identically-ID'd job is already
// pending in its target queue; jobs currently running are left alone.
// Otherwise it falls through to Add (or, if job.ID is already assigned
// but untracked, to a persist-and-admit).
func (r *Runner) Upsert(ctx context.Context, job *db.Job) error {
	if job.ID == 0 {
		_, err := r.Add(ctx, job)
		return err
	}

	q := r.queueForVariant(job.Variant)
	if q.replace(job.ID) {
		return r.repo.Update(ctx, job)
	}
	if q.isPendingOrRunning(job.ID) {
		return nil // currently running; not replaced
	}

	if err := r.repo.Update(ctx, job); err != nil {
		return err
	}
	r.admit(ctx, job)
	return nil
}

// Insert is only legal for non-launch, non-active behaviors. It persists
// job, then splices it into its target queue's pending list immediately
// before the job named by before (re-inserting before at the head first
// if it was not already queued).
func (r *Runner) Insert(ctx context.Context, job *db.Job, before int64) (int64, error) {
	if isLaunchBehavior(behaviorOf(job)) {
		return 0, fmt.Errorf("jobqueue: insert is not legal for launch/active behaviors")
	}

	id, err := r.repo.Create(ctx, job)
	if err != nil {
		return 0, err
	}
	job.ID = id

	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if !active {
		return id, nil
	}

	q := r.queueForVariant(job.Variant)
	q.insertBefore(id, before)
	q.start(ctx)
	return id, nil
}

// RemovePending removes id from whichever queue's pending list contains
// it. Reports whether it was found.
func (r *Runner) RemovePending(id int64) bool {
	for _, q := range r.queues {
		if q.removePending(id) {
			return true
		}
	}
	return false
}

// AfterCurrentlyRunning invokes cb once id is no longer running anywhere
// in the topology, immediately if it is not currently running.
func (r *Runner) AfterCurrentlyRunning(id int64, cb func()) {
	if !r.isRunningAnywhere(id) {
		cb()
		return
	}
	r.mu.Lock()
	r.completionCallbacks[id] = append(r.completionCallbacks[id], cb)
	r.mu.Unlock()
}

func (r *Runner) fireCompletionCallbacks(id int64) {
	r.mu.Lock()
	cbs := r.completionCallbacks[id]
	delete(r.completionCallbacks, id)
	r.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (r *Runner) isRunningAnywhere(id int64) bool {
	for _, q := range r.queues {
		q.mu.Lock()
		_, running := q.running[id]
		q.mu.Unlock()
		if running {
			return true
		}
	}
	return false
}

func (r *Runner) enqueueFrontForVariant(variant string, id int64) {
	q := r.queueForVariant(variant)
	if q.isPendingOrRunning(id) {
		return
	}
	q.enqueueFront(id)
	q.start(context.Background())
}

// -----------------------------------------------------------------------------
// Outcome handling
// -----------------------------------------------------------------------------

func (r *Runner) failPermanently(ctx context.Context, job *db.Job, cause error) {
	r.deleteWithDependants(ctx, job.ID)
	r.logger.Warn("job failed permanently during validation",
		zap.Int64("job_id", job.ID),
		zap.String("variant", job.Variant),
		zap.Error(cause),
	)
}

func (r *Runner) handleSuccess(ctx context.Context, job *db.Job, shouldStop bool) {
	dependents, err := r.repo.DependentsOf(ctx, job.ID)
	if err != nil {
		r.logger.Error("load dependents failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
	if err := r.repo.RemoveDependenciesOn(ctx, job.ID); err != nil {
		r.logger.Error("remove dependencies failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}

	behavior := behaviorOf(job)
	terminal := behavior == BehaviorRunOnce || behavior == BehaviorRunOnceNextLaunch

	switch behavior {
	case BehaviorRecurring:
		if shouldStop {
			terminal = true
		} else {
			if job.NextRunTimestamp <= r.now().UnixMilli() {
				job.NextRunTimestamp = r.now().Add(time.Second).UnixMilli()
			}
			job.FailureCount = 0
			if err := r.repo.Update(ctx, job); err != nil {
				r.logger.Error("update recurring job failed", zap.Int64("job_id", job.ID), zap.Error(err))
			}
		}
	case BehaviorRecurringOnLaunch, BehaviorRecurringOnActive:
		if job.FailureCount > 0 {
			job.FailureCount = 0
			job.NextRunTimestamp = 0
			if err := r.repo.Update(ctx, job); err != nil {
				r.logger.Error("reset launch/active job failed", zap.Int64("job_id", job.ID), zap.Error(err))
			}
		}
	}

	if terminal {
		if err := r.repo.Delete(ctx, job.ID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
			r.logger.Error("delete completed job failed", zap.Int64("job_id", job.ID), zap.Error(err))
		}
	}

	r.publishSucceeded(job.ID, job.Variant)

	for _, depID := range dependents {
		if r.isRunningAnywhere(depID) {
			continue
		}
		dep, err := r.repo.GetByID(ctx, depID)
		if err != nil {
			continue
		}
		r.enqueueFrontForVariant(dep.Variant, dep.ID)
	}

	r.logger.Info("job succeeded", zap.Int64("job_id", job.ID), zap.String("variant", job.Variant))
}

func (r *Runner) handleFailure(ctx context.Context, q *queue, job *db.Job, cause error, permanent bool) {
	current, err := r.repo.GetByID(ctx, job.ID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return
		}
		r.logger.Error("reload job before failure handling failed", zap.Int64("job_id", job.ID), zap.Error(err))
		return
	}

	if q.name == QueueBlocking && job.ShouldBlock && !errors.Is(cause, ErrPossibleDeferralLoop) {
		q.enqueueFront(job.ID)
		r.logger.Warn("blocking job failed, retrying immediately", zap.Int64("job_id", job.ID), zap.Error(cause))
		return
	}

	maxFailures := -1
	if executor, ok := r.registry.Lookup(job.Variant); ok {
		maxFailures = executor.MaxFailureCount()
	}

	newCount := current.FailureCount + 1
	if permanent || (maxFailures >= 0 && int(newCount) > maxFailures) {
		r.deleteWithDependants(ctx, job.ID)
		r.publishFailed(job.ID, job.Variant, cause, true)
		r.logger.Warn("job failed permanently", zap.Int64("job_id", job.ID), zap.Error(cause))
		return
	}

	backoff := retryBackoff(newCount)
	nextRun := r.now().Add(backoff).UnixMilli()
	if err := r.repo.IncrementFailure(ctx, job.ID, nextRun); err != nil {
		r.logger.Error("increment failure failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
	r.mirrorFailureOntoDependants(ctx, job.ID, nextRun)
	r.publishFailed(job.ID, job.Variant, cause, false)
	r.logger.Warn("job failed, scheduled retry",
		zap.Int64("job_id", job.ID),
		zap.Duration("backoff", backoff),
		zap.Error(cause),
	)
}

func (r *Runner) deleteWithDependants(ctx context.Context, id int64) {
	dependents, err := r.repo.DependentsOf(ctx, id)
	if err == nil {
		for _, depID := range dependents {
			r.deleteWithDependants(ctx, depID)
		}
	}
	if err := r.repo.Delete(ctx, id); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		r.logger.Error("delete failed job failed", zap.Int64("job_id", id), zap.Error(err))
	}
}

func (r *Runner) mirrorFailureOntoDependants(ctx context.Context, id int64, nextRun int64) {
	dependents, err := r.repo.DependentsOf(ctx, id)
	if err != nil {
		return
	}
	for _, depID := range dependents {
		if err := r.repo.IncrementFailure(ctx, depID, nextRun+1); err != nil {
			r.logger.Error("mirror failure onto dependant failed", zap.Int64("job_id", depID), zap.Error(err))
		}
	}
}

// -----------------------------------------------------------------------------
// Wake scheduling
// -----------------------------------------------------------------------------

// scheduleWake finds the soonest due job belonging to name's variants and
// arranges a single-shot gocron job to re-enter that queue's start at
// that moment. A no-op if the runner is stopped or nothing is pending.
func (r *Runner) scheduleWake(ctx context.Context, name QueueName) {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if !active {
		return
	}

	variants := r.registry.variantsForQueue(name)
	if len(variants) == 0 {
		return
	}
	ts, ok, err := r.repo.SoonestRunTimestamp(ctx, variants)
	if err != nil {
		r.logger.Error("soonest run timestamp query failed", zap.String("queue", string(name)), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	at := time.UnixMilli(ts)
	if at.Before(r.now()) {
		at = r.now().Add(time.Millisecond)
	}

	q := r.queues[name]
	_, err = r.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)),
		gocron.NewTask(func() { q.start(context.Background()) }),
	)
	if err != nil {
		r.logger.Error("schedule queue wake failed", zap.String("queue", string(name)), zap.Error(err))
	}
}

// Shutdown stops the underlying gocron scheduler. Call once the runner is
// no longer needed.
func (r *Runner) Shutdown() error {
	return r.cron.Shutdown()
}
