package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lanterncore/lantern/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// SnodePoolRepository
// -----------------------------------------------------------------------------

// SnodePoolRepository persists the cached set of known service nodes.
type SnodePoolRepository interface {
	// ReplaceAll atomically replaces the entire pool with nodes and records
	// the refresh time. The previous contents are discarded — pool refresh
	// is all-or-nothing, never a row-by-row merge.
	ReplaceAll(ctx context.Context, nodes []db.SnodeRecord, refreshedAt time.Time) error

	// All returns every node currently in the pool.
	All(ctx context.Context) ([]db.SnodeRecord, error)

	// LastRefreshedAt returns the last pool refresh time, or the zero
	// value if the pool has never been populated.
	LastRefreshedAt(ctx context.Context) (time.Time, error)

	// Remove deletes a single node, used when a node is evicted for
	// repeated failure.
	Remove(ctx context.Context, ip string, storagePort int) error
}

// -----------------------------------------------------------------------------
// SwarmRepository
// -----------------------------------------------------------------------------

// SwarmRepository persists the cached swarm membership per recipient.
type SwarmRepository interface {
	// ReplaceForRecipient atomically replaces the cached swarm for a
	// recipient with members.
	ReplaceForRecipient(ctx context.Context, recipientPubkey string, members []db.SwarmMember) error

	// GetForRecipient returns the cached swarm members for a recipient,
	// or an empty slice if nothing is cached.
	GetForRecipient(ctx context.Context, recipientPubkey string) ([]db.SwarmMember, error)

	// RemoveNode removes one node from every recipient's cached swarm,
	// used when a node is dropped from the pool entirely.
	RemoveNode(ctx context.Context, ip string, storagePort int) error
}

// -----------------------------------------------------------------------------
// PathRepository
// -----------------------------------------------------------------------------

// PathRepository persists onion paths and their ordered hop lists.
type PathRepository interface {
	// Create inserts a path together with its ordered nodes in a single
	// transaction.
	Create(ctx context.Context, path *db.PathRecord) error

	// All returns every persisted path with its nodes populated in
	// position order.
	All(ctx context.Context) ([]db.PathRecord, error)

	// Delete removes a path and its nodes.
	Delete(ctx context.Context, id uuid.UUID) error

	// DeleteAll removes every persisted path, used when the whole path
	// set must be rebuilt (e.g. after a guard node failure invalidates
	// assumptions about which nodes are reachable).
	DeleteAll(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

// JobRepository persists queued work for the job runner.
type JobRepository interface {
	Create(ctx context.Context, job *db.Job) (int64, error)
	GetByID(ctx context.Context, id int64) (*db.Job, error)
	Update(ctx context.Context, job *db.Job) error
	Delete(ctx context.Context, id int64) error

	// RunnableInQueue returns jobs with the given lifecycle behavior
	// whose next_run_timestamp has elapsed and which have no unresolved
	// JobDependency rows, ordered by priority descending then id
	// ascending (FIFO within a priority band). Used by the launch and
	// become-active lifecycle hooks to load jobs by behavior class.
	RunnableInQueue(ctx context.Context, behavior string, now time.Time, limit int) ([]db.Job, error)

	// RunnableForVariants returns jobs whose variant is one of variants
	// and whose next_run_timestamp has elapsed, excluding jobs with
	// unresolved JobDependency rows, ordered by priority descending then
	// id ascending. Used by a queue's execution loop to load the jobs
	// that belong to it.
	RunnableForVariants(ctx context.Context, variants []string, now time.Time, limit int) ([]db.Job, error)

	// IncrementFailure bumps failure_count and sets next_run_timestamp
	// to reflect the retry backoff.
	IncrementFailure(ctx context.Context, id int64, nextRunTimestamp int64) error

	// AddDependency records that job depends on dependsOn.
	AddDependency(ctx context.Context, job, dependsOn int64) error

	// RemoveDependenciesOn deletes every JobDependency row naming id as
	// DependsOnID, called when a job finishes so dependents become
	// runnable.
	RemoveDependenciesOn(ctx context.Context, id int64) error

	// DependentsOf returns the IDs of jobs that depend on dependsOnID,
	// i.e. every JobDependency row naming it as DependsOnID.
	DependentsOf(ctx context.Context, dependsOnID int64) ([]int64, error)

	// DependencyIDs returns the IDs jobID itself depends on.
	DependencyIDs(ctx context.Context, jobID int64) ([]int64, error)

	// HasUnresolvedDependencies reports whether id still has any
	// outstanding JobDependency row.
	HasUnresolvedDependencies(ctx context.Context, id int64) (bool, error)

	// CountByBehavior returns the number of jobs currently queued for a
	// behavior, including blocked ones — used to gate blocking-queue
	// drain checks.
	CountByBehavior(ctx context.Context, behavior string) (int64, error)

	// SoonestRunTimestamp returns the smallest next_run_timestamp among
	// jobs whose variant is one of variants, or ok false if there are
	// none. Used to schedule the single-shot wake timer for a drained
	// queue.
	SoonestRunTimestamp(ctx context.Context, variants []string) (ts int64, ok bool, err error)

	// ExistsForVariant reports whether any job of the given variant is
	// already queued, used to seed a recurring job idempotently on
	// startup instead of inserting a duplicate on every restart.
	ExistsForVariant(ctx context.Context, variant string) (bool, error)
}

// -----------------------------------------------------------------------------
// NetworkStateRepository
// -----------------------------------------------------------------------------

// NetworkStateRepository persists the small amount of network-derived
// state that must survive a restart: last-received message hashes, fork
// indicators, and the clock offset seed.
type NetworkStateRepository interface {
	GetLastHash(ctx context.Context, recipientPubkey string, namespace int, nodeEd25519Pub string) (*db.ReceivedMessageInfo, error)
	SetLastHash(ctx context.Context, info *db.ReceivedMessageInfo) error
	PruneExpired(ctx context.Context, now int64) error

	GetForkInfo(ctx context.Context) (*db.ForkInfo, error)
	SetForkInfo(ctx context.Context, soft, hard int) error

	GetClockOffset(ctx context.Context) (int64, error)
	SetClockOffset(ctx context.Context, offsetMs int64) error
}

// -----------------------------------------------------------------------------
// SettingsRepository
// -----------------------------------------------------------------------------

type SettingsRepository interface {
	Get(ctx context.Context, key string) (*db.Setting, error)
	Set(ctx context.Context, key string, value db.EncryptedString) error
	Delete(ctx context.Context, key string) error
}
