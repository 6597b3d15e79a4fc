package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by UUID-keyed models. ID uses
// UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
//
// Job deliberately does not embed base: its ID is a monotonic autoincrement
// integer, since job IDs must never be reused once assigned.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Service node pool
// -----------------------------------------------------------------------------

// SnodeRecord is the persisted form of a service node. Equality is by
// (ip, storage_port), so that pair is the primary key: a node that
// reappears at the same address after being dropped and re-learned is the
// same logical row, not a new one.
type SnodeRecord struct {
	IP          string `gorm:"type:text;primaryKey"`
	StoragePort int    `gorm:"primaryKey"`
	Ed25519Pub  string `gorm:"type:text;not null"` // hex-encoded
	X25519Pub   string `gorm:"type:text;not null"` // hex-encoded
}

// PoolMeta is a single row recording when the node pool was last refreshed.
// The pool is replaced atomically on refresh rather than merged row by
// row, so freshness is tracked here rather than per SnodeRecord.
type PoolMeta struct {
	ID          uint `gorm:"primaryKey;autoIncrement:false"` // always 1
	RefreshedAt time.Time
}

// -----------------------------------------------------------------------------
// Swarms
// -----------------------------------------------------------------------------

// SwarmMember is one (recipient, node) pairing of the swarm cache. The
// composite primary key mirrors the rule that a swarm stays associated
// with the recipient it was fetched for — there is no cross-recipient
// reuse of cached swarm membership.
type SwarmMember struct {
	RecipientPubkey string `gorm:"type:text;primaryKey"` // hex
	IP              string `gorm:"type:text;primaryKey"`
	StoragePort     int    `gorm:"primaryKey"`
	Ed25519Pub      string `gorm:"type:text;not null"`
	X25519Pub       string `gorm:"type:text;not null"`
}

// -----------------------------------------------------------------------------
// Onion paths
// -----------------------------------------------------------------------------

// PathRecord is one onion path.
//
// Nodes is populated manually by the path repository via an explicit
// ordered query, not by GORM association loading — the gorm:"-" tag
// prevents GORM from attempting foreign key resolution, which fails for
// uuid.UUID primary keys the way plain auto-increment FKs would resolve.
type PathRecord struct {
	base
	Nodes []PathNodeRecord `gorm:"-"`
}

// PathNodeRecord is one hop of a persisted path. Position 0 is always the
// guard node; positions increase outward from the client.
type PathNodeRecord struct {
	base
	PathID      uuid.UUID `gorm:"type:text;not null;index"`
	Position    int       `gorm:"not null"`
	IP          string    `gorm:"type:text;not null"`
	StoragePort int       `gorm:"not null"`
	Ed25519Pub  string    `gorm:"type:text;not null"`
	X25519Pub   string    `gorm:"type:text;not null"`
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is the persistent record backing the job runner. ID is a plain
// autoincrement integer rather than the UUID-based base mixin used
// elsewhere, so job IDs are strictly monotonic and never reused.
type Job struct {
	ID                           int64   `gorm:"primaryKey;autoIncrement"`
	Variant                      string  `gorm:"type:text;not null;index"`
	Behavior                     string  `gorm:"type:text;not null;index"` // run-once, run-once-next-launch, recurring, recurring-on-launch, recurring-on-active
	ShouldBlock                  bool    `gorm:"not null;default:false"`
	Priority                     int     `gorm:"not null;default:0"`
	FailureCount                 uint    `gorm:"not null;default:0"`
	NextRunTimestamp             int64   `gorm:"not null;index"` // unix millis
	ThreadID                     *string `gorm:"type:text"`
	InteractionID                *int64
	Details                      []byte `gorm:"type:blob"`
	ShouldSkipLaunchBecomeActive bool   `gorm:"not null;default:false"`
	CreatedAt                    time.Time
}

// JobDependency is one (job_id, depends_on_id) edge. A job is runnable only
// once every row naming it as JobID has been deleted. This is kept as a
// standalone table rather than in-memory back-pointers precisely so cycles
// can't silently form across process restarts.
type JobDependency struct {
	JobID       int64 `gorm:"primaryKey"`
	DependsOnID int64 `gorm:"primaryKey"`
}

// -----------------------------------------------------------------------------
// Network-derived state
// -----------------------------------------------------------------------------

// ReceivedMessageInfo records the last-seen hash per (recipient, namespace,
// node) so polling can send last_hash and skip re-fetching already-seen
// messages. ServerExpiryMs allows pruning rows whose associated message
// has since expired server-side.
type ReceivedMessageInfo struct {
	RecipientPubkey string `gorm:"type:text;primaryKey"`
	Namespace       int    `gorm:"primaryKey"`
	NodeEd25519Pub  string `gorm:"type:text;primaryKey"`
	Hash            string `gorm:"type:text;not null"`
	ServerExpiryMs  int64  `gorm:"not null"`
}

// ForkInfo is a single row holding the latest soft/hard fork pair observed
// in any service node response header.
type ForkInfo struct {
	ID        uint `gorm:"primaryKey;autoIncrement:false"` // always 1
	Soft      int
	Hard      int
	UpdatedAt time.Time
}

// ClockOffsetRecord is a single row holding the process-wide clock offset
// in milliseconds. It is rehydrated to 0 at startup — persistence here is
// only so the previous run's offset is available as a seed estimate before
// the first fresh measurement lands.
type ClockOffsetRecord struct {
	ID        uint `gorm:"primaryKey;autoIncrement:false"` // always 1
	OffsetMs  int64
	UpdatedAt time.Time
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry stored in the
// database — notably the encrypted local identity seed, stored under key
// "identity.seed".
//
// Setting does not embed base because it uses a string primary key (the
// key itself) rather than a UUID, and does not need CreatedAt.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}
