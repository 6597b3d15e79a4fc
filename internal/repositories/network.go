package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/lanterncore/lantern/internal/db"
)

// gormNetworkStateRepository is the GORM implementation of NetworkStateRepository.
type gormNetworkStateRepository struct {
	db *gorm.DB
}

// NewNetworkStateRepository returns a NetworkStateRepository backed by the provided *gorm.DB.
func NewNetworkStateRepository(database *gorm.DB) NetworkStateRepository {
	return &gormNetworkStateRepository{db: database}
}

// GetLastHash returns the last-seen message hash for a (recipient,
// namespace, node) triple, or nil if nothing has been recorded yet.
func (r *gormNetworkStateRepository) GetLastHash(ctx context.Context, recipientPubkey string, namespace int, nodeEd25519Pub string) (*db.ReceivedMessageInfo, error) {
	var info db.ReceivedMessageInfo
	err := r.db.WithContext(ctx).First(&info,
		"recipient_pubkey = ? AND namespace = ? AND node_ed25519_pub = ?",
		recipientPubkey, namespace, nodeEd25519Pub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("network state: get last hash: %w", err)
	}
	return &info, nil
}

// SetLastHash upserts the last-seen hash for the (recipient, namespace,
// node) triple named in info.
func (r *gormNetworkStateRepository) SetLastHash(ctx context.Context, info *db.ReceivedMessageInfo) error {
	if err := r.db.WithContext(ctx).Save(info).Error; err != nil {
		return fmt.Errorf("network state: set last hash: %w", err)
	}
	return nil
}

// PruneExpired removes ReceivedMessageInfo rows whose server-side expiry
// has already passed, since the hash they record can never be returned by
// the node again.
func (r *gormNetworkStateRepository) PruneExpired(ctx context.Context, now int64) error {
	if err := r.db.WithContext(ctx).
		Where("server_expiry_ms < ?", now).
		Delete(&db.ReceivedMessageInfo{}).Error; err != nil {
		return fmt.Errorf("network state: prune expired: %w", err)
	}
	return nil
}

// GetForkInfo returns the last-known soft/hard fork pair, or nil if none
// has ever been observed.
func (r *gormNetworkStateRepository) GetForkInfo(ctx context.Context) (*db.ForkInfo, error) {
	var info db.ForkInfo
	err := r.db.WithContext(ctx).First(&info, "id = ?", 1).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("network state: get fork info: %w", err)
	}
	return &info, nil
}

// SetForkInfo upserts the single fork info row.
func (r *gormNetworkStateRepository) SetForkInfo(ctx context.Context, soft, hard int) error {
	info := db.ForkInfo{ID: 1, Soft: soft, Hard: hard, UpdatedAt: time.Now()}
	if err := r.db.WithContext(ctx).Save(&info).Error; err != nil {
		return fmt.Errorf("network state: set fork info: %w", err)
	}
	return nil
}

// GetClockOffset returns the persisted clock offset seed in milliseconds,
// or 0 if none has been recorded. Callers rehydrate the in-memory offset
// to 0 at startup regardless — this value is only a convenience seed for
// the first estimate before a fresh measurement lands.
func (r *gormNetworkStateRepository) GetClockOffset(ctx context.Context) (int64, error) {
	var rec db.ClockOffsetRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", 1).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("network state: get clock offset: %w", err)
	}
	return rec.OffsetMs, nil
}

// SetClockOffset upserts the single clock offset row.
func (r *gormNetworkStateRepository) SetClockOffset(ctx context.Context, offsetMs int64) error {
	rec := db.ClockOffsetRecord{ID: 1, OffsetMs: offsetMs, UpdatedAt: time.Now()}
	if err := r.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("network state: set clock offset: %w", err)
	}
	return nil
}
