package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/lanterncore/lantern/internal/db"
)

// gormSnodePoolRepository is the GORM implementation of SnodePoolRepository.
type gormSnodePoolRepository struct {
	db *gorm.DB
}

// NewSnodePoolRepository returns a SnodePoolRepository backed by the provided *gorm.DB.
func NewSnodePoolRepository(database *gorm.DB) SnodePoolRepository {
	return &gormSnodePoolRepository{db: database}
}

// ReplaceAll truncates the pool table and inserts nodes inside a single
// transaction, so a reader never observes a half-refreshed pool.
func (r *gormSnodePoolRepository) ReplaceAll(ctx context.Context, nodes []db.SnodeRecord, refreshedAt time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&db.SnodeRecord{}).Error; err != nil {
			return fmt.Errorf("snodepool: clear: %w", err)
		}
		if len(nodes) > 0 {
			if err := tx.CreateInBatches(nodes, 200).Error; err != nil {
				return fmt.Errorf("snodepool: insert: %w", err)
			}
		}
		meta := db.PoolMeta{ID: 1, RefreshedAt: refreshedAt}
		if err := tx.Save(&meta).Error; err != nil {
			return fmt.Errorf("snodepool: update meta: %w", err)
		}
		return nil
	})
}

// All returns every node currently in the pool.
func (r *gormSnodePoolRepository) All(ctx context.Context) ([]db.SnodeRecord, error) {
	var nodes []db.SnodeRecord
	if err := r.db.WithContext(ctx).Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("snodepool: all: %w", err)
	}
	return nodes, nil
}

// LastRefreshedAt returns the last pool refresh time, or the zero value if
// the pool has never been populated.
func (r *gormSnodePoolRepository) LastRefreshedAt(ctx context.Context) (time.Time, error) {
	var meta db.PoolMeta
	err := r.db.WithContext(ctx).First(&meta, "id = ?", 1).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("snodepool: last refreshed at: %w", err)
	}
	return meta.RefreshedAt, nil
}

// Remove deletes a single node from the pool, used when a node is evicted
// for repeated failure.
func (r *gormSnodePoolRepository) Remove(ctx context.Context, ip string, storagePort int) error {
	if err := r.db.WithContext(ctx).
		Where("ip = ? AND storage_port = ?", ip, storagePort).
		Delete(&db.SnodeRecord{}).Error; err != nil {
		return fmt.Errorf("snodepool: remove: %w", err)
	}
	return nil
}
