package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lanterncore/lantern/internal/db"
)

// gormPathRepository is the GORM implementation of PathRepository.
type gormPathRepository struct {
	db *gorm.DB
}

// NewPathRepository returns a PathRepository backed by the provided *gorm.DB.
func NewPathRepository(database *gorm.DB) PathRepository {
	return &gormPathRepository{db: database}
}

// Create inserts a path together with its ordered nodes in a single
// transaction, so a reader never observes a path with a partial hop list.
func (r *gormPathRepository) Create(ctx context.Context, path *db.PathRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(path).Error; err != nil {
			return fmt.Errorf("path: create: %w", err)
		}
		for i := range path.Nodes {
			path.Nodes[i].PathID = path.ID
			if err := tx.Create(&path.Nodes[i]).Error; err != nil {
				return fmt.Errorf("path: create node: %w", err)
			}
		}
		return nil
	})
}

// All returns every persisted path with its nodes populated in position order.
func (r *gormPathRepository) All(ctx context.Context) ([]db.PathRecord, error) {
	var paths []db.PathRecord
	if err := r.db.WithContext(ctx).Find(&paths).Error; err != nil {
		return nil, fmt.Errorf("path: all: %w", err)
	}

	for i := range paths {
		var nodes []db.PathNodeRecord
		if err := r.db.WithContext(ctx).
			Where("path_id = ?", paths[i].ID).
			Order("position ASC").
			Find(&nodes).Error; err != nil {
			return nil, fmt.Errorf("path: load nodes for %s: %w", paths[i].ID, err)
		}
		paths[i].Nodes = nodes
	}
	return paths, nil
}

// Delete removes a path and its nodes.
func (r *gormPathRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("path_id = ?", id).Delete(&db.PathNodeRecord{}).Error; err != nil {
			return fmt.Errorf("path: delete nodes: %w", err)
		}
		result := tx.Delete(&db.PathRecord{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("path: delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteAll removes every persisted path, used when the whole path set must
// be rebuilt — for instance after a guard node failure invalidates
// assumptions about which existing paths remain usable.
func (r *gormPathRepository) DeleteAll(ctx context.Context) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&db.PathNodeRecord{}).Error; err != nil {
			return fmt.Errorf("path: delete all nodes: %w", err)
		}
		if err := tx.Where("1 = 1").Delete(&db.PathRecord{}).Error; err != nil {
			return fmt.Errorf("path: delete all: %w", err)
		}
		return nil
	})
}
