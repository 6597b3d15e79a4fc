package repositories

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/lanterncore/lantern/internal/db"
)

// gormSwarmRepository is the GORM implementation of SwarmRepository.
type gormSwarmRepository struct {
	db *gorm.DB
}

// NewSwarmRepository returns a SwarmRepository backed by the provided *gorm.DB.
func NewSwarmRepository(database *gorm.DB) SwarmRepository {
	return &gormSwarmRepository{db: database}
}

// ReplaceForRecipient atomically replaces the cached swarm for a recipient.
func (r *gormSwarmRepository) ReplaceForRecipient(ctx context.Context, recipientPubkey string, members []db.SwarmMember) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("recipient_pubkey = ?", recipientPubkey).
			Delete(&db.SwarmMember{}).Error; err != nil {
			return fmt.Errorf("swarm: clear for recipient: %w", err)
		}
		if len(members) > 0 {
			if err := tx.CreateInBatches(members, 200).Error; err != nil {
				return fmt.Errorf("swarm: insert: %w", err)
			}
		}
		return nil
	})
}

// GetForRecipient returns the cached swarm members for a recipient.
func (r *gormSwarmRepository) GetForRecipient(ctx context.Context, recipientPubkey string) ([]db.SwarmMember, error) {
	var members []db.SwarmMember
	if err := r.db.WithContext(ctx).
		Where("recipient_pubkey = ?", recipientPubkey).
		Find(&members).Error; err != nil {
		return nil, fmt.Errorf("swarm: get for recipient: %w", err)
	}
	return members, nil
}

// RemoveNode removes one node from every recipient's cached swarm.
func (r *gormSwarmRepository) RemoveNode(ctx context.Context, ip string, storagePort int) error {
	if err := r.db.WithContext(ctx).
		Where("ip = ? AND storage_port = ?", ip, storagePort).
		Delete(&db.SwarmMember{}).Error; err != nil {
		return fmt.Errorf("swarm: remove node: %w", err)
	}
	return nil
}
