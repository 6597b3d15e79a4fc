// Package identity loads and persists the local long-term Ed25519/X25519
// keypair that every other component signs or addresses with. The seed is
// stored encrypted at rest in the settings table under the key
// "identity.seed" (see internal/db.EncryptedString), generated once on
// first use and reused on every subsequent start.
package identity

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/lanterncore/lantern/internal/crypto"
	"github.com/lanterncore/lantern/internal/db"
	"github.com/lanterncore/lantern/internal/repositories"
)

const settingsKey = "identity.seed"

// LoadOrGenerate returns the persisted keypair, generating and persisting a
// fresh one on first run.
func LoadOrGenerate(ctx context.Context, settings repositories.SettingsRepository) (*crypto.KeyPair, error) {
	setting, err := settings.Get(ctx, settingsKey)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return generateAndPersist(ctx, settings)
		}
		return nil, fmt.Errorf("identity: load seed: %w", err)
	}

	seed, err := hex.DecodeString(string(setting.Value))
	if err != nil {
		return nil, fmt.Errorf("identity: decode stored seed: %w", err)
	}
	kp, err := crypto.KeyPairFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("identity: reconstruct keypair: %w", err)
	}
	return kp, nil
}

func generateAndPersist(ctx context.Context, settings repositories.SettingsRepository) (*crypto.KeyPair, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	if err := persist(ctx, settings, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

func persist(ctx context.Context, settings repositories.SettingsRepository, kp *crypto.KeyPair) error {
	encoded := hex.EncodeToString(kp.Seed())
	if err := settings.Set(ctx, settingsKey, db.EncryptedString(encoded)); err != nil {
		return fmt.Errorf("identity: persist seed: %w", err)
	}
	return nil
}

// Exists reports whether a keypair has already been persisted.
func Exists(ctx context.Context, settings repositories.SettingsRepository) (bool, error) {
	_, err := settings.Get(ctx, settingsKey)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Generate creates a fresh keypair and persists it, overwriting any
// previously stored identity. Used by the key-management CLI's explicit
// "generate" command rather than the implicit load-or-generate path a
// daemon uses on startup.
func Generate(ctx context.Context, settings repositories.SettingsRepository) (*crypto.KeyPair, error) {
	return generateAndPersist(ctx, settings)
}
