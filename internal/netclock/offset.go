// Package netclock tracks the client's running estimate of its clock
// offset from network time. The estimate is refreshed from whichever v3
// storage node response most recently reported server time, mirrored to
// durable storage, and read back in memory by every subsequent onion or
// storage RPC call rather than round-tripping to the database on every
// signed request.
package netclock

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/lanterncore/lantern/internal/repositories"
)

// Offset holds the current offset estimate in memory, backed by repo for
// durability across restarts. It implements onion.ClockOffsetSetter
// structurally.
type Offset struct {
	repo    repositories.NetworkStateRepository
	current atomic.Int64
}

// Load seeds the in-memory estimate from the last persisted value.
func Load(ctx context.Context, repo repositories.NetworkStateRepository) (*Offset, error) {
	seed, err := repo.GetClockOffset(ctx)
	if err != nil {
		return nil, fmt.Errorf("netclock: load persisted offset: %w", err)
	}
	o := &Offset{repo: repo}
	o.current.Store(seed)
	return o, nil
}

// SetClockOffset updates both the in-memory estimate and its durable
// mirror. Satisfies onion.ClockOffsetSetter.
func (o *Offset) SetClockOffset(ctx context.Context, offsetMs int64) error {
	o.current.Store(offsetMs)
	return o.repo.SetClockOffset(ctx, offsetMs)
}

// Get returns the current offset estimate in milliseconds, suitable for
// passing as storagerpc.New's clockOffset func.
func (o *Offset) Get() int64 {
	return o.current.Load()
}
