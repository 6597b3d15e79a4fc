package netclock

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lanterncore/lantern/internal/db"
	"github.com/lanterncore/lantern/internal/repositories"
)

type fakeNetworkStateRepository struct {
	mu          sync.Mutex
	clockOffset int64
}

func (f *fakeNetworkStateRepository) GetLastHash(ctx context.Context, recipientPubkey string, namespace int, nodeEd25519Pub string) (*db.ReceivedMessageInfo, error) {
	return nil, nil
}
func (f *fakeNetworkStateRepository) SetLastHash(ctx context.Context, info *db.ReceivedMessageInfo) error {
	return nil
}
func (f *fakeNetworkStateRepository) PruneExpired(ctx context.Context, now int64) error { return nil }
func (f *fakeNetworkStateRepository) GetForkInfo(ctx context.Context) (*db.ForkInfo, error) {
	return nil, nil
}
func (f *fakeNetworkStateRepository) SetForkInfo(ctx context.Context, soft, hard int) error {
	return nil
}

func (f *fakeNetworkStateRepository) GetClockOffset(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clockOffset, nil
}

func (f *fakeNetworkStateRepository) SetClockOffset(ctx context.Context, offsetMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clockOffset = offsetMs
	return nil
}

var _ repositories.NetworkStateRepository = (*fakeNetworkStateRepository)(nil)

func TestLoadSeedsFromPersistedValue(t *testing.T) {
	repo := &fakeNetworkStateRepository{clockOffset: 42}

	offset, err := Load(context.Background(), repo)
	require.NoError(t, err)
	require.Equal(t, int64(42), offset.Get())
}

func TestSetClockOffsetUpdatesInMemoryAndDurableCopy(t *testing.T) {
	repo := &fakeNetworkStateRepository{}

	offset, err := Load(context.Background(), repo)
	require.NoError(t, err)
	require.Equal(t, int64(0), offset.Get())

	require.NoError(t, offset.SetClockOffset(context.Background(), 150))
	require.Equal(t, int64(150), offset.Get())

	persisted, err := repo.GetClockOffset(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(150), persisted)
}
