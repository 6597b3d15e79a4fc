package swarmresolver

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/lanterncore/lantern/internal/db"
	"github.com/lanterncore/lantern/internal/snodepool"
)

// fakePoolSource returns a fixed set of nodes and counts how often it's asked.
// When started/release are set, the first call blocks on release after
// signaling started, letting a test line up a concurrent second caller.
type fakePoolSource struct {
	nodes   []snodepool.ServiceNode
	calls   int32
	started chan struct{}
	release chan struct{}
}

func (f *fakePoolSource) GetPool(ctx context.Context) ([]snodepool.ServiceNode, error) {
	if atomic.AddInt32(&f.calls, 1) == 1 && f.started != nil {
		close(f.started)
		<-f.release
	}
	return f.nodes, nil
}

// fakeSwarmRepo records whatever's persisted without touching a database.
type fakeSwarmRepo struct {
	mu      sync.Mutex
	members map[string][]db.SwarmMember
}

func newFakeSwarmRepo() *fakeSwarmRepo {
	return &fakeSwarmRepo{members: make(map[string][]db.SwarmMember)}
}

func (f *fakeSwarmRepo) ReplaceForRecipient(ctx context.Context, recipientPubkey string, members []db.SwarmMember) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[recipientPubkey] = members
	return nil
}

func (f *fakeSwarmRepo) GetForRecipient(ctx context.Context, recipientPubkey string) ([]db.SwarmMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[recipientPubkey], nil
}

func (f *fakeSwarmRepo) RemoveNode(ctx context.Context, ip string, storagePort int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for recipient, members := range f.members {
		filtered := members[:0]
		for _, m := range members {
			if m.IP != ip || m.StoragePort != storagePort {
				filtered = append(filtered, m)
			}
		}
		f.members[recipient] = filtered
	}
	return nil
}

func TestCachedRequiresMinSwarm(t *testing.T) {
	r := New(&fakePoolSource{}, newFakeSwarmRepo(), zap.NewNop())

	r.mu.Lock()
	r.swarms["abc"] = []snodepool.ServiceNode{{IP: "1.1.1.1", StoragePort: 22021}}
	r.mu.Unlock()

	if _, ok := r.cached("abc"); ok {
		t.Fatalf("expected cache miss below MinSwarm")
	}

	r.mu.Lock()
	r.swarms["abc"] = []snodepool.ServiceNode{
		{IP: "1.1.1.1", StoragePort: 22021},
		{IP: "2.2.2.2", StoragePort: 22021},
		{IP: "3.3.3.3", StoragePort: 22021},
	}
	r.mu.Unlock()

	members, ok := r.cached("abc")
	if !ok || len(members) != 3 {
		t.Fatalf("expected cache hit with 3 members, got %v ok=%v", members, ok)
	}
}

func TestGetSwarmSharesInFlightFetch(t *testing.T) {
	pool := &fakePoolSource{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	repo := newFakeSwarmRepo()
	r := New(pool, repo, zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.GetSwarm(context.Background(), "recipient")
	}()

	<-pool.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.GetSwarm(context.Background(), "recipient")
	}()

	close(pool.release)
	wg.Wait()

	if got := atomic.LoadInt32(&pool.calls); got != 1 {
		t.Fatalf("expected exactly one underlying pool fetch, got %d", got)
	}
}

func TestDropFromSwarmFiltersNode(t *testing.T) {
	repo := newFakeSwarmRepo()
	r := New(&fakePoolSource{}, repo, zap.NewNop())

	gone := snodepool.ServiceNode{IP: "1.1.1.1", StoragePort: 22021}
	keep := snodepool.ServiceNode{IP: "2.2.2.2", StoragePort: 22021}

	r.mu.Lock()
	r.swarms["recipient"] = []snodepool.ServiceNode{gone, keep}
	r.mu.Unlock()

	if err := r.DropFromSwarm(context.Background(), "recipient", gone); err != nil {
		t.Fatalf("DropFromSwarm: %v", err)
	}

	r.mu.RLock()
	members := r.swarms["recipient"]
	r.mu.RUnlock()

	if len(members) != 1 || members[0].Key() != keep.Key() {
		t.Fatalf("expected only %v to remain, got %v", keep, members)
	}
}

func TestInvalidateRecipientClearsCache(t *testing.T) {
	r := New(&fakePoolSource{}, newFakeSwarmRepo(), zap.NewNop())

	r.mu.Lock()
	r.swarms["recipient"] = []snodepool.ServiceNode{{IP: "1.1.1.1", StoragePort: 22021}}
	r.mu.Unlock()

	r.InvalidateRecipient("recipient")

	r.mu.RLock()
	_, ok := r.swarms["recipient"]
	r.mu.RUnlock()
	if ok {
		t.Fatalf("expected recipient entry to be removed")
	}
}
