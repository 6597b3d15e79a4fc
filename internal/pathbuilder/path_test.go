package pathbuilder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lanterncore/lantern/internal/db"
	"github.com/lanterncore/lantern/internal/failuretracker"
	"github.com/lanterncore/lantern/internal/snodepool"
)

func TestVersionAtLeast(t *testing.T) {
	cases := []struct {
		version, min string
		want         bool
	}{
		{"2.0.7", "2.0.7", true},
		{"2.0.8", "2.0.7", true},
		{"2.1.0", "2.0.7", true},
		{"2.0.6", "2.0.7", false},
		{"1.9.9", "2.0.7", false},
		{"2.0", "2.0.7", false},
		{"2.0.7.1", "2.0.7", true},
	}
	for _, c := range cases {
		if got := versionAtLeast(c.version, c.min); got != c.want {
			t.Errorf("versionAtLeast(%q, %q) = %v, want %v", c.version, c.min, got, c.want)
		}
	}
}

func TestPathGuardAndContains(t *testing.T) {
	guard := snodepool.ServiceNode{IP: "1.1.1.1", StoragePort: 1}
	hop := snodepool.ServiceNode{IP: "2.2.2.2", StoragePort: 2}
	p := Path{Nodes: []snodepool.ServiceNode{guard, hop}}

	if p.Guard().Key() != guard.Key() {
		t.Fatalf("expected guard %v, got %v", guard, p.Guard())
	}
	if !p.Contains(hop) {
		t.Fatalf("expected path to contain %v", hop)
	}
	if p.Contains(snodepool.ServiceNode{IP: "3.3.3.3", StoragePort: 3}) {
		t.Fatalf("expected path not to contain unrelated node")
	}
}

// fakePoolSource returns a fixed node set and records credited failures.
type fakePoolSource struct {
	mu       sync.Mutex
	nodes    []snodepool.ServiceNode
	credited []snodepool.NodeKey
}

func (f *fakePoolSource) GetPool(ctx context.Context) ([]snodepool.ServiceNode, error) {
	return f.nodes, nil
}

func (f *fakePoolSource) CreditFailure(ctx context.Context, node snodepool.ServiceNode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credited = append(f.credited, node.Key())
}

// fakePathRepo is an in-memory stand-in for repositories.PathRepository.
type fakePathRepo struct {
	mu    sync.Mutex
	paths map[uuid.UUID]db.PathRecord
}

func newFakePathRepo() *fakePathRepo {
	return &fakePathRepo{paths: make(map[uuid.UUID]db.PathRecord)}
}

func (r *fakePathRepo) Create(ctx context.Context, path *db.PathRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if path.ID == uuid.Nil {
		path.ID = uuid.New()
	}
	r.paths[path.ID] = *path
	return nil
}

func (r *fakePathRepo) All(ctx context.Context) ([]db.PathRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]db.PathRecord, 0, len(r.paths))
	for _, p := range r.paths {
		out = append(out, p)
	}
	return out, nil
}

func (r *fakePathRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paths, id)
	return nil
}

func (r *fakePathRepo) DeleteAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = make(map[uuid.UUID]db.PathRecord)
	return nil
}

// passthroughTransport answers every guard test request with a passing
// version string regardless of host, so tests don't need real network access.
type passthroughTransport struct{}

func (passthroughTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body := `{"version":"2.0.7"}`
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
	}, nil
}

func nodesN(n int) []snodepool.ServiceNode {
	nodes := make([]snodepool.ServiceNode, n)
	for i := range nodes {
		nodes[i] = snodepool.ServiceNode{IP: fmt.Sprintf("10.0.0.%d", i), StoragePort: 22021}
	}
	return nodes
}

func newTestManager(pool *fakePoolSource, repo *fakePathRepo) *Manager {
	m := &Manager{
		guards:     make(map[snodepool.NodeKey]struct{}),
		pool:       pool,
		repo:       repo,
		logger:     zap.NewNop(),
		httpClient: &http.Client{Transport: passthroughTransport{}},
	}
	m.pathFailures = failuretracker.New(PathFailThreshold, func(id uuid.UUID) {
		m.evictPath(context.Background(), id)
	})
	return m
}

func TestBuildPathsBootstrap(t *testing.T) {
	pool := &fakePoolSource{nodes: nodesN(PathLen * TargetPaths)}
	repo := newFakePathRepo()
	m := newTestManager(pool, repo)

	paths, err := m.buildPaths(context.Background(), nil)
	if err != nil {
		t.Fatalf("buildPaths: %v", err)
	}
	if len(paths) != TargetPaths {
		t.Fatalf("expected %d paths, got %d", TargetPaths, len(paths))
	}

	seen := make(map[snodepool.NodeKey]bool)
	guards := make(map[snodepool.NodeKey]bool)
	for _, p := range paths {
		if len(p.Nodes) != PathLen {
			t.Fatalf("expected %d nodes per path, got %d", PathLen, len(p.Nodes))
		}
		if guards[p.Guard().Key()] {
			t.Fatalf("duplicate guard %v across paths", p.Guard())
		}
		guards[p.Guard().Key()] = true
		for _, n := range p.Nodes {
			if seen[n.Key()] {
				t.Fatalf("node %v reused across paths", n)
			}
			seen[n.Key()] = true
		}
	}

	persisted, _ := repo.All(context.Background())
	if len(persisted) != TargetPaths {
		t.Fatalf("expected %d persisted paths, got %d", TargetPaths, len(persisted))
	}
}

func TestBuildPathsInsufficientSnodes(t *testing.T) {
	pool := &fakePoolSource{nodes: nodesN(PathLen*TargetPaths - 1)}
	repo := newFakePathRepo()
	m := newTestManager(pool, repo)

	if _, err := m.buildPaths(context.Background(), nil); err != ErrInsufficientSnodes {
		t.Fatalf("expected ErrInsufficientSnodes, got %v", err)
	}
}

func TestCreditPathFailureEvictsAtThreshold(t *testing.T) {
	pool := &fakePoolSource{nodes: nodesN(PathLen)}
	repo := newFakePathRepo()
	m := newTestManager(pool, repo)

	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("uuid.NewV7: %v", err)
	}
	p := Path{ID: id, Nodes: pool.nodes}
	m.paths = []Path{p}
	m.guards[p.Guard().Key()] = struct{}{}
	record := pathToRecord(p)
	_ = repo.Create(context.Background(), &record)

	for i := 0; i < PathFailThreshold-1; i++ {
		m.CreditPathFailure(id)
	}
	if len(m.paths) != 1 {
		t.Fatalf("path evicted before reaching threshold")
	}

	m.CreditPathFailure(id)
	if len(m.paths) != 0 {
		t.Fatalf("expected path to be evicted at threshold, still have %d", len(m.paths))
	}
	if _, stillGuard := m.guards[p.Guard().Key()]; stillGuard {
		t.Fatalf("expected guard to be removed from guard set")
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()
	if len(pool.credited) != PathLen {
		t.Fatalf("expected %d node failures credited, got %d", PathLen, len(pool.credited))
	}
}

func TestHandleNodeDroppedReplacesNode(t *testing.T) {
	allNodes := nodesN(PathLen + 1)
	pathNodes := allNodes[:PathLen]
	spare := allNodes[PathLen]

	pool := &fakePoolSource{nodes: allNodes}
	repo := newFakePathRepo()
	m := newTestManager(pool, repo)

	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("uuid.NewV7: %v", err)
	}
	p := Path{ID: id, Nodes: append([]snodepool.ServiceNode(nil), pathNodes...)}
	m.paths = []Path{p}
	record := pathToRecord(p)
	_ = repo.Create(context.Background(), &record)

	dropped := pathNodes[1]
	if err := m.HandleNodeDropped(context.Background(), dropped); err != nil {
		t.Fatalf("HandleNodeDropped: %v", err)
	}

	if m.paths[0].Contains(dropped) {
		t.Fatalf("expected dropped node to be removed from path")
	}
	if !m.paths[0].Contains(spare) {
		t.Fatalf("expected spare node to replace dropped node, got %v", m.paths[0].Nodes)
	}
}
