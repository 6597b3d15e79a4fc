// Package pathbuilder constructs and caches fixed-length onion paths over
// service nodes drawn from the node pool, maintains the guard-node
// invariants (guards tested, mutually distinct across paths), and evicts
// nodes and paths on repeated request failure.
package pathbuilder

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lanterncore/lantern/internal/db"
	"github.com/lanterncore/lantern/internal/failuretracker"
	"github.com/lanterncore/lantern/internal/repositories"
	"github.com/lanterncore/lantern/internal/snodepool"
)

// Path is an ordered sequence of exactly PathLen distinct service nodes;
// the first element is the guard, the only hop that sees the client's IP.
type Path struct {
	ID    uuid.UUID
	Nodes []snodepool.ServiceNode
}

// Guard returns the first hop of the path.
func (p Path) Guard() snodepool.ServiceNode {
	return p.Nodes[0]
}

// Contains reports whether node appears anywhere in the path.
func (p Path) Contains(node snodepool.ServiceNode) bool {
	for _, n := range p.Nodes {
		if n.Key() == node.Key() {
			return true
		}
	}
	return false
}

// PoolSource is the subset of the node pool manager the path builder
// depends on: the candidate set to build from, and a way to blame a node
// for a failure observed independently of any particular path (e.g. a
// pool-view query failure).
type PoolSource interface {
	GetPool(ctx context.Context) ([]snodepool.ServiceNode, error)
	CreditFailure(ctx context.Context, node snodepool.ServiceNode)
}

// Manager holds the cached path set and guard set in memory, mirrored to
// durable storage. The zero value is not usable — create instances with New.
type Manager struct {
	mu     sync.RWMutex
	paths  []Path
	guards map[snodepool.NodeKey]struct{}

	pool       PoolSource
	repo       repositories.PathRepository
	logger     *zap.Logger
	httpClient *http.Client

	build        buildGroup
	pathFailures *failuretracker.Tracker[uuid.UUID]

	rebuildCounter RebuildCounter
	notifier       PathChangeNotifier
}

// RebuildCounter is the subset of prometheus.Counter a rebuild count is
// reported to; satisfied directly by a *metrics.Registry's
// PathRebuildTotal field.
type RebuildCounter interface {
	Inc()
}

// PathChangeNotifier is notified whenever a path is built; satisfied
// directly by *events.Hub.
type PathChangeNotifier interface {
	PathChanged(pathID string, hops int)
}

// SetRebuildCounter wires c to be incremented once per path built. Pass
// nil to disable.
func (m *Manager) SetRebuildCounter(c RebuildCounter) {
	m.mu.Lock()
	m.rebuildCounter = c
	m.mu.Unlock()
}

// SetChangeNotifier wires n to be notified once per path built. Pass nil
// to disable.
func (m *Manager) SetChangeNotifier(n PathChangeNotifier) {
	m.mu.Lock()
	m.notifier = n
	m.mu.Unlock()
}

func (m *Manager) reportPathBuilt(p Path) {
	m.mu.RLock()
	counter := m.rebuildCounter
	notifier := m.notifier
	m.mu.RUnlock()

	if counter != nil {
		counter.Inc()
	}
	if notifier != nil {
		notifier.PathChanged(p.ID.String(), len(p.Nodes))
	}
}

// New creates a Manager and loads any previously persisted path set.
func New(ctx context.Context, pool PoolSource, repo repositories.PathRepository, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		guards:     make(map[snodepool.NodeKey]struct{}),
		pool:       pool,
		repo:       repo,
		logger:     logger.Named("pathbuilder"),
		httpClient: defaultGuardHTTPClient(),
	}
	m.pathFailures = failuretracker.New(PathFailThreshold, func(id uuid.UUID) {
		m.evictPath(context.Background(), id)
	})

	records, err := repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("pathbuilder: load persisted paths: %w", err)
	}
	for _, r := range records {
		p, err := recordToPath(r)
		if err != nil {
			m.logger.Warn("dropping malformed persisted path", zap.Error(err))
			continue
		}
		m.paths = append(m.paths, p)
		m.guards[p.Guard().Key()] = struct{}{}
	}
	m.logger.Info("paths loaded from storage", zap.Int("count", len(m.paths)))
	return m, nil
}

// GetPath returns a cached path not containing excluding, per the path
// selection algorithm: with a full cache it returns immediately; with a
// partial cache it kicks off a background rebuild and still returns an
// existing path if one satisfies the exclusion; with an empty cache it
// rebuilds synchronously.
func (m *Manager) GetPath(ctx context.Context, excluding *snodepool.NodeKey) (Path, error) {
	m.mu.RLock()
	paths := append([]Path(nil), m.paths...)
	m.mu.RUnlock()

	if len(paths) >= TargetPaths {
		if p, ok := randomExcluding(paths, excluding); ok {
			return p, nil
		}
		return m.rebuild(ctx)
	}

	if len(paths) == 0 {
		return m.rebuild(ctx)
	}

	go func() {
		_, _ = m.rebuild(context.Background())
	}()

	if p, ok := randomExcluding(paths, excluding); ok {
		return p, nil
	}
	return m.rebuild(ctx)
}

func randomExcluding(paths []Path, excluding *snodepool.NodeKey) (Path, bool) {
	candidates := paths
	if excluding != nil {
		candidates = candidates[:0]
		for _, p := range paths {
			if !p.Contains(snodepool.ServiceNode{IP: excluding.IP, StoragePort: excluding.StoragePort}) {
				candidates = append(candidates, p)
			}
		}
	}
	if len(candidates) == 0 {
		return Path{}, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// rebuild runs the build algorithm, sharing a single in-flight attempt
// across concurrent callers.
func (m *Manager) rebuild(ctx context.Context) (Path, error) {
	m.mu.RLock()
	reusable := append([]Path(nil), m.paths...)
	m.mu.RUnlock()

	paths, err := m.build.do(func() ([]Path, error) { return m.buildPaths(ctx, reusable) })
	if err != nil {
		return Path{}, err
	}
	if len(paths) == 0 {
		return Path{}, ErrInsufficientSnodes
	}
	return paths[rand.Intn(len(paths))], nil
}

// buildPaths implements the build algorithm in §4.3.
func (m *Manager) buildPaths(ctx context.Context, reusable []Path) ([]Path, error) {
	pool, err := m.pool.GetPool(ctx)
	if err != nil {
		return nil, fmt.Errorf("pathbuilder: get pool: %w", err)
	}

	used := make(map[snodepool.NodeKey]struct{})
	reusableGuards := make(map[snodepool.NodeKey]struct{})
	for _, p := range reusable {
		for _, n := range p.Nodes {
			used[n.Key()] = struct{}{}
		}
		reusableGuards[p.Guard().Key()] = struct{}{}
	}

	needed := TargetPaths - len(reusableGuards)
	if needed <= 0 {
		return reusable, nil
	}

	candidates := make([]snodepool.ServiceNode, 0, len(pool))
	for _, n := range pool {
		if _, excluded := used[n.Key()]; !excluded {
			candidates = append(candidates, n)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	newPaths := make([]Path, 0, needed)
	for len(newPaths) < needed {
		guard, ok := m.findTestedGuard(ctx, &candidates)
		if !ok {
			return nil, ErrInsufficientSnodes
		}
		used[guard.Key()] = struct{}{}

		hops, ok := takeHops(&candidates, used, PathLen-1)
		if !ok {
			return nil, ErrInsufficientSnodes
		}
		for _, h := range hops {
			used[h.Key()] = struct{}{}
		}

		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("pathbuilder: generate path id: %w", err)
		}
		built := Path{ID: id, Nodes: append([]snodepool.ServiceNode{guard}, hops...)}
		newPaths = append(newPaths, built)
		m.reportPathBuilt(built)
	}

	all := append(newPaths, reusable...)
	if err := m.persistAll(ctx, all); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.paths = all
	m.guards = make(map[snodepool.NodeKey]struct{}, len(all))
	for _, p := range all {
		m.guards[p.Guard().Key()] = struct{}{}
	}
	m.mu.Unlock()

	m.logger.Info("paths built", zap.Int("new", len(newPaths)), zap.Int("total", len(all)))
	return all, nil
}

// findTestedGuard pops and tests candidates from pool until one passes
// the guard test, retrying with guardRetryBackoff between attempts.
func (m *Manager) findTestedGuard(ctx context.Context, pool *[]snodepool.ServiceNode) (snodepool.ServiceNode, bool) {
	for len(*pool) > 0 {
		candidate := (*pool)[0]
		*pool = (*pool)[1:]

		if err := testGuard(ctx, m.httpClient, candidate); err != nil {
			m.logger.Debug("guard candidate failed test", zap.String("ip", candidate.IP), zap.Error(err))
			select {
			case <-ctx.Done():
				return snodepool.ServiceNode{}, false
			case <-time.After(guardRetryBackoff):
			}
			continue
		}
		return candidate, true
	}
	return snodepool.ServiceNode{}, false
}

// takeHops pops n candidates not already in used.
func takeHops(pool *[]snodepool.ServiceNode, used map[snodepool.NodeKey]struct{}, n int) ([]snodepool.ServiceNode, bool) {
	hops := make([]snodepool.ServiceNode, 0, n)
	remaining := (*pool)[:0]
	for _, c := range *pool {
		if len(hops) < n {
			if _, skip := used[c.Key()]; !skip {
				hops = append(hops, c)
				continue
			}
		}
		remaining = append(remaining, c)
	}
	*pool = remaining
	return hops, len(hops) == n
}

func (m *Manager) persistAll(ctx context.Context, paths []Path) error {
	if err := m.repo.DeleteAll(ctx); err != nil {
		return fmt.Errorf("pathbuilder: clear persisted paths: %w", err)
	}
	for i := range paths {
		record := pathToRecord(paths[i])
		if err := m.repo.Create(ctx, &record); err != nil {
			return fmt.Errorf("pathbuilder: persist path: %w", err)
		}
		paths[i].ID = record.ID
	}
	return nil
}

// CreditPathFailure credits one failure against path, evicting it once
// PathFailThreshold is reached.
func (m *Manager) CreditPathFailure(pathID uuid.UUID) {
	m.pathFailures.Credit(pathID)
}

// evictPath drops the path's guard from the guard set, charges every hop
// with one node-level failure, and deletes the path from cache and
// storage.
func (m *Manager) evictPath(ctx context.Context, pathID uuid.UUID) {
	m.mu.Lock()
	var victim Path
	idx := -1
	for i, p := range m.paths {
		if p.ID == pathID {
			victim = p
			idx = i
			break
		}
	}
	if idx >= 0 {
		m.paths = append(m.paths[:idx], m.paths[idx+1:]...)
		delete(m.guards, victim.Guard().Key())
	}
	m.mu.Unlock()

	if idx < 0 {
		return
	}

	for _, n := range victim.Nodes {
		m.pool.CreditFailure(ctx, n)
	}
	if err := m.repo.Delete(ctx, pathID); err != nil {
		m.logger.Warn("failed to delete evicted path", zap.Error(err))
	}
	m.logger.Info("path evicted", zap.String("path_id", pathID.String()))
}

// HandleNodeDropped removes node from every cached path that contains it,
// replacing it with a random unused, untested non-guard node — the
// replacement is never tested since it can only occupy a non-guard
// position by construction. The node pool's own eviction does not call
// it; cached paths change only when a caller invokes it.
func (m *Manager) HandleNodeDropped(ctx context.Context, node snodepool.ServiceNode) error {
	m.mu.RLock()
	affected := make([]int, 0)
	for i, p := range m.paths {
		if p.Contains(node) {
			affected = append(affected, i)
		}
	}
	m.mu.RUnlock()
	if len(affected) == 0 {
		return nil
	}

	pool, err := m.pool.GetPool(ctx)
	if err != nil {
		return fmt.Errorf("pathbuilder: get pool for replacement: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	used := make(map[snodepool.NodeKey]struct{})
	for _, p := range m.paths {
		for _, n := range p.Nodes {
			used[n.Key()] = struct{}{}
		}
	}

	for _, idx := range affected {
		path := m.paths[idx]
		replacement, ok := pickUnused(pool, used)
		if !ok {
			m.logger.Warn("no unused node available to replace dropped node", zap.String("path_id", path.ID.String()))
			continue
		}
		used[replacement.Key()] = struct{}{}
		for i, n := range path.Nodes {
			if n.Key() == node.Key() {
				path.Nodes[i] = replacement
				break
			}
		}
		m.paths[idx] = path
		if err := m.repo.Delete(ctx, path.ID); err != nil {
			m.logger.Warn("failed to clear replaced path before re-persisting", zap.Error(err))
		}
		record := pathToRecord(path)
		if err := m.repo.Create(ctx, &record); err != nil {
			m.logger.Warn("failed to persist node-replaced path", zap.Error(err))
		}
	}
	return nil
}

func pickUnused(pool []snodepool.ServiceNode, used map[snodepool.NodeKey]struct{}) (snodepool.ServiceNode, bool) {
	candidates := make([]snodepool.ServiceNode, 0, len(pool))
	for _, n := range pool {
		if _, skip := used[n.Key()]; !skip {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return snodepool.ServiceNode{}, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

func recordToPath(r db.PathRecord) (Path, error) {
	nodes := make([]snodepool.ServiceNode, len(r.Nodes))
	for i, n := range r.Nodes {
		var node snodepool.ServiceNode
		node.IP = n.IP
		node.StoragePort = n.StoragePort
		edBytes, err := hex.DecodeString(n.Ed25519Pub)
		if err != nil || len(edBytes) != 32 {
			return Path{}, fmt.Errorf("pathbuilder: invalid ed25519 pubkey %q", n.Ed25519Pub)
		}
		xBytes, err := hex.DecodeString(n.X25519Pub)
		if err != nil || len(xBytes) != 32 {
			return Path{}, fmt.Errorf("pathbuilder: invalid x25519 pubkey %q", n.X25519Pub)
		}
		copy(node.Ed25519Pub[:], edBytes)
		copy(node.X25519Pub[:], xBytes)
		nodes[i] = node
	}
	return Path{ID: r.ID, Nodes: nodes}, nil
}

func pathToRecord(p Path) db.PathRecord {
	nodes := make([]db.PathNodeRecord, len(p.Nodes))
	for i, n := range p.Nodes {
		nodes[i] = db.PathNodeRecord{
			Position:    i,
			IP:          n.IP,
			StoragePort: n.StoragePort,
			Ed25519Pub:  n.Ed25519PubHex(),
			X25519Pub:   n.X25519PubHex(),
		}
	}
	record := db.PathRecord{Nodes: nodes}
	record.ID = p.ID
	return record
}
