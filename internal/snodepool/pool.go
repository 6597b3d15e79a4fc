package snodepool

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lanterncore/lantern/internal/db"
	"github.com/lanterncore/lantern/internal/failuretracker"
	"github.com/lanterncore/lantern/internal/repositories"
)

// NodeFailThreshold is the number of credited failures that evicts a node
// from the pool.
const NodeFailThreshold = 3

// Manager holds the in-memory service node pool and mirrors it to durable
// storage. The zero value is not usable — create instances with New.
type Manager struct {
	mu          sync.RWMutex
	nodes       map[NodeKey]ServiceNode
	refreshedAt time.Time

	repo       repositories.SnodePoolRepository
	logger     *zap.Logger
	httpClient *http.Client
	seeds      []string

	refresh  singleflightGroup
	failures *failuretracker.Tracker[NodeKey]

	sizeGauge PoolSizeGauge
	notifier  PoolChangeNotifier
}

// PoolSizeGauge is the subset of prometheus.Gauge the pool reports its
// size to; satisfied directly by a *metrics.Registry's PoolSize field.
type PoolSizeGauge interface {
	Set(float64)
}

// PoolChangeNotifier is notified whenever the pool's membership changes;
// satisfied directly by *events.Hub.
type PoolChangeNotifier interface {
	PoolChanged(nodeCount int)
}

// SetSizeGauge wires g to be updated with the pool's current size
// whenever it changes. Pass nil to disable.
func (m *Manager) SetSizeGauge(g PoolSizeGauge) {
	m.mu.Lock()
	m.sizeGauge = g
	m.mu.Unlock()
}

// SetChangeNotifier wires n to be notified whenever the pool's membership
// changes. Pass nil to disable.
func (m *Manager) SetChangeNotifier(n PoolChangeNotifier) {
	m.mu.Lock()
	m.notifier = n
	m.mu.Unlock()
}

// reportSize updates the size gauge and notifies the change observer, if
// either is configured. Called with m.mu already released.
func (m *Manager) reportSize() {
	m.mu.RLock()
	size := len(m.nodes)
	gauge := m.sizeGauge
	notifier := m.notifier
	m.mu.RUnlock()

	if gauge != nil {
		gauge.Set(float64(size))
	}
	if notifier != nil {
		notifier.PoolChanged(size)
	}
}

// New creates a Manager and loads any previously persisted pool into memory.
func New(ctx context.Context, repo repositories.SnodePoolRepository, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		nodes:      make(map[NodeKey]ServiceNode),
		repo:       repo,
		logger:     logger.Named("snodepool"),
		httpClient: defaultHTTPClient(),
		seeds:      Seeds,
	}
	m.failures = failuretracker.New(NodeFailThreshold, func(key NodeKey) {
		m.logger.Info("node exceeded failure threshold, evicting",
			zap.String("ip", key.IP), zap.Int("port", key.StoragePort))
		_ = m.Drop(context.Background(), ServiceNode{IP: key.IP, StoragePort: key.StoragePort})
	})

	records, err := repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("snodepool: load persisted pool: %w", err)
	}
	for _, r := range records {
		node, err := recordToNode(r)
		if err != nil {
			m.logger.Warn("dropping malformed persisted node", zap.Error(err))
			continue
		}
		m.nodes[node.Key()] = node
	}
	refreshedAt, err := repo.LastRefreshedAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("snodepool: load last refresh time: %w", err)
	}
	m.refreshedAt = refreshedAt

	m.logger.Info("pool loaded from storage", zap.Int("size", len(m.nodes)))
	return m, nil
}

// GetPool returns the cached pool if it has at least MinPool members and
// was refreshed within PoolTTL; otherwise it triggers a refresh (shared
// across concurrent callers) and returns the refreshed pool.
func (m *Manager) GetPool(ctx context.Context) ([]ServiceNode, error) {
	if nodes, ok := m.freshSnapshot(); ok {
		return nodes, nil
	}
	if err := m.refresh.do(func() error { return m.doRefresh(ctx) }); err != nil {
		return nil, err
	}
	nodes, _ := m.freshSnapshot()
	return nodes, nil
}

func (m *Manager) freshSnapshot() ([]ServiceNode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.nodes) < MinPool || time.Since(m.refreshedAt) > PoolTTL {
		return nil, false
	}
	return m.snapshotLocked(), true
}

func (m *Manager) snapshotLocked() []ServiceNode {
	out := make([]ServiceNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out
}

// doRefresh implements the refresh algorithm in §4.1: bootstrap from a seed
// when the pool is below MinPool, otherwise intersect three existing
// nodes' views.
func (m *Manager) doRefresh(ctx context.Context) error {
	m.mu.RLock()
	size := len(m.nodes)
	m.mu.RUnlock()

	var fresh []ServiceNode
	var err error
	if size < MinPool {
		fresh, err = m.refreshFromSeed(ctx)
	} else {
		fresh, err = m.refreshFromQuorum(ctx)
	}
	if err != nil {
		return err
	}

	if len(fresh) > MaxPoolSize {
		fresh = fresh[:MaxPoolSize]
	}

	now := time.Now()
	records := make([]db.SnodeRecord, 0, len(fresh))
	m.mu.Lock()
	m.nodes = make(map[NodeKey]ServiceNode, len(fresh))
	for _, n := range fresh {
		m.nodes[n.Key()] = n
		records = append(records, nodeToRecord(n))
	}
	m.refreshedAt = now
	m.mu.Unlock()

	if err := m.repo.ReplaceAll(ctx, records, now); err != nil {
		return fmt.Errorf("snodepool: persist refreshed pool: %w", err)
	}
	m.logger.Info("pool refreshed", zap.Int("size", len(fresh)))
	m.reportSize()
	return nil
}

func (m *Manager) refreshFromSeed(ctx context.Context) ([]ServiceNode, error) {
	seeds := append([]string(nil), m.seeds...)
	rand.Shuffle(len(seeds), func(i, j int) { seeds[i], seeds[j] = seeds[j], seeds[i] })

	var lastErr error
	for attempt := 0; attempt <= seedFetchRetries; attempt++ {
		for _, seed := range seeds {
			nodes, err := fetchFromSeed(ctx, m.httpClient, seed)
			if err != nil {
				lastErr = err
				continue
			}
			return nodes, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrPoolUpdatingFailed, lastErr)
}

func (m *Manager) refreshFromQuorum(ctx context.Context) ([]ServiceNode, error) {
	candidates := m.randomNodes(quorumQueryNodes)
	if len(candidates) < quorumQueryNodes {
		// Not enough existing nodes to query three — fall back to seed.
		return m.refreshFromSeed(ctx)
	}

	type queryResult struct {
		nodes []ServiceNode
		err   error
	}
	results := make([]queryResult, len(candidates))
	var wg sync.WaitGroup
	for i, node := range candidates {
		wg.Add(1)
		go func(i int, node ServiceNode) {
			defer wg.Done()
			nodes, err := queryNodePoolView(ctx, m.httpClient, node)
			results[i] = queryResult{nodes: nodes, err: err}
			if err != nil {
				m.creditFailure(ctx, node)
			}
		}(i, node)
	}
	wg.Wait()

	sets := make([]map[NodeKey]ServiceNode, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			continue
		}
		set := make(map[NodeKey]ServiceNode, len(r.nodes))
		for _, n := range r.nodes {
			set[n.Key()] = n
		}
		sets = append(sets, set)
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("%w: all quorum queries failed", ErrPoolUpdatingFailed)
	}

	intersection := intersect(sets)
	if len(intersection) <= MinIntersectionSize {
		return nil, fmt.Errorf("%w: intersection size %d", ErrInconsistentPools, len(intersection))
	}
	return intersection, nil
}

func intersect(sets []map[NodeKey]ServiceNode) []ServiceNode {
	if len(sets) == 0 {
		return nil
	}
	out := make([]ServiceNode, 0)
	for key, node := range sets[0] {
		inAll := true
		for _, s := range sets[1:] {
			if _, ok := s[key]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			out = append(out, node)
		}
	}
	return out
}

func (m *Manager) randomNodes(n int) []ServiceNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.snapshotLocked()
	if len(all) <= n {
		return all
	}
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:n]
}

// Drop removes a node from the pool and persists the change. Called when a
// node has exhausted its failure budget.
func (m *Manager) Drop(ctx context.Context, node ServiceNode) error {
	m.mu.Lock()
	delete(m.nodes, node.Key())
	m.mu.Unlock()

	if err := m.repo.Remove(ctx, node.IP, node.StoragePort); err != nil {
		return fmt.Errorf("snodepool: drop: %w", err)
	}
	m.reportSize()
	return nil
}

// Clear empties the pool and persists the change.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.nodes = make(map[NodeKey]ServiceNode)
	m.refreshedAt = time.Time{}
	m.mu.Unlock()

	if err := m.repo.ReplaceAll(ctx, nil, time.Time{}); err != nil {
		return err
	}
	m.reportSize()
	return nil
}

// creditFailure credits one failure against node, evicting it once
// NodeFailThreshold is reached.
func (m *Manager) creditFailure(_ context.Context, node ServiceNode) {
	m.logger.Warn("quorum pool query failed", zap.String("ip", node.IP), zap.Int("port", node.StoragePort))
	m.failures.Credit(node.Key())
}

// CreditFailure credits one failure against node from an external caller
// (e.g. the onion transport blaming a node for a failed request), evicting
// it once NodeFailThreshold is reached.
func (m *Manager) CreditFailure(ctx context.Context, node ServiceNode) {
	m.creditFailure(ctx, node)
}

func recordToNode(r db.SnodeRecord) (ServiceNode, error) {
	s := serviceNodeState{
		PublicIP:      r.IP,
		StoragePort:   r.StoragePort,
		PubkeyEd25519: r.Ed25519Pub,
		PubkeyX25519:  r.X25519Pub,
	}
	return s.toServiceNode()
}

func nodeToRecord(n ServiceNode) db.SnodeRecord {
	return db.SnodeRecord{
		IP:          n.IP,
		StoragePort: n.StoragePort,
		Ed25519Pub:  n.Ed25519PubHex(),
		X25519Pub:   n.X25519PubHex(),
	}
}
