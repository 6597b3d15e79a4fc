// Package swarmresolver caches and refreshes the per-recipient subsets of
// the service node pool ("swarms") responsible for storing that
// recipient's messages.
package swarmresolver

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lanterncore/lantern/internal/db"
	"github.com/lanterncore/lantern/internal/repositories"
	"github.com/lanterncore/lantern/internal/snodepool"
)

// MinSwarm is the minimum number of members a swarm needs to be usable
// without triggering a refresh.
const MinSwarm = 3

// PoolSource supplies the candidate nodes a swarm lookup can be issued
// against.
type PoolSource interface {
	GetPool(ctx context.Context) ([]snodepool.ServiceNode, error)
}

// Resolver caches per-recipient swarm membership in memory, mirrored to
// durable storage. The zero value is not usable — create instances with New.
type Resolver struct {
	mu     sync.RWMutex
	swarms map[string][]snodepool.ServiceNode // keyed by recipient pubkey hex

	pool       PoolSource
	repo       repositories.SwarmRepository
	logger     *zap.Logger
	httpClient *http.Client

	inflight sync.Map // recipient -> chan struct{} closed when its fetch ends, for per-recipient singleflight

	hits     CacheCounter
	misses   CacheCounter
	notifier SwarmChangeNotifier
}

// CacheCounter is the subset of prometheus.Counter a cache hit or miss is
// reported to; satisfied directly by a *metrics.Registry's
// SwarmCacheHits/SwarmCacheMisses fields.
type CacheCounter interface {
	Inc()
}

// SwarmChangeNotifier is notified whenever a recipient's swarm is
// refreshed from the network; satisfied directly by *events.Hub.
type SwarmChangeNotifier interface {
	SwarmChanged(pubkeyHex string, nodeCount int)
}

// SetCacheCounters wires hits/misses to be incremented on every GetSwarm
// call. Either may be nil to disable just that one.
func (r *Resolver) SetCacheCounters(hits, misses CacheCounter) {
	r.mu.Lock()
	r.hits = hits
	r.misses = misses
	r.mu.Unlock()
}

// SetChangeNotifier wires n to be notified whenever a swarm is refreshed
// from the network. Pass nil to disable.
func (r *Resolver) SetChangeNotifier(n SwarmChangeNotifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// New creates a Resolver with an empty in-memory cache. GetSwarm fills it
// from the network on a miss and persists each fetched swarm; swarms
// persisted by an earlier run are not read back.
func New(pool PoolSource, repo repositories.SwarmRepository, logger *zap.Logger) *Resolver {
	return &Resolver{
		swarms:     make(map[string][]snodepool.ServiceNode),
		pool:       pool,
		repo:       repo,
		logger:     logger.Named("swarmresolver"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetSwarm returns the cached swarm for recipient if it has at least
// MinSwarm members, otherwise fetches it from a random pool node. Fetches
// for the same recipient are shared across concurrent callers, mirroring
// the pool's single-in-flight-refresh rule at per-recipient granularity.
func (r *Resolver) GetSwarm(ctx context.Context, recipientPubkey string) ([]snodepool.ServiceNode, error) {
	if members, ok := r.cached(recipientPubkey); ok {
		r.countCacheHit()
		return members, nil
	}
	r.countCacheMiss()

	ch := make(chan struct{})
	actual, loaded := r.inflight.LoadOrStore(recipientPubkey, ch)
	owner := !loaded
	if owner {
		var fetchErr error
		defer func() {
			r.inflight.Delete(recipientPubkey)
			close(ch)
			_ = fetchErr
		}()
		fetchErr = r.fetchAndCache(ctx, recipientPubkey)
		if fetchErr != nil {
			return nil, fetchErr
		}
	} else {
		<-actual.(chan struct{})
	}

	members, _ := r.cached(recipientPubkey)
	return members, nil
}

func (r *Resolver) countCacheHit() {
	r.mu.RLock()
	c := r.hits
	r.mu.RUnlock()
	if c != nil {
		c.Inc()
	}
}

func (r *Resolver) countCacheMiss() {
	r.mu.RLock()
	c := r.misses
	r.mu.RUnlock()
	if c != nil {
		c.Inc()
	}
}

func (r *Resolver) cached(recipientPubkey string) ([]snodepool.ServiceNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.swarms[recipientPubkey]
	if !ok || len(members) < MinSwarm {
		return nil, false
	}
	return append([]snodepool.ServiceNode(nil), members...), true
}

func (r *Resolver) fetchAndCache(ctx context.Context, recipientPubkey string) error {
	pool, err := r.pool.GetPool(ctx)
	if err != nil {
		return fmt.Errorf("swarmresolver: get pool: %w", err)
	}
	if len(pool) == 0 {
		return fmt.Errorf("swarmresolver: empty pool, cannot resolve swarm for %s", recipientPubkey)
	}

	node := pool[rand.Intn(len(pool))]
	members, err := querySwarm(ctx, r.httpClient, node, recipientPubkey)
	if err != nil {
		return fmt.Errorf("swarmresolver: query swarm: %w", err)
	}

	r.mu.Lock()
	r.swarms[recipientPubkey] = members
	r.mu.Unlock()

	records := make([]db.SwarmMember, 0, len(members))
	for _, m := range members {
		records = append(records, db.SwarmMember{
			RecipientPubkey: recipientPubkey,
			IP:              m.IP,
			StoragePort:     m.StoragePort,
			Ed25519Pub:      m.Ed25519PubHex(),
			X25519Pub:       m.X25519PubHex(),
		})
	}
	if err := r.repo.ReplaceForRecipient(ctx, recipientPubkey, records); err != nil {
		r.logger.Warn("failed to persist swarm", zap.String("recipient", recipientPubkey), zap.Error(err))
	}

	r.logger.Info("swarm resolved", zap.String("recipient", recipientPubkey), zap.Int("size", len(members)))

	r.mu.RLock()
	notifier := r.notifier
	r.mu.RUnlock()
	if notifier != nil {
		notifier.SwarmChanged(recipientPubkey, len(members))
	}
	return nil
}

// DropFromSwarm removes node from the cached swarm for recipient, used
// when a request through that node fails for that recipient specifically.
func (r *Resolver) DropFromSwarm(ctx context.Context, recipientPubkey string, node snodepool.ServiceNode) error {
	r.mu.Lock()
	members := r.swarms[recipientPubkey]
	filtered := members[:0]
	for _, m := range members {
		if m.Key() != node.Key() {
			filtered = append(filtered, m)
		}
	}
	r.swarms[recipientPubkey] = filtered
	r.mu.Unlock()

	if err := r.repo.RemoveNode(ctx, node.IP, node.StoragePort); err != nil {
		return fmt.Errorf("swarmresolver: drop from swarm: %w", err)
	}
	return nil
}

// InvalidateRecipient clears the cached swarm for recipient entirely,
// forcing the next GetSwarm call to fetch fresh membership. Used on a 421
// response ("wrong swarm") with no replacement node list attached.
func (r *Resolver) InvalidateRecipient(recipientPubkey string) {
	r.mu.Lock()
	delete(r.swarms, recipientPubkey)
	r.mu.Unlock()
}

// swarmRPCRequest is the non-onion storage_rpc/v1 envelope for get_swarm.
type swarmRPCRequest struct {
	Method string            `json:"method"`
	Params swarmRPCReqParams `json:"params"`
}

type swarmRPCReqParams struct {
	Pubkey string `json:"pubkey"`
}

type swarmRPCResponse struct {
	Snodes []struct {
		IP       string `json:"ip"`
		Port     int    `json:"port,string"`
		PubkeyEd string `json:"pubkey_ed25519"`
		PubkeyX  string `json:"pubkey_x25519"`
	} `json:"snodes"`
}

// querySwarm issues the non-onion get_swarm RPC against node. Swarm
// discovery happens before any onion path necessarily exists for a new
// recipient, so it goes over the plain storage_rpc/v1 path named in §6 as
// the fallback transport, rather than round-tripping through C5.
func querySwarm(ctx context.Context, httpClient *http.Client, node snodepool.ServiceNode, recipientPubkey string) ([]snodepool.ServiceNode, error) {
	reqBody := swarmRPCRequest{
		Method: "get_swarm",
		Params: swarmRPCReqParams{Pubkey: recipientPubkey},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal get_swarm request: %w", err)
	}

	url := fmt.Sprintf("https://%s:%d/storage_rpc/v1", node.IP, node.StoragePort)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build get_swarm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("get_swarm request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get_swarm returned status %d", resp.StatusCode)
	}

	var parsed swarmRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode get_swarm response: %w", err)
	}

	members := make([]snodepool.ServiceNode, 0, len(parsed.Snodes))
	for _, s := range parsed.Snodes {
		edBytes, err := hex.DecodeString(s.PubkeyEd)
		if err != nil || len(edBytes) != 32 {
			continue
		}
		xBytes, err := hex.DecodeString(s.PubkeyX)
		if err != nil || len(xBytes) != 32 {
			continue
		}
		var node snodepool.ServiceNode
		node.IP = s.IP
		node.StoragePort = s.Port
		copy(node.Ed25519Pub[:], edBytes)
		copy(node.X25519Pub[:], xBytes)
		members = append(members, node)
	}
	return members, nil
}
