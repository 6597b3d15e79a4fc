package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lanterncore/lantern/internal/snodepool"
	"github.com/lanterncore/lantern/internal/storagerpc"
)

// DefaultMessageExpiry is applied to a retrieved message that carried no
// explicit server expiry.
const DefaultMessageExpiry = 15 * 24 * time.Hour

// NamespaceRequest names one namespace to poll and whether it is
// authenticated (a signed retrieve) or a legacy unauthenticated one.
type NamespaceRequest struct {
	Namespace     storagerpc.Namespace
	Authenticated bool
}

// Result is one namespace's outcome from a poll round.
type Result struct {
	Namespace storagerpc.Namespace
	Messages  []storagerpc.RetrieveMessage
	LastHash  string
}

type namespaceState struct {
	lastHash     string
	lastExpiryMs int64
}

// Poller tracks, per namespace, the last-seen message hash so repeat
// polls only fetch what is new. State lives entirely in memory: a fresh
// Poller re-fetches the full backlog once, same as a first launch.
type Poller struct {
	client *storagerpc.Client
	logger *zap.Logger

	mu    sync.Mutex
	state map[storagerpc.Namespace]namespaceState
}

// New creates a Poller bound to client.
func New(client *storagerpc.Client, logger *zap.Logger) *Poller {
	return &Poller{
		client: client,
		logger: logger.Named("poller"),
		state:  make(map[storagerpc.Namespace]namespaceState),
	}
}

// prune drops last-hash tracking for any namespace whose associated
// server expiry has already passed: the server itself will have dropped
// that message, so last_hash would only ever come back empty-matched.
func (p *Poller) prune(now time.Time) {
	nowMs := now.UnixMilli()
	for ns, st := range p.state {
		if st.lastExpiryMs != 0 && st.lastExpiryMs < nowMs {
			delete(p.state, ns)
		}
	}
}

// Poll fetches pending messages for every namespace in namespaces from a
// single chosen node, and — if refreshHashes is non-empty — refreshes
// their TTL in the same round trip. Namespaces marked Authenticated use a
// signed retrieve; the rest use the legacy unauthenticated form.
func (p *Poller) Poll(ctx context.Context, node snodepool.ServiceNode, namespaces []NamespaceRequest, refreshHashes []string) ([]Result, []storagerpc.ExpiryInfo, error) {
	p.mu.Lock()
	p.prune(time.Now())
	calls := make([]storagerpc.SubCall, 0, len(namespaces)+1)
	for _, nr := range namespaces {
		st := p.state[nr.Namespace]
		params := storagerpc.RetrieveParams{Namespace: nr.Namespace, LastHash: st.lastHash}

		var call storagerpc.SubCall
		var err error
		if nr.Authenticated {
			call, err = p.client.RetrieveSubCall(params)
		} else {
			call, err = p.client.RetrieveUnauthenticatedSubCall(params)
		}
		if err != nil {
			p.mu.Unlock()
			return nil, nil, fmt.Errorf("poller: build retrieve for namespace %d: %w", nr.Namespace, err)
		}
		calls = append(calls, call)
	}
	if len(refreshHashes) > 0 {
		call, err := p.client.GetExpiriesSubCall(refreshHashes)
		if err != nil {
			p.mu.Unlock()
			return nil, nil, fmt.Errorf("poller: build get_expiries: %w", err)
		}
		calls = append(calls, call)
	}
	p.mu.Unlock()

	if len(calls) == 0 {
		return nil, nil, nil
	}

	raw, err := p.client.Batch(ctx, node, calls)
	if err != nil {
		return nil, nil, fmt.Errorf("poller: batch poll: %w", err)
	}

	results := make([]Result, 0, len(namespaces))
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, nr := range namespaces {
		rr, _ := raw[i].(*storagerpc.RetrieveResult)
		if rr == nil {
			continue
		}
		applyDefaultExpiry(rr.Messages)
		results = append(results, Result{Namespace: nr.Namespace, Messages: rr.Messages, LastHash: rr.LastHash})

		if rr.LastHash == "" {
			continue
		}
		st := namespaceState{lastHash: rr.LastHash}
		if len(rr.Messages) > 0 {
			st.lastExpiryMs = rr.Messages[len(rr.Messages)-1].ExpiryMs
		} else {
			st.lastExpiryMs = p.state[nr.Namespace].lastExpiryMs
		}
		p.state[nr.Namespace] = st
	}

	var expiries []storagerpc.ExpiryInfo
	if len(refreshHashes) > 0 {
		if ei, ok := raw[len(raw)-1].([]storagerpc.ExpiryInfo); ok {
			expiries = ei
		}
	}
	return results, expiries, nil
}

// applyDefaultExpiry fills in DefaultMessageExpiry for any message that
// carried no explicit server expiry.
func applyDefaultExpiry(messages []storagerpc.RetrieveMessage) {
	for i := range messages {
		if messages[i].ExpiryMs == 0 {
			messages[i].ExpiryMs = time.Now().Add(DefaultMessageExpiry).UnixMilli()
		}
	}
}

// LastHash reports the last-seen hash tracked for ns, if any.
func (p *Poller) LastHash(ns storagerpc.Namespace) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[ns]
	if !ok || st.lastHash == "" {
		return "", false
	}
	return st.lastHash, true
}

// Reset drops all tracked last-hash state, forcing the next poll of
// every namespace to fetch its full backlog.
func (p *Poller) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = make(map[storagerpc.Namespace]namespaceState)
}
