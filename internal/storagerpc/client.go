// Package storagerpc builds and verifies the signed storage-network
// requests described for the client's C6 component: typed requests for
// each endpoint in the closed taxonomy, each carrying an Ed25519
// signature over a canonical byte string, with recursive per-swarm
// response parsing and per-node signature verification.
//
// get_swarm is deliberately absent from this package's endpoint set: it
// is resolved by swarmresolver directly over the plain storage_rpc/v1
// transport, before any onion path necessarily exists for a new
// recipient, rather than round-tripping through the onion transport this
// package otherwise always uses.
package storagerpc

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lanterncore/lantern/internal/crypto"
	"github.com/lanterncore/lantern/internal/onion"
	"github.com/lanterncore/lantern/internal/snodepool"
)

// Sender is the subset of onion.Transport the client depends on.
type Sender interface {
	Send(ctx context.Context, payload []byte, destination onion.Destination) ([]byte, error)
}

// Client builds and sends signed storage RPC requests through a Sender,
// verifying recursive swarm responses against each node's Ed25519 pubkey.
type Client struct {
	keyPair     *crypto.KeyPair
	subkey      []byte
	clockOffset func() int64
	transport   Sender
	logger      *zap.Logger

	observer RPCDurationObserver
}

// RPCDurationObserver is notified with the wall-clock time a single
// storage RPC call took; satisfied directly by a *metrics.Registry's
// ObserveStorageRPC method.
type RPCDurationObserver interface {
	ObserveStorageRPC(method string, d time.Duration)
}

// SetDurationObserver wires o to be notified with the duration of every
// subsequent RPC call. Pass nil to disable.
func (c *Client) SetDurationObserver(o RPCDurationObserver) {
	c.observer = o
}

// New creates a Client. clockOffset may be nil, in which case the local
// system clock is used unadjusted.
func New(keyPair *crypto.KeyPair, transport Sender, clockOffset func() int64, logger *zap.Logger) *Client {
	if clockOffset == nil {
		clockOffset = func() int64 { return 0 }
	}
	return &Client{
		keyPair:     keyPair,
		clockOffset: clockOffset,
		transport:   transport,
		logger:      logger.Named("storagerpc"),
	}
}

// WithSubkey returns a shallow copy of the Client that signs and
// authenticates requests under the given subkey instead of the bare
// identity key.
func (c *Client) WithSubkey(subkey []byte) *Client {
	clone := *c
	clone.subkey = append([]byte(nil), subkey...)
	return &clone
}

func (c *Client) networkNowMs() int64 {
	return time.Now().UnixMilli() + c.clockOffset()
}

func (c *Client) pubkeyHex() string   { return hex.EncodeToString(c.keyPair.X25519Public[:]) }
func (c *Client) edPubkeyHex() string { return hex.EncodeToString(c.keyPair.Ed25519Public) }

type storagerpcEnvelope struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

func (c *Client) baseFields(ts int64) map[string]any {
	fields := map[string]any{
		"pubkey":         c.pubkeyHex(),
		"pubkey_ed25519": c.edPubkeyHex(),
		"timestamp":      ts,
	}
	if len(c.subkey) > 0 {
		fields["subkey"] = hex.EncodeToString(c.subkey)
	}
	return fields
}

func (c *Client) sign(signBytes []byte) (string, error) {
	sig, err := c.keyPair.Sign(signBytes)
	if err != nil {
		return "", fmt.Errorf("storagerpc: sign request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (c *Client) call(ctx context.Context, node snodepool.ServiceNode, method string, params map[string]any) ([]byte, error) {
	payload, err := json.Marshal(storagerpcEnvelope{Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("storagerpc: marshal %s request: %w", method, err)
	}
	start := time.Now()
	resp, err := c.transport.Send(ctx, payload, onion.SnodeDestination{Node: node})
	if c.observer != nil {
		c.observer.ObserveStorageRPC(method, time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("storagerpc: %s request: %w", method, err)
	}
	return resp, nil
}

// collectOutcomes decodes a swarm envelope's items with decodeItem, which
// receives the node's Ed25519 hex key and its raw item and returns nil
// error on verified success. It returns the per-node outcomes in
// unspecified order alongside the count that succeeded.
func collectOutcomes(swarm map[string]json.RawMessage, decodeItem func(nodeHex string, raw json.RawMessage) error) ([]NodeOutcome, int) {
	outcomes := make([]NodeOutcome, 0, len(swarm))
	succeeded := 0
	for nodeHex, raw := range swarm {
		var failure swarmFailureEntry
		if err := json.Unmarshal(raw, &failure); err == nil && failure.Failed {
			outcomes = append(outcomes, NodeOutcome{NodeEd25519Hex: nodeHex, Err: failure.asError()})
			continue
		}
		err := decodeItem(nodeHex, raw)
		if err == nil {
			succeeded++
		}
		outcomes = append(outcomes, NodeOutcome{NodeEd25519Hex: nodeHex, Err: err})
	}
	return outcomes, succeeded
}
