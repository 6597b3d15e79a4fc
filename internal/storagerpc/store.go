package storagerpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/lanterncore/lantern/internal/snodepool"
)

// StoreParams describes one message to persist on a recipient's swarm.
type StoreParams struct {
	Namespace Namespace
	Data      []byte
	TTLMs     int64
}

// StoreResult is the outcome of a store call: the hash assigned by the
// swarm (consistent across every node that accepted it) plus the
// per-node outcomes for callers that need the detail.
type StoreResult struct {
	Hash     string
	Outcomes []NodeOutcome
}

type storeNodeItem struct {
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
}

// Store persists data under the caller's identity, sent through node
// (expected to be a member of the recipient's swarm — typically the
// caller's own swarm for self-addressed namespaces, or the recipient's
// for direct storage). At least half the swarm must accept it.
func (c *Client) Store(ctx context.Context, node snodepool.ServiceNode, params StoreParams) (*StoreResult, error) {
	ts := c.networkNowMs()
	sigB64, err := c.sign(storeSignBytes(params.Namespace, ts))
	if err != nil {
		return nil, err
	}

	fields := c.baseFields(ts)
	fields["namespace"] = params.Namespace.wireValue()
	fields["data"] = base64.StdEncoding.EncodeToString(params.Data)
	fields["ttl"] = params.TTLMs
	fields["signature"] = sigB64

	body, err := c.call(ctx, node, "store", fields)
	if err != nil {
		return nil, err
	}
	swarm, err := parseSwarmEnvelope(body)
	if err != nil {
		return nil, err
	}

	var hash string
	outcomes, succeeded := collectOutcomes(swarm, func(nodeHex string, raw json.RawMessage) error {
		var item storeNodeItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("%w: unmarshal store item: %s", ErrGeneric, err)
		}
		if err := verifySignature(nodeHex, []byte(item.Hash), item.Signature); err != nil {
			return err
		}
		hash = item.Hash
		return nil
	})

	if err := evaluateQuorum(QuorumAtLeastHalf, len(swarm), succeeded); err != nil {
		return nil, err
	}
	return &StoreResult{Hash: hash, Outcomes: outcomes}, nil
}

// RetrieveParams describes a poll for pending messages in one namespace.
type RetrieveParams struct {
	Namespace Namespace
	LastHash  string
}

// RetrieveMessage is one message returned from a retrieve call, with its
// base64 body already decoded.
type RetrieveMessage struct {
	Hash      string
	Data      []byte
	ExpiryMs  int64
	Timestamp int64
}

// RetrieveResult is validated per-node with no quorum: the caller polls a
// single chosen swarm member and aggregates across calls to different
// members itself.
type RetrieveResult struct {
	Messages []RetrieveMessage
	LastHash string
}

type retrieveResponseItem struct {
	Messages []struct {
		Hash      string `json:"hash"`
		Data      string `json:"data"`
		ExpiryMs  int64  `json:"expiration"`
		Timestamp int64  `json:"timestamp"`
	} `json:"messages"`
	More bool `json:"more"`
}

// Retrieve fetches pending messages for the caller's own identity in one
// namespace from node, authenticated with a signed "retrieve" request.
func (c *Client) Retrieve(ctx context.Context, node snodepool.ServiceNode, params RetrieveParams) (*RetrieveResult, error) {
	ts := c.networkNowMs()
	sigB64, err := c.sign(retrieveSignBytes(params.Namespace, ts))
	if err != nil {
		return nil, err
	}

	fields := c.baseFields(ts)
	fields["namespace"] = params.Namespace.wireValue()
	if params.LastHash != "" {
		fields["last_hash"] = params.LastHash
	}
	fields["signature"] = sigB64

	body, err := c.call(ctx, node, "retrieve", fields)
	if err != nil {
		return nil, err
	}

	var item retrieveResponseItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("storagerpc: unmarshal retrieve response: %w", err)
	}

	result := &RetrieveResult{LastHash: params.LastHash}
	for _, m := range item.Messages {
		data, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			return nil, fmt.Errorf("storagerpc: decode retrieved message %s: %w", m.Hash, err)
		}
		result.Messages = append(result.Messages, RetrieveMessage{
			Hash: m.Hash, Data: data, ExpiryMs: m.ExpiryMs, Timestamp: m.Timestamp,
		})
		result.LastHash = m.Hash
	}
	return result, nil
}
