package storagerpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lanterncore/lantern/internal/snodepool"
)

type expireNodeItem struct {
	Updated   []string         `json:"updated"`
	Unchanged map[string]int64 `json:"unchanged"`
	Expiry    int64            `json:"expiry"`
	Signature string           `json:"signature"`
}

// ExpireResult reports, per swarm node, which hashes had their expiry
// changed and what expiry was ultimately applied. Every swarm member
// must accept for the call to be trusted.
type ExpireResult struct {
	Outcomes []NodeOutcome
	Updated  map[string][]string // by node Ed25519 hex
}

// Expire changes the expiry of the named hashes, constrained by mode.
// All swarm members must accept and sign the change.
func (c *Client) Expire(ctx context.Context, node snodepool.ServiceNode, mode ExpireMode, expiryMs int64, hashes []string) (*ExpireResult, error) {
	if len(hashes) == 0 {
		return nil, fmt.Errorf("%w: expire requires at least one hash", ErrValidationFailed)
	}

	sigB64, err := c.sign(expireSignBytes(mode, expiryMs, hashes))
	if err != nil {
		return nil, err
	}
	fields := c.baseFields(c.networkNowMs())
	fields["messages"] = hashes
	fields["expiry"] = expiryMs
	if s := mode.signString(); s != "" {
		fields[s] = true
	}
	fields["signature"] = sigB64

	body, err := c.call(ctx, node, "expire", fields)
	if err != nil {
		return nil, err
	}
	swarm, err := parseSwarmEnvelope(body)
	if err != nil {
		return nil, err
	}

	userX25519Hex := c.pubkeyHex()
	updated := make(map[string][]string)
	outcomes, succeeded := collectOutcomes(swarm, func(nodeHex string, raw json.RawMessage) error {
		var item expireNodeItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("%w: unmarshal expire item: %s", ErrGeneric, err)
		}
		verifyBytes := expireVerifyBytes(userX25519Hex, item.Expiry, hashes, item.Updated, item.Unchanged)
		if err := verifySignature(nodeHex, verifyBytes, item.Signature); err != nil {
			return err
		}
		updated[nodeHex] = item.Updated
		return nil
	})

	if err := evaluateQuorum(QuorumAll, len(swarm), succeeded); err != nil {
		return nil, err
	}
	return &ExpireResult{Outcomes: outcomes, Updated: updated}, nil
}

type expireAllNodeItem struct {
	Updated   json.RawMessage `json:"updated"`
	Signature string          `json:"signature"`
}

// ExpireAllResult reports, per swarm node, which hashes had their expiry
// set to the new value. All swarm members must accept.
type ExpireAllResult struct {
	Outcomes []NodeOutcome
	Updated  map[string][]string
}

// ExpireAll sets the expiry of every message in the selected namespace
// (or every namespace). All swarm members must accept and sign the change.
func (c *Client) ExpireAll(ctx context.Context, node snodepool.ServiceNode, ns NamespaceSelector, expiryMs int64) (*ExpireAllResult, error) {
	sigB64, err := c.sign(expireAllSignBytes(ns, expiryMs))
	if err != nil {
		return nil, err
	}
	fields := c.baseFields(c.networkNowMs())
	fields["namespace"] = ns.wireValue()
	fields["expiry"] = expiryMs
	fields["signature"] = sigB64

	body, err := c.call(ctx, node, "expire_all", fields)
	if err != nil {
		return nil, err
	}
	swarm, err := parseSwarmEnvelope(body)
	if err != nil {
		return nil, err
	}

	userX25519Hex := c.pubkeyHex()
	updated := make(map[string][]string)
	outcomes, succeeded := collectOutcomes(swarm, func(nodeHex string, raw json.RawMessage) error {
		var item expireAllNodeItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("%w: unmarshal expire_all item: %s", ErrGeneric, err)
		}
		list, err := decodeHashList(item.Updated)
		if err != nil {
			return err
		}
		if err := verifySignature(nodeHex, expireAllVerifyBytes(userX25519Hex, expiryMs, list), item.Signature); err != nil {
			return err
		}
		updated[nodeHex] = list
		return nil
	})

	if err := evaluateQuorum(QuorumAll, len(swarm), succeeded); err != nil {
		return nil, err
	}
	return &ExpireAllResult{Outcomes: outcomes, Updated: updated}, nil
}

// ExpiryInfo reports one node's view of a hash's current expiry.
type ExpiryInfo struct {
	Hash     string
	ExpiryMs int64
}

type getExpiriesNodeItem struct {
	Expiries map[string]int64 `json:"expiries"`
}

// GetExpiries queries node for the current expiries of hashes, as seen by
// that single node. Unauthenticated against quorum — the caller
// aggregates across nodes itself, as with Retrieve.
func (c *Client) GetExpiries(ctx context.Context, node snodepool.ServiceNode, hashes []string) ([]ExpiryInfo, error) {
	if len(hashes) == 0 {
		return nil, fmt.Errorf("%w: get_expiries requires at least one hash", ErrValidationFailed)
	}

	ts := c.networkNowMs()
	sigB64, err := c.sign(getExpiriesSignBytes(ts, hashes))
	if err != nil {
		return nil, err
	}
	fields := c.baseFields(ts)
	fields["messages"] = hashes
	fields["signature"] = sigB64

	body, err := c.call(ctx, node, "get_expiries", fields)
	if err != nil {
		return nil, err
	}

	var item getExpiriesNodeItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("storagerpc: unmarshal get_expiries response: %w", err)
	}
	infos := make([]ExpiryInfo, 0, len(item.Expiries))
	for hash, expiry := range item.Expiries {
		infos = append(infos, ExpiryInfo{Hash: hash, ExpiryMs: expiry})
	}
	return infos, nil
}

// RevokeSubkeyResult is the outcome of a revoke_subkey call. All swarm
// members must accept for the revocation to be trusted.
type RevokeSubkeyResult struct {
	Outcomes []NodeOutcome
}

// RevokeSubkey invalidates subkey for every future authenticated request.
// All swarm members must accept and sign the revocation.
func (c *Client) RevokeSubkey(ctx context.Context, node snodepool.ServiceNode, subkey []byte) (*RevokeSubkeyResult, error) {
	sigB64, err := c.sign(revokeSubkeySignBytes(subkey))
	if err != nil {
		return nil, err
	}
	fields := c.baseFields(c.networkNowMs())
	fields["revoke_subkey"] = fmt.Sprintf("%x", subkey)
	fields["signature"] = sigB64

	body, err := c.call(ctx, node, "revoke_subkey", fields)
	if err != nil {
		return nil, err
	}
	swarm, err := parseSwarmEnvelope(body)
	if err != nil {
		return nil, err
	}

	userX25519Hex := c.pubkeyHex()
	outcomes, succeeded := collectOutcomes(swarm, func(nodeHex string, raw json.RawMessage) error {
		var item struct {
			Signature string `json:"signature"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("%w: unmarshal revoke_subkey item: %s", ErrGeneric, err)
		}
		return verifySignature(nodeHex, revokeSubkeyVerifyBytes(userX25519Hex, subkey), item.Signature)
	})

	if err := evaluateQuorum(QuorumAll, len(swarm), succeeded); err != nil {
		return nil, err
	}
	return &RevokeSubkeyResult{Outcomes: outcomes}, nil
}
