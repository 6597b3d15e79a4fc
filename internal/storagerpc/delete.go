package storagerpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lanterncore/lantern/internal/snodepool"
)

type deleteNodeItem struct {
	Deleted   json.RawMessage `json:"deleted"`
	Signature string          `json:"signature"`
}

// DeleteResult reports the hashes each swarm member actually deleted; at
// least one member must succeed for the call to be trusted.
type DeleteResult struct {
	Outcomes []NodeOutcome
	Deleted  map[string][]string // by node Ed25519 hex
}

// Delete removes the named message hashes from the caller's own storage.
// At least one swarm member must accept and sign the deletion.
func (c *Client) Delete(ctx context.Context, node snodepool.ServiceNode, hashes []string) (*DeleteResult, error) {
	if len(hashes) == 0 {
		return nil, fmt.Errorf("%w: delete requires at least one hash", ErrValidationFailed)
	}

	sigB64, err := c.sign(deleteSignBytes(hashes))
	if err != nil {
		return nil, err
	}
	fields := c.baseFields(c.networkNowMs())
	fields["messages"] = hashes
	fields["signature"] = sigB64

	body, err := c.call(ctx, node, "delete", fields)
	if err != nil {
		return nil, err
	}
	swarm, err := parseSwarmEnvelope(body)
	if err != nil {
		return nil, err
	}

	userX25519Hex := c.pubkeyHex()
	deleted := make(map[string][]string)
	outcomes, succeeded := collectOutcomes(swarm, func(nodeHex string, raw json.RawMessage) error {
		var item deleteNodeItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("%w: unmarshal delete item: %s", ErrGeneric, err)
		}
		list, err := decodeHashList(item.Deleted)
		if err != nil {
			return err
		}
		if err := verifySignature(nodeHex, deleteVerifyBytes(userX25519Hex, hashes, list), item.Signature); err != nil {
			return err
		}
		deleted[nodeHex] = list
		return nil
	})

	if err := evaluateQuorum(QuorumAtLeastOne, len(swarm), succeeded); err != nil {
		return nil, err
	}
	return &DeleteResult{Outcomes: outcomes, Deleted: deleted}, nil
}

// DeleteAll removes every message the caller owns in one namespace. At
// least one swarm member must accept and sign the deletion.
func (c *Client) DeleteAll(ctx context.Context, node snodepool.ServiceNode, ns Namespace) (*DeleteResult, error) {
	ts := c.networkNowMs()
	sigB64, err := c.sign(deleteAllSignBytes(ns, ts))
	if err != nil {
		return nil, err
	}
	fields := c.baseFields(ts)
	fields["namespace"] = ns.wireValue()
	fields["signature"] = sigB64

	body, err := c.call(ctx, node, "delete_all", fields)
	if err != nil {
		return nil, err
	}
	swarm, err := parseSwarmEnvelope(body)
	if err != nil {
		return nil, err
	}

	userX25519Hex := c.pubkeyHex()
	deleted := make(map[string][]string)
	outcomes, succeeded := collectOutcomes(swarm, func(nodeHex string, raw json.RawMessage) error {
		var item deleteNodeItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("%w: unmarshal delete_all item: %s", ErrGeneric, err)
		}
		list, err := decodeHashList(item.Deleted)
		if err != nil {
			return err
		}
		if err := verifySignature(nodeHex, deleteAllVerifyBytes(userX25519Hex, ts, list), item.Signature); err != nil {
			return err
		}
		deleted[nodeHex] = list
		return nil
	})

	if err := evaluateQuorum(QuorumAtLeastOne, len(swarm), succeeded); err != nil {
		return nil, err
	}
	return &DeleteResult{Outcomes: outcomes, Deleted: deleted}, nil
}

// DeleteBefore removes every message older than beforeMs in the selected
// namespace (or every namespace). At least one swarm member must accept
// and sign the deletion.
func (c *Client) DeleteBefore(ctx context.Context, node snodepool.ServiceNode, ns NamespaceSelector, beforeMs int64) (*DeleteResult, error) {
	sigB64, err := c.sign(deleteBeforeSignBytes(ns, beforeMs))
	if err != nil {
		return nil, err
	}
	fields := c.baseFields(c.networkNowMs())
	fields["namespace"] = ns.wireValue()
	fields["before"] = beforeMs
	fields["signature"] = sigB64

	body, err := c.call(ctx, node, "delete_before", fields)
	if err != nil {
		return nil, err
	}
	swarm, err := parseSwarmEnvelope(body)
	if err != nil {
		return nil, err
	}

	userX25519Hex := c.pubkeyHex()
	deleted := make(map[string][]string)
	outcomes, succeeded := collectOutcomes(swarm, func(nodeHex string, raw json.RawMessage) error {
		var item deleteNodeItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("%w: unmarshal delete_before item: %s", ErrGeneric, err)
		}
		list, err := decodeHashList(item.Deleted)
		if err != nil {
			return err
		}
		if err := verifySignature(nodeHex, deleteBeforeVerifyBytes(userX25519Hex, beforeMs, list), item.Signature); err != nil {
			return err
		}
		deleted[nodeHex] = list
		return nil
	})

	if err := evaluateQuorum(QuorumAtLeastOne, len(swarm), succeeded); err != nil {
		return nil, err
	}
	return &DeleteResult{Outcomes: outcomes, Deleted: deleted}, nil
}
