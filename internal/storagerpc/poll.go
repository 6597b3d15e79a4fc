package storagerpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// RetrieveSubCall builds the SubRequest/decoder pair for bundling an
// authenticated retrieve into a Batch or Sequence call against one node,
// used by the polling flow to fetch several namespaces in a single
// round trip.
func (c *Client) RetrieveSubCall(params RetrieveParams) (SubCall, error) {
	ts := c.networkNowMs()
	sigB64, err := c.sign(retrieveSignBytes(params.Namespace, ts))
	if err != nil {
		return SubCall{}, err
	}

	fields := c.baseFields(ts)
	fields["namespace"] = params.Namespace.wireValue()
	if params.LastHash != "" {
		fields["last_hash"] = params.LastHash
	}
	fields["signature"] = sigB64

	return SubCall{
		Request: SubRequest{Method: "retrieve", Params: fields},
		Decode:  func(_ int, body json.RawMessage) (any, error) { return decodeRetrieveBody(body, params.LastHash) },
	}, nil
}

// RetrieveUnauthenticatedSubCall builds the SubRequest/decoder pair for a
// legacy namespace that predates per-namespace signing: it carries the
// caller's pubkey and last_hash but no signature.
func (c *Client) RetrieveUnauthenticatedSubCall(params RetrieveParams) (SubCall, error) {
	fields := map[string]any{
		"pubkey":    c.pubkeyHex(),
		"namespace": params.Namespace.wireValue(),
	}
	if params.LastHash != "" {
		fields["last_hash"] = params.LastHash
	}
	return SubCall{
		Request: SubRequest{Method: "retrieve", Params: fields},
		Decode:  func(_ int, body json.RawMessage) (any, error) { return decodeRetrieveBody(body, params.LastHash) },
	}, nil
}

func decodeRetrieveBody(body json.RawMessage, lastHash string) (any, error) {
	var item retrieveResponseItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("storagerpc: unmarshal retrieve sub-response: %w", err)
	}
	result := &RetrieveResult{LastHash: lastHash}
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

// GetExpiriesSubCall builds the SubRequest/decoder pair for bundling a
// get_expiries call alongside a batch of retrieves, used to refresh TTLs
// for a set of already-known hashes in the same poll round trip.
func (c *Client) GetExpiriesSubCall(hashes []string) (SubCall, error) {
	if len(hashes) == 0 {
		return SubCall{}, fmt.Errorf("%w: get_expiries requires at least one hash", ErrValidationFailed)
	}
	ts := c.networkNowMs()
	sigB64, err := c.sign(getExpiriesSignBytes(ts, hashes))
	if err != nil {
		return SubCall{}, err
	}
	fields := c.baseFields(ts)
	fields["messages"] = hashes
	fields["signature"] = sigB64

	return SubCall{
		Request: SubRequest{Method: "get_expiries", Params: fields},
		Decode: func(_ int, body json.RawMessage) (any, error) {
			var item getExpiriesNodeItem
			if err := json.Unmarshal(body, &item); err != nil {
				return nil, fmt.Errorf("storagerpc: unmarshal get_expiries sub-response: %w", err)
			}
			infos := make([]ExpiryInfo, 0, len(item.Expiries))
			for hash, expiry := range item.Expiries {
				infos = append(infos, ExpiryInfo{Hash: hash, ExpiryMs: expiry})
			}
			return infos, nil
		},
	}, nil
}
