package storagerpc

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/lanterncore/lantern/internal/crypto"
)

// swarmEnvelope is the recursive multi-node response shape: a map from
// each responding node's Ed25519 hex pubkey to that node's own item.
type swarmEnvelope struct {
	Swarm map[string]json.RawMessage `json:"swarm"`
}

// swarmFailureEntry is the shape of a failed per-node item. Presence of
// "failed" distinguishes it from a success payload when decoding.
type swarmFailureEntry struct {
	Failed          bool   `json:"failed"`
	Timeout         bool   `json:"timeout,omitempty"`
	Code            *int   `json:"code,omitempty"`
	Reason          string `json:"reason,omitempty"`
	BadPeerResponse bool   `json:"bad_peer_response,omitempty"`
	QueryFailure    bool   `json:"query_failure,omitempty"`
}

func (f swarmFailureEntry) asError() error {
	switch {
	case f.Timeout:
		return fmt.Errorf("%w: timeout", ErrGeneric)
	case f.BadPeerResponse:
		return fmt.Errorf("%w: bad peer response", ErrGeneric)
	case f.QueryFailure:
		return fmt.Errorf("%w: query failure", ErrGeneric)
	case f.Reason != "":
		return fmt.Errorf("%w: %s", ErrGeneric, f.Reason)
	case f.Code != nil:
		return fmt.Errorf("%w: code %d", ErrGeneric, *f.Code)
	default:
		return ErrGeneric
	}
}

// NodeOutcome records one swarm member's per-request result: nil Err
// means the node reported (and, where applicable, signed) success.
type NodeOutcome struct {
	NodeEd25519Hex string
	Err            error
}

func parseSwarmEnvelope(body []byte) (map[string]json.RawMessage, error) {
	var env swarmEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("storagerpc: unmarshal swarm envelope: %w", err)
	}
	if env.Swarm == nil {
		return nil, fmt.Errorf("storagerpc: response has no swarm field")
	}
	return env.Swarm, nil
}

// QuorumKind selects how many successful swarm entries a call requires
// before its result is trusted.
type QuorumKind int

const (
	QuorumAll QuorumKind = iota
	QuorumAtLeastOne
	QuorumAtLeastHalf
)

func evaluateQuorum(kind QuorumKind, total, succeeded int) error {
	switch kind {
	case QuorumAll:
		if succeeded != total {
			return fmt.Errorf("%w: %d/%d nodes succeeded, all required", ErrQuorumNotMet, succeeded, total)
		}
	case QuorumAtLeastOne:
		if succeeded < 1 {
			return fmt.Errorf("%w: 0/%d nodes succeeded", ErrQuorumNotMet, total)
		}
	case QuorumAtLeastHalf:
		if succeeded*2 < total {
			return fmt.Errorf("%w: %d/%d nodes succeeded, at least half required", ErrQuorumNotMet, succeeded, total)
		}
	}
	return nil
}

// decodeHashList accepts either the flat-array or per-namespace-map shape
// a node may use for deleted/updated hash lists, flattening the latter in
// lexicographic namespace order.
func decodeHashList(raw json.RawMessage) ([]string, error) {
	var asList []string
	if err := json.Unmarshal(raw, &asList); err == nil {
		return asList, nil
	}
	var asMap map[string][]string
	if err := json.Unmarshal(raw, &asMap); err == nil {
		return flattenByNamespace(asMap), nil
	}
	return nil, fmt.Errorf("storagerpc: deleted/updated field is neither a list nor a namespace map")
}

func verifySignature(nodeEd25519Hex string, verifyBytes []byte, sigBase64 string) error {
	pubBytes, err := hex.DecodeString(nodeEd25519Hex)
	if err != nil || len(pubBytes) != 32 {
		return fmt.Errorf("%w: malformed node pubkey %q", ErrSignatureVerificationFailed, nodeEd25519Hex)
	}
	sig, err := base64.StdEncoding.DecodeString(sigBase64)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrSignatureVerificationFailed)
	}
	if !crypto.Verify(pubBytes, verifyBytes, sig) {
		return ErrSignatureVerificationFailed
	}
	return nil
}
