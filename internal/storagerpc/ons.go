package storagerpc

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lanterncore/lantern/internal/crypto"
	"github.com/lanterncore/lantern/internal/snodepool"
)

// onsQueryCount is how many independent nodes must agree on a resolved
// session ID before it is trusted.
const onsQueryCount = 3

// onsLegacySalt is the fixed zero salt the legacy ONS decryption scheme
// derives its Argon2id key with.
var onsLegacySalt = make([]byte, 16)

type onsResolveResponse struct {
	Result struct {
		EncryptedValue string `json:"encrypted_value"`
		Nonce          string `json:"nonce"`
	} `json:"result"`
}

// ResolveONS resolves name (an Open Name System name) to a session ID,
// querying onsQueryCount distinct nodes and requiring every decrypted
// result to agree.
func (c *Client) ResolveONS(ctx context.Context, nodes []snodepool.ServiceNode, name string) (string, error) {
	if len(nodes) < onsQueryCount {
		return "", fmt.Errorf("%w: ons resolution requires %d distinct nodes, got %d", ErrValidationFailed, onsQueryCount, len(nodes))
	}
	lowered := strings.ToLower(name)
	nameHash := crypto.Blake2bSum32([]byte(lowered))

	params := map[string]any{
		"endpoint": "ons_resolve",
		"params": map[string]any{
			"type":      0,
			"name_hash": base64.StdEncoding.EncodeToString(nameHash[:]),
		},
	}

	var sessionIDs []string
	for i := 0; i < onsQueryCount; i++ {
		body, err := c.call(ctx, nodes[i], "oxend_request", params)
		if err != nil {
			return "", err
		}
		sessionID, err := decryptONSResult(body, lowered)
		if err != nil {
			return "", err
		}
		sessionIDs = append(sessionIDs, sessionID)
	}

	for _, id := range sessionIDs[1:] {
		if id != sessionIDs[0] {
			return "", ErrOxenNameMismatch
		}
	}
	return sessionIDs[0], nil
}

func decryptONSResult(body []byte, loweredName string) (string, error) {
	var resp onsResolveResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("storagerpc: unmarshal ons_resolve response: %w", err)
	}
	ciphertext, err := hex.DecodeString(resp.Result.EncryptedValue)
	if err != nil {
		return "", fmt.Errorf("storagerpc: decode ons ciphertext: %w", err)
	}

	var plaintext []byte
	if resp.Result.Nonce != "" {
		nonce, err := hex.DecodeString(resp.Result.Nonce)
		if err != nil {
			return "", fmt.Errorf("storagerpc: decode ons nonce: %w", err)
		}
		innerKey := crypto.Blake2bSum32([]byte(loweredName))
		key, err := crypto.Blake2bKeyed(innerKey[:], []byte(loweredName), 32)
		if err != nil {
			return "", err
		}
		plaintext, err = crypto.OpenXChaCha20Poly1305(key, nonce, ciphertext)
		if err != nil {
			return "", fmt.Errorf("storagerpc: ons decrypt: %w", err)
		}
	} else {
		key := crypto.Argon2idModerate([]byte(loweredName), onsLegacySalt)
		plaintext, err = crypto.OpenSecretbox(key, ciphertext)
		if err != nil {
			return "", fmt.Errorf("storagerpc: legacy ons decrypt: %w", err)
		}
	}
	return string(plaintext), nil
}
