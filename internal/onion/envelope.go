package onion

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/lanterncore/lantern/internal/crypto"
	"github.com/lanterncore/lantern/internal/pathbuilder"
	"github.com/lanterncore/lantern/internal/snodepool"
)

func hex32(b [32]byte) string {
	return hex.EncodeToString(b[:])
}

// routingInfo tells the hop that decrypts an envelope where to forward the
// inner ciphertext: another path hop, or the final destination.
type routingInfo struct {
	Type          string `json:"type"`
	IP            string `json:"ip,omitempty"`
	Port          int    `json:"port,omitempty"`
	Host          string `json:"host,omitempty"`
	Scheme        string `json:"scheme,omitempty"`
	TargetVersion int    `json:"target_version,omitempty"`
}

// onionEnvelope is the plaintext of one decrypted onion layer. Ciphertext
// is base64-encoded automatically by encoding/json's []byte handling,
// matching the base64(...) wire shape named in §4.4.
type onionEnvelope struct {
	Ciphertext   []byte      `json:"ciphertext"`
	EphemeralKey string      `json:"ephemeral_key"`
	Destination  routingInfo `json:"destination"`
}

func hopRoutingInfo(node snodepool.ServiceNode) routingInfo {
	return routingInfo{Type: "hop", IP: node.IP, Port: node.StoragePort}
}

// onionLayer derives the shared secret and AES key for one layer's target
// and seals plaintext under it, returning the layer's own ephemeral public
// key alongside.
func onionLayer(targetX25519Pub [32]byte, plaintext []byte) (ciphertext []byte, ephPub [32]byte, key []byte, err error) {
	ephPriv, ephPub, err := crypto.EphemeralX25519()
	if err != nil {
		return nil, ephPub, nil, fmt.Errorf("onion: generate layer ephemeral key: %w", err)
	}
	shared, err := crypto.EphemeralSharedSecret(ephPriv, targetX25519Pub)
	if err != nil {
		return nil, ephPub, nil, fmt.Errorf("onion: derive layer shared secret: %w", err)
	}
	key, err = crypto.DeriveSymmetricKey(shared, "onion-layer")
	if err != nil {
		return nil, ephPub, nil, fmt.Errorf("onion: derive layer key: %w", err)
	}
	ciphertext, err = crypto.SealGCM(key, plaintext, nil)
	if err != nil {
		return nil, ephPub, nil, fmt.Errorf("onion: seal layer: %w", err)
	}
	return ciphertext, ephPub, key, nil
}

// buildOnion constructs the layered-encryption request described in §4.4:
// the innermost layer addresses destination, each subsequent layer
// addresses the previous hop, and the outermost layer is what gets posted
// to the path's guard. It returns the outer ciphertext and ephemeral key
// to post, plus the symmetric key used for the destination layer (needed
// to decrypt the destination's response).
func buildOnion(path pathbuilder.Path, destination Destination, payload []byte) (outerCiphertext []byte, outerEphemeralPub [32]byte, finalKey []byte, err error) {
	nodes := path.Nodes
	if len(nodes) == 0 {
		return nil, outerEphemeralPub, nil, fmt.Errorf("onion: path has no hops")
	}

	destCipher, destEphPub, destKey, err := onionLayer(destination.x25519Pub(), payload)
	if err != nil {
		return nil, outerEphemeralPub, nil, err
	}
	finalKey = destKey

	currentCipher := destCipher
	currentEphPub := destEphPub
	currentDest := destination.routingInfo()

	for i := len(nodes) - 1; i >= 1; i-- {
		hop := nodes[i]
		envelope := onionEnvelope{
			Ciphertext:   currentCipher,
			EphemeralKey: hex32(currentEphPub),
			Destination:  currentDest,
		}
		serialized, err := json.Marshal(envelope)
		if err != nil {
			return nil, outerEphemeralPub, nil, fmt.Errorf("onion: marshal envelope for hop %d: %w", i, err)
		}

		cipher, ephPub, _, err := onionLayer(hop.X25519Pub, serialized)
		if err != nil {
			return nil, outerEphemeralPub, nil, fmt.Errorf("onion: wrap layer for hop %d: %w", i, err)
		}
		currentCipher = cipher
		currentEphPub = ephPub
		currentDest = hopRoutingInfo(hop)
	}

	guard := nodes[0]
	guardEnvelope := onionEnvelope{
		Ciphertext:   currentCipher,
		EphemeralKey: hex32(currentEphPub),
		Destination:  currentDest,
	}
	serialized, err := json.Marshal(guardEnvelope)
	if err != nil {
		return nil, outerEphemeralPub, nil, fmt.Errorf("onion: marshal guard envelope: %w", err)
	}

	outerCiphertext, outerEphemeralPub, _, err = onionLayer(guard.X25519Pub, serialized)
	if err != nil {
		return nil, outerEphemeralPub, nil, fmt.Errorf("onion: wrap guard layer: %w", err)
	}
	return outerCiphertext, outerEphemeralPub, finalKey, nil
}
