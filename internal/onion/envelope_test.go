package onion

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/lanterncore/lantern/internal/crypto"
	"github.com/lanterncore/lantern/internal/pathbuilder"
	"github.com/lanterncore/lantern/internal/snodepool"
)

func mustNode(t *testing.T, ip string, port int) (snodepool.ServiceNode, [32]byte) {
	t.Helper()
	priv, pub, err := crypto.EphemeralX25519()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return snodepool.ServiceNode{IP: ip, StoragePort: port, X25519Pub: pub}, priv
}

// decryptLayer undoes one onionLayer operation using the recipient's
// private scalar and the layer's advertised ephemeral public key.
func decryptLayer(t *testing.T, priv [32]byte, ephPubHex string, ciphertext []byte) []byte {
	t.Helper()
	ephPubBytes, err := hex.DecodeString(ephPubHex)
	if err != nil {
		t.Fatalf("decode ephemeral key hex: %v", err)
	}
	var ephPub [32]byte
	copy(ephPub[:], ephPubBytes)

	shared, err := crypto.EphemeralSharedSecret(priv, ephPub)
	if err != nil {
		t.Fatalf("derive shared secret: %v", err)
	}
	key, err := crypto.DeriveSymmetricKey(shared, "onion-layer")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	plaintext, err := crypto.OpenGCM(key, ciphertext, nil)
	if err != nil {
		t.Fatalf("open layer: %v", err)
	}
	return plaintext
}

func TestBuildOnionRoundTrip(t *testing.T) {
	guardNode, guardPriv := mustNode(t, "10.0.0.1", 10001)
	hopNode, hopPriv := mustNode(t, "10.0.0.2", 10002)
	destNode, destPriv := mustNode(t, "10.0.0.3", 10003)
	destination := SnodeDestination{Node: destNode}

	path := pathbuilder.Path{Nodes: []snodepool.ServiceNode{guardNode, hopNode}}
	payload := []byte("hello onion")

	outerCipher, outerEphPub, finalKey, err := buildOnion(path, destination, payload)
	if err != nil {
		t.Fatalf("buildOnion: %v", err)
	}

	// Guard layer: decrypted with the guard's private scalar and the
	// outer ephemeral public key posted alongside the request.
	guardPlaintext := decryptLayer(t, guardPriv, hex32(outerEphPub), outerCipher)
	var guardEnvelope onionEnvelope
	if err := json.Unmarshal(guardPlaintext, &guardEnvelope); err != nil {
		t.Fatalf("unmarshal guard envelope: %v", err)
	}
	if guardEnvelope.Destination.Type != "hop" || guardEnvelope.Destination.IP != hopNode.IP {
		t.Fatalf("guard envelope destination = %+v, want hop at %s", guardEnvelope.Destination, hopNode.IP)
	}

	// Hop layer: decrypted with the hop's private scalar.
	hopPlaintext := decryptLayer(t, hopPriv, guardEnvelope.EphemeralKey, guardEnvelope.Ciphertext)
	var hopEnvelope onionEnvelope
	if err := json.Unmarshal(hopPlaintext, &hopEnvelope); err != nil {
		t.Fatalf("unmarshal hop envelope: %v", err)
	}
	if hopEnvelope.Destination.Type != "snode" || hopEnvelope.Destination.IP != destNode.IP {
		t.Fatalf("hop envelope destination = %+v, want snode at %s", hopEnvelope.Destination, destNode.IP)
	}

	// Destination layer: decrypted two ways that must agree — with the
	// destination's own private scalar, and with the finalKey buildOnion
	// returned (what the caller uses to decrypt the eventual response).
	viaPriv := decryptLayer(t, destPriv, hopEnvelope.EphemeralKey, hopEnvelope.Ciphertext)
	if string(viaPriv) != string(payload) {
		t.Fatalf("destination plaintext = %q, want %q", viaPriv, payload)
	}

	viaFinalKey, err := crypto.OpenGCM(finalKey, hopEnvelope.Ciphertext, nil)
	if err != nil {
		t.Fatalf("open destination layer with finalKey: %v", err)
	}
	if string(viaFinalKey) != string(payload) {
		t.Fatalf("destination plaintext via finalKey = %q, want %q", viaFinalKey, payload)
	}
}

func TestBuildOnionSingleHopPath(t *testing.T) {
	guardNode, guardPriv := mustNode(t, "10.0.0.1", 10001)
	destNode, destPriv := mustNode(t, "10.0.0.3", 10003)
	destination := SnodeDestination{Node: destNode}

	path := pathbuilder.Path{Nodes: []snodepool.ServiceNode{guardNode}}
	payload := []byte("single hop payload")

	outerCipher, outerEphPub, finalKey, err := buildOnion(path, destination, payload)
	if err != nil {
		t.Fatalf("buildOnion: %v", err)
	}

	guardPlaintext := decryptLayer(t, guardPriv, hex32(outerEphPub), outerCipher)
	var guardEnvelope onionEnvelope
	if err := json.Unmarshal(guardPlaintext, &guardEnvelope); err != nil {
		t.Fatalf("unmarshal guard envelope: %v", err)
	}
	if guardEnvelope.Destination.Type != "snode" || guardEnvelope.Destination.IP != destNode.IP {
		t.Fatalf("guard envelope destination = %+v, want snode at %s", guardEnvelope.Destination, destNode.IP)
	}

	destPlaintext := decryptLayer(t, destPriv, guardEnvelope.EphemeralKey, guardEnvelope.Ciphertext)
	if string(destPlaintext) != string(payload) {
		t.Fatalf("destination plaintext = %q, want %q", destPlaintext, payload)
	}

	viaFinalKey, err := crypto.OpenGCM(finalKey, guardEnvelope.Ciphertext, nil)
	if err != nil {
		t.Fatalf("open destination layer with finalKey: %v", err)
	}
	if string(viaFinalKey) != string(payload) {
		t.Fatalf("destination plaintext via finalKey = %q, want %q", viaFinalKey, payload)
	}
}

func TestBuildOnionEmptyPathRejected(t *testing.T) {
	destNode, _ := mustNode(t, "10.0.0.3", 10003)
	destination := SnodeDestination{Node: destNode}
	_, _, _, err := buildOnion(pathbuilder.Path{}, destination, []byte("x"))
	if err == nil {
		t.Fatal("expected error for empty path")
	}
}
