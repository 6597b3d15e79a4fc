package onion

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lanterncore/lantern/internal/crypto"
	"github.com/lanterncore/lantern/internal/pathbuilder"
	"github.com/lanterncore/lantern/internal/snodepool"
)

type fakePathSource struct {
	path           pathbuilder.Path
	creditedPathID *uuid.UUID
}

func (f *fakePathSource) GetPath(ctx context.Context, excluding *snodepool.NodeKey) (pathbuilder.Path, error) {
	return f.path, nil
}

func (f *fakePathSource) CreditPathFailure(pathID uuid.UUID) {
	id := pathID
	f.creditedPathID = &id
}

type fakeNodeBlamer struct {
	creditedNode *snodepool.ServiceNode
}

func (f *fakeNodeBlamer) CreditFailure(ctx context.Context, node snodepool.ServiceNode) {
	n := node
	f.creditedNode = &n
}

type fakeClockSetter struct {
	offsetMs *int64
}

func (f *fakeClockSetter) SetClockOffset(ctx context.Context, offsetMs int64) error {
	ms := offsetMs
	f.offsetMs = &ms
	return nil
}

func deriveLayerKey(t *testing.T, priv [32]byte, ephPubHex string) []byte {
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
	return key
}

// guardRelayTransport decrypts the single-hop onion request as the guard
// (who, for a one-node path, also addresses the destination directly) and
// encrypts a response under the same derived destination key — exercising
// the transport's real decode paths without a live network.
type guardRelayTransport struct {
	t         *testing.T
	guardPriv [32]byte
	destPriv  [32]byte
	respond   func(destKey []byte) (status int, body []byte)
}

func (g guardRelayTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	reqBytes, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	var posted onionPostBody
	if err := json.Unmarshal(reqBytes, &posted); err != nil {
		return nil, err
	}

	guardKey := deriveLayerKey(g.t, g.guardPriv, posted.EphemeralKey)
	guardPlaintext, err := crypto.OpenGCM(guardKey, posted.Ciphertext, nil)
	if err != nil {
		return nil, err
	}
	var guardEnvelope onionEnvelope
	if err := json.Unmarshal(guardPlaintext, &guardEnvelope); err != nil {
		return nil, err
	}

	destKey := deriveLayerKey(g.t, g.destPriv, guardEnvelope.EphemeralKey)
	status, body := g.respond(destKey)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Header:     make(http.Header),
	}, nil
}

func buildV3ResponseBody(t *testing.T, destKey []byte, statusCode int, respBody []byte, networkMs *int64) []byte {
	t.Helper()
	plaintext, err := json.Marshal(v3Plaintext{
		StatusCode: statusCode,
		Body:       base64.StdEncoding.EncodeToString(respBody),
		T:          networkMs,
	})
	if err != nil {
		t.Fatalf("marshal v3 plaintext: %v", err)
	}
	sealed, err := crypto.SealGCM(destKey, plaintext, nil)
	if err != nil {
		t.Fatalf("seal v3 plaintext: %v", err)
	}
	envelopeBytes, err := json.Marshal(v3ResponseEnvelope{Result: base64.StdEncoding.EncodeToString(sealed)})
	if err != nil {
		t.Fatalf("marshal v3 envelope: %v", err)
	}
	return envelopeBytes
}

func buildV4ResponseBody(t *testing.T, destKey []byte, statusCode int, respBody []byte) []byte {
	t.Helper()
	infoBytes, err := json.Marshal(v4ResponseInfo{Code: statusCode, Headers: map[string]string{}})
	if err != nil {
		t.Fatalf("marshal v4 info: %v", err)
	}
	plaintext := encodeBencodeList([][]byte{infoBytes, respBody})
	sealed, err := crypto.SealGCM(destKey, plaintext, nil)
	if err != nil {
		t.Fatalf("seal v4 plaintext: %v", err)
	}
	return sealed
}

func newSingleHopPath(t *testing.T) (pathbuilder.Path, [32]byte, snodepool.ServiceNode, [32]byte) {
	t.Helper()
	guardNode, guardPriv := mustNode(t, "10.1.1.1", 20001)
	destNode, destPriv := mustNode(t, "10.1.1.2", 20002)
	path := pathbuilder.Path{ID: uuid.New(), Nodes: []snodepool.ServiceNode{guardNode}}
	return path, guardPriv, destNode, destPriv
}

func TestTransportSendV3HappyPath(t *testing.T) {
	path, guardPriv, destNode, destPriv := newSingleHopPath(t)
	wantBody := []byte(`{"ok":true}`)

	relay := guardRelayTransport{
		t: t, guardPriv: guardPriv, destPriv: destPriv,
		respond: func(destKey []byte) (int, []byte) {
			return http.StatusOK, buildV3ResponseBody(t, destKey, 200, wantBody, nil)
		},
	}

	pathSource := &fakePathSource{path: path}
	nodeBlamer := &fakeNodeBlamer{}
	clock := &fakeClockSetter{}
	transport := New(pathSource, nodeBlamer, clock, zap.NewNop())
	transport.httpClient = &http.Client{Transport: relay}

	got, err := transport.Send(context.Background(), []byte("request payload"), SnodeDestination{Node: destNode})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(got) != string(wantBody) {
		t.Fatalf("response body = %q, want %q", got, wantBody)
	}
	if pathSource.creditedPathID != nil {
		t.Fatalf("expected no path credit on success, got %v", *pathSource.creditedPathID)
	}
}

func TestTransportSendV3ClockOffsetUpdatesOnNetworkTime(t *testing.T) {
	path, guardPriv, destNode, destPriv := newSingleHopPath(t)
	networkMs := int64(1_800_000_000_000)

	relay := guardRelayTransport{
		t: t, guardPriv: guardPriv, destPriv: destPriv,
		respond: func(destKey []byte) (int, []byte) {
			return http.StatusOK, buildV3ResponseBody(t, destKey, 200, []byte("{}"), &networkMs)
		},
	}

	pathSource := &fakePathSource{path: path}
	clock := &fakeClockSetter{}
	transport := New(pathSource, &fakeNodeBlamer{}, clock, zap.NewNop())
	transport.httpClient = &http.Client{Transport: relay}

	if _, err := transport.Send(context.Background(), []byte("p"), SnodeDestination{Node: destNode}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if clock.offsetMs == nil {
		t.Fatal("expected clock offset to be set")
	}
}

func TestTransportSendV4HappyPath(t *testing.T) {
	path, guardPriv, destNode, destPriv := newSingleHopPath(t)
	wantBody := []byte("v4 body bytes")

	relay := guardRelayTransport{
		t: t, guardPriv: guardPriv, destPriv: destPriv,
		respond: func(destKey []byte) (int, []byte) {
			return http.StatusOK, buildV4ResponseBody(t, destKey, 200, wantBody)
		},
	}

	pathSource := &fakePathSource{path: path}
	transport := New(pathSource, &fakeNodeBlamer{}, &fakeClockSetter{}, zap.NewNop())
	transport.httpClient = &http.Client{Transport: relay}

	destination := ServerDestination{
		Host: "files.example", X25519PubKey: destNode.X25519Pub, Scheme: "https", Port: 443, TargetVersion: 4,
	}
	got, err := transport.Send(context.Background(), []byte("p"), destination)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(got) != string(wantBody) {
		t.Fatalf("response body = %q, want %q", got, wantBody)
	}
}

func TestTransportSendDestinationErrorStatusNotCredited(t *testing.T) {
	path, guardPriv, destNode, destPriv := newSingleHopPath(t)

	relay := guardRelayTransport{
		t: t, guardPriv: guardPriv, destPriv: destPriv,
		respond: func(destKey []byte) (int, []byte) {
			return http.StatusOK, buildV3ResponseBody(t, destKey, 500, []byte("server error"), nil)
		},
	}

	pathSource := &fakePathSource{path: path}
	nodeBlamer := &fakeNodeBlamer{}
	transport := New(pathSource, nodeBlamer, &fakeClockSetter{}, zap.NewNop())
	transport.httpClient = &http.Client{Transport: relay}

	_, err := transport.Send(context.Background(), []byte("p"), SnodeDestination{Node: destNode})
	if err == nil {
		t.Fatal("expected error for destination-level failure status")
	}
	var destErr *HTTPRequestFailedAtDestinationError
	if !errors.As(err, &destErr) {
		t.Fatalf("expected HTTPRequestFailedAtDestinationError, got %v", err)
	}
	if destErr.Status != 500 {
		t.Fatalf("status = %d, want 500", destErr.Status)
	}
	if pathSource.creditedPathID != nil {
		t.Fatal("destination-level error must not credit the path")
	}
	if nodeBlamer.creditedNode != nil {
		t.Fatal("destination-level error must not credit a node")
	}
}

func TestTransportSendSignatureFailureMapped(t *testing.T) {
	path, guardPriv, destNode, destPriv := newSingleHopPath(t)

	relay := guardRelayTransport{
		t: t, guardPriv: guardPriv, destPriv: destPriv,
		respond: func(destKey []byte) (int, []byte) {
			return http.StatusOK, buildV3ResponseBody(t, destKey, 401, nil, nil)
		},
	}

	transport := New(&fakePathSource{path: path}, &fakeNodeBlamer{}, &fakeClockSetter{}, zap.NewNop())
	transport.httpClient = &http.Client{Transport: relay}

	_, err := transport.Send(context.Background(), []byte("p"), SnodeDestination{Node: destNode})
	if !errors.Is(err, ErrSignatureVerificationFailed) {
		t.Fatalf("err = %v, want ErrSignatureVerificationFailed", err)
	}
}

func TestTransportSendClockOutOfSyncMapped(t *testing.T) {
	path, guardPriv, destNode, destPriv := newSingleHopPath(t)

	relay := guardRelayTransport{
		t: t, guardPriv: guardPriv, destPriv: destPriv,
		respond: func(destKey []byte) (int, []byte) {
			return http.StatusOK, buildV3ResponseBody(t, destKey, http.StatusTooEarly, nil, nil)
		},
	}

	transport := New(&fakePathSource{path: path}, &fakeNodeBlamer{}, &fakeClockSetter{}, zap.NewNop())
	transport.httpClient = &http.Client{Transport: relay}

	_, err := transport.Send(context.Background(), []byte("p"), SnodeDestination{Node: destNode})
	if !errors.Is(err, ErrClockOutOfSync) {
		t.Fatalf("err = %v, want ErrClockOutOfSync", err)
	}
}

var errSimulatedNetworkFailure = errors.New("simulated network failure")

type guardHTTPErrorTransport struct{}

func (guardHTTPErrorTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return nil, errSimulatedNetworkFailure
}

func TestTransportSendRelayFailureCreditsPath(t *testing.T) {
	path, _, destNode, _ := newSingleHopPath(t)
	pathSource := &fakePathSource{path: path}
	transport := New(pathSource, &fakeNodeBlamer{}, &fakeClockSetter{}, zap.NewNop())
	transport.httpClient = &http.Client{Transport: guardHTTPErrorTransport{}}

	_, err := transport.Send(context.Background(), []byte("p"), SnodeDestination{Node: destNode})
	if err == nil {
		t.Fatal("expected error")
	}
	if pathSource.creditedPathID == nil || *pathSource.creditedPathID != path.ID {
		t.Fatal("expected path to be credited on transport-level relay failure")
	}
}

type guardNonOKStatusTransport struct {
	body string
}

func (g guardNonOKStatusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusInternalServerError,
		Body:       io.NopCloser(bytes.NewReader([]byte(g.body))),
		Header:     make(http.Header),
	}, nil
}

func TestTransportSendNextNodeNotFoundBlamesHop(t *testing.T) {
	path, _, destNode, _ := newSingleHopPath(t)
	guardHop := path.Nodes[0]

	pathSource := &fakePathSource{path: path}
	nodeBlamer := &fakeNodeBlamer{}
	transport := New(pathSource, nodeBlamer, &fakeClockSetter{}, zap.NewNop())
	transport.httpClient = &http.Client{
		Transport: guardNonOKStatusTransport{body: "Next node not found: " + guardHop.Ed25519PubHex()},
	}

	_, err := transport.Send(context.Background(), []byte("p"), SnodeDestination{Node: destNode})
	if err == nil {
		t.Fatal("expected error")
	}
	if nodeBlamer.creditedNode == nil || nodeBlamer.creditedNode.Key() != guardHop.Key() {
		t.Fatal("expected the named hop to be credited")
	}
	if pathSource.creditedPathID != nil {
		t.Fatal("expected the path itself not to be credited when a specific hop is named")
	}
}
