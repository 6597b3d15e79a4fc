package poller

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/lanterncore/lantern/internal/crypto"
	"github.com/lanterncore/lantern/internal/onion"
	"github.com/lanterncore/lantern/internal/snodepool"
	"github.com/lanterncore/lantern/internal/storagerpc"
)

type fakeSender struct {
	batchHandler func(params map[string]any) ([]byte, error)
}

func (f *fakeSender) Send(ctx context.Context, payload []byte, destination onion.Destination) ([]byte, error) {
	var req struct {
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if req.Method != "batch" {
		return nil, fmt.Errorf("fakeSender: unexpected method %q", req.Method)
	}
	return f.batchHandler(req.Params)
}

func newTestClient(t *testing.T, sender storagerpc.Sender) *storagerpc.Client {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate client keypair: %v", err)
	}
	return storagerpc.New(kp, sender, nil, zap.NewNop())
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestPollFetchesEachNamespaceAndTracksLastHash(t *testing.T) {
	sender := &fakeSender{batchHandler: func(params map[string]any) ([]byte, error) {
		return json.Marshal([]map[string]any{
			{"code": 200, "body": json.RawMessage(fmt.Sprintf(
				`{"messages":[{"hash":"h1","data":%q,"expiration":0,"timestamp":1}]}`, b64("hello")))},
			{"code": 200, "body": json.RawMessage(`{"messages":[]}`)},
		})
	}}
	client := newTestClient(t, sender)
	p := New(client, zap.NewNop())

	namespaces := []NamespaceRequest{
		{Namespace: storagerpc.DefaultNamespace, Authenticated: true},
		{Namespace: storagerpc.Namespace(-1), Authenticated: false},
	}

	results, expiries, err := p.Poll(context.Background(), snodepool.ServiceNode{}, namespaces, nil)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if expiries != nil {
		t.Fatalf("expected no expiry refresh without refreshHashes, got %v", expiries)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 namespace results, got %d", len(results))
	}
	if len(results[0].Messages) != 1 || string(results[0].Messages[0].Data) != "hello" {
		t.Fatalf("unexpected default-namespace messages: %+v", results[0].Messages)
	}
	if results[0].Messages[0].ExpiryMs == 0 {
		t.Fatalf("expected default expiry to be applied for a message with no server expiry")
	}

	lastHash, ok := p.LastHash(storagerpc.DefaultNamespace)
	if !ok || lastHash != "h1" {
		t.Fatalf("expected tracked last hash h1, got %q ok=%v", lastHash, ok)
	}
	if _, ok := p.LastHash(storagerpc.Namespace(-1)); ok {
		t.Fatalf("expected no tracked last hash for an empty namespace response")
	}
}

func TestPollBundlesExpiryRefresh(t *testing.T) {
	sender := &fakeSender{batchHandler: func(params map[string]any) ([]byte, error) {
		return json.Marshal([]map[string]any{
			{"code": 200, "body": json.RawMessage(`{"messages":[]}`)},
			{"code": 200, "body": json.RawMessage(`{"expiries":{"h1":1000,"h2":2000}}`)},
		})
	}}
	client := newTestClient(t, sender)
	p := New(client, zap.NewNop())

	namespaces := []NamespaceRequest{{Namespace: storagerpc.DefaultNamespace, Authenticated: true}}
	_, expiries, err := p.Poll(context.Background(), snodepool.ServiceNode{}, namespaces, []string{"h1", "h2"})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(expiries) != 2 {
		t.Fatalf("expected 2 refreshed expiries, got %d", len(expiries))
	}
}

func TestMaxSizeMapIsDeterministicAndSplitsByClass(t *testing.T) {
	namespaces := []storagerpc.Namespace{2, -1, 0, -3}

	first := MaxSizeMap(namespaces, 1000)
	reversed := append([]storagerpc.Namespace(nil), namespaces...)
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	second := MaxSizeMap(reversed, 1000)

	if len(first) != len(second) {
		t.Fatalf("expected equal-sized maps, got %d and %d", len(first), len(second))
	}
	for ns, size := range first {
		if second[ns] != size {
			t.Fatalf("non-deterministic allocation for namespace %d: %d vs %d", ns, size, second[ns])
		}
	}

	if first[-1] != first[-3] {
		t.Fatalf("expected equal shares within the config priority class, got %d and %d", first[-1], first[-3])
	}
	if first[0] != first[2] {
		t.Fatalf("expected equal shares within the standard priority class, got %d and %d", first[0], first[2])
	}
	if first[-1] == first[0] {
		t.Fatalf("expected different per-namespace shares across priority classes, got config=%d standard=%d", first[-1], first[0])
	}
}

func TestMaxSizeMapEmptyInput(t *testing.T) {
	if m := MaxSizeMap(nil, 1000); len(m) != 0 {
		t.Fatalf("expected empty map for no namespaces, got %v", m)
	}
}
