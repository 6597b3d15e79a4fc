package snodepool

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// serviceNodeState is the wire shape of one node descriptor as returned by
// both the seed node's json_rpc endpoint and an existing node's own view of
// the pool.
type serviceNodeState struct {
	PublicIP      string `json:"public_ip"`
	StoragePort   int    `json:"storage_port"`
	PubkeyEd25519 string `json:"pubkey_ed25519"`
	PubkeyX25519  string `json:"pubkey_x25519"`
}

func (s serviceNodeState) toServiceNode() (ServiceNode, error) {
	var node ServiceNode
	edBytes, err := hex.DecodeString(s.PubkeyEd25519)
	if err != nil || len(edBytes) != 32 {
		return node, fmt.Errorf("snodepool: invalid ed25519 pubkey %q", s.PubkeyEd25519)
	}
	xBytes, err := hex.DecodeString(s.PubkeyX25519)
	if err != nil || len(xBytes) != 32 {
		return node, fmt.Errorf("snodepool: invalid x25519 pubkey %q", s.PubkeyX25519)
	}
	node.IP = s.PublicIP
	node.StoragePort = s.StoragePort
	copy(node.Ed25519Pub[:], edBytes)
	copy(node.X25519Pub[:], xBytes)
	return node, nil
}

// seedRPCRequest is the json_rpc envelope posted to a seed node.
type seedRPCRequest struct {
	Method string         `json:"method"`
	Params seedRPCParams  `json:"params"`
}

type seedRPCParams struct {
	ActiveOnly bool                `json:"active_only"`
	Limit      int                 `json:"limit"`
	Fields     seedRPCParamsFields `json:"fields"`
}

type seedRPCParamsFields struct {
	PublicIP      bool `json:"public_ip"`
	StoragePort   bool `json:"storage_port"`
	PubkeyEd25519 bool `json:"pubkey_ed25519"`
	PubkeyX25519  bool `json:"pubkey_x25519"`
}

type seedRPCResponse struct {
	Result struct {
		ServiceNodeStates []serviceNodeState `json:"service_node_states"`
	} `json:"result"`
}

// fetchFromSeed requests the full active node list from a single seed URL.
func fetchFromSeed(ctx context.Context, httpClient *http.Client, seedURL string) ([]ServiceNode, error) {
	reqBody := seedRPCRequest{
		Method: "get_n_service_nodes",
		Params: seedRPCParams{
			ActiveOnly: true,
			Limit:      MaxPoolSize,
			Fields: seedRPCParamsFields{
				PublicIP:      true,
				StoragePort:   true,
				PubkeyEd25519: true,
				PubkeyX25519:  true,
			},
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("snodepool: marshal seed request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, seedURL+"/json_rpc", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("snodepool: build seed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("snodepool: seed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snodepool: seed returned status %d", resp.StatusCode)
	}

	var parsed seedRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("snodepool: decode seed response: %w", err)
	}

	nodes := make([]ServiceNode, 0, len(parsed.Result.ServiceNodeStates))
	for _, s := range parsed.Result.ServiceNodeStates {
		node, err := s.toServiceNode()
		if err != nil {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// nodeStorageRPCRequest is the non-onion storage_rpc/v1 envelope, used here
// only for fallback pool-view queries against nodes already known to us.
type nodeStorageRPCRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type nodePoolViewResponse struct {
	ServiceNodeStates []serviceNodeState `json:"service_node_states"`
}

// queryNodePoolView asks an existing node for its own view of the pool,
// via the same non-onion storage_rpc/v1 path used for guard-test fallback.
func queryNodePoolView(ctx context.Context, httpClient *http.Client, node ServiceNode) ([]ServiceNode, error) {
	reqBody := nodeStorageRPCRequest{
		Method: "get_service_nodes",
		Params: map[string]interface{}{"limit": MaxPoolSize},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("snodepool: marshal node pool query: %w", err)
	}

	url := fmt.Sprintf("https://%s:%d/storage_rpc/v1", node.IP, node.StoragePort)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("snodepool: build node pool query: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("snodepool: node pool query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snodepool: node returned status %d", resp.StatusCode)
	}

	var parsed nodePoolViewResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("snodepool: decode node pool view: %w", err)
	}

	nodes := make([]ServiceNode, 0, len(parsed.ServiceNodeStates))
	for _, s := range parsed.ServiceNodeStates {
		n, err := s.toServiceNode()
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
