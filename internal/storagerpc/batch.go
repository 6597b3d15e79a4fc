package storagerpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lanterncore/lantern/internal/snodepool"
)

// SubRequest is one call bundled into a batch or sequence.
type SubRequest struct {
	Method string
	Params map[string]any
}

// SubCall pairs a SubRequest with the decoder its caller wants applied to
// the matching positional sub-response. Each sub-request supplies its own
// decoder since the batch is heterogeneous in type — there is no single
// response type to decode the whole list against.
type SubCall struct {
	Request SubRequest
	Decode  func(code int, body json.RawMessage) (any, error)
}

type subResponseItem struct {
	Code int             `json:"code"`
	Body json.RawMessage `json:"body"`
}

func (c *Client) runMulti(ctx context.Context, node snodepool.ServiceNode, method string, calls []SubCall) ([]any, error) {
	reqs := make([]map[string]any, len(calls))
	for i, call := range calls {
		reqs[i] = map[string]any{"method": call.Request.Method, "params": call.Request.Params}
	}

	body, err := c.call(ctx, node, method, map[string]any{"requests": reqs})
	if err != nil {
		return nil, err
	}

	var subResponses []subResponseItem
	if err := json.Unmarshal(body, &subResponses); err != nil {
		return nil, fmt.Errorf("storagerpc: unmarshal %s response: %w", method, err)
	}

	results := make([]any, len(calls))
	for i, sr := range subResponses {
		if i >= len(calls) {
			break
		}
		decoded, err := calls[i].Decode(sr.Code, sr.Body)
		if err != nil {
			return results, fmt.Errorf("storagerpc: decode %s sub-response %d: %w", method, i, err)
		}
		results[i] = decoded
	}
	return results, nil
}

// Batch executes every sub-request independently; a failure in one does
// not prevent the others from running.
func (c *Client) Batch(ctx context.Context, node snodepool.ServiceNode, calls []SubCall) ([]any, error) {
	return c.runMulti(ctx, node, "batch", calls)
}

// Sequence executes sub-requests in order, stopping at the first failure;
// later calls' results are left nil in the returned slice.
func (c *Client) Sequence(ctx context.Context, node snodepool.ServiceNode, calls []SubCall) ([]any, error) {
	return c.runMulti(ctx, node, "sequence", calls)
}

// GetInfo queries node for its version and network status. Unauthenticated.
func (c *Client) GetInfo(ctx context.Context, node snodepool.ServiceNode) (map[string]any, error) {
	body, err := c.call(ctx, node, "get_info", map[string]any{})
	if err != nil {
		return nil, err
	}
	var info map[string]any
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("storagerpc: unmarshal get_info response: %w", err)
	}
	return info, nil
}
