// Package onion builds layered AES-GCM onion requests through a cached
// path to either a service node or an external server, and decrypts the
// resulting nested response envelope.
package onion

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lanterncore/lantern/internal/crypto"
	"github.com/lanterncore/lantern/internal/pathbuilder"
	"github.com/lanterncore/lantern/internal/snodepool"
)

// PathSource is the subset of the path builder the transport depends on.
type PathSource interface {
	GetPath(ctx context.Context, excluding *snodepool.NodeKey) (pathbuilder.Path, error)
	CreditPathFailure(pathID uuid.UUID)
}

// NodeBlamer credits a node-level failure independent of any path, used
// when a relay error names the offending hop directly.
type NodeBlamer interface {
	CreditFailure(ctx context.Context, node snodepool.ServiceNode)
}

// ClockOffsetSetter persists the client's best estimate of its clock
// offset from network time, refreshed from any v3 response that reports
// server time.
type ClockOffsetSetter interface {
	SetClockOffset(ctx context.Context, offsetMs int64) error
}

// Transport sends onion requests and decrypts their responses.
type Transport struct {
	paths      PathSource
	pool       NodeBlamer
	clock      ClockOffsetSetter
	httpClient *http.Client
	logger     *zap.Logger
	timeout    time.Duration
}

// New creates a Transport.
func New(paths PathSource, pool NodeBlamer, clock ClockOffsetSetter, logger *zap.Logger) *Transport {
	return &Transport{
		paths:      paths,
		pool:       pool,
		clock:      clock,
		httpClient: &http.Client{},
		logger:     logger.Named("onion"),
		timeout:    DefaultTimeout,
	}
}

// WithTimeout returns a shallow copy of the Transport using the given
// per-call timeout instead of DefaultTimeout.
func (t *Transport) WithTimeout(timeout time.Duration) *Transport {
	clone := *t
	clone.timeout = timeout
	return &clone
}

type onionPostBody struct {
	Ciphertext   []byte `json:"ciphertext"`
	EphemeralKey string `json:"ephemeral_key"`
}

// Send builds an onion request addressed to destination, posts it through
// a cached path's guard, and returns the decrypted response body.
func (t *Transport) Send(ctx context.Context, payload []byte, destination Destination) ([]byte, error) {
	path, err := t.paths.GetPath(ctx, destination.excludeKey())
	if err != nil {
		return nil, fmt.Errorf("onion: get path: %w", err)
	}

	outerCipher, outerEphPub, finalKey, err := buildOnion(path, destination, payload)
	if err != nil {
		return nil, fmt.Errorf("onion: build request: %w", err)
	}

	reqBody, err := json.Marshal(onionPostBody{Ciphertext: outerCipher, EphemeralKey: hex32(outerEphPub)})
	if err != nil {
		return nil, fmt.Errorf("onion: marshal request body: %w", err)
	}
	if len(reqBody) > MaxRequestSize {
		return nil, ErrRequestTooLarge
	}
	if float64(len(reqBody)) >= requestSizeWarnRatio*float64(MaxRequestSize) {
		t.logger.Warn("onion request body approaching size limit",
			zap.Int("size", len(reqBody)), zap.Int("limit", MaxRequestSize))
	}

	guard := path.Guard()
	url := fmt.Sprintf("https://%s:%d/onion_req/v2", guard.IP, guard.StoragePort)

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("onion: build http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Timeout is not a routing failure; no snode is blamed.
			return nil, fmt.Errorf("onion: request timed out: %w", err)
		}
		t.classifyFailure(ctx, path, "")
		return nil, fmt.Errorf("onion: post to guard failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.classifyFailure(ctx, path, "")
		return nil, fmt.Errorf("onion: read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.classifyFailure(ctx, path, string(body))
		return nil, fmt.Errorf("onion: guard relay returned status %d: %s", resp.StatusCode, body)
	}

	targetVersion := v3TargetVersion
	if server, ok := destination.(ServerDestination); ok && server.TargetVersion != 0 {
		targetVersion = server.TargetVersion
	}

	var (
		statusCode int
		respBody   []byte
		networkMs  *int64
	)
	switch targetVersion {
	case v4TargetVersion:
		statusCode, respBody, err = t.decodeV4(body, finalKey)
	default:
		statusCode, respBody, networkMs, err = t.decodeV3(body, finalKey)
	}
	if err != nil {
		t.classifyFailure(ctx, path, "")
		return nil, fmt.Errorf("onion: decode response: %w", err)
	}

	if networkMs != nil {
		offset := *networkMs - time.Now().UnixMilli()
		if setErr := t.clock.SetClockOffset(ctx, offset); setErr != nil {
			t.logger.Warn("failed to persist clock offset", zap.Error(setErr))
		}
	}

	switch {
	case statusCode == http.StatusUnauthorized:
		return nil, ErrSignatureVerificationFailed
	case statusCode == http.StatusNotAcceptable || statusCode == http.StatusTooEarly:
		return nil, ErrClockOutOfSync
	case statusCode >= 200 && statusCode < 300:
		return respBody, nil
	default:
		return nil, &HTTPRequestFailedAtDestinationError{Status: statusCode, Body: respBody, Destination: destination}
	}
}

type v3ResponseEnvelope struct {
	Result string `json:"result"`
}

type v3Plaintext struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
	T          *int64 `json:"t,omitempty"`
}

func (t *Transport) decodeV3(body []byte, finalKey []byte) (statusCode int, respBody []byte, networkMs *int64, err error) {
	var envelope v3ResponseEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, nil, nil, fmt.Errorf("onion: unmarshal v3 envelope: %w", err)
	}
	ivAndCiphertext, err := base64.StdEncoding.DecodeString(envelope.Result)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("onion: decode v3 result base64: %w", err)
	}
	plaintext, err := crypto.OpenGCM(finalKey, ivAndCiphertext, nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("onion: decrypt v3 response: %w", err)
	}

	var parsed v3Plaintext
	if err := json.Unmarshal(plaintext, &parsed); err != nil {
		return 0, nil, nil, fmt.Errorf("onion: unmarshal v3 plaintext: %w", err)
	}

	decodedBody, err := base64.StdEncoding.DecodeString(parsed.Body)
	if err != nil {
		// Some destinations send plain text bodies; fall back verbatim.
		decodedBody = []byte(parsed.Body)
	}
	return parsed.StatusCode, decodedBody, parsed.T, nil
}

type v4ResponseInfo struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers"`
}

func (t *Transport) decodeV4(body []byte, finalKey []byte) (statusCode int, respBody []byte, err error) {
	plaintext, err := crypto.OpenGCM(finalKey, body, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("onion: decrypt v4 response: %w", err)
	}

	items, err := decodeBencodeList(plaintext)
	if err != nil {
		return 0, nil, err
	}
	if len(items) != 2 {
		return 0, nil, fmt.Errorf("onion: expected 2 bencode items, got %d", len(items))
	}

	var info v4ResponseInfo
	if err := json.Unmarshal(items[0], &info); err != nil {
		return 0, nil, fmt.Errorf("onion: unmarshal v4 response info: %w", err)
	}
	return info.Code, items[1], nil
}

// classifyFailure credits the offending hop when bodyText names it
// explicitly, otherwise credits the whole path. Send does not call it for
// a request that timed out, so a timeout credits neither a node nor the
// path.
func (t *Transport) classifyFailure(ctx context.Context, path pathbuilder.Path, bodyText string) {
	const nextNodeNotFoundPrefix = "Next node not found: "
	if strings.HasPrefix(bodyText, nextNodeNotFoundPrefix) {
		hexPub := strings.TrimSpace(strings.TrimPrefix(bodyText, nextNodeNotFoundPrefix))
		for _, hop := range path.Nodes {
			if hop.Ed25519PubHex() == hexPub {
				t.pool.CreditFailure(ctx, hop)
				return
			}
		}
	}
	t.paths.CreditPathFailure(path.ID)
}
