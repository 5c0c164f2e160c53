// Package broker is the HTTP client for the local broker, plus the wire types
// both sides share.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"riplx/internal/gate"
	"riplx/internal/hmacauth"
	"riplx/internal/xumm"
)

const IdempotencyHeader = "X-Idempotency-Key"

var ErrNoBaseURL = errors.New("broker URL not configured")

// APIError is a non-2xx answer from the broker.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker: HTTP %d: %s", e.StatusCode, e.Detail)
}

// Unwrap exposes a relayed approval service refusal (HTTP 403) so that
// xumm.IsOriginRejected sees it.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusForbidden {
		return &xumm.APIError{StatusCode: e.StatusCode, Message: e.Detail}
	}
	return nil
}

// Client talks to the broker's REST API. It satisfies
// approval.StatusSource and gate.Verifier.
type Client struct {
	baseURL    string
	apiSecret  string
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*Client)

// WithAPISecret signs submit calls with the broker's HMAC scheme.
func WithAPISecret(secret string) Option {
	return func(c *Client) { c.apiSecret = secret }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 20 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Configured() error {
	if c == nil || c.baseURL == "" {
		return ErrNoBaseURL
	}
	return nil
}

// CreatePayload asks the broker to create an approval request. Each call
// carries a fresh idempotency key.
func (c *Client) CreatePayload(ctx context.Context, req xumm.PayloadRequest) (xumm.Payload, error) {
	body := CreatePayloadRequest{TxJSON: req.TxJSON}
	if req.Options != nil {
		body.Submit = req.Options.Submit
	}
	if req.CustomMeta != nil {
		body.Instruction = req.CustomMeta.Instruction
	}
	var out CreatePayloadResponse
	hdr := http.Header{IdempotencyHeader: []string{uuid.NewString()}}
	if err := c.doJSON(ctx, http.MethodPost, "/api/payloads", hdr, body, &out); err != nil {
		return xumm.Payload{}, err
	}
	if out.UUID == "" {
		return xumm.Payload{}, errors.New("broker returned payload without uuid")
	}
	return out.Payload(), nil
}

func (c *Client) PayloadStatus(ctx context.Context, id string) (xumm.PayloadStatus, error) {
	var out PayloadStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/payloads/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return xumm.PayloadStatus{}, err
	}
	return out.Status(), nil
}

func (c *Client) VerifyCredential(ctx context.Context, address string, action gate.ActionClass) (VerifyResponse, error) {
	q := url.Values{}
	q.Set("address", address)
	if action != "" {
		q.Set("action", string(action))
	}
	var out VerifyResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/credentials/verify?"+q.Encode(), nil, nil, &out); err != nil {
		return VerifyResponse{}, err
	}
	return out, nil
}

// Verify adapts VerifyCredential to the gate.
func (c *Client) Verify(ctx context.Context, address string, action gate.ActionClass) (gate.Decision, error) {
	resp, err := c.VerifyCredential(ctx, address, action)
	if err != nil {
		return gate.Decision{}, err
	}
	return gate.Decision{
		Allowed:      resp.Allowed,
		Reason:       resp.Reason,
		AllowlistHit: resp.AllowlistHit,
		Accepted:     resp.Accepted,
		Level:        resp.Level,
		Source:       gate.Source(resp.Source),
	}, nil
}

// SubmitSigned hands a signed blob to the broker for ledger submission.
func (c *Client) SubmitSigned(ctx context.Context, blob string) (SubmitResponse, error) {
	var out SubmitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/transactions/submit", nil, SubmitRequest{TxBlob: blob}, &out); err != nil {
		return SubmitResponse{}, err
	}
	return out, nil
}

// PrepareMint asks the broker for the issuer-side tx_json of a mint.
func (c *Client) PrepareMint(ctx context.Context, req MintRequest) (MintResponse, error) {
	var out MintResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/rwa/mint", nil, req, &out); err != nil {
		return MintResponse{}, err
	}
	return out, nil
}

// Health returns the broker's health report. A degraded broker answers 503
// with the same body, which is returned without an error.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/health", nil, nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		if json.Unmarshal([]byte(apiErr.Detail), &out) == nil && out.Status != "" {
			return out, nil
		}
	}
	if err != nil {
		return HealthResponse{}, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, header http.Header, body, result any) error {
	if err := c.Configured(); err != nil {
		return err
	}

	var data []byte
	var bodyReader io.Reader
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.apiSecret != "" && method == http.MethodPost {
		hmacauth.SignRequest(req, c.apiSecret, data, c.now())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Detail != "" {
			return &APIError{StatusCode: resp.StatusCode, Detail: errResp.Detail}
		}
		return &APIError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(respBody))}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
