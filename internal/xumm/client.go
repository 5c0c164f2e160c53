// Package xumm is a small client for the approval service's platform API.
package xumm

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
)

const DefaultBaseURL = "https://xumm.app/api/v1"

var ErrMissingCredentials = errors.New("approval service API key/secret not configured")

// APIError is a non-2xx answer from the approval service.
type APIError struct {
	StatusCode int
	Reference  string
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("approval service: status %d code %d: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("approval service: status %d: %s", e.StatusCode, e.Message)
}

// IsOriginRejected reports whether err is the service refusing the calling
// application or origin, as opposed to a generic failure.
func IsOriginRejected(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusForbidden
}

type Config struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	HTTPClient *http.Client
}

// Client talks to the approval service with API key/secret headers.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		httpClient: hc,
	}
}

// Configured returns ErrMissingCredentials when the key or secret is empty.
func (c *Client) Configured() error {
	if c == nil || c.apiKey == "" || c.apiSecret == "" {
		return ErrMissingCredentials
	}
	return nil
}

// MaskedKey is safe to log.
func (c *Client) MaskedKey() string {
	return MaskKey(c.apiKey)
}

func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func (c *Client) CreatePayload(ctx context.Context, req PayloadRequest) (Payload, error) {
	if err := c.Configured(); err != nil {
		return Payload{}, err
	}
	if len(req.TxJSON) == 0 {
		return Payload{}, errors.New("payload txjson is empty")
	}
	var out Payload
	if err := c.do(ctx, http.MethodPost, "/platform/payload", req, &out); err != nil {
		return Payload{}, err
	}
	if out.UUID == "" {
		return Payload{}, errors.New("approval service returned payload without uuid")
	}
	return out, nil
}

func (c *Client) GetPayload(ctx context.Context, uuid string) (PayloadStatus, error) {
	if err := c.Configured(); err != nil {
		return PayloadStatus{}, err
	}
	if uuid == "" {
		return PayloadStatus{}, errors.New("payload uuid is required")
	}
	var out PayloadStatus
	if err := c.do(ctx, http.MethodGet, "/platform/payload/"+url.PathEscape(uuid), nil, &out); err != nil {
		return PayloadStatus{}, err
	}
	return out, nil
}

// Ping reads the application details; used by health checks.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.Configured(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodGet, "/platform/ping", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-API-Secret", c.apiSecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("approval service request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, raw)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, raw []byte) error {
	var body struct {
		Error struct {
			Reference string `json:"reference"`
			Code      int    `json:"code"`
			Message   string `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: status}
	if json.Unmarshal(raw, &body) == nil && (body.Error.Code != 0 || body.Error.Reference != "") {
		apiErr.Reference = body.Error.Reference
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
