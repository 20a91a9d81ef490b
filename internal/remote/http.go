package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// HTTPClientConfig tunes the HTTP transport.
type HTTPClientConfig struct {
	// Endpoint is the base URL of the sync backend.
	Endpoint string
	// Token, when set, is called per request to supply a bearer token.
	Token func() string
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// MaxAttempts bounds transport-level retries (network errors and
	// 5xx). Application-level retries are the engine's job.
	MaxAttempts uint
}

// HTTPClient is the JSON-over-HTTP implementation of Client. Transient
// transport failures are retried with exponential backoff before the error
// is surfaced to the engine.
type HTTPClient struct {
	cfg  HTTPClientConfig
	http *http.Client
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Push POSTs the mutation to <endpoint>/sync/push.
func (c *HTTPClient) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return PushResponse{}, fmt.Errorf("failed to encode push request: %w", err)
	}

	operation := func() (PushResponse, error) {
		return c.pushOnce(ctx, body)
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.cfg.MaxAttempts))
	if err != nil {
		return PushResponse{}, err
	}
	return resp, nil
}

func (c *HTTPClient) pushOnce(ctx context.Context, body []byte) (PushResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return PushResponse{}, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != nil {
		if token := c.cfg.Token(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return PushResponse{}, err
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return PushResponse{}, err
	}

	switch {
	case httpResp.StatusCode >= 500:
		// retried by the backoff loop
		return PushResponse{}, fmt.Errorf("server error: %s", httpResp.Status)
	case httpResp.StatusCode >= 400:
		return PushResponse{}, backoff.Permanent(fmt.Errorf("request rejected: %s", httpResp.Status))
	}

	var resp PushResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return PushResponse{}, backoff.Permanent(fmt.Errorf("failed to decode push response: %w", err))
	}
	return resp, nil
}

// HTTPProbe reports connectivity by HEADing the backend health endpoint.
type HTTPProbe struct {
	endpoint string
	http     *http.Client
}

func NewHTTPProbe(endpoint string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProbe{endpoint: endpoint, http: &http.Client{Timeout: timeout}}
}

func (p *HTTPProbe) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.endpoint+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}
