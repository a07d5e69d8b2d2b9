package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseBytes = 1 << 20

// jsonClient posts JSON to a vendor endpoint with bearer auth and maps
// non-2xx answers to ProviderError.
type jsonClient struct {
	provider string
	endpoint string
	token    string
	http     *http.Client
}

func newJSONClient(provider, endpoint, token string, hc *http.Client) *jsonClient {
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &jsonClient{provider: provider, endpoint: endpoint, token: token, http: hc}
}

func (c *jsonClient) post(ctx context.Context, body any, out any) error {
	if c.endpoint == "" {
		return &ProviderError{Provider: c.provider, Message: "endpoint not configured"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return &ProviderError{Provider: c.provider, Message: fmt.Sprintf("marshal request: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return &ProviderError{Provider: c.provider, Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ProviderError{Provider: c.provider, Retryable: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &ProviderError{Provider: c.provider, Retryable: true, Message: fmt.Sprintf("read response: %v", err)}
	}
	if resp.StatusCode >= 300 {
		return &ProviderError{
			Provider:   c.provider,
			Retryable:  retryableStatus(resp.StatusCode),
			Message:    fmt.Sprintf("http %d: %s", resp.StatusCode, bytes.TrimSpace(data)),
			StatusCode: resp.StatusCode,
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ProviderError{Provider: c.provider, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}
