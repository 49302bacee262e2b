package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/svcgate/svcgate/api"
)

// RemoteClient talks to a decision service over HTTP/JSON.
//
// Wire format: POST {base}/v1/check with a RequestAttributes body returns a
// CheckResult; POST {base}/v1/report with a UsageReport body returns 2xx.
type RemoteClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteClient creates a client for the decision service at baseURL.
// The timeout bounds each round trip; zero falls back to 5s.
func NewRemoteClient(baseURL string, timeout time.Duration) *RemoteClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Check posts the attribute snapshot and decodes the decision.
func (c *RemoteClient) Check(ctx context.Context, attrs *api.RequestAttributes) (*api.CheckResult, error) {
	body, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encoding check request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/check", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling decision service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("decision service returned status %d", resp.StatusCode)
	}

	var result api.CheckResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding check response: %w", err)
	}
	switch result.Decision {
	case api.DecisionAllow, api.DecisionDeny, api.DecisionError:
	default:
		return nil, fmt.Errorf("decision service returned unknown decision %q", result.Decision)
	}
	return &result, nil
}

// Report posts the usage report. Callers treat failures as best-effort.
func (c *RemoteClient) Report(ctx context.Context, rep *api.UsageReport) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/report", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending report: %w", err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("decision service rejected report with status %d", resp.StatusCode)
	}
	return nil
}
