// Package provider implements the telephony provider client.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPCallProvider places outbound calls through the provider's REST
// API. Only call initiation lives here; status callbacks land on the
// call_records table through the provider's own webhook delivery.
type HTTPCallProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPCallProvider creates a new HTTP call provider
func NewHTTPCallProvider(baseURL, apiKey string, timeout time.Duration) *HTTPCallProvider {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPCallProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type initiateCallRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type initiateCallResponse struct {
	CallID string `json:"callId"`
	Status string `json:"status"`
}

// InitiateCall asks the provider to dial the respondent and returns the
// provider's call id for correlation.
func (p *HTTPCallProvider) InitiateCall(ctx context.Context, from, to string) (string, error) {
	body, err := json.Marshal(initiateCallRequest{From: from, To: to})
	if err != nil {
		return "", fmt.Errorf("failed to marshal call request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call initiation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("call initiation returned status %d", resp.StatusCode)
	}

	var result initiateCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode call response: %w", err)
	}
	if result.CallID == "" {
		return "", fmt.Errorf("provider returned empty call id")
	}

	return result.CallID, nil
}
