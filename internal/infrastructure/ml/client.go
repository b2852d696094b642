package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"LeadNurture/internal/domain"
	"LeadNurture/internal/ports"
)

// Client talks to an external ML service that scores lead quality.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ ports.Scorer = (*Client)(nil)

// NewClient creates a reusable HTTP client.
func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Score returns a 0-100 quality score for a lead.
func (c *Client) Score(ctx context.Context, lead domain.Lead) (float64, error) {
	payload := map[string]any{
		"leadId":      lead.ID,
		"serviceType": lead.ServiceType,
		"platform":    lead.Platform,
		"hasEmail":    lead.Email != "",
		"hasPhone":    lead.Phone != "",
		"ageHours":    time.Since(lead.CreatedAt).Hours(),
	}

	var resp struct {
		Score float64 `json:"score"`
	}
	if err := c.post(ctx, "/score", payload, &resp); err != nil {
		return 0, err
	}
	if resp.Score < 0 || resp.Score > 100 {
		return 0, fmt.Errorf("score %v out of range", resp.Score)
	}
	return resp.Score, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
