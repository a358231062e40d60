// Package specgen calls the spec-generation service for promoted
// opportunities and feeds shipped-impact data back to it.
package specgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mkoval/oppwatch/internal/opportunity"
)

// Client talks to the spec-generation service over HTTP. Generation can be
// slow; the client's timeout is sized for it (default two minutes).
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client. timeout <= 0 defaults to two minutes.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GenerateRequest is what the service needs to draft a spec.
type GenerateRequest struct {
	ID          string               `json:"id"`
	Title       string               `json:"title"`
	Description string               `json:"description"`
	Evidence    opportunity.Evidence `json:"evidence"`
}

// GenerateResult identifies the produced spec.
type GenerateResult struct {
	SpecRef     string    `json:"spec_ref"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Generate asks the service to draft a spec for the opportunity.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	var out GenerateResult
	if err := c.post(ctx, "/api/specs", req, &out); err != nil {
		return GenerateResult{}, fmt.Errorf("generating spec for %s: %w", req.ID, err)
	}
	if out.SpecRef == "" {
		return GenerateResult{}, fmt.Errorf("generating spec for %s: service returned no spec ref", req.ID)
	}
	return out, nil
}

// FeedbackRequest reports how a shipped opportunity actually performed,
// so the service can learn from its specs.
type FeedbackRequest struct {
	Rating       int                       `json:"rating"`
	ActualImpact *opportunity.ImpactRecord `json:"actual_impact,omitempty"`
}

// Feedback sends outcome data for an opportunity whose spec was generated
// earlier. Callers treat failures as best-effort.
func (c *Client) Feedback(ctx context.Context, id string, req FeedbackRequest) error {
	if err := c.post(ctx, "/api/specs/"+id+"/feedback", req, nil); err != nil {
		return fmt.Errorf("sending feedback for %s: %w", id, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
