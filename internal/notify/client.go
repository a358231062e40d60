// Package notify posts opportunities to the team messaging channel and
// updates previously posted messages as the lifecycle advances.
package notify

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

// Client talks to the notification bridge over HTTP. The bridge owns the
// channel-specific message layout; this client only ships the record and the
// destination channel.
type Client struct {
	baseURL    string
	token      string
	channel    string
	httpClient *http.Client
}

// New creates a Client for the given bridge base URL and channel.
func New(baseURL, token, channel string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		channel:    channel,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type postRequest struct {
	Channel     string                  `json:"channel"`
	Opportunity opportunity.Opportunity `json:"opportunity"`
}

type postResponse struct {
	Ref string `json:"ref"`
}

// Post publishes a newly detected opportunity and returns the message ref
// used for later updates. An empty ref on an otherwise successful response
// still signals a posting failure.
func (c *Client) Post(ctx context.Context, opp opportunity.Opportunity) (string, error) {
	var out postResponse
	err := c.send(ctx, http.MethodPost, "/api/messages", postRequest{
		Channel:     c.channel,
		Opportunity: opp,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("posting opportunity %s: %w", opp.ID, err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("posting opportunity %s: bridge returned no message ref", opp.ID)
	}
	return out.Ref, nil
}

// Update refreshes the message identified by ref with the current record.
func (c *Client) Update(ctx context.Context, ref string, opp opportunity.Opportunity) error {
	err := c.send(ctx, http.MethodPut, "/api/messages/"+ref, postRequest{
		Channel:     c.channel,
		Opportunity: opp,
	}, nil)
	if err != nil {
		return fmt.Errorf("updating message %s for opportunity %s: %w", ref, opp.ID, err)
	}
	return nil
}

type alertRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// Alert posts a plain failure notice to the same channel. Used for
// collaborator-level failures, not per-item validation errors.
func (c *Client) Alert(ctx context.Context, format string, args ...any) error {
	err := c.send(ctx, http.MethodPost, "/api/alerts", alertRequest{
		Channel: c.channel,
		Text:    fmt.Sprintf(format, args...),
	}, nil)
	if err != nil {
		return fmt.Errorf("posting alert: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

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
