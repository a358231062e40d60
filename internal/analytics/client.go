// Package analytics fetches funnel, satisfaction, and feature-usage views
// from the product-analytics provider.
//
// The provider's wire format is versioned separately from the internal view
// types: every endpoint decodes into an api* struct and goes through an
// explicit mapping function, so aliased or missing provider fields are
// resolved in exactly one place instead of scattered fallbacks.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client communicates with the analytics provider over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	windowDays int
	httpClient *http.Client
}

// New creates a Client for the given provider base URL. windowDays bounds
// the date range requested for every view; values <= 0 default to 30.
func New(baseURL, apiKey string, windowDays int) *Client {
	if windowDays <= 0 {
		windowDays = 30
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		windowDays: windowDays,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiFunnel mirrors GET /api/v1/funnels. Older provider deployments send
// "conversion_dropoff" instead of "dropoff_rate" and "users" instead of
// "user_count"; both spellings are carried here and resolved in the mapper.
type apiFunnel struct {
	Name  string `json:"name"`
	From  string `json:"date_from"`
	To    string `json:"date_to"`
	Steps []struct {
		Name        string   `json:"name"`
		UserCount   *int     `json:"user_count"`
		Users       *int     `json:"users"`
		DropoffRate *float64 `json:"dropoff_rate"`
		Dropoff     *float64 `json:"conversion_dropoff"`
	} `json:"steps"`
}

// apiSatisfaction mirrors GET /api/v1/satisfaction.
type apiSatisfaction struct {
	Score     *float64       `json:"score"`
	NPS       *float64       `json:"nps"`
	Responses int            `json:"responses"`
	From      string         `json:"date_from"`
	To        string         `json:"date_to"`
	Breakdown map[string]int `json:"breakdown"`
}

// apiFeatureUsage mirrors GET /api/v1/feature-usage.
type apiFeatureUsage struct {
	Feature    string   `json:"feature"`
	UsageRate  *float64 `json:"usage_rate"`
	Adoption   *float64 `json:"adoption_rate"`
	TotalUsers int      `json:"total_users"`
	From       string   `json:"date_from"`
	To         string   `json:"date_to"`
}

// FetchFunnels returns all funnels for the configured window.
func (c *Client) FetchFunnels(ctx context.Context) ([]FunnelView, error) {
	var raw struct {
		Funnels []apiFunnel `json:"funnels"`
	}
	if err := c.get(ctx, "/api/v1/funnels", &raw); err != nil {
		return nil, fmt.Errorf("fetching funnels: %w", err)
	}

	views := make([]FunnelView, 0, len(raw.Funnels))
	for _, f := range raw.Funnels {
		views = append(views, mapFunnel(f))
	}
	return views, nil
}

// FetchSatisfaction returns the aggregate satisfaction view.
func (c *Client) FetchSatisfaction(ctx context.Context) (SatisfactionView, error) {
	var raw apiSatisfaction
	if err := c.get(ctx, "/api/v1/satisfaction", &raw); err != nil {
		return SatisfactionView{}, fmt.Errorf("fetching satisfaction: %w", err)
	}
	return mapSatisfaction(raw), nil
}

// FetchFeatureUsage returns per-feature adoption views.
func (c *Client) FetchFeatureUsage(ctx context.Context) ([]FeatureUsageView, error) {
	var raw struct {
		Features []apiFeatureUsage `json:"features"`
	}
	if err := c.get(ctx, "/api/v1/feature-usage", &raw); err != nil {
		return nil, fmt.Errorf("fetching feature usage: %w", err)
	}

	views := make([]FeatureUsageView, 0, len(raw.Features))
	for _, f := range raw.Features {
		views = append(views, mapFeatureUsage(f))
	}
	return views, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	url := fmt.Sprintf("%s%s?window_days=%d", c.baseURL, path, c.windowDays)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func mapFunnel(f apiFunnel) FunnelView {
	view := FunnelView{
		Name:  f.Name,
		Range: mapRange(f.From, f.To),
		Steps: make([]FunnelStep, 0, len(f.Steps)),
	}
	for _, s := range f.Steps {
		step := FunnelStep{Name: s.Name}
		switch {
		case s.UserCount != nil:
			step.UserCount = *s.UserCount
		case s.Users != nil:
			step.UserCount = *s.Users
		}
		switch {
		case s.DropoffRate != nil:
			step.DropoffRate = *s.DropoffRate
		case s.Dropoff != nil:
			step.DropoffRate = *s.Dropoff
		}
		view.Steps = append(view.Steps, step)
	}
	return view
}

func mapSatisfaction(s apiSatisfaction) SatisfactionView {
	view := SatisfactionView{
		ResponseCount: s.Responses,
		Range:         mapRange(s.From, s.To),
		Breakdown:     s.Breakdown,
	}
	switch {
	case s.Score != nil:
		view.Score = *s.Score
	case s.NPS != nil:
		view.Score = *s.NPS
	}
	return view
}

func mapFeatureUsage(f apiFeatureUsage) FeatureUsageView {
	view := FeatureUsageView{
		Feature:    f.Feature,
		TotalUsers: f.TotalUsers,
		Range:      mapRange(f.From, f.To),
	}
	switch {
	case f.UsageRate != nil:
		view.UsageRate = *f.UsageRate
	case f.Adoption != nil:
		view.UsageRate = *f.Adoption
	}
	return view
}

// mapRange parses provider date strings, defaulting each missing or
// malformed bound to the zero time explicitly.
func mapRange(from, to string) DateRange {
	var r DateRange
	if t, err := time.Parse(time.RFC3339, from); err == nil {
		r.From = t
	} else if t, err := time.Parse("2006-01-02", from); err == nil {
		r.From = t
	}
	if t, err := time.Parse(time.RFC3339, to); err == nil {
		r.To = t
	} else if t, err := time.Parse("2006-01-02", to); err == nil {
		r.To = t
	}
	return r
}
