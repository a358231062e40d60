package analytics

import "time"

// DateRange bounds the window an analytics view was computed over.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// FunnelStep is one step of a conversion funnel.
type FunnelStep struct {
	Name        string  `json:"name"`
	UserCount   int     `json:"user_count"`
	DropoffRate float64 `json:"dropoff_rate"`
}

// FunnelView is a conversion funnel with per-step drop-off rates.
type FunnelView struct {
	Name  string       `json:"name"`
	Range DateRange    `json:"range"`
	Steps []FunnelStep `json:"steps"`
}

// SatisfactionView is the aggregate NPS-style satisfaction signal.
type SatisfactionView struct {
	Score         float64        `json:"score"`
	ResponseCount int            `json:"response_count"`
	Range         DateRange      `json:"range"`
	Breakdown     map[string]int `json:"breakdown,omitempty"`
}

// FeatureUsageView is the adoption signal for a single feature.
type FeatureUsageView struct {
	Feature    string    `json:"feature"`
	UsageRate  float64   `json:"usage_rate"`
	TotalUsers int       `json:"total_users"`
	Range      DateRange `json:"range"`
}
