// Package detect turns analytics views into scored opportunity candidates.
//
// Every detector is a pure function. Scores share one shape: a severity term
// bounded to [0,70] plus a confidence term bounded to [0,30], summed and
// rounded with math.Round (half away from zero), giving an integer in
// [0,100]. The thresholds and weights are policy, surfaced as configuration.
package detect

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/mkoval/oppwatch/internal/analytics"
	"github.com/mkoval/oppwatch/internal/opportunity"
)

// Thresholds carries the detection policy knobs. Zero detector thresholds
// are replaced by the defaults the heuristics were tuned with; MinScore is
// taken as-is, so a zero MinScore means no filtering.
type Thresholds struct {
	// MinScore filters candidates uniformly across all detectors.
	// Zero disables the filter.
	MinScore int
	// FunnelDropRate is the per-step drop-off rate above which a funnel
	// step becomes a candidate.
	FunnelDropRate float64
	// NPSCeiling is the aggregate satisfaction score below which the
	// satisfaction signal fires.
	NPSCeiling float64
	// NPSMinResponses gates the satisfaction signal on sample size.
	NPSMinResponses int
	// UsageRateFloor is the adoption rate below which a feature is
	// considered underused.
	UsageRateFloor float64
	// UsageMinUsers gates feature-underuse on audience size.
	UsageMinUsers int
}

// DefaultThresholds returns the stock detection policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinScore:        40,
		FunnelDropRate:  0.30,
		NPSCeiling:      30,
		NPSMinResponses: 20,
		UsageRateFloor:  0.20,
		UsageMinUsers:   100,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.FunnelDropRate <= 0 {
		t.FunnelDropRate = d.FunnelDropRate
	}
	if t.NPSCeiling <= 0 {
		t.NPSCeiling = d.NPSCeiling
	}
	if t.NPSMinResponses <= 0 {
		t.NPSMinResponses = d.NPSMinResponses
	}
	if t.UsageRateFloor <= 0 {
		t.UsageRateFloor = d.UsageRateFloor
	}
	if t.UsageMinUsers <= 0 {
		t.UsageMinUsers = d.UsageMinUsers
	}
	return t
}

// Candidate is a scored detection result, ready to become an opportunity.
type Candidate struct {
	Kind        opportunity.Kind
	Score       int
	Title       string
	Description string
	Evidence    opportunity.Evidence
}

// Snapshot bundles the three analytics views of one detection run.
type Snapshot struct {
	Funnels      []analytics.FunnelView
	Satisfaction analytics.SatisfactionView
	Features     []analytics.FeatureUsageView
}

// Run applies all three detectors and concatenates their candidates in
// detection order: funnels, satisfaction, feature underuse.
func Run(snap Snapshot, th Thresholds) []Candidate {
	var out []Candidate
	out = append(out, FunnelDrops(snap.Funnels, th)...)
	out = append(out, LowSatisfaction(snap.Satisfaction, th)...)
	out = append(out, FeatureUnderuse(snap.Features, th)...)
	return out
}

// FunnelDrops emits one candidate per funnel step whose drop-off rate
// exceeds the configured threshold.
// severity: min(dropoffRate*100, 70); confidence: min(userCount/1000*30, 30).
func FunnelDrops(funnels []analytics.FunnelView, th Thresholds) []Candidate {
	th = th.withDefaults()

	var out []Candidate
	for _, funnel := range funnels {
		for _, step := range funnel.Steps {
			if step.DropoffRate <= th.FunnelDropRate {
				continue
			}
			score := scoreOf(
				math.Min(step.DropoffRate*100, 70),
				math.Min(float64(step.UserCount)/1000*30, 30),
			)
			if score < th.MinScore {
				continue
			}
			out = append(out, Candidate{
				Kind:  opportunity.KindFunnelDrop,
				Score: score,
				Title: fmt.Sprintf("Funnel drop-off at %q in %s", step.Name, funnel.Name),
				Description: fmt.Sprintf(
					"%.0f%% of users drop off at step %q of the %s funnel (%d users reached it).",
					step.DropoffRate*100, step.Name, funnel.Name, step.UserCount),
				Evidence: opportunity.Evidence{
					Source:      "funnels",
					RawSnapshot: marshalSnapshot(funnel),
					Metrics: map[string]float64{
						"dropoff_rate": step.DropoffRate,
						"user_count":   float64(step.UserCount),
					},
					Insights: []string{
						fmt.Sprintf("Step %q loses users at %.0f%%, above the %.0f%% threshold.",
							step.Name, step.DropoffRate*100, th.FunnelDropRate*100),
					},
				},
			})
		}
	}
	return out
}

// LowSatisfaction emits at most one candidate: the satisfaction signal is
// aggregate, not per-item. It fires only when the score is below the ceiling
// and the sample is large enough to trust.
// severity: max(0, (ceiling-score)*2); confidence: min(responses/100*30, 30).
func LowSatisfaction(view analytics.SatisfactionView, th Thresholds) []Candidate {
	th = th.withDefaults()

	if view.Score >= th.NPSCeiling || view.ResponseCount < th.NPSMinResponses {
		return nil
	}

	score := scoreOf(
		math.Max(0, (th.NPSCeiling-view.Score)*2),
		math.Min(float64(view.ResponseCount)/100*30, 30),
	)
	if score < th.MinScore {
		return nil
	}

	return []Candidate{{
		Kind:  opportunity.KindLowSatisfaction,
		Score: score,
		Title: fmt.Sprintf("Satisfaction score down to %.0f", view.Score),
		Description: fmt.Sprintf(
			"Aggregate satisfaction is %.0f across %d responses, below the %.0f floor.",
			view.Score, view.ResponseCount, th.NPSCeiling),
		Evidence: opportunity.Evidence{
			Source:      "satisfaction",
			RawSnapshot: marshalSnapshot(view),
			Metrics: map[string]float64{
				"score":          view.Score,
				"response_count": float64(view.ResponseCount),
			},
			Insights: []string{
				fmt.Sprintf("%d responses give the signal enough weight to act on.", view.ResponseCount),
			},
		},
	}}
}

// FeatureUnderuse emits one candidate per feature whose adoption rate is
// below the floor while the audience is large enough to matter.
// severity: (1-usageRate)*70; confidence: min(totalUsers/1000*30, 30).
func FeatureUnderuse(features []analytics.FeatureUsageView, th Thresholds) []Candidate {
	th = th.withDefaults()

	var out []Candidate
	for _, f := range features {
		if f.UsageRate >= th.UsageRateFloor || f.TotalUsers < th.UsageMinUsers {
			continue
		}
		score := scoreOf(
			(1-f.UsageRate)*70,
			math.Min(float64(f.TotalUsers)/1000*30, 30),
		)
		if score < th.MinScore {
			continue
		}
		out = append(out, Candidate{
			Kind:  opportunity.KindFeatureUnderuse,
			Score: score,
			Title: fmt.Sprintf("Feature %q is underused", f.Feature),
			Description: fmt.Sprintf(
				"Only %.0f%% of %d eligible users touch %q.",
				f.UsageRate*100, f.TotalUsers, f.Feature),
			Evidence: opportunity.Evidence{
				Source:      "feature-usage",
				RawSnapshot: marshalSnapshot(f),
				Metrics: map[string]float64{
					"usage_rate":  f.UsageRate,
					"total_users": float64(f.TotalUsers),
				},
				Insights: []string{
					fmt.Sprintf("Adoption of %q is below the %.0f%% floor.", f.Feature, th.UsageRateFloor*100),
				},
			},
		})
	}
	return out
}

// scoreOf combines a severity term and a confidence term into the final
// integer score, clamped to [0,100].
func scoreOf(severity, confidence float64) int {
	score := int(math.Round(severity + confidence))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func marshalSnapshot(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
