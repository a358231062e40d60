// Package opportunity defines the opportunity record, its lifecycle states,
// and the validation rules every store write must satisfy.
package opportunity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared by the store and the lifecycle coordinator.
var (
	ErrNotFound          = errors.New("opportunity not found")
	ErrAlreadyExists     = errors.New("opportunity already exists")
	ErrInvalidRecord     = errors.New("invalid opportunity record")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Kind identifies which detector produced an opportunity.
type Kind string

const (
	KindFunnelDrop      Kind = "funnel-drop"
	KindLowSatisfaction Kind = "low-satisfaction"
	KindFeatureUnderuse Kind = "feature-underuse"
)

// Status is the lifecycle state of an opportunity.
type Status string

const (
	StatusDetected      Status = "detected"
	StatusPromoted      Status = "promoted"
	StatusInvestigating Status = "investigating"
	StatusDismissed     Status = "dismissed"
	StatusSpecGenerated Status = "spec-generated"
	StatusShipped       Status = "shipped"
)

// Action is a human triage action arriving from the notification channel.
type Action string

const (
	ActionPromote     Action = "promote"
	ActionDismiss     Action = "dismiss"
	ActionInvestigate Action = "investigate"
)

// Evidence is the point-in-time analytics payload captured at detection.
// It is immutable after creation.
type Evidence struct {
	Source      string             `json:"source"`
	RawSnapshot json.RawMessage    `json:"raw_snapshot,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Insights    []string           `json:"insights,omitempty"`
}

// ImpactRecord is the before/after metric pair recorded when an
// opportunity ships.
type ImpactRecord struct {
	Metric     string    `json:"metric"`
	Before     float64   `json:"before"`
	After      float64   `json:"after"`
	MeasuredAt time.Time `json:"measured_at"`
}

// Opportunity is a detected product-improvement candidate.
type Opportunity struct {
	ID          string        `json:"id"`
	Kind        Kind          `json:"kind"`
	Status      Status        `json:"status"`
	Score       int           `json:"score"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Evidence    Evidence      `json:"evidence"`
	ExternalRef string        `json:"external_ref,omitempty"`
	SpecRef     string        `json:"spec_ref,omitempty"`
	Impact      *ImpactRecord `json:"impact,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// NewID returns a fresh opaque opportunity identifier.
func NewID() string {
	return uuid.New().String()
}

// fingerprintNamespace seeds deterministic ids. Changing it would re-file
// every signal as a new opportunity.
var fingerprintNamespace = uuid.MustParse("9c1f2a60-6a0e-4d29-8f5e-2d6b1d8e4c11")

// Fingerprint derives a stable id from what a detector saw. The same signal
// detected on a later run produces the same id, so the store's create-once
// rule deduplicates repeat detections.
func Fingerprint(kind Kind, source, title string) string {
	payload := string(kind) + "\x00" + source + "\x00" + title
	return uuid.NewSHA1(fingerprintNamespace, []byte(payload)).String()
}

// validKinds and validStatuses gate what the store accepts.
var validKinds = map[Kind]bool{
	KindFunnelDrop:      true,
	KindLowSatisfaction: true,
	KindFeatureUnderuse: true,
}

var validStatuses = map[Status]bool{
	StatusDetected:      true,
	StatusPromoted:      true,
	StatusInvestigating: true,
	StatusDismissed:     true,
	StatusSpecGenerated: true,
	StatusShipped:       true,
}

// Validate checks the record invariants. Violations wrap ErrInvalidRecord.
func (o *Opportunity) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if !validKinds[o.Kind] {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, o.Kind)
	}
	if !validStatuses[o.Status] {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, o.Status)
	}
	if o.Score < 0 || o.Score > 100 {
		return fmt.Errorf("%w: score %d out of range [0,100]", ErrInvalidRecord, o.Score)
	}
	if o.Title == "" {
		return fmt.Errorf("%w: missing title", ErrInvalidRecord)
	}
	switch o.Status {
	case StatusSpecGenerated, StatusShipped:
		if o.SpecRef == "" {
			return fmt.Errorf("%w: status %q requires a spec ref", ErrInvalidRecord, o.Status)
		}
	case StatusPromoted:
		// SpecRef may linger here: a failed generation reverts the status
		// but never clears a previously recorded ref.
	default:
		if o.SpecRef != "" {
			return fmt.Errorf("%w: spec ref set at status %q", ErrInvalidRecord, o.Status)
		}
	}
	if o.Impact != nil && o.Status != StatusShipped {
		return fmt.Errorf("%w: impact record set before shipping", ErrInvalidRecord)
	}
	if o.Impact == nil && o.Status == StatusShipped {
		return fmt.Errorf("%w: shipped without an impact record", ErrInvalidRecord)
	}
	return nil
}

// actionTargets maps a triage action to the status it produces. All three
// actions are legal only while an opportunity is still in detected; this is
// deliberately strict so duplicate or late callbacks (a double-click, a
// retried webhook) cannot corrupt an item that already moved on.
var actionTargets = map[Action]Status{
	ActionPromote:     StatusPromoted,
	ActionDismiss:     StatusDismissed,
	ActionInvestigate: StatusInvestigating,
}

// ApplyAction returns the status that action produces from the current
// status, or ErrIllegalTransition if the pair is not an edge in the
// lifecycle graph.
func (o *Opportunity) ApplyAction(action Action) (Status, error) {
	target, ok := actionTargets[action]
	if !ok {
		return "", fmt.Errorf("%w: unknown action %q", ErrIllegalTransition, action)
	}
	if o.Status != StatusDetected {
		return "", fmt.Errorf("%w: %s not allowed from %q", ErrIllegalTransition, action, o.Status)
	}
	return target, nil
}

// CanGenerateSpec reports whether spec generation may start.
// Generation requires the opportunity to be promoted.
func (o *Opportunity) CanGenerateSpec() error {
	if o.Status != StatusPromoted {
		return fmt.Errorf("%w: generate-spec requires status %q, have %q", ErrIllegalTransition, StatusPromoted, o.Status)
	}
	return nil
}

// CanShip reports whether the opportunity may be marked shipped.
// Shipping requires a previously generated spec.
func (o *Opportunity) CanShip() error {
	if o.Status != StatusSpecGenerated {
		return fmt.Errorf("%w: ship requires status %q, have %q", ErrIllegalTransition, StatusSpecGenerated, o.Status)
	}
	return nil
}

// Terminal reports whether no further automated transition exists from s.
func (s Status) Terminal() bool {
	return s == StatusDismissed || s == StatusShipped || s == StatusInvestigating
}
