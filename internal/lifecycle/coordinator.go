// Package lifecycle owns the opportunity state machine: which transitions
// exist, who gets notified, and what happens when a collaborator fails
// halfway through one.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkoval/oppwatch/internal/analytics"
	"github.com/mkoval/oppwatch/internal/detect"
	"github.com/mkoval/oppwatch/internal/opportunity"
	"github.com/mkoval/oppwatch/internal/specgen"
	"github.com/mkoval/oppwatch/internal/store"
)

// Notifier posts opportunities to the triage channel and updates the
// message as the lifecycle advances.
type Notifier interface {
	Post(ctx context.Context, opp opportunity.Opportunity) (string, error)
	Update(ctx context.Context, ref string, opp opportunity.Opportunity) error
}

// SpecGenerator drafts specs for promoted opportunities and accepts
// outcome feedback after shipping.
type SpecGenerator interface {
	Generate(ctx context.Context, req specgen.GenerateRequest) (specgen.GenerateResult, error)
	Feedback(ctx context.Context, id string, req specgen.FeedbackRequest) error
}

// AnalyticsSource provides the three views a detection run consumes.
type AnalyticsSource interface {
	FetchFunnels(ctx context.Context) ([]analytics.FunnelView, error)
	FetchSatisfaction(ctx context.Context) (analytics.SatisfactionView, error)
	FetchFeatureUsage(ctx context.Context) ([]analytics.FeatureUsageView, error)
}

// TransitionRecorder appends to the audit history. Recording failures never
// block a lifecycle operation.
type TransitionRecorder interface {
	Record(opportunityID string, from, to opportunity.Status, action, actor, note string) error
}

// Options configures a Coordinator.
type Options struct {
	// AutoGenerate triggers spec generation inline when an opportunity is
	// promoted. When off, generation waits for an explicit GenerateSpec call.
	AutoGenerate bool
	Thresholds   detect.Thresholds
	Logger       *slog.Logger
}

// Coordinator drives every status change an opportunity goes through.
// All mutations of one opportunity are serialized on a per-id lock, so a
// channel button click racing a scheduled detection run cannot interleave
// store reads and writes.
type Coordinator struct {
	store     *store.Store
	notifier  Notifier
	specs     SpecGenerator
	analytics AnalyticsSource
	audit     TransitionRecorder // optional
	opts      Options
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// New creates a Coordinator. audit may be nil.
func New(s *store.Store, notifier Notifier, specs SpecGenerator, source AnalyticsSource, audit TransitionRecorder, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     s,
		notifier:  notifier,
		specs:     specs,
		analytics: source,
		audit:     audit,
		opts:      opts,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// lockFor returns the mutex serializing all operations on one opportunity.
// Locks are never released from the map; opportunities are never deleted,
// so the map is bounded by the store size.
func (c *Coordinator) lockFor(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[id]
	if !ok {
		m = &sync.Mutex{}
		c.locks[id] = m
	}
	return m
}

// HandleAction applies a human triage action to an opportunity. The action
// must be legal for the opportunity's current status; late or duplicate
// callbacks fail with opportunity.ErrIllegalTransition instead of silently
// re-running a transition.
func (c *Coordinator) HandleAction(ctx context.Context, id string, action opportunity.Action, actor string) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	opp, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", opportunity.ErrNotFound, id)
	}

	next, err := opp.ApplyAction(action)
	if err != nil {
		return err
	}

	updated, err := c.store.Update(id, func(o *opportunity.Opportunity) {
		o.Status = next
	})
	if err != nil {
		return fmt.Errorf("applying %s to %s: %w", action, id, err)
	}
	c.recordTransition(id, opp.Status, next, string(action), actor, "")
	c.notifyUpdate(ctx, updated)

	if action == opportunity.ActionPromote && c.opts.AutoGenerate {
		return c.generateLocked(ctx, id)
	}
	return nil
}

// GenerateSpec runs spec generation for a promoted opportunity. Explicit
// trigger for deployments with auto-generation off.
func (c *Coordinator) GenerateSpec(ctx context.Context, id string) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return c.generateLocked(ctx, id)
}

// generateLocked calls the spec-generation collaborator and advances the
// opportunity to spec-generated. The status write is deferred until the
// collaborator succeeds: a failure (or a crash mid-call) leaves the record
// promoted, which is exactly the state the compensating revert would
// restore. SpecRef is never cleared once set.
func (c *Coordinator) generateLocked(ctx context.Context, id string) error {
	opp, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", opportunity.ErrNotFound, id)
	}
	if err := opp.CanGenerateSpec(); err != nil {
		return err
	}

	result, err := c.specs.Generate(ctx, specgen.GenerateRequest{
		ID:          opp.ID,
		Title:       opp.Title,
		Description: opp.Description,
		Evidence:    opp.Evidence,
	})
	if err != nil {
		c.logger.Error("spec generation failed", "id", id, "error", err)
		return fmt.Errorf("spec generation for %s: %w", id, err)
	}

	updated, err := c.store.Update(id, func(o *opportunity.Opportunity) {
		o.Status = opportunity.StatusSpecGenerated
		o.SpecRef = result.SpecRef
	})
	if err != nil {
		return fmt.Errorf("recording generated spec for %s: %w", id, err)
	}
	c.recordTransition(id, opportunity.StatusPromoted, opportunity.StatusSpecGenerated, "generate-spec", "", result.SpecRef)
	c.notifyUpdate(ctx, updated)
	return nil
}

// MarkShipped closes out an opportunity whose spec was generated. The
// impact record gets its measurement timestamp here. Outcome feedback to
// the spec-generation collaborator is best-effort: a feedback failure is
// logged and never rolls back the shipped status.
func (c *Coordinator) MarkShipped(ctx context.Context, id string, impact opportunity.ImpactRecord, rating int) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	opp, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", opportunity.ErrNotFound, id)
	}
	if err := opp.CanShip(); err != nil {
		return err
	}

	impact.MeasuredAt = c.now()
	updated, err := c.store.Update(id, func(o *opportunity.Opportunity) {
		o.Status = opportunity.StatusShipped
		o.Impact = &impact
	})
	if err != nil {
		return fmt.Errorf("marking %s shipped: %w", id, err)
	}
	c.recordTransition(id, opp.Status, opportunity.StatusShipped, "ship", "", impact.Metric)
	c.notifyUpdate(ctx, updated)

	if updated.SpecRef != "" {
		err := c.specs.Feedback(ctx, id, specgen.FeedbackRequest{
			Rating:       rating,
			ActualImpact: updated.Impact,
		})
		if err != nil {
			c.logger.Warn("spec feedback failed", "id", id, "error", err)
		}
	}
	return nil
}

// RunResult summarizes one detection run.
type RunResult struct {
	Candidates int
	Created    int
	Duplicates int
	Failed     int
}

// RunDetection fetches the three analytics views concurrently, scores them,
// and files every resulting candidate as a detected opportunity. A fetch
// failure aborts the whole run with no partial candidate set. Per-candidate
// store or notify failures are logged and counted; the remaining candidates
// are still processed.
func (c *Coordinator) RunDetection(ctx context.Context) (RunResult, error) {
	var snap detect.Snapshot

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		funnels, err := c.analytics.FetchFunnels(gCtx)
		snap.Funnels = funnels
		return err
	})
	g.Go(func() error {
		sat, err := c.analytics.FetchSatisfaction(gCtx)
		snap.Satisfaction = sat
		return err
	})
	g.Go(func() error {
		features, err := c.analytics.FetchFeatureUsage(gCtx)
		snap.Features = features
		return err
	})
	if err := g.Wait(); err != nil {
		return RunResult{}, fmt.Errorf("fetching analytics views: %w", err)
	}

	candidates := detect.Run(snap, c.opts.Thresholds)
	result := RunResult{Candidates: len(candidates)}

	for _, cand := range candidates {
		if err := c.fileCandidate(ctx, cand); err != nil {
			if errors.Is(err, opportunity.ErrAlreadyExists) {
				result.Duplicates++
				continue
			}
			c.logger.Warn("filing candidate failed", "kind", cand.Kind, "title", cand.Title, "error", err)
			result.Failed++
			continue
		}
		result.Created++
	}

	c.logger.Info("detection run complete",
		"candidates", result.Candidates,
		"created", result.Created,
		"duplicates", result.Duplicates,
		"failed", result.Failed,
	)
	return result, nil
}

// fileCandidate persists one candidate at detected and posts it to the
// channel, recording the returned message ref back onto the record. The id
// is a fingerprint of the signal, so re-detecting the same drop-off on the
// next run collides with ErrAlreadyExists instead of filing a duplicate.
func (c *Coordinator) fileCandidate(ctx context.Context, cand detect.Candidate) error {
	now := c.now()
	opp := opportunity.Opportunity{
		ID:          opportunity.Fingerprint(cand.Kind, cand.Evidence.Source, cand.Title),
		Kind:        cand.Kind,
		Status:      opportunity.StatusDetected,
		Score:       cand.Score,
		Title:       cand.Title,
		Description: cand.Description,
		Evidence:    cand.Evidence,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	lock := c.lockFor(opp.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := c.store.Create(opp); err != nil {
		return err
	}
	c.recordTransition(opp.ID, "", opportunity.StatusDetected, "detect", "", "")

	ref, err := c.notifier.Post(ctx, opp)
	if err != nil {
		return fmt.Errorf("notifying for %s: %w", opp.ID, err)
	}
	if _, err := c.store.Update(opp.ID, func(o *opportunity.Opportunity) {
		o.ExternalRef = ref
	}); err != nil {
		return fmt.Errorf("recording message ref for %s: %w", opp.ID, err)
	}
	return nil
}

// notifyUpdate refreshes the posted message for a mutated record. The
// transition is already durable at this point; a stale message is annoying
// but recoverable, so failures are logged rather than propagated.
func (c *Coordinator) notifyUpdate(ctx context.Context, opp opportunity.Opportunity) {
	if opp.ExternalRef == "" {
		c.logger.Warn("no message ref to update", "id", opp.ID, "status", opp.Status)
		return
	}
	if err := c.notifier.Update(ctx, opp.ExternalRef, opp); err != nil {
		c.logger.Warn("updating channel message failed", "id", opp.ID, "ref", opp.ExternalRef, "error", err)
	}
}

func (c *Coordinator) recordTransition(id string, from, to opportunity.Status, action, actor, note string) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(id, from, to, action, actor, note); err != nil {
		c.logger.Warn("recording transition failed", "id", id, "action", action, "error", err)
	}
}
