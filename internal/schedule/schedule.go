// Package schedule triggers detection runs on a fixed interval.
package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/mkoval/oppwatch/internal/lifecycle"
)

// DetectionRunner is the scheduled unit of work.
type DetectionRunner interface {
	RunDetection(ctx context.Context) (lifecycle.RunResult, error)
}

// Alerter posts a failure notice to the triage channel. Optional.
type Alerter interface {
	Alert(ctx context.Context, format string, args ...any) error
}

// Runner fires a detection run every interval until its context is
// cancelled. Runs execute synchronously on the ticker goroutine, so a slow
// run simply delays the next one — two runs never overlap. A failed run is
// logged and the loop waits for the next tick; it never brings the process
// down.
type Runner struct {
	detector DetectionRunner
	interval time.Duration
	logger   *slog.Logger

	// Alerter, when set, is told about failed runs so they surface in the
	// triage channel and not only in the server log.
	Alerter Alerter
}

// NewRunner creates a Runner. interval <= 0 defaults to one hour.
func NewRunner(detector DetectionRunner, interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{detector: detector, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled. Cancellation stops new runs; an
// in-flight run finishes first.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single scheduled run.
func (r *Runner) RunOnce(ctx context.Context) {
	result, err := r.detector.RunDetection(ctx)
	if err != nil {
		r.logger.Error("scheduled detection run failed", "error", err)
		if r.Alerter != nil {
			if alertErr := r.Alerter.Alert(ctx, "scheduled detection run failed: %v", err); alertErr != nil {
				r.logger.Warn("posting run failure alert failed", "error", alertErr)
			}
		}
		return
	}
	r.logger.Debug("scheduled detection run finished",
		"created", result.Created,
		"duplicates", result.Duplicates,
		"failed", result.Failed,
	)
}
