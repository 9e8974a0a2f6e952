// Package maintenance implements the once-per-hour pruning and hourly
// roll-up pass.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/npcloud/control-plane/internal/store"
)

// recomputeWindow is how far back hourly aggregates are rebuilt on every
// run: the most recent two hours of raw samples.
const recomputeWindow = 2 * time.Hour

// Runner prunes aged rows and rebuilds recent hourly aggregates.
type Runner struct {
	Repo store.Repository

	TelemetryRetention  time.Duration
	HourlyRetention     time.Duration
	BuildEventRetention time.Duration
	MinuteLoadRetention time.Duration
}

// Run executes one maintenance pass. Each step is independent; a failure in
// one does not prevent the others from running, and all failures are
// reported joined together so the scheduler can log a single error.
func (r *Runner) Run(ctx context.Context, now time.Time) error {
	var errs []error

	if n, err := r.Repo.PruneTelemetryOlderThan(ctx, now.Add(-r.TelemetryRetention)); err != nil {
		errs = append(errs, err)
	} else {
		slog.Info("[Maintenance] pruned telemetry", "deleted", n)
	}

	if n, err := r.Repo.PruneHourlyOlderThan(ctx, now.Add(-r.HourlyRetention)); err != nil {
		errs = append(errs, err)
	} else {
		slog.Info("[Maintenance] pruned hourly aggregates", "deleted", n)
	}

	if n, err := r.Repo.PruneBuildEventsOlderThan(ctx, now.Add(-r.BuildEventRetention)); err != nil {
		errs = append(errs, err)
	} else {
		slog.Info("[Maintenance] pruned build events", "deleted", n)
	}

	if n, err := r.Repo.PruneMinuteLoadOlderThan(ctx, now.Add(-r.MinuteLoadRetention)); err != nil {
		errs = append(errs, err)
	} else {
		slog.Info("[Maintenance] pruned dispatch minute load", "deleted", n)
	}

	if err := r.Repo.RecomputeHourlyAggregates(ctx, now.Add(-recomputeWindow)); err != nil {
		errs = append(errs, err)
	} else {
		slog.Info("[Maintenance] recomputed hourly aggregates", "since", now.Add(-recomputeWindow))
	}

	return errors.Join(errs...)
}
