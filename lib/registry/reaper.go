package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/hangarproj/hangar/lib/image"
	"github.com/hangarproj/hangar/lib/metastore"
)

// Reaper bounds how long a record can sit in saving. A crashed server or a
// caller that vanished mid-upload leaves the record behind in saving; the
// reaper sweeps those to killed once they have been idle past the deadline.
type Reaper struct {
	meta     *metastore.Store
	metrics  *Metrics
	log      *slog.Logger
	interval time.Duration
	deadline time.Duration
}

// NewReaper builds a reaper sweeping every interval for saving records idle
// longer than deadline.
func NewReaper(meta *metastore.Store, metrics *Metrics, log *slog.Logger, interval, deadline time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if deadline <= 0 {
		deadline = time.Hour
	}
	return &Reaper{meta: meta, metrics: metrics, log: log, interval: interval, deadline: deadline}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Exported so tests and operators can trigger it
// directly.
func (r *Reaper) Sweep(ctx context.Context) {
	ids, err := r.meta.StaleSaving(ctx, time.Now().Add(-r.deadline))
	if err != nil {
		r.log.ErrorContext(ctx, "reaper scan failed", "error", err)
		return
	}
	for _, id := range ids {
		if _, err := r.meta.SetStatus(ctx, id, image.StatusKilled, nil); err != nil {
			// Lost a race with the uploader finishing or a delete; fine.
			r.log.WarnContext(ctx, "reaper could not kill record", "image_id", id, "error", err)
			continue
		}
		r.metrics.recordReap(ctx)
		r.log.InfoContext(ctx, "reaped stuck upload", "image_id", id, "idle_deadline", r.deadline)
	}
}
