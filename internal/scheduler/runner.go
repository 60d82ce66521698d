// Package scheduler runs the periodic reclamation jobs against the lab
// service: idle and expiry sweeps, crash detection, orphan reaping and
// journal purging.
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/redmage123/course-creator-labs/internal/metrics"
)

type Service interface {
	CleanupIdle(ctx context.Context, maxIdleHours int) (int, error)
	CleanupExpired(ctx context.Context) (int, error)
	DetectCrashed(ctx context.Context) (int, error)
	ReapOrphans(ctx context.Context) (int, error)
}

type Purger interface {
	PurgeStoppedBefore(ctx context.Context, before time.Time) (int64, error)
}

type Options struct {
	MaxIdleHours     int
	IdleInterval     time.Duration
	ExpiryInterval   time.Duration
	CrashInterval    time.Duration
	OrphanInterval   time.Duration
	PurgeInterval    time.Duration
	JournalRetention time.Duration
}

type Runner struct {
	svc    Service
	purger Purger
	opts   Options
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewRunner builds a runner. purger may be nil when no journal is
// configured; the purge job is then not scheduled.
func NewRunner(svc Service, purger Purger, opts Options, log logrus.FieldLogger) *Runner {
	return &Runner{
		svc:    svc,
		purger: purger,
		opts:   opts,
		log:    log.WithField("component", "scheduler"),
		now:    time.Now,
	}
}

func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "idle_sweep", r.opts.IdleInterval, func(c context.Context) (int64, error) {
		n, err := r.svc.CleanupIdle(c, r.opts.MaxIdleHours)
		return int64(n), err
	})
	go r.runEvery(ctx, "expiry_sweep", r.opts.ExpiryInterval, func(c context.Context) (int64, error) {
		n, err := r.svc.CleanupExpired(c)
		return int64(n), err
	})
	go r.runEvery(ctx, "crash_detect", r.opts.CrashInterval, func(c context.Context) (int64, error) {
		n, err := r.svc.DetectCrashed(c)
		return int64(n), err
	})
	go r.runEvery(ctx, "orphan_reap", r.opts.OrphanInterval, func(c context.Context) (int64, error) {
		n, err := r.svc.ReapOrphans(c)
		return int64(n), err
	})
	if r.purger != nil && r.opts.JournalRetention > 0 {
		go r.runEvery(ctx, "journal_purge", r.opts.PurgeInterval, func(c context.Context) (int64, error) {
			return r.purger.PurgeStoppedBefore(c, r.now().Add(-r.opts.JournalRetention))
		})
	}
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) (int64, error)) {
	if interval <= 0 {
		r.log.WithField("job", name).Warn("job disabled: non-positive interval")
		return
	}
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	start := time.Now()
	n, err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	log := r.log.WithFields(logrus.Fields{"job": name, "duration_ms": int64(durMs), "affected": n})
	if err != nil {
		log.WithError(err).Warn("job run failed")
		labels["status"] = "error"
	} else {
		if n > 0 {
			log.Info("job run")
		} else {
			log.Debug("job run")
		}
		labels["status"] = "ok"
	}
	metrics.Default().IncCounter("lab_job_runs_total", labels)
	metrics.Default().ObserveHistogram("lab_job_duration_ms", durMs, map[string]string{"job": name})
}
