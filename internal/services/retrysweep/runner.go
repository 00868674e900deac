package retrysweep

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Runner drives the ledger on a timer: every tick it drains due records,
// and once per cleanup interval it purges old terminal ones.
type Runner struct {
	log    *zap.Logger
	ledger *Ledger

	mSwept   prometheus.Counter
	mErr     prometheus.Counter
	mTickDur prometheus.Histogram
}

func NewRunner(log *zap.Logger, ledger *Ledger) *Runner {
	return &Runner{
		log:    log.With(zap.String("component", "retrysweep.runner")),
		ledger: ledger,
		mSwept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "notifier_sweep_records_total", Help: "Due retry records swept",
		}),
		mErr: promauto.NewCounter(prometheus.CounterOpts{
			Name: "notifier_sweep_errors_total", Help: "Errors in sweep loop",
		}),
		mTickDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "notifier_sweep_duration_seconds", Help: "Sweep tick duration",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (r *Runner) tick(ctx context.Context) {
	start := time.Now()
	processed, err := r.ledger.ProcessDue(ctx)
	if err != nil {
		r.mErr.Inc()
		r.log.Warn("sweep tick error", zap.Error(err))
	}
	if processed > 0 {
		r.mSwept.Add(float64(processed))
		r.log.Debug("swept batch", zap.Int("processed", processed))
	}
	r.mTickDur.Observe(time.Since(start).Seconds())
}

func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.ledger.cfg.SweepInterval)
	defer ticker.Stop()

	// Terminal-record cleanup is much less frequent than the sweep.
	cleanup := time.NewTicker(6 * time.Hour)
	defer cleanup.Stop()

	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		case <-cleanup.C:
			if _, err := r.ledger.Cleanup(ctx); err != nil {
				r.mErr.Inc()
				r.log.Warn("cleanup error", zap.Error(err))
			}
		}
	}
}
