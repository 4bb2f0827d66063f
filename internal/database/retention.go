package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultRetention is how long access events are kept
	DefaultRetention = 90 * 24 * time.Hour

	// DefaultPruneInterval is how often old events are pruned
	DefaultPruneInterval = time.Hour
)

// Retention prunes old access events on a ticker
type Retention struct {
	repository *AccessEventRepository
	maxAge     time.Duration
	interval   time.Duration
	logger     zerolog.Logger
}

// NewRetention creates a pruner. Zero durations use the defaults.
func NewRetention(repository *AccessEventRepository, maxAge, interval time.Duration, logger zerolog.Logger) *Retention {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	return &Retention{
		repository: repository,
		maxAge:     maxAge,
		interval:   interval,
		logger:     logger.With().Str("component", "retention").Logger(),
	}
}

// Start prunes once and then on every tick until ctx is done
func (r *Retention) Start(ctx context.Context) {
	r.logger.Info().Dur("max_age", r.maxAge).Dur("interval", r.interval).Msg("access log retention starting")

	if _, err := r.PruneNow(); err != nil {
		r.logger.Error().Err(err).Msg("initial prune failed")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("access log retention stopping")
			return

		case <-ticker.C:
			if _, err := r.PruneNow(); err != nil {
				r.logger.Error().Err(err).Msg("prune failed")
			}
		}
	}
}

// PruneNow deletes events older than the retention age
func (r *Retention) PruneNow() (int64, error) {
	n, err := r.repository.DeleteBefore(time.Now().Add(-r.maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info().Int64("deleted", n).Msg("pruned access events")
	}
	return n, nil
}
