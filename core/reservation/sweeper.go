package reservation

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultSweepLimit = 100

type Sweeper struct {
	service  Service
	interval time.Duration
	limit    int
}

// NewSweeper returns a sweeper that expires stale reservations every interval. An interval of zero
// or less disables it.
func NewSweeper(service Service, interval time.Duration, limit int) *Sweeper {
	if limit <= 0 {
		limit = DefaultSweepLimit
	}
	return &Sweeper{service: service, interval: interval, limit: limit}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		log.Info().Msg("reservation sweeper disabled")
		return
	}

	log.Info().Dur("interval", s.interval).Int("limit", s.limit).Msg("starting reservation sweeper")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping reservation sweeper")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs batches until a batch comes back short or fails.
func (s *Sweeper) Sweep(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n, err := s.service.SweepExpired(ctx, s.limit)
		total += n
		if err != nil {
			log.Error().Err(err).Msg("failed to sweep expired reservations")
			break
		}
		if n < s.limit {
			break
		}
	}
	if total > 0 {
		log.Info().Int("expired", total).Msg("swept expired reservations")
	}
	return total
}
