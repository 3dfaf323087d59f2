package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// CycleFunc is invoked once per polling interval.
type CycleFunc func(ctx context.Context) error

// Options tune scheduler behaviour.
type Options struct {
	Interval       time.Duration
	StartupDelay   time.Duration
	RunImmediately bool
}

// Scheduler drives the keeper's polling loop. A failing cycle is logged and
// the loop continues; only context cancellation stops it.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking cycle at every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, cycle CycleFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunImmediately {
		s.runOnce(ctx, cycle)
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx, cycle)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, cycle CycleFunc) {
	started := time.Now()
	s.logger.Debug().Msg("cycle started")

	if err := cycle(ctx); err != nil {
		s.logger.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("cycle failed")
		return
	}

	s.logger.Info().Dur("elapsed", time.Since(started)).Msg("cycle completed")
}
