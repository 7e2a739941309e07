// Package scheduler runs periodic sync passes with retry backoff and a
// manual trigger channel.
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// RunFunc executes one sync pass. A non-nil error schedules a backoff
// retry instead of waiting for the next regular interval.
type RunFunc func(ctx context.Context) error

// Config holds the scheduler's timing knobs.
type Config struct {
	// Interval is the regular cadence between successful runs.
	Interval time.Duration
	// MinBackoff is the first retry delay after a failed run.
	MinBackoff time.Duration
	// MaxBackoff caps the retry delay; it doubles per consecutive
	// failure up to this ceiling.
	MaxBackoff time.Duration
}

// Scheduler triggers sync runs on a fixed interval, immediately on
// demand, and with exponential backoff after failures. Only one loop
// runs at a time: registering while already registered keeps the
// existing schedule rather than restarting the countdown.
type Scheduler struct {
	cfg    Config
	run    RunFunc
	conn   Connectivity
	logger *slog.Logger

	registered atomic.Bool
	immediate  chan struct{}
}

// New creates a scheduler. conn may be nil, in which case runs are
// never deferred for connectivity.
func New(cfg Config, run RunFunc, conn Connectivity, logger *slog.Logger) *Scheduler {
	if conn == nil {
		conn = alwaysOnline{}
	}

	return &Scheduler{
		cfg:       cfg,
		run:       run,
		conn:      conn,
		logger:    logger,
		immediate: make(chan struct{}, 1),
	}
}

// TriggerNow requests an immediate run. Multiple triggers before the
// loop wakes coalesce into one.
func (s *Scheduler) TriggerNow() {
	select {
	case s.immediate <- struct{}{}:
	default:
	}
}

// Start runs the scheduling loop until ctx is cancelled. If a loop is
// already running, Start returns immediately without starting a second
// one; the existing schedule stays in effect.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.registered.CompareAndSwap(false, true) {
		s.logger.Debug("scheduler already running, keeping existing schedule")
		return nil
	}
	defer s.registered.Store(false)

	s.logger.Info("scheduler started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("min_backoff", s.cfg.MinBackoff),
		slog.Duration("max_backoff", s.cfg.MaxBackoff),
	)

	backoff := time.Duration(0)
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
		case <-s.immediate:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		backoff = s.attempt(ctx, backoff)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		next := s.cfg.Interval
		if backoff > 0 {
			next = backoff
		}

		timer.Reset(next)
	}
}

// attempt checks connectivity and runs one pass. It returns the next
// retry backoff: zero after a successful run, the doubled delay after a
// failure or an unusable connection.
func (s *Scheduler) attempt(ctx context.Context, backoff time.Duration) time.Duration {
	// Connectivity is re-checked at execution time, not registration
	// time; conditions can change while the timer sleeps.
	if !s.conn.Online(ctx) {
		s.logger.Info("sync deferred, offline")
		return s.nextBackoff(backoff)
	}

	if err := s.run(ctx); err != nil {
		if ctx.Err() != nil {
			return backoff
		}

		next := s.nextBackoff(backoff)
		s.logger.Warn("sync run failed, backing off",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", next),
		)

		return next
	}

	return 0
}

func (s *Scheduler) nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return s.cfg.MinBackoff
	}

	next := current * 2
	if next > s.cfg.MaxBackoff {
		return s.cfg.MaxBackoff
	}

	return next
}
