// Package scheduler drives the healer: a single verification pass, or a
// perpetual loop throttled by database replication lag.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/blobmux/healer/internal/healer"
	"github.com/blobmux/healer/internal/metrics"
	"github.com/blobmux/healer/internal/replag"
	"github.com/rs/zerolog"
)

// DefaultLagThreshold is the lag below which passes may run back to back.
const DefaultLagThreshold = 5 * time.Second

// Healer runs one healing pass.
type Healer interface {
	Heal(ctx context.Context) (*healer.Report, error)
}

// Config contains configuration for the scheduler.
type Config struct {
	Healer       Healer
	Monitors     []replag.Monitor
	LagThreshold time.Duration // default: 5s

	Metrics *metrics.HealerMetrics // optional
	Logger  zerolog.Logger
}

// Scheduler invokes the healer and throttles between passes.
type Scheduler struct {
	healer    Healer
	monitors  []replag.Monitor
	threshold time.Duration
	metrics   *metrics.HealerMetrics
	logger    zerolog.Logger

	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Healer == nil {
		return nil, fmt.Errorf("healer is required")
	}
	if cfg.LagThreshold <= 0 {
		cfg.LagThreshold = DefaultLagThreshold
	}
	return &Scheduler{
		healer:    cfg.Healer,
		monitors:  cfg.Monitors,
		threshold: cfg.LagThreshold,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With().Str("component", "scheduler").Logger(),
		sleep:     sleepContext,
	}, nil
}

// RunOnce runs exactly one healing pass and returns its report.
func (s *Scheduler) RunOnce(ctx context.Context) (*healer.Report, error) {
	return s.healer.Heal(ctx)
}

// Run heals and throttles until ctx is cancelled or a pass or lag probe
// fails. Cancellation returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().
		Int("regions", len(s.monitors)).
		Dur("lag_threshold", s.threshold).
		Msg("Healer loop started")
	if len(s.monitors) == 0 {
		s.logger.Warn().Msg("No replication lag regions configured; passes will not be throttled")
	}

	for {
		if _, err := s.healer.Heal(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("healing pass: %w", err)
		}
		if err := s.throttle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// throttle waits until replication lag allows another pass. Every step
// sleeps at least once, for the observed lag, before returning.
func (s *Scheduler) throttle(ctx context.Context) error {
	alreadySlept := false
	for {
		samples, err := replag.Probe(ctx, s.monitors)
		if err != nil {
			return fmt.Errorf("probe replication lag: %w", err)
		}
		maxLag := replag.Max(samples)
		if s.metrics != nil {
			s.metrics.ReplicationLagSeconds.Set(maxLag.Seconds())
		}

		for _, sample := range samples {
			s.logger.Debug().
				Str("region", sample.Region).
				Dur("lag", sample.Lag).
				Msg("Region replication lag")
		}
		s.logger.Info().
			Dur("lag", maxLag).
			Bool("already_slept", alreadySlept).
			Msg("Replication lag")

		if maxLag < s.threshold && alreadySlept {
			return nil
		}

		if s.metrics != nil {
			s.metrics.ThrottleSleeps.Inc()
			s.metrics.ThrottleSleepSeconds.Add(maxLag.Seconds())
		}
		if err := s.sleep(ctx, maxLag); err != nil {
			return err
		}
		alreadySlept = true
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
