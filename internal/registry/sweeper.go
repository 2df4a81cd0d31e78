package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"traffic-prism/internal/metrics"
)

// Sweeper periodically drops sessions idle for longer than the timeout.
type Sweeper struct {
	registry Registry
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewSweeper(reg Registry, timeout, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		registry: reg,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Session sweeper started",
		zap.Duration("timeout", s.timeout),
		zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Session sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass and refreshes the registry gauge.
func (s *Sweeper) Sweep(ctx context.Context) []string {
	expired, err := s.registry.Expire(ctx, s.now().Add(-s.timeout))
	if err != nil {
		s.logger.Error("Session sweep failed", zap.Error(err))
	}
	if len(expired) > 0 {
		metrics.RegistryExpiredTotal.Add(float64(len(expired)))
		s.logger.Debug("Expired idle sessions", zap.Int("count", len(expired)))
	}
	if n, err := s.registry.Len(ctx); err == nil {
		metrics.RegistrySessions.Set(float64(n))
	}
	return expired
}
