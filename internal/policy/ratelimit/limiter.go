// Package ratelimit paces crawl task launches to an hourly request budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/follower-crawler/internal/metrics"
)

// Limiter spaces task launches evenly across an hour.
type Limiter struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// Config holds limiter configuration.
type Config struct {
	// RequestsPerHour is the launch budget. Zero or negative disables pacing.
	RequestsPerHour int
}

// New creates a Limiter that allows one launch every hour/RequestsPerHour.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerHour <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	interval := Interval(cfg.RequestsPerHour)
	return &Limiter{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// Interval returns the launch spacing for the given hourly budget, truncated
// to whole milliseconds.
func Interval(requestsPerHour int) time.Duration {
	if requestsPerHour <= 0 {
		return 0
	}
	return time.Duration(int64(time.Hour/time.Millisecond)/int64(requestsPerHour)) * time.Millisecond
}

// Interval reports the configured spacing; zero means unpaced.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Wait blocks until the next launch is allowed, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacing wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObservePacingDelay(d)
	}
	return nil
}
