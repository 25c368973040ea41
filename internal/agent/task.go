package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/follower-crawler/internal/crawler"
)

const (
	// DefaultMaxFailures is the number of transient failures tolerated per id.
	DefaultMaxFailures = 8
	// DefaultPageSize is the page length the follower endpoint returns when
	// more pages follow.
	DefaultPageSize = 5000
	// DefaultPageDelay separates successive page requests of one id.
	DefaultPageDelay = 200 * time.Millisecond
	// DefaultBackoff is the sleep after a transient failure.
	DefaultBackoff = time.Second
)

// TaskConfig bounds one id's retry loop.
type TaskConfig struct {
	MaxFailures int
	PageSize    int
	PageDelay   time.Duration
	Backoff     time.Duration
}

func (c TaskConfig) withDefaults() TaskConfig {
	if c.MaxFailures < 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PageDelay < 0 {
		c.PageDelay = DefaultPageDelay
	}
	if c.Backoff < 0 {
		c.Backoff = DefaultBackoff
	}
	return c
}

// DefaultTaskConfig returns the production retry settings.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		MaxFailures: DefaultMaxFailures,
		PageSize:    DefaultPageSize,
		PageDelay:   DefaultPageDelay,
		Backoff:     DefaultBackoff,
	}
}

// Task enumerates the followers of one id at a time.
type Task struct {
	fetcher crawler.PageFetcher
	cfg     TaskConfig
	logger  *zap.Logger
}

// NewTask builds a Task. Negative durations and counts select the defaults.
func NewTask(fetcher crawler.PageFetcher, cfg TaskConfig, logger *zap.Logger) *Task {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Task{fetcher: fetcher, cfg: cfg.withDefaults(), logger: logger}
}

// Crawl pages through id's followers until the list is exhausted, a
// terminal status arrives or the failure budget is spent. The only error is
// cancellation of ctx.
func (t *Task) Crawl(ctx context.Context, id crawler.ID) (crawler.Result, error) {
	var (
		followers []crawler.ID
		failures  int
		page      = 1
	)
	for {
		if failures > t.cfg.MaxFailures {
			t.logger.Debug("failure budget spent", zap.Int32("id", int32(id)), zap.Int("failures", failures))
			return crawler.NewFailure(id, crawler.OutcomeFailed), nil
		}

		p, err := t.fetcher.FetchFollowers(ctx, id, page)
		if err != nil {
			if ctx.Err() != nil {
				return crawler.Result{}, fmt.Errorf("crawl %d: %w", id, ctx.Err())
			}
			t.logger.Debug("fetch failed", zap.Int32("id", int32(id)), zap.Int("page", page), zap.Error(err))
			failures++
			if err := sleep(ctx, t.cfg.Backoff); err != nil {
				return crawler.Result{}, fmt.Errorf("crawl %d: %w", id, err)
			}
			continue
		}

		switch p.Status {
		case crawler.PageOK:
			followers = append(followers, p.IDs...)
			if len(p.IDs) == 0 || (page == 1 && len(p.IDs) < t.cfg.PageSize) {
				return crawler.NewSuccess(id, followers), nil
			}
			page++
			if err := sleep(ctx, t.cfg.PageDelay); err != nil {
				return crawler.Result{}, fmt.Errorf("crawl %d: %w", id, err)
			}
		case crawler.PageUnauthorized:
			return crawler.NewFailure(id, crawler.OutcomeNotAuthorized), nil
		case crawler.PageForbidden:
			return crawler.NewFailure(id, crawler.OutcomeInvalidAccount), nil
		case crawler.PageNotFound:
			return crawler.NewFailure(id, crawler.OutcomeNotFound), nil
		default:
			failures++
			if err := sleep(ctx, t.cfg.Backoff); err != nil {
				return crawler.Result{}, fmt.Errorf("crawl %d: %w", id, err)
			}
		}
	}
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
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
