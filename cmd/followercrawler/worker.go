package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/follower-crawler/internal/agent"
	"github.com/JakeFAU/follower-crawler/internal/config"
	collyfetcher "github.com/JakeFAU/follower-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/follower-crawler/internal/policy/ratelimit"
)

func newWorkerCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "worker [host] [port] [username] [password]",
		Short: "Run a worker: register with the controller and crawl assigned ids.",
		Args:  cobra.MaximumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyWorkerArgs(&c.cfg, args); err != nil {
				return err
			}
			if err := c.cfg.ValidateWorker(); err != nil {
				return err
			}
			return runWorker(cmd.Context(), c.cfg, c.logger)
		},
	}
}

// applyWorkerArgs lets positional arguments override the config file.
func applyWorkerArgs(cfg *config.Config, args []string) error {
	if len(args) > 0 {
		cfg.Worker.Host = args[0]
	}
	if len(args) > 1 {
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("parse port %q: %w", args[1], err)
		}
		cfg.Worker.Port = port
	}
	if len(args) > 2 {
		cfg.Worker.Username = args[2]
	}
	if len(args) > 3 {
		cfg.Worker.Password = args[3]
	}
	return nil
}

func buildAgent(cfg config.Config, logger *zap.Logger) (*agent.Agent, error) {
	w := cfg.Worker
	fetcher, err := collyfetcher.New(collyfetcher.Config{
		BaseURL:   w.APIBaseURL,
		Username:  w.Username,
		Password:  w.Password,
		UserAgent: w.UserAgent,
		Timeout:   w.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init fetcher: %w", err)
	}
	task := agent.NewTask(fetcher, agent.TaskConfig{
		MaxFailures: w.MaxFailures,
		PageSize:    w.PageSize,
		PageDelay:   w.PageDelay,
		Backoff:     w.Backoff,
	}, logger)
	pacer := ratelimit.New(ratelimit.Config{RequestsPerHour: w.RequestsPerHour})
	logger.Info("worker pacing",
		zap.Int("requests_per_hour", w.RequestsPerHour),
		zap.Duration("interval", pacer.Interval()),
		zap.Int("max_concurrency", w.MaxConcurrency))

	return agent.New(agent.Config{
		Name:              w.Name,
		Account:           w.Username,
		Secret:            []byte(cfg.Protocol.Secret),
		ReadTimeout:       cfg.Protocol.ReadTimeout,
		LedgerTTL:         cfg.Protocol.LedgerTTL,
		MaxConcurrency:    w.MaxConcurrency,
		SendInterval:      w.SendInterval,
		HeartbeatInterval: cfg.Protocol.HeartbeatInterval,
		LogEvery:          w.LogEvery,
	}, task, pacer, logger)
}

// runWorker keeps a registered session alive until ctx ends. Each connection
// starts from scratch; the controller has already rolled back whatever the
// previous one held.
func runWorker(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	a, err := buildAgent(cfg, logger)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(cfg.Worker.Host, strconv.Itoa(cfg.Worker.Port))

	for {
		err := a.Connect(ctx, addr)
		if ctx.Err() != nil {
			logger.Info("worker stopped")
			return nil
		}
		logger.Warn("controller connection ended, reconnecting",
			zap.String("controller", addr),
			zap.Duration("delay", cfg.Worker.ReconnectDelay),
			zap.Error(err))

		timer := time.NewTimer(cfg.Worker.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("worker stopped")
			return nil
		case <-timer.C:
		}
	}
}
