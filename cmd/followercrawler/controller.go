package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/follower-crawler/internal/api"
	"github.com/JakeFAU/follower-crawler/internal/app"
	"github.com/JakeFAU/follower-crawler/internal/clock/system"
	"github.com/JakeFAU/follower-crawler/internal/config"
	"github.com/JakeFAU/follower-crawler/internal/controller"
	"github.com/JakeFAU/follower-crawler/internal/crawler"
	"github.com/JakeFAU/follower-crawler/internal/id/uuid"
	"github.com/JakeFAU/follower-crawler/internal/protocol"
	"github.com/JakeFAU/follower-crawler/internal/queue/disk"
	"github.com/JakeFAU/follower-crawler/internal/resultlog"
)

const shutdownTimeout = 30 * time.Second

func newControllerCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "controller [port] [seed] [logBase]",
		Short: "Run the controller: accept workers and schedule the crawl from a seed.",
		Args:  cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyControllerArgs(&c.cfg, args); err != nil {
				return err
			}
			if err := c.cfg.ValidateController(); err != nil {
				return err
			}
			return runController(cmd.Context(), c.cfg, c.logger)
		},
	}
}

// applyControllerArgs lets positional arguments override the config file.
func applyControllerArgs(cfg *config.Config, args []string) error {
	if len(args) > 0 {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("parse port %q: %w", args[0], err)
		}
		cfg.Controller.ListenPort = port
	}
	if len(args) > 1 {
		seed, err := strconv.ParseInt(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("parse seed %q: %w", args[1], err)
		}
		cfg.Controller.Seed = seed
	}
	if len(args) > 2 {
		cfg.Controller.LogBase = args[2]
	}
	return nil
}

func runController(ctx context.Context, cfg config.Config, logger *zap.Logger) (err error) {
	runID, err := uuid.New().NewID()
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("run_id", runID))

	services, err := app.New(ctx, cfg, app.DefaultDialers(), logger)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, services.Close()) }()

	queue, err := disk.Open(disk.Config{
		Dir:                 cfg.Controller.QueueDir,
		CompactionThreshold: cfg.Controller.CompactionThreshold,
	})
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	success, err := openResultLog(ctx, cfg, services, resultlog.CategorySuccess, logger)
	if err != nil {
		_ = queue.Close()
		return err
	}
	failure, err := openResultLog(ctx, cfg, services, resultlog.CategoryFailure, logger)
	if err != nil {
		_ = success.Close()
		_ = queue.Close()
		return err
	}

	secret := []byte(cfg.Protocol.Secret)
	registry := controller.NewRegistry()
	sched, err := controller.NewScheduler(controller.SchedulerConfig{
		RunID:        runID,
		BatchSize:    cfg.Controller.BatchSize,
		StatusEvery:  cfg.Controller.StatusEvery,
		IdleInterval: cfg.Controller.IdleInterval,
	}, controller.SchedulerDeps{
		Queue:       queue,
		Success:     success,
		Failure:     failure,
		Sessions:    registry,
		Checkpoints: services.Checkpoints(),
		Clock:       system.New(),
		Logger:      logger,
	})
	if err != nil {
		return errors.Join(err, success.Close(), failure.Close(), queue.Close())
	}
	// From here on Shutdown owns the logs and the queue.
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, sched.Shutdown(shutdownCtx))
	}()

	if err := sched.Seed(crawler.ID(cfg.Controller.Seed)); err != nil {
		return err
	}

	registrar, err := controller.NewRegistrar(controller.RegistrarConfig{
		Secret:      secret,
		ReadTimeout: cfg.Protocol.ReadTimeout,
		Session: controller.SessionConfig{
			SendInterval:      cfg.Controller.SendInterval,
			HeartbeatInterval: cfg.Protocol.HeartbeatInterval,
		},
	}, protocol.NewLedger(cfg.Protocol.LedgerTTL), registry, logger)
	if err != nil {
		return err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(cfg.Controller.ListenPort)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("controller listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int64("seed", cfg.Controller.Seed),
		zap.String("log_base", cfg.Controller.LogBase))

	runCtx, finish := context.WithCancel(ctx)
	defer finish()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return registrar.Serve(gctx, ln) })
	if cfg.Controller.MetricsAddr != "" {
		ops := api.NewServer(sched, registry, logger)
		g.Go(func() error { return ops.Serve(gctx, cfg.Controller.MetricsAddr) })
	}
	g.Go(func() error {
		defer finish()
		return sched.Run(gctx)
	})

	err = g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		logger.Info("controller interrupted")
		return nil
	}
	return err
}

func openResultLog(
	ctx context.Context,
	cfg config.Config,
	services *app.App,
	category resultlog.Category,
	logger *zap.Logger,
) (*resultlog.Logger, error) {
	// Segment uploads must outlive an interrupt so Close can drain them.
	l, err := resultlog.New(context.WithoutCancel(ctx), resultlog.Config{
		Base:             cfg.Controller.LogBase,
		Category:         category,
		FlushThreshold:   cfg.ResultLog.FlushThreshold,
		SegmentThreshold: cfg.ResultLog.SegmentThreshold,
		Archive:          services.Archive(),
		ArchivePrefix:    cfg.Archive.Prefix,
		Publisher:        services.Publisher(),
		Topic:            services.Topic(),
	}, logger.Named("resultlog"))
	if err != nil {
		return nil, fmt.Errorf("open %s log: %w", category, err)
	}
	return l, nil
}
