package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/follower-crawler/internal/config"
	"github.com/JakeFAU/follower-crawler/internal/logging"
)

// cli carries state shared by the subcommands once the root hook has run.
type cli struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:           "followercrawler",
		Short:         "Distributed follower-graph crawler.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return c.init()
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			c.sync()
		},
	}
	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newControllerCmd(c))
	cmd.AddCommand(newWorkerCmd(c))
	return cmd
}

func (c *cli) init() error {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	c.cfg = cfg
	c.logger = logger
	return nil
}

func (c *cli) sync() {
	if c.logger == nil {
		return
	}
	if err := c.logger.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", err)
	}
}
