// Package app initializes the controller's optional long-lived services, acting
// as a dependency injection container for segment archiving, segment
// notifications and run checkpoints.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/follower-crawler/internal/config"
	"github.com/JakeFAU/follower-crawler/internal/crawler"
	pubsubpublisher "github.com/JakeFAU/follower-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/follower-crawler/internal/storage/gcs"
	"github.com/JakeFAU/follower-crawler/internal/storage/local"
	"github.com/JakeFAU/follower-crawler/internal/storage/postgres"
)

// App holds the services the controller wires into its result logs and
// scheduler. Any of them may be nil when its configuration is absent.
type App struct {
	logger *zap.Logger

	archive     crawler.BlobStore
	publisher   crawler.Publisher
	topic       string
	checkpoints crawler.CheckpointStore

	closers []func() error
}

// Archive returns the segment archive, or nil.
func (a *App) Archive() crawler.BlobStore { return a.archive }

// Publisher returns the segment notification publisher, or nil.
func (a *App) Publisher() crawler.Publisher { return a.publisher }

// Topic names the notification topic.
func (a *App) Topic() string { return a.topic }

// Checkpoints returns the run checkpoint store, or nil.
func (a *App) Checkpoints() crawler.CheckpointStore { return a.checkpoints }

// Dialers builds each backend. Tests replace them to avoid network access.
type Dialers struct {
	GCS         func(ctx context.Context, cfg gcs.Config) (crawler.BlobStore, func() error, error)
	PubSub      func(ctx context.Context, projectID, topic string) (crawler.Publisher, func() error, error)
	Checkpoints func(ctx context.Context, cfg postgres.CheckpointStoreConfig) (crawler.CheckpointStore, func() error, error)
}

// DefaultDialers connects to the real cloud services.
func DefaultDialers() Dialers {
	return Dialers{
		GCS: func(ctx context.Context, cfg gcs.Config) (crawler.BlobStore, func() error, error) {
			store, err := gcs.Dial(ctx, cfg)
			if err != nil {
				return nil, nil, err
			}
			return store, store.Close, nil
		},
		PubSub: func(ctx context.Context, projectID, topic string) (crawler.Publisher, func() error, error) {
			pub, client, err := pubsubpublisher.Dial(ctx, projectID, topic)
			if err != nil {
				return nil, nil, err
			}
			return pub, func() error {
				pub.Stop()
				return client.Close()
			}, nil
		},
		Checkpoints: func(ctx context.Context, cfg postgres.CheckpointStoreConfig) (crawler.CheckpointStore, func() error, error) {
			store, err := postgres.NewCheckpointStore(ctx, cfg)
			if err != nil {
				return nil, nil, err
			}
			return store, func() error { store.Close(); return nil }, nil
		},
	}
}

// New builds the services selected by cfg. It fails fast: a configured
// backend that cannot be reached is an error, and anything already opened
// is closed before returning.
func New(ctx context.Context, cfg config.Config, dialers Dialers, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger.Named("app")}

	if err := a.initArchive(ctx, cfg.Archive, dialers); err != nil {
		return nil, errors.Join(err, a.Close())
	}

	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		pub, closer, err := dialers.PubSub(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("init pubsub: %w", err), a.Close())
		}
		a.publisher, a.topic = pub, cfg.PubSub.TopicName
		a.closers = append(a.closers, closer)
		a.logger.Info("publishing segment notifications",
			zap.String("project", cfg.PubSub.ProjectID), zap.String("topic", cfg.PubSub.TopicName))
	}

	if cfg.DB.DSN != "" {
		store, closer, err := dialers.Checkpoints(ctx, postgres.CheckpointStoreConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			return nil, errors.Join(fmt.Errorf("init checkpoint store: %w", err), a.Close())
		}
		a.checkpoints = store
		a.closers = append(a.closers, closer)
		a.logger.Info("recording run checkpoints", zap.String("table", cfg.DB.Table))
	}

	return a, nil
}

func (a *App) initArchive(ctx context.Context, cfg config.ArchiveConfig, dialers Dialers) error {
	switch {
	case cfg.GCSBucket != "":
		store, closer, err := dialers.GCS(ctx, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return fmt.Errorf("init gcs archive: %w", err)
		}
		a.archive = store
		a.closers = append(a.closers, closer)
		a.logger.Info("archiving segments to GCS", zap.String("bucket", cfg.GCSBucket))
	case cfg.LocalDir != "":
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return fmt.Errorf("init local archive: %w", err)
		}
		a.archive = store
		a.logger.Info("archiving segments locally", zap.String("dir", cfg.LocalDir))
	}
	return nil
}

// Close releases every opened backend in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
