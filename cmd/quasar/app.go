package main

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/internal/exporter"
	"github.com/ajitpratap0/quasar/internal/pipeline"
	"github.com/ajitpratap0/quasar/internal/store"
	"github.com/ajitpratap0/quasar/internal/worker"
	"github.com/ajitpratap0/quasar/pkg/broker"
	"github.com/ajitpratap0/quasar/pkg/config"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/models"
	"github.com/ajitpratap0/quasar/pkg/retry"
	"github.com/ajitpratap0/quasar/pkg/source"
	"github.com/ajitpratap0/quasar/pkg/warehouse"
)

// app holds the components wired from one configuration
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	meta       *store.Mongo
	store      *store.Store
	log        *broker.Kafka
	dispatcher *pipeline.Dispatcher
	service    *exporter.Service
}

// setup loads the configuration and initialises the global logger
func setup(configFile string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Encoding:    cfg.Log.Encoding,
		Development: cfg.Log.Development,
	}); err != nil {
		return nil, nil, err
	}

	return cfg, logger.Get().With(zap.String("app", cfg.App.Name)), nil
}

// openStore connects to the metadata store only
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	meta, err := store.NewMongo(ctx, store.MongoConfig{
		URI:            cfg.MongoDB.URI,
		Database:       cfg.MongoDB.Database,
		ConnectTimeout: cfg.MongoDB.ConnectTimeout,
	}, log)
	if err != nil {
		return nil, err
	}

	defaults := store.Defaults{
		Attempts: cfg.Export.Attempts,
		Stamps: models.Stamps{
			ID:     cfg.Export.Stamps.ID,
			Insert: cfg.Export.Stamps.Insert,
			Update: cfg.Export.Stamps.Update,
			Limit:  cfg.Export.Stamps.Limit,
		},
	}

	return &app{
		cfg:    cfg,
		logger: log,
		meta:   meta,
		store:  store.New(meta, meta, defaults, store.WithLogger(log)),
	}, nil
}

// openApp connects to the metadata store and the broker and wires the
// dispatcher and the export service
func openApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a.log, err = broker.NewKafka(broker.KafkaConfig{
		Brokers:           cfg.Kafka.Brokers,
		ClientID:          cfg.Kafka.ClientID,
		ConsumerName:      cfg.Kafka.ConsumerName,
		SessionTimeout:    cfg.Kafka.SessionTimeout,
		ReplicationFactor: cfg.Kafka.ReplicationFactor,
		Version:           cfg.Kafka.Version,
	}, log)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	factory := worker.NewFactory(
		a.meta,
		source.MongoOpener{ConnectTimeout: cfg.MongoDB.ConnectTimeout, Logger: log},
		warehouse.BigQueryOpener{Logger: log},
		worker.Config{
			DatasetPrefix:  cfg.Export.DatasetPrefix,
			AttemptTimeout: cfg.Export.AttemptTimeout,
			CleanupTimeout: cfg.Export.CleanupTimeout,
		},
		log,
	)

	retryCfg := cfg.Export.Retry
	engine := retry.NewEngine(
		retry.WithDelay(retry.Strategy(retryCfg.Strategy, retryCfg.InitialDelay, retryCfg.MaxDelay, retryCfg.Multiplier, retryCfg.Jitter)),
		retry.WithLogger(log),
	)

	a.dispatcher = pipeline.NewDispatcher(a.store, a.log, factory, engine, pipeline.Config{
		DiscoveryInterval: cfg.Export.DiscoveryInterval,
		PollInterval:      cfg.Export.PollInterval,
		FinishTimeout:     cfg.Export.CleanupTimeout,
	}, log)
	a.service = exporter.NewService(a.store, a.dispatcher, log)

	return a, nil
}

// Close releases every connection opened by the app
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	if a.meta != nil {
		errs = append(errs, a.meta.Close(context.WithoutCancel(ctx)))
	}
	_ = logger.Sync()
	return errors.Join(errs...)
}
