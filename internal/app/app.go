// Package app provides application-level wiring for protosink: it builds
// the destination, plugin, decoder, source and pipeline from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"protosink/internal/cache"
	"protosink/internal/config"
	"protosink/internal/db"
	"protosink/internal/ddl"
	"protosink/internal/domain"
	"protosink/internal/ingest"
	"protosink/internal/kafka"
	"protosink/internal/objstore"
	"protosink/internal/plugin"
	"protosink/internal/reconciler"
	"protosink/internal/registry"
	"protosink/internal/replay"
	"protosink/internal/server"
	"protosink/internal/sink"
	"protosink/internal/wire"
)

// App holds the wired components of one pipeline run.
type App struct {
	Pipeline *ingest.Pipeline
	Plugin   *plugin.Runtime
	DB       *sql.DB
	Dialect  ddl.Dialect

	cfg     *config.Config
	logger  *slog.Logger
	rec     *reconciler.Reconciler
	sink    *sink.Sink
	closers []func(context.Context) error
}

// NewKafka wires a pipeline that consumes cfg.Topic.
func NewKafka(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a, err := open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.wireKafka(ctx); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) wireKafka(ctx context.Context) error {
	cfg := a.cfg
	regOpts := registry.Options{
		BaseURL:           cfg.SchemaRegistryURL,
		Username:          cfg.RegistryUsername,
		Password:          cfg.RegistryPassword,
		Timeout:           cfg.RegistryTimeout,
		RequestsPerSecond: cfg.RegistryRPS,
		Logger:            a.logger,
	}
	if cfg.SchemaCache != "" {
		c, err := cache.Open(cfg.SchemaCache)
		if err != nil {
			return err
		}
		a.onClose(func(context.Context) error { return c.Close() })
		if err := c.Ping(ctx); err != nil {
			a.logger.Warn("shared schema cache unreachable, continuing without it", "error", err)
		}
		regOpts.Cache = c
	}
	reg, err := registry.New(regOpts)
	if err != nil {
		return err
	}

	consumer, err := kafka.NewConsumer(kafka.ConsumerOptions{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		Version:     cfg.KafkaVersion,
		PollTimeout: cfg.PollTimeout,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}
	a.onClose(func(context.Context) error { return consumer.Close() })

	dl, err := a.deadLetter()
	if err != nil {
		return err
	}
	dec := wire.NewDecoder(reg, wire.Options{JSONNames: cfg.UseJSONNames})
	a.Pipeline = ingest.New(consumer, dec, a.Plugin, a.rec, a.sink, a.pipelineOptions(dl))
	return nil
}

// NewReplay wires a pipeline that reads messages of typeName from a replay
// file. Offsets are not persisted.
func NewReplay(ctx context.Context, cfg *config.Config, logger *slog.Logger, path, typeName string) (*App, *replay.Source, error) {
	a, err := open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	r, err := replay.Open(path, typeName)
	if err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	a.onClose(func(context.Context) error { return r.Close() })

	dl, err := a.deadLetter()
	if err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	src := replay.NewSource(r, filepath.Base(path), cfg.DecodeWorkers, a.logger)
	dec := wire.StaticDecoder{Descriptor: r.Message(), Options: wire.Options{JSONNames: cfg.UseJSONNames}}
	a.Pipeline = ingest.New(src, dec, a.Plugin, a.rec, a.sink, a.pipelineOptions(dl))
	a.logger.Info("replay file opened", "file", path, "type", typeName, "messages", r.Count())
	return a, src, nil
}

// open connects the destination, applies bookkeeping migrations and loads
// the plugin.
func open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	conn, dialect, err := db.Open(ctx, cfg.DatabaseURL, db.Options{MaxOpenConns: cfg.MaxOpenConns})
	if err != nil {
		return nil, err
	}
	a.DB, a.Dialect = conn, dialect
	a.onClose(func(context.Context) error { return conn.Close() })

	if err := db.RunMigrations(ctx, conn, dialect); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	fetcher := ObjectStore(cfg)
	a.onClose(func(context.Context) error { return fetcher.Close() })

	rt, err := plugin.Load(ctx, cfg.PluginPath, PluginOptions(cfg, fetcher, logger))
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.Plugin = rt
	a.onClose(rt.Close)

	a.rec = reconciler.New(conn, dialect, logger)
	a.sink = sink.New(conn, dialect, a.rec, sink.Options{StatementTimeout: cfg.StatementTimeout, Logger: logger})
	return a, nil
}

// ObjectStore returns a fetcher for plugin modules using the configured
// cloud credentials.
func ObjectStore(cfg *config.Config) *objstore.Router {
	return objstore.NewRouter(objstore.Credentials{
		S3Endpoint:         cfg.S3Endpoint,
		S3Region:           cfg.S3Region,
		S3KeyID:            cfg.S3KeyID,
		S3Secret:           cfg.S3Secret,
		GCSCredentialsFile: cfg.GCSCredentialsFile,
		AzureAccountName:   cfg.AzureAccountName,
		AzureAccountKey:    cfg.AzureAccountKey,
	})
}

// PluginOptions maps configuration onto plugin runtime options.
func PluginOptions(cfg *config.Config, fetcher objstore.Fetcher, logger *slog.Logger) plugin.Options {
	return plugin.Options{
		Workers:  cfg.PluginWorkers,
		Timeout:  cfg.TransformTimeout,
		MaxSteps: cfg.PluginMaxSteps,
		MemoryMB: cfg.PluginMemoryMB,
		Fetcher:  fetcher,
		Logger:   logger,
	}
}

func (a *App) pipelineOptions(dl ingest.DeadLetterTarget) ingest.Options {
	cfg := a.cfg
	return ingest.Options{
		Mode:                ingest.Mode(cfg.PluginMode),
		SkipTransformErrors: cfg.OnTransformError == config.OnErrorSkip,
		DecodeWorkers:       cfg.DecodeWorkers,
		MaxRetries:          cfg.MaxRetries,
		RetryBackoff:        cfg.RetryBackoff,
		Batch: ingest.BatchOptions{
			Initial: cfg.BatchSize,
			Min:     cfg.MinBatchSize,
			Max:     cfg.MaxBatchSize,
			Target:  cfg.TargetBatchLatency,
		},
		DeadLetter: dl,
		Logger:     a.logger,
	}
}

func (a *App) deadLetter() (ingest.DeadLetterTarget, error) {
	cfg := a.cfg
	if cfg.DeadLetter == "table" {
		return ingest.DeadLetterTarget{Name: ddl.DeadLetterTable, Sink: sink.NewDeadLetterTable(a.DB, a.Dialect)}, nil
	}
	topic, ok := cfg.DeadLetterTopic()
	if !ok {
		return ingest.DeadLetterTarget{}, nil
	}
	p, err := kafka.NewDeadLetterProducer(cfg.Brokers, cfg.KafkaVersion, topic, a.logger)
	if err != nil {
		return ingest.DeadLetterTarget{}, err
	}
	a.onClose(func(context.Context) error { return p.Close() })
	return ingest.DeadLetterTarget{Name: "kafka:" + topic, Sink: p}, nil
}

// Checks returns the readiness checks for the ops server.
func (a *App) Checks() map[string]server.Check {
	return map[string]server.Check{
		"database": func(ctx context.Context) error { return a.DB.PingContext(ctx) },
		"plugin": func(context.Context) error {
			if s := a.Plugin.State(); s == plugin.StateFaulted || s == plugin.StateUnloaded {
				return fmt.Errorf("plugin is %s", s)
			}
			return nil
		},
		"pipeline": func(context.Context) error {
			if a.Pipeline == nil || !a.Pipeline.Running() {
				return errors.New("pipeline is not running")
			}
			return nil
		},
	}
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

var _ domain.Transformer = (*plugin.Runtime)(nil)
