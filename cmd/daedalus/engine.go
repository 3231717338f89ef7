package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	natsgo "github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/internal/sentryhook"
	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/bus"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/control"
	"github.com/wehubfusion/Daedalus/pkg/external"
	"github.com/wehubfusion/Daedalus/pkg/idempotent"
	"github.com/wehubfusion/Daedalus/pkg/ingest"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/processors"
	"github.com/wehubfusion/Daedalus/pkg/script"
	"github.com/wehubfusion/Daedalus/pkg/script/javascript"
	"github.com/wehubfusion/Daedalus/pkg/script/strings"
	"github.com/wehubfusion/Daedalus/pkg/status"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// engine holds every long-lived component of a serving process.
type engine struct {
	cfg        *config.Config
	logger     *zap.Logger
	manager    *control.Manager
	subscriber bus.Subscriber
	// closers run in reverse order on shutdown
	closers []func(context.Context) error
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

func (e *engine) onClose(fn func(context.Context) error) {
	e.closers = append(e.closers, fn)
}

// buildEngine wires the configured transports, stores and executors into a
// control manager. On error everything opened so far is closed.
func buildEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *engine, err error) {
	e := &engine{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = e.close(context.Background())
		}
	}()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
	} else {
		e.onClose(func(context.Context) error {
			return tracing.Shutdown(shutdownTracing, 10*time.Second, logger)
		})
	}

	hub, err := sentryhook.NewHub(sentryhook.Config{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     cfg.Sentry.Release,
		SampleRate:  cfg.Sentry.SampleRate,
	})
	if err != nil {
		return nil, err
	}
	e.onClose(func(context.Context) error {
		sentryhook.Flush(hub, 2*time.Second)
		return nil
	})

	subscriber, statusPublisher, err := e.openBus(ctx)
	if err != nil {
		return nil, err
	}
	e.subscriber = subscriber
	reporter := status.NewReporter(statusPublisher, cfg.ReporterConfig(), logger.Named("status"))

	processorStore, plans, err := e.openStore(ctx)
	if err != nil {
		return nil, err
	}
	dedup, err := e.openDedup(ctx)
	if err != nil {
		return nil, err
	}

	units, s3Client, err := e.units(ctx, reporter)
	if err != nil {
		return nil, err
	}

	compiler := &pipeline.Compiler{
		Sources: &ingest.Factory{
			S3:                s3Client,
			PollInterval:      cfg.Ingest.PollInterval,
			FileCheckInterval: cfg.Ingest.FileCheckInterval,
			FTPTimeout:        cfg.Ingest.FTPTimeout,
			Logger:            logger.Named("ingest"),
		},
		Units:        units,
		Retry:        cfg.Retry,
		QueueSize:    cfg.Pipeline.QueueSize,
		StageWorkers: cfg.Pipeline.StageWorkers,
		Dedup:        dedup,
		Plans:        plans,
		Failures:     reporter,
		Hook:         sentryhook.Hook(hub),
		Completion: pipeline.CompletionFunc(func(runPlanID, processorID string) {
			logger.Debug("Branch delivered",
				zap.String("runPlanID", runPlanID),
				zap.String("processorID", processorID))
		}),
		Logger: logger.Named("pipeline"),
	}

	// the manager closes the reporter after its topologies
	e.manager = control.NewManager(compiler, processorStore, plans, reporter, logger.Named("control"))
	return e, nil
}

// units builds the unit factory with every configured destination, script
// language and the external caller. It also returns the S3 client for sources.
func (e *engine) units(ctx context.Context, notifier processors.CollectionNotifier) (*processors.Factory, *awss3.Client, error) {
	cfg, logger := e.cfg, e.logger
	s3Client, err := storage.NewS3Client(ctx, cfg.S3)
	if err != nil {
		return nil, nil, err
	}
	destinations := storage.NewDestinations()
	destinations.Register(model.DestinationFolder, storage.NewFolderWriter(logger))
	destinations.Register(model.DestinationS3, storage.NewS3Writer(s3Client, logger))
	if cfg.Azure.ConnectionString != "" {
		blob, err := storage.NewAzureBlobWriter(cfg.Azure.ConnectionString, logger)
		if err != nil {
			return nil, nil, err
		}
		destinations.Register(model.DestinationAzureBlob, blob)
	}

	scripts := script.NewRegistry()
	js, err := javascript.NewExecutor(cfg.JavaScriptConfig(), logger.Named("javascript"))
	if err != nil {
		return nil, nil, err
	}
	scripts.Register(model.LanguageJavaScript, js)
	scripts.Register(model.LanguageStrings, strings.NewExecutor())
	e.onClose(func(context.Context) error { return scripts.Close() })

	resolver, err := e.resolver()
	if err != nil {
		return nil, nil, err
	}
	return &processors.Factory{
		Scripts:      scripts,
		Destinations: destinations,
		Caller:       external.NewCaller(cfg.CallerConfig(), resolver, logger.Named("external")),
		Notifier:     notifier,
		Logger:       logger,
	}, s3Client, nil
}

// controlBus carries control messages in both directions.
type controlBus interface {
	bus.Publisher
	bus.Subscriber
}

func (e *engine) openBus(ctx context.Context) (controlBus, bus.Publisher, error) {
	cfg := e.cfg
	var subscriber controlBus
	var natsBus *bus.JetStream

	switch cfg.Bus.Transport {
	case "memory":
		subscriber = bus.NewMemory()
	default:
		conn, err := nats.Connect(ctx, nats.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Timeout:       cfg.NATS.Timeout,
			Token:         cfg.NATS.Token,
			Username:      cfg.NATS.Username,
			Password:      cfg.NATS.Password,
		}, e.logger.Named("nats"))
		if err != nil {
			return nil, nil, err
		}
		e.onClose(func(context.Context) error { return nats.Close(conn) })

		js, err := conn.JetStream(natsgo.MaxWait(cfg.NATS.Timeout))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get JetStream context: %w", err)
		}
		natsBus, err = bus.NewJetStream(bus.WrapNATSJetStream(js), e.logger.Named("bus"))
		if err != nil {
			return nil, nil, err
		}
		natsBus.SetFetchWait(cfg.NATS.FetchWait)
		subscriber = natsBus
	}

	switch cfg.Bus.StatusTransport {
	case "kafka":
		k, err := bus.NewKafka(cfg.KafkaPublisherConfig(), e.logger.Named("kafka"))
		if err != nil {
			return nil, nil, err
		}
		e.onClose(func(context.Context) error { return k.Close() })
		return subscriber, k, nil
	case "memory":
		if m, ok := subscriber.(*bus.Memory); ok {
			return subscriber, m, nil
		}
		return subscriber, bus.NewMemory(), nil
	default:
		if natsBus == nil {
			return nil, nil, errors.New("nats status events need the nats transport")
		}
		return subscriber, natsBus, nil
	}
}

func (e *engine) openStore(ctx context.Context) (store.ProcessorStore, store.RunPlanStore, error) {
	if e.cfg.Store.Backend != "postgres" {
		mem := store.NewMemory()
		return mem, mem.Plans(), nil
	}
	pool, err := store.ConnectPostgres(ctx, e.cfg.Store.DSN)
	if err != nil {
		return nil, nil, err
	}
	e.onClose(closePool(pool))
	pg := store.NewPostgres(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	return pg, pg.Plans(), nil
}

func closePool(pool *pgxpool.Pool) func(context.Context) error {
	return func(context.Context) error {
		pool.Close()
		return nil
	}
}

func (e *engine) openDedup(ctx context.Context) (idempotent.Repository, error) {
	cfg := e.cfg
	if cfg.Dedup.Backend != "redis" {
		return idempotent.NewMemory(cfg.Dedup.Window, cfg.Dedup.Capacity), nil
	}
	rdb, err := idempotent.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	e.onClose(closeRedis(rdb))
	return idempotent.NewRedis(rdb, cfg.Redis.Prefix, cfg.Dedup.Window), nil
}

func closeRedis(rdb *goredis.Client) func(context.Context) error {
	return func(context.Context) error { return rdb.Close() }
}

func (e *engine) resolver() (external.Resolver, error) {
	cfg := e.cfg
	if cfg.External.Resolver == "consul" {
		r, err := external.NewConsulResolver(cfg.Consul)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return external.StaticResolver{Scheme: cfg.External.Scheme, Overrides: cfg.External.Services}, nil
}

// run listens for control messages until ctx is done.
func (e *engine) run(ctx context.Context) error {
	if err := e.manager.Listen(ctx, e.subscriber, e.cfg.Subjects()); err != nil {
		return err
	}
	e.logger.Info("Daedalus is serving", zap.String("namespace", e.cfg.Bus.Namespace))
	<-ctx.Done()
	return nil
}

func (e *engine) close(ctx context.Context) error {
	var errs []error
	if e.manager != nil {
		if err := e.manager.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
