package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/repositories/pgstore"
	"github.com/Ramsey-B/clover/pkg/audit"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/graph"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/locking"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/processor"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/resolution"
	"github.com/Ramsey-B/clover/pkg/review"
	auditroutes "github.com/Ramsey-B/clover/pkg/routes/audit"
	"github.com/Ramsey-B/clover/pkg/routes/health"
	linkroutes "github.com/Ramsey-B/clover/pkg/routes/link"
	personroutes "github.com/Ramsey-B/clover/pkg/routes/person"
	policyroutes "github.com/Ramsey-B/clover/pkg/routes/policy"
	resolveroutes "github.com/Ramsey-B/clover/pkg/routes/resolve"
	reviewroutes "github.com/Ramsey-B/clover/pkg/routes/review"
	"github.com/Ramsey-B/clover/pkg/startup"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/Ramsey-B/clover/pkg/store/memstore"
)

// app owns every long-lived dependency. Each one is a startup dependency so
// they come up in order with retries and stop in reverse.
type app struct {
	cfg     *config.Config
	logger  ectologger.Logger
	startup *startup.Startup
	checks  map[string]health.Pinger

	db        database.DB
	store     store.Store
	redis     *redis.Client
	locker    locking.Locker
	producer  *kafka.Producer
	sink      events.Sink
	graph     *graph.Client
	projector *graph.Projector

	resolver *resolution.Service
	reviews  *review.Service
	audits   *audit.Service

	drafts      *kafka.Consumer
	projections *kafka.Consumer
	checker     *health.Checker
	echo        *echo.Echo
}

func newApp(cfg *config.Config, logger ectologger.Logger) (*app, error) {
	if _, err := cfg.Policy(); err != nil {
		return nil, fmt.Errorf("invalid match policy: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
		checks:  map[string]health.Pinger{},
	}

	a.startup.AddDependency(&startup.Dependency{Name: "store", OnStart: a.startStore, OnStop: a.stopStore})
	a.startup.AddDependency(&startup.Dependency{Name: "locks", OnStart: a.startLocks, OnStop: a.stopLocks})
	a.startup.AddDependency(&startup.Dependency{Name: "events", OnStart: a.startEvents, OnStop: a.stopEvents})
	a.startup.AddDependency(&startup.Dependency{Name: "services", Requires: []string{"store", "locks", "events"}, OnStart: a.startServices})

	httpRequires := []string{"services"}
	if cfg.GraphEnabled {
		a.startup.AddDependency(&startup.Dependency{Name: "graph", OnStart: a.startGraph, OnStop: a.stopGraph})
		httpRequires = append(httpRequires, "graph")
		if cfg.KafkaConsumerEnabled {
			a.startup.AddDependency(&startup.Dependency{Name: "graph-projection", Requires: []string{"graph"}, OnStart: a.startProjection, OnStop: a.stopProjection})
		}
	}
	if cfg.KafkaConsumerEnabled {
		a.startup.AddDependency(&startup.Dependency{Name: "draft-consumer", Requires: []string{"services"}, OnStart: a.startDrafts, OnStop: a.stopDrafts})
	}
	a.startup.AddDependency(&startup.Dependency{Name: "http", Requires: httpRequires, OnStart: a.startHTTP, OnStop: a.stopHTTP})

	return a, nil
}

func (a *app) start(ctx context.Context) error {
	if err := a.startup.Start(ctx); err != nil {
		_ = a.startup.Stop(context.Background())
		return err
	}
	a.checker.SetReady(true)
	a.logger.WithField("port", a.cfg.Port).Info("Clover is ready")
	return nil
}

func (a *app) stop(ctx context.Context) error {
	if a.checker != nil {
		a.checker.SetReady(false)
	}
	return a.startup.Stop(ctx)
}

func (a *app) startStore(ctx context.Context) error {
	if a.cfg.StoreDriver == config.StoreDriverMemory {
		a.logger.Warn("Using the in-memory store, identities are lost on restart")
		a.store = memstore.New()
		a.checks["store"] = a.store
		return nil
	}

	db, err := database.Connect(ctx, a.cfg.DatabaseDSN(), a.cfg.DatabaseMaxOpenConns, a.cfg.DatabaseMaxIdleConns, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetConnMaxLifetime(a.cfg.DatabaseConnMaxLifetime)

	instance, ok := db.(*database.DatabaseInstance)
	if !ok {
		_ = db.Close()
		return errors.New("unexpected database implementation")
	}
	migrations := database.NewMigrationService(a.logger, &database.MigrationConfig{MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath})
	if err := migrations.Migrate(instance.DB); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate: %w", err)
	}

	a.db = db
	a.store = pgstore.New(db, a.logger)
	a.checks["store"] = a.store
	return nil
}

func (a *app) stopStore(_ context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *app) startLocks(ctx context.Context) error {
	if a.cfg.LockBackend == config.LockBackendLocal {
		a.logger.Warn("Using process-local locks, run a single replica")
		a.locker = locking.NewLocal(a.cfg.LockTimeout)
		return nil
	}

	client, err := redis.NewClient(ctx, redis.Config{
		Host:     a.cfg.RedisHost,
		Port:     a.cfg.RedisPort,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
		URL:      a.cfg.RedisURL,
	}, a.logger)
	if err != nil {
		return err
	}
	a.redis = client
	a.locker = redis.NewLocker(client, a.cfg.LockKeyPrefix, a.cfg.LockTTL, a.cfg.LockTimeout)
	a.checks["redis"] = client
	return nil
}

func (a *app) stopLocks(_ context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Close()
}

func (a *app) startEvents(_ context.Context) error {
	if !a.cfg.KafkaProducerEnabled {
		a.logger.Warn("Kafka producer disabled, identity events are not published")
		return nil
	}
	a.producer = kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      a.cfg.KafkaBrokers,
		Topic:        a.cfg.KafkaOutputTopic,
		BatchSize:    a.cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(a.cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: a.cfg.KafkaRequiredAcks,
		Compression:  a.cfg.KafkaCompression,
	}, a.logger)
	a.sink = events.NewEmitter(a.producer, a.logger)
	return nil
}

func (a *app) stopEvents(_ context.Context) error {
	if a.producer == nil {
		return nil
	}
	return a.producer.Close()
}

func (a *app) startServices(_ context.Context) error {
	cfg, err := a.cfg.Policy()
	if err != nil {
		return err
	}
	a.resolver = resolution.NewService(a.store, a.locker, a.sink, cfg, a.logger, resolution.WithMaxRetries(a.cfg.ResolveMaxRetries))
	a.reviews = review.NewService(a.logger, a.store, a.resolver)
	a.audits = audit.NewService(a.logger, a.store)
	return nil
}

func (a *app) startGraph(ctx context.Context) error {
	client, err := graph.NewClient(graph.Config{
		Host:     a.cfg.GraphDBHost,
		Port:     a.cfg.GraphDBPort,
		Username: a.cfg.GraphDBUser,
		Password: a.cfg.GraphDBPassword,
		Dialect:  graph.Dialect(a.cfg.GraphDialect),
	}, a.logger)
	if err != nil {
		return err
	}
	if err := client.VerifyConnectivity(ctx); err != nil {
		_ = client.Close(ctx)
		return fmt.Errorf("graph database unreachable: %w", err)
	}
	projector := graph.NewProjector(client, a.logger)
	if err := projector.EnsureSchema(ctx); err != nil {
		_ = client.Close(ctx)
		return err
	}
	a.graph = client
	a.projector = projector
	a.checks["graph"] = health.PingFunc(client.VerifyConnectivity)
	return nil
}

func (a *app) stopGraph(ctx context.Context) error {
	if a.graph == nil {
		return nil
	}
	return a.graph.Close(ctx)
}

func (a *app) startDrafts(ctx context.Context) error {
	handler := processor.NewDraftProcessor(a.logger, a.resolver)
	a.drafts = kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       a.cfg.KafkaBrokers,
		Topic:         a.cfg.KafkaInputTopic,
		ConsumerGroup: a.cfg.KafkaConsumerGroup,
		Workers:       a.cfg.KafkaConsumerWorkers,
		MaxBackoff:    a.cfg.KafkaMaxBackoff,
	}, a.logger, handler.ProcessMessage)
	a.checks["draft-consumer"] = consumerCheck(a.drafts)
	return a.drafts.Start(ctx)
}

func (a *app) stopDrafts(_ context.Context) error {
	if a.drafts == nil {
		return nil
	}
	return a.drafts.Stop()
}

func (a *app) startProjection(ctx context.Context) error {
	handler := processor.NewGraphProjector(a.logger, a.projector)
	a.projections = kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       a.cfg.KafkaBrokers,
		Topic:         a.cfg.KafkaOutputTopic,
		ConsumerGroup: a.cfg.KafkaProjectionConsumerGroup,
		Workers:       1,
		MaxBackoff:    a.cfg.KafkaMaxBackoff,
	}, a.logger, handler.ProcessMessage)
	a.checks["graph-projection"] = consumerCheck(a.projections)
	return a.projections.Start(ctx)
}

func (a *app) stopProjection(_ context.Context) error {
	if a.projections == nil {
		return nil
	}
	return a.projections.Stop()
}

func consumerCheck(c *kafka.Consumer) health.Pinger {
	return health.PingFunc(func(context.Context) error {
		if !c.Health() {
			return errors.New("consumer is not running")
		}
		return nil
	})
}

func (a *app) startHTTP(_ context.Context) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)
	e.Server.ReadTimeout = time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = a.cfg.MaxHeaderBytes

	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: a.cfg.AllowOrigins, AllowMethods: a.cfg.AllowMethods}))
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))

	a.checker = health.NewChecker(a.cfg.Version, a.checks)
	a.checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/api/v1", middleware.RequireTenant())
	resolveroutes.NewHandler(a.logger, a.resolver).Register(v1.Group("/resolve"))
	reviewroutes.NewHandler(a.logger, a.reviews).Register(v1.Group("/review"))
	linkroutes.NewHandler(a.logger, a.store, a.resolver, a.audits).Register(v1.Group("/links"))
	auditroutes.NewHandler(a.logger, a.audits).Register(v1.Group("/audit"))
	policyroutes.NewHandler(a.logger, a.resolver).Register(v1.Group("/policy"))

	var mappings personroutes.MappingReader
	if a.projector != nil {
		mappings = a.projector
	}
	personroutes.NewHandler(a.logger, a.resolver, a.store, a.store, mappings).Register(v1.Group("/persons"))

	a.echo = e
	addr := fmt.Sprintf(":%d", a.cfg.Port)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("HTTP server failed")
		}
	}()
	return nil
}

func (a *app) stopHTTP(ctx context.Context) error {
	if a.echo == nil {
		return nil
	}
	return a.echo.Shutdown(ctx)
}
