package factory

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"traffic-prism/internal/client"
	"traffic-prism/internal/config"
	"traffic-prism/internal/dispatch"
	"traffic-prism/internal/geo"
	"traffic-prism/internal/handler"
	"traffic-prism/internal/intake"
	"traffic-prism/internal/ledger"
	"traffic-prism/internal/models"
	"traffic-prism/internal/realtime"
	"traffic-prism/internal/registry"
	"traffic-prism/internal/repository/clickhouse"
	"traffic-prism/internal/repository/memory"
	redisrepo "traffic-prism/internal/repository/redis"
	"traffic-prism/internal/repository/scylla"
	"traffic-prism/internal/risk"
	"traffic-prism/internal/tls"
	"traffic-prism/internal/util"
	"traffic-prism/internal/verdict"
)

// EventStore is the tracking log as the services see it.
type EventStore interface {
	intake.EventAppender
	risk.EventStore
	dispatch.SessionLocator
}

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	eventsConsumer   *client.KafkaConsumer
	verdictsConsumer *client.KafkaConsumer

	// Stores
	events    EventStore
	registry  registry.Registry
	ruleStore ledger.Store
	operators handler.OperatorDirectory
	geo       geo.Resolver

	// Services
	hub        *realtime.Hub
	auditIndex *dispatch.ElasticsearchAudit
	dispatcher *dispatch.Dispatcher
	rules      *ledger.Service
	risk       *risk.Service
	intake     *intake.Service
	verdicts   *verdict.Processor
	sweeper    *registry.Sweeper

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializeClients(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeStores(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize stores: %w", err)
	}

	factory.initializeServices()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("redis_enabled", factory.redisClient != nil),
		util.Bool("scylla_enabled", factory.scyllaClient != nil),
		util.Bool("kafka_enabled", factory.kafkaProducer != nil),
		util.Bool("elasticsearch_enabled", factory.esClient != nil),
		util.Bool("clickhouse_enabled", factory.clickhouseClient != nil),
	)

	return factory, nil
}

// initializeClients connects to every enabled backend. Outside production a
// failing backend is logged and replaced by its in-process counterpart.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if f.config.Redis.Enabled {
		if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			c.Close()
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if f.config.Scylla.Enabled {
		if c, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			c.Close()
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			f.scyllaClient = c
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
		if consumer, err := client.NewKafkaConsumer(f.config, f.config.Kafka.EventsTopic, f.config.Kafka.GroupID, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka events consumer: %w", err))
		} else {
			f.eventsConsumer = consumer
		}
		if consumer, err := client.NewKafkaConsumer(f.config, f.config.Kafka.VerdictsTopic, f.config.Kafka.GroupID, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka verdicts consumer: %w", err))
		} else {
			f.verdictsConsumer = consumer
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else if err := c.HealthCheck(ctx); err != nil {
		c.Close()
		initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
	} else {
		f.clickhouseClient = c
		util.Info("ClickHouse client initialized and healthy")
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeStores picks a backend for every store and applies schemas.
func (f *Factory) initializeStores() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if f.clickhouseClient != nil {
		events := clickhouse.NewEventRepository(f.clickhouseClient)
		if err := events.Schema(ctx); err != nil {
			return fmt.Errorf("clickhouse event schema: %w", err)
		}
		operators := clickhouse.NewOperatorRepository(f.clickhouseClient)
		if err := operators.Schema(ctx); err != nil {
			return fmt.Errorf("clickhouse operator schema: %w", err)
		}
		f.events = events
		f.operators = operators
	} else {
		util.Warn("Using in-memory event store and operator directory")
		f.events = memory.NewEventStore()
		f.operators = clickhouse.NewMemoryDirectory(seedOperators(f.config.Clickhouse.OperatorSeed)...)
	}

	if f.redisClient != nil {
		f.registry = registry.NewRedis(f.redisClient, f.config.Redis.KeyPrefix,
			f.config.Session.Timeout*2, f.config.Session.TombstoneTTL)
	} else {
		f.registry = registry.NewMemory(f.config.Session.RegistryShards, f.config.Session.TombstoneTTL)
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.Schema(ctx); err != nil {
			return fmt.Errorf("scylla rule schema: %w", err)
		}
		f.ruleStore = scylla.NewRuleRepository(f.scyllaClient)
	} else {
		util.Warn("Using in-memory rule ledger")
		f.ruleStore = ledger.NewMemoryStore()
	}

	resolver, err := geo.Open(f.config.GeoIP.CityDBPath)
	if err != nil {
		if f.config.IsProduction() {
			return fmt.Errorf("geoip: %w", err)
		}
		util.Warn("GeoIP database unavailable - events will not be located", util.ErrorField(err))
		resolver = geo.Nop{}
	}
	f.geo = resolver

	return nil
}

func (f *Factory) initializeServices() {
	f.hub = realtime.NewHub(util.Named("channel"),
		realtime.WithAllowedOrigins(f.config.Server.CORSOrigins),
		realtime.WithSendBuffer(f.config.Session.ChannelBufferSize),
		realtime.WithMaxClients(f.config.Session.MaxChannelClients),
	)

	var sinks dispatch.MultiAudit
	if f.esClient != nil {
		f.auditIndex = dispatch.NewElasticsearchAudit(f.esClient, f.config.Elasticsearch.AuditIndex)
		sinks = append(sinks, f.auditIndex)
	}
	if f.kafkaProducer != nil {
		sinks = append(sinks, dispatch.NewKafkaAudit(f.kafkaProducer, f.config.Kafka.AuditTopic))
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithLocator(f.events),
		dispatch.WithDefaultRedirect(f.config.Session.DefaultRedirectURL),
	}
	if len(sinks) > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithAudit(sinks))
	}
	f.dispatcher = dispatch.New(f.registry, f.hub, util.Named("dispatch"), dispatchOpts...)

	var ledgerOpts []ledger.Option
	if f.redisClient != nil {
		lock := redisrepo.NewRuleLock(f.redisClient, f.config.Redis.KeyPrefix)
		ledgerOpts = append(ledgerOpts, ledger.WithLocker(lock, f.config.Rules.EditLockTTL))
	}
	f.rules = ledger.NewService(f.ruleStore, util.Named("rules"), ledgerOpts...)

	f.risk = risk.NewService(f.events, util.Named("risk"))

	intakeOpts := []intake.Option{intake.WithGeo(f.geo)}
	if f.config.Rules.InlineEnforcement {
		intakeOpts = append(intakeOpts, intake.WithInlineRules(f.rules))
	}
	f.intake = intake.NewService(f.events, f.dispatcher, util.Named("intake"), intakeOpts...)

	f.verdicts = verdict.NewProcessor(f.rules, f.events, f.config.Verdict.ConfidenceThreshold, util.Named("verdict"))

	f.sweeper = registry.NewSweeper(f.registry, f.config.Session.Timeout, f.config.Session.SweepInterval, util.Named("sweeper"))
}

// seedOperators parses username=hostname pairs.
func seedOperators(pairs []string) []models.Operator {
	var ops []models.Operator
	for _, pair := range pairs {
		username, hostname, ok := strings.Cut(pair, "=")
		if !ok || username == "" || hostname == "" {
			util.Warn("Ignoring malformed operator seed", util.String("entry", pair))
			continue
		}
		ops = append(ops, models.Operator{Username: username, Hostname: util.NormalizeHostname(hostname)})
	}
	return ops
}

// ==============================
// Background Workers
// ==============================

// Workers names the background loops Run starts.
func (f *Factory) Workers() []string {
	workers := []string{"session_hub", "session_sweeper"}
	if f.eventsConsumer != nil {
		workers = append(workers, "events_consumer")
	}
	if f.verdictsConsumer != nil {
		workers = append(workers, "verdicts_consumer")
	}
	return workers
}

// Run starts the channel hub, the idle session sweeper and the Kafka
// consumers, and blocks until ctx is cancelled or a worker fails.
func (f *Factory) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		f.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		f.sweeper.Run(ctx)
		return nil
	})
	if f.eventsConsumer != nil {
		g.Go(func() error {
			return f.eventsConsumer.Run(ctx, f.intake.HandleMessage)
		})
	}
	if f.verdictsConsumer != nil {
		g.Go(func() error {
			return f.verdictsConsumer.Run(ctx, f.verdicts.HandleMessage)
		})
	}

	return g.Wait()
}

// ==============================
// HTTP Surface
// ==============================

func (f *Factory) HandlerDeps() handler.Deps {
	deps := handler.Deps{
		Intake:    f.intake,
		Risk:      f.risk,
		Sessions:  f.dispatcher,
		Rules:     f.rules,
		Verdicts:  f.verdicts,
		Operators: f.operators,
		Channel:   http.HandlerFunc(f.hub.HandleWebSocket),
		Health:    f.HealthChecks(),
	}
	if f.auditIndex != nil {
		deps.Audit = f.auditIndex
	}
	if f.redisClient != nil && f.config.Server.TrackRateLimit > 0 {
		deps.Limiter = redisrepo.NewTrackLimiter(f.redisClient, f.config.Redis.KeyPrefix,
			f.config.Server.TrackRateLimit, time.Minute)
	}
	return deps
}

// ==============================
// Health Checks
// ==============================

// HealthChecks returns one check per connected backend.
func (f *Factory) HealthChecks() map[string]handler.HealthCheck {
	checks := make(map[string]handler.HealthCheck)

	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	}
	if f.scyllaClient != nil {
		checks["scylla"] = f.scyllaClient.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	checks["registry"] = func(ctx context.Context) error {
		_, err := f.registry.Len(ctx)
		return err
	}

	return checks
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)
	for name, check := range f.HealthChecks() {
		if err := check(ctx); err != nil {
			healthErrors[name] = err
		}
	}
	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

// ==============================
// Shutdown
// ==============================

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.hub != nil {
			f.hub.Stop()
		}

		for name, consumer := range map[string]*client.KafkaConsumer{
			"events":   f.eventsConsumer,
			"verdicts": f.verdictsConsumer,
		} {
			if consumer == nil {
				continue
			}
			if err := consumer.Close(); err != nil {
				util.Error("Failed to close Kafka consumer", util.String("consumer", name), util.ErrorField(err))
			}
		}

		if f.geo != nil {
			if err := f.geo.Close(); err != nil {
				util.Error("Failed to close GeoIP database", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Risk() *risk.Service {
	return f.risk
}

func (f *Factory) Events() EventStore {
	return f.events
}

// Elasticsearch is nil unless the cluster is enabled and reachable.
func (f *Factory) Elasticsearch() *client.ESClient {
	return f.esClient
}
