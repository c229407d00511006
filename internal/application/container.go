// Package application provides application-level services and dependency injection.
package application

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jbctechsolutions/pulsesync/internal/adapters/export"
	"github.com/jbctechsolutions/pulsesync/internal/adapters/ledger"
	"github.com/jbctechsolutions/pulsesync/internal/adapters/remote"
	"github.com/jbctechsolutions/pulsesync/internal/adapters/source"
	"github.com/jbctechsolutions/pulsesync/internal/adapters/source/filesource"
	"github.com/jbctechsolutions/pulsesync/internal/adapters/source/mqtt"
	"github.com/jbctechsolutions/pulsesync/internal/adapters/sync/sqlite"
	"github.com/jbctechsolutions/pulsesync/internal/application/changebus"
	"github.com/jbctechsolutions/pulsesync/internal/application/metricstore"
	"github.com/jbctechsolutions/pulsesync/internal/application/metricsync"
	"github.com/jbctechsolutions/pulsesync/internal/application/outbox"
	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	"github.com/jbctechsolutions/pulsesync/internal/application/session"
	"github.com/jbctechsolutions/pulsesync/internal/application/summary"
	"github.com/jbctechsolutions/pulsesync/internal/application/syncgate"
	domainErrors "github.com/jbctechsolutions/pulsesync/internal/domain/errors"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
	domainOutbox "github.com/jbctechsolutions/pulsesync/internal/domain/outbox"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/config"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/logging"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/storage"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/tracing"
)

// Version is set at build time.
var Version = "dev"

// Container holds all application dependencies and provides a central
// point for dependency injection. It manages the lifecycle of services
// and ensures proper initialization order.
type Container struct {
	// Configuration
	config      *config.Config
	verbose     bool
	location    *time.Location
	metricTypes []metric.Type

	// Database connection
	dbConn *sqlite.Connection
	db     *sql.DB

	// Repositories
	entryRepo  *storage.MetricEntryRepository
	outboxRepo *storage.OutboxRepository
	ledger     ports.SyncLedgerPort
	redis      *redis.Client

	// Application services
	bus      *changebus.Bus
	store    *metricstore.Store
	gate     *syncgate.Gate
	handlers []metricsync.Syncer
	exporter *export.XLSXExporter

	// Adapters
	remote ports.RemoteAPIPort
	source *filesource.Source

	// Background work, built by Start
	mu        sync.Mutex
	notifier  ports.ChangeNotifierPort
	scheduler *metricsync.Scheduler
	sessions  *session.Manager
	started   bool

	// Observability
	logger *logging.Logger
	tracer *tracing.Tracer
}

// NewContainer creates a new dependency injection container with all services
// initialized based on the provided configuration.
func NewContainer(cfg *config.Config, verbose bool) (*Container, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, domainErrors.NewError(domainErrors.CodeConfiguration, "invalid configuration", err)
	}

	c := &Container{
		config:  cfg,
		verbose: verbose,
	}

	var err error
	if c.location, err = cfg.Sync.Location(); err != nil {
		return nil, err
	}
	if c.metricTypes, err = cfg.Sync.Types(); err != nil {
		return nil, err
	}

	if err := c.initObservability(); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	if err := c.initDatabase(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := c.initRepositories(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := c.initServices(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return c, nil
}

// initObservability initializes logging and tracing.
func (c *Container) initObservability() error {
	level, err := logging.ParseLevel(c.config.Logging.Level)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	if c.config.Logging.Format == string(logging.FormatJSON) {
		logCfg.Format = logging.FormatJSON
	}
	c.logger = logging.New(logCfg)
	if c.verbose {
		c.logger.SetLevel(logging.LevelDebug)
	}

	if c.config.Observability.Tracing.Enabled {
		tracer, err := tracing.New(context.Background(), tracing.Config{
			Enabled:      true,
			ExporterType: tracing.ExporterType(c.config.Observability.Tracing.ExporterType),
			OTLPEndpoint: c.config.Observability.Tracing.OTLPEndpoint,
			ServiceName:  c.config.Observability.Tracing.ServiceName,
			Environment:  "production",
			SampleRate:   c.config.Observability.Tracing.SampleRate,
		})
		if err != nil {
			return fmt.Errorf("failed to create tracer: %w", err)
		}
		c.tracer = tracer
	} else {
		c.tracer = tracing.Default()
	}

	return nil
}

// initDatabase opens the SQLite store and applies migrations.
func (c *Container) initDatabase() error {
	path := c.config.Storage.Path
	if path != sqlite.MemoryPath {
		expanded, err := config.ExpandPath(path)
		if err != nil {
			return err
		}
		path = expanded
	}

	conn, err := sqlite.NewConnection(path)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}

	if err := conn.Open(); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db, err := conn.DB()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to get database handle: %w", err)
	}

	c.dbConn = conn
	c.db = db
	return nil
}

// initRepositories initializes storage repositories and the ledger backend.
func (c *Container) initRepositories() error {
	c.entryRepo = storage.NewMetricEntryRepository(c.db)
	c.outboxRepo = storage.NewOutboxRepository(c.db)

	if c.config.Ledger.Backend != config.LedgerBackendRedis {
		c.ledger = storage.NewSyncLedgerRepository(c.db)
		return nil
	}

	redisCfg := c.config.Ledger.Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := ledger.NewClient(ctx, redisCfg.Addr, redisCfg.Password, redisCfg.DB)
	if err != nil {
		return err
	}
	c.redis = client
	c.ledger = ledger.NewRedisLedger(client, redisCfg.KeyPrefix)
	return nil
}

// initServices wires the application services.
func (c *Container) initServices() error {
	c.bus = changebus.New(0)

	c.store = metricstore.New(c.entryRepo, c.outboxRepo, sqlite.TxRunner{DB: c.db}, c.bus, metricstore.Config{
		Location:          c.location,
		BoundaryTolerance: c.config.Sync.BoundaryTolerance,
		MaxAttempts:       c.config.Outbox.MaxAttempts,
	}, c.logger.With("component", "metricstore"))

	c.gate = syncgate.New(c.ledger)
	c.exporter = export.NewXLSXExporter(c.entryRepo, c.location)

	if c.config.Remote.BaseURL != "" {
		c.remote = remote.NewClient(c.config.Remote.BaseURL,
			remote.WithTimeout(c.config.Remote.Timeout),
			remote.WithAPIToken(c.config.Remote.APIToken),
			remote.WithUserAgent("pulsesync/"+Version),
		)
	}

	if c.config.Source.Type == config.SourceTypeFile {
		dir, err := config.ExpandPath(c.config.Source.Directory)
		if err != nil {
			return err
		}
		c.source = filesource.NewSource(dir, c.location)

		for _, t := range c.metricTypes {
			h, err := metricsync.NewHandler(metricsync.Config{
				MetricType:      t,
				GateThreshold:   c.config.Sync.GateThreshold,
				InitialLookback: c.config.Sync.InitialLookback,
				Location:        c.location,
			}, c.gate, c.store, c.source, c.tracer, c.logger.With("component", "metricsync"))
			if err != nil {
				return err
			}
			c.handlers = append(c.handlers, h)
		}
	}

	return nil
}

// Start opens change notifiers, starts the metric sync scheduler and
// prepares the session manager. It requires a configured backend.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	if c.remote == nil {
		return domainErrors.NewError(domainErrors.CodeConfiguration, "remote.base_url is required to run", nil)
	}

	notifier, err := c.openNotifiers()
	if err != nil {
		return err
	}
	c.notifier = notifier

	c.scheduler = c.newScheduler(notifier)
	c.scheduler.Start(ctx)

	c.sessions = session.NewManager(session.Factories{
		NewProcessor: func(string) session.Processor {
			return c.newProcessor()
		},
		NewReader: func(ownerID string) session.Reader {
			return summary.NewReader(ownerID, summary.Config{
				Types:     c.metricTypes,
				Debounce:  c.config.Sync.SummaryDebounce,
				OnRefresh: c.logSummary,
			}, c.store, c.bus, c.logger.With("component", "summary"))
		},
	}, c.scheduler, c.logger.With("component", "session"))

	c.started = true
	return nil
}

func (c *Container) openNotifiers() (ports.ChangeNotifierPort, error) {
	var notifiers []ports.ChangeNotifierPort

	if c.source != nil {
		w, err := filesource.NewWatcher(filesource.DefaultWatcherConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create sample watcher: %w", err)
		}
		if err := w.Watch(c.source.Dir()); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", c.source.Dir(), err)
		}
		notifiers = append(notifiers, w)
	}

	if mc := c.config.Source.MQTT; mc.Enabled {
		l, err := mqtt.NewListener(mqtt.Config{
			Broker:   mc.Broker,
			ClientID: mc.ClientID,
			Topic:    mc.Topic,
			Username: mc.Username,
			Password: mc.Password,
		}, c.logger.With("component", "mqtt"))
		if err != nil {
			for _, n := range notifiers {
				_ = n.Close()
			}
			return nil, err
		}
		notifiers = append(notifiers, l)
	}

	if len(notifiers) == 0 {
		return nil, nil
	}
	return source.Merge(notifiers...), nil
}

func (c *Container) newScheduler(notifier ports.ChangeNotifierPort) *metricsync.Scheduler {
	return metricsync.NewScheduler(metricsync.SchedulerConfig{
		Interval: c.config.Sync.Interval,
	}, c.handlers, notifier, c.logger.With("component", "scheduler"))
}

func (c *Container) newProcessor() *outbox.Processor {
	oc := c.config.Outbox
	return outbox.NewProcessor(outbox.Config{
		Interval:          oc.Interval,
		BatchSize:         oc.BatchSize,
		MaxConcurrent:     oc.MaxConcurrent,
		ProcessingTimeout: oc.ProcessingTimeout,
		RemoteTimeout:     oc.RemoteTimeout,
		Retention:         oc.Retention,
		PurgeInterval:     oc.PurgeInterval,
		Backoff:           domainOutbox.NewBackoff(oc.Backoff),
	}, c.outboxRepo, c.store, c.remote, c.tracer, c.logger.With("component", "outbox"))
}

func (c *Container) logSummary(s summary.Summary) {
	for _, t := range c.metricTypes {
		m, ok := s.Metrics[t]
		if !ok || m.Buckets == 0 {
			continue
		}
		c.logger.Debug("daily summary",
			"owner_id", s.OwnerID,
			"metric_type", string(t),
			"value", m.Value,
			"unit", m.Unit,
			"buckets", m.Buckets,
			"pending", m.Pending,
			"failed", m.Failed,
		)
	}
}

// Close releases all resources held by the container.
func (c *Container) Close() error {
	c.mu.Lock()
	sessions, scheduler, notifier := c.sessions, c.scheduler, c.notifier
	c.sessions, c.scheduler, c.notifier = nil, nil, nil
	c.started = false
	c.mu.Unlock()

	if sessions != nil {
		sessions.Shutdown()
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	if notifier != nil {
		_ = notifier.Close()
	}
	if c.bus != nil {
		c.bus.Close()
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if c.tracer != nil {
		_ = c.tracer.Shutdown(context.Background())
	}
	if c.dbConn != nil {
		return c.dbConn.Close()
	}
	return nil
}

// Config returns the configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// DB returns the database handle.
func (c *Container) DB() *sql.DB {
	return c.db
}

// Location returns the timezone buckets are computed in.
func (c *Container) Location() *time.Location {
	return c.location
}

// MetricTypes returns the configured metric types.
func (c *Container) MetricTypes() []metric.Type {
	return c.metricTypes
}

// Store returns the MetricStore.
func (c *Container) Store() *metricstore.Store {
	return c.store
}

// Gate returns the SyncGate.
func (c *Container) Gate() *syncgate.Gate {
	return c.gate
}

// Bus returns the ChangeBus.
func (c *Container) Bus() *changebus.Bus {
	return c.bus
}

// EventStore returns the outbox event store.
func (c *Container) EventStore() ports.EventStorePort {
	return c.outboxRepo
}

// EntryRepository returns the metric entry repository.
func (c *Container) EntryRepository() ports.MetricEntryStoragePort {
	return c.entryRepo
}

// Ledger returns the sync ledger backend.
func (c *Container) Ledger() ports.SyncLedgerPort {
	return c.ledger
}

// Exporter returns the XLSX exporter.
func (c *Container) Exporter() *export.XLSXExporter {
	return c.exporter
}

// HasSource reports whether a sensor source is configured.
func (c *Container) HasSource() bool {
	return c.source != nil
}

// Processor returns a new, unstarted outbox processor.
func (c *Container) Processor() (*outbox.Processor, error) {
	if c.remote == nil {
		return nil, domainErrors.NewError(domainErrors.CodeConfiguration, "remote.base_url is not configured", nil)
	}
	return c.newProcessor(), nil
}

// Scheduler returns the running scheduler, or an unstarted one without
// change notifications when Start has not been called.
func (c *Container) Scheduler() *metricsync.Scheduler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scheduler == nil {
		c.scheduler = c.newScheduler(nil)
	}
	return c.scheduler
}

// Sessions returns the session manager; nil until Start.
func (c *Container) Sessions() *session.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions
}

// Logger returns the logger.
func (c *Container) Logger() *logging.Logger {
	return c.logger
}

// Tracer returns the tracer.
func (c *Container) Tracer() *tracing.Tracer {
	return c.tracer
}
