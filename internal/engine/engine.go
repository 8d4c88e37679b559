// Package engine builds every sync pipeline component from configuration and
// owns their lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/livinlefevreloca/vitalsync/internal/catalog"
	"github.com/livinlefevreloca/vitalsync/internal/config"
	"github.com/livinlefevreloca/vitalsync/internal/db"
	"github.com/livinlefevreloca/vitalsync/internal/executor"
	"github.com/livinlefevreloca/vitalsync/internal/health"
	"github.com/livinlefevreloca/vitalsync/internal/health/filesource"
	"github.com/livinlefevreloca/vitalsync/internal/host"
	"github.com/livinlefevreloca/vitalsync/internal/httpapi"
	"github.com/livinlefevreloca/vitalsync/internal/observer"
	"github.com/livinlefevreloca/vitalsync/internal/run"
	"github.com/livinlefevreloca/vitalsync/internal/scheduler"
	"github.com/livinlefevreloca/vitalsync/internal/snapshot"
	"github.com/livinlefevreloca/vitalsync/internal/syncer"
	"github.com/livinlefevreloca/vitalsync/internal/telemetry"
	"github.com/livinlefevreloca/vitalsync/internal/uploader"
)

// ErrAuthorizationDenied is returned by Start and SyncOnce when the user has
// not granted access to health data
var ErrAuthorizationDenied = health.ErrAuthorizationDenied

// Option overrides a collaborator, mostly for tests
type Option func(*options)

type options struct {
	source       health.Source
	transport    uploader.Transport
	connectivity host.Connectivity
	registry     *prometheus.Registry
}

// WithSource replaces the file-backed health source
func WithSource(src health.Source) Option {
	return func(o *options) { o.source = src }
}

// WithTransport replaces the HTTP upload transport
func WithTransport(t uploader.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithConnectivity replaces the host's connectivity check
func WithConnectivity(c host.Connectivity) Option {
	return func(o *options) { o.connectivity = c }
}

// WithRegistry registers metrics on reg instead of a fresh registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// Engine is the process root
type Engine struct {
	config *config.Config
	logger *slog.Logger

	catalog   *catalog.Catalog
	source    health.Source
	db        *db.DB
	registry  *prometheus.Registry
	metrics   *telemetry.Metrics
	syncer    *syncer.Syncer
	session   *uploader.Session
	uploader  *uploader.Uploader
	store     *snapshot.Store
	refresher *snapshot.Refresher
	executor  *executor.Executor
	host      *host.LocalHost
	scheduler *scheduler.Scheduler
	observers *observer.Registry

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	// serializes authorization changes and guards the subscription
	authMu       sync.Mutex
	subscription *observer.Subscription
}

// New constructs every component. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{config: cfg, logger: logger}

	cat, err := catalog.New(cfg.Catalog.Metrics)
	if err != nil {
		return nil, err
	}
	e.catalog = cat

	e.source = o.source
	if e.source == nil {
		src, err := filesource.New(cfg.Source.Dir, logger.With("component", "source"))
		if err != nil {
			return nil, err
		}
		e.source = src
	}

	dbConfig := cfg.Database
	dbConfig.SkipMigrations = true
	e.db, err = db.OpenWithConfig(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := e.build(o); err != nil {
		e.db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(o *options) error {
	cfg := e.config
	logger := e.logger

	e.registry = o.registry
	if e.registry == nil {
		e.registry = prometheus.NewRegistry()
		e.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	e.metrics = telemetry.New(e.registry)

	var err error
	e.syncer, err = syncer.NewSyncer(cfg.Syncer, logger.With("component", "syncer"))
	if err != nil {
		return err
	}

	transport := o.transport
	if transport == nil {
		transport = uploader.NewHTTPTransport(cfg.Uploader.Endpoint, cfg.Uploader.Token, cfg.Uploader.Timeout)
	}
	e.session, err = uploader.NewSession(cfg.Uploader, e.db, transport, logger.With("component", "uploader"),
		uploader.WithMetrics(e.metrics),
		uploader.WithEventSink(e.onDelivery))
	if err != nil {
		return err
	}
	e.uploader = uploader.New(e.db, e.session, logger.With("component", "uploader"))

	e.store = snapshot.NewStore(e.catalog)
	e.refresher, err = snapshot.NewRefresher(cfg.Snapshot, e.catalog, e.source, e.store, logger.With("component", "snapshot"))
	if err != nil {
		return err
	}

	e.executor, err = executor.New(cfg.Executor, e.catalog, e.source, e.uploader, e.store, logger.With("component", "executor"))
	if err != nil {
		return err
	}

	e.host, err = host.NewLocalHost(cfg.Host, o.connectivity, logger.With("component", "host"))
	if err != nil {
		return fmt.Errorf("invalid host config: %w", err)
	}

	e.scheduler, err = scheduler.NewScheduler(cfg.Scheduler, e.catalog.IDs(), e.host, e.executor, e.syncer,
		logger.With("component", "scheduler"),
		scheduler.WithMetrics(e.metrics),
		scheduler.WithTerminalHook(e.onTerminal))
	if err != nil {
		return err
	}
	e.host.SetHandler(e.scheduler)

	e.observers = observer.NewRegistry(e.source, e.scheduler, logger.With("component", "observer"))
	return nil
}

// Start migrates storage, starts the background components and subscribes to
// change notifications. When authorization is denied the pipeline stays
// disabled, the snapshot is marked unauthorized and ErrAuthorizationDenied is
// returned; the engine keeps serving the snapshot and re-checks access every
// authorization check interval.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}

	if err := e.db.Migrate(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("migrate database: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.started = true

	e.syncer.Start(syncer.NewDBWriter(e.db))
	if err := e.session.Start(runCtx); err != nil {
		e.mu.Unlock()
		return err
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.refresher.Run(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.watchAuthorization(runCtx)
	}()
	e.mu.Unlock()

	if err := e.checkAuthorization(ctx); err != nil {
		return err
	}
	e.logger.Info("engine started", "metrics", e.catalog.Len())
	return nil
}

// checkAuthorization asks the source for access and moves the pipeline to
// match: a grant enables the scheduler and subscribes, a denial disables the
// scheduler and drops the subscription.
func (e *Engine) checkAuthorization(ctx context.Context) error {
	ok, err := e.source.Authorize(ctx)
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	if !ok {
		e.revoke()
		return ErrAuthorizationDenied
	}
	return e.grant(ctx)
}

func (e *Engine) grant(ctx context.Context) error {
	e.authMu.Lock()
	defer e.authMu.Unlock()

	e.mu.Lock()
	started := e.started
	e.mu.Unlock()

	if started && e.subscription == nil {
		sub, err := e.observers.Subscribe(ctx, e.catalog)
		if errors.Is(err, health.ErrAuthorizationDenied) {
			e.revokeLocked()
			return ErrAuthorizationDenied
		}
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		e.subscription = sub
	}

	wasAuthorized := e.store.Authorized()
	e.store.SetAuthorized(true)
	e.scheduler.Enable()
	if !wasAuthorized {
		e.logger.Info("health data access granted")
		e.refresher.Trigger()
	}
	return nil
}

func (e *Engine) revoke() {
	e.authMu.Lock()
	defer e.authMu.Unlock()
	e.revokeLocked()
}

func (e *Engine) revokeLocked() {
	if e.subscription != nil {
		e.subscription.Close()
		e.subscription = nil
	}
	if e.store.Authorized() {
		e.logger.Warn("health data access denied")
	}
	e.scheduler.Disable("authorization denied")
	e.store.SetAuthorized(false)
}

func (e *Engine) watchAuthorization(ctx context.Context) {
	ticker := time.NewTicker(e.config.Auth.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := e.checkAuthorization(ctx)
			if err != nil && !errors.Is(err, ErrAuthorizationDenied) && ctx.Err() == nil {
				e.logger.Warn("authorization check failed", "error", err)
			}
		}
	}
}

// SyncOnce re-checks authorization, admits a run immediately and waits for it
// to settle
func (e *Engine) SyncOnce(ctx context.Context) (run.Snapshot, error) {
	if err := e.checkAuthorization(ctx); err != nil {
		return run.Snapshot{}, err
	}

	r, err := e.scheduler.RunNow()
	if err != nil {
		return run.Snapshot{}, err
	}

	select {
	case <-r.Settled():
		return r.Snapshot(), nil
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

// DrainOutbox waits until no pending uploads remain or ctx is done
func (e *Engine) DrainOutbox(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		n, err := e.db.CountOutbox(db.OutboxPending)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d uploads still pending: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *Engine) onTerminal(snap run.Snapshot) {
	if snap.State == run.StateCompleted {
		e.refresher.Trigger()
	}
}

func (e *Engine) onDelivery(ev uploader.DeliveryEvent) {
	if ev.Success {
		return
	}
	e.logger.Warn("payload undeliverable",
		"payload_id", ev.PayloadID,
		"metric_id", ev.MetricID,
		"attempt", ev.Attempt,
		"error", ev.Err)
}

// Handler returns the read-only HTTP API
func (e *Engine) Handler() http.Handler {
	logger := e.logger.With("component", "http")
	return httpapi.NewServer(e.store, e.scheduler, e.db, logger,
		httpapi.WithMiddlewares(httpapi.LoggingMiddleware(logger)))
}

// MetricsHandler returns the Prometheus exposition handler
func (e *Engine) MetricsHandler() http.Handler {
	return telemetry.Handler(e.registry)
}

func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

func (e *Engine) Status() scheduler.Status { return e.scheduler.Status() }

func (e *Engine) Snapshot() snapshot.Snapshot { return e.store.Snapshot() }

// Stop shuts components down in reverse dependency order
func (e *Engine) Stop() error {
	var errs []error
	e.stopOnce.Do(func() {
		e.mu.Lock()
		started := e.started
		e.mu.Unlock()

		// Stop the refresher and the authorization watcher before dropping
		// the subscription so nothing re-subscribes behind us
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()

		e.authMu.Lock()
		if e.subscription != nil {
			e.subscription.Close()
			e.subscription = nil
		}
		e.authMu.Unlock()

		e.host.Close()
		e.scheduler.Shutdown()
		e.session.Stop()

		if started {
			if err := e.syncer.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("syncer: %w", err))
			}
		}
		if closer, ok := e.source.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("source: %w", err))
			}
		}
		if err := e.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
		e.logger.Info("engine stopped")
	})
	return errors.Join(errs...)
}
