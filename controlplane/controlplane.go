// Package controlplane wires every component from a config.Config and runs
// the HTTP API, the health prober and the bootstrap watcher.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/GoCodeAlone/stagectl"
	"github.com/GoCodeAlone/stagectl/api"
	"github.com/GoCodeAlone/stagectl/config"
	"github.com/GoCodeAlone/stagectl/configuration"
	"github.com/GoCodeAlone/stagectl/contract"
	"github.com/GoCodeAlone/stagectl/eventlog"
	"github.com/GoCodeAlone/stagectl/fallback"
	"github.com/GoCodeAlone/stagectl/health"
	"github.com/GoCodeAlone/stagectl/pipeline"
	"github.com/GoCodeAlone/stagectl/registry"
	"github.com/GoCodeAlone/stagectl/stage"
	"github.com/GoCodeAlone/stagectl/store"
)

var (
	ErrAlreadyStarted = errors.New("control plane already started")
	ErrNotStarted     = errors.New("control plane not started")
)

// ControlPlane holds the wired components.
type ControlPlane struct {
	cfg    *config.Config
	logger stagectl.Logger

	Bootstrap *config.Bootstrap
	Contracts *contract.Registry
	Stages    *stage.Registry
	Modules   *registry.Registry
	Evaluator *fallback.Evaluator
	Service   *configuration.Service
	Tracker   *pipeline.Tracker
	Runner    *pipeline.Runner
	Sink      *eventlog.Sink
	Store     store.Store
	Prober    *health.Prober
	Watcher   *config.Watcher
	API       *api.Server
	Metrics   *prometheus.Registry

	mu       sync.Mutex
	started  bool
	server   *http.Server
	listener net.Listener
	serveErr chan error
}

type options struct {
	logger    stagectl.Logger
	bootstrap *config.Bootstrap
	invokers  map[string]registry.Invoker
	store     store.Store
	listener  net.Listener
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger handed to every component.
func WithLogger(l stagectl.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBootstrap supplies the catalogue instead of reading bootstrap.path.
func WithBootstrap(b *config.Bootstrap) Option {
	return func(o *options) { o.bootstrap = b }
}

// WithInvokers binds module handles by module id.
func WithInvokers(invokers map[string]registry.Invoker) Option {
	return func(o *options) { o.invokers = invokers }
}

// WithStore supplies an opened store instead of opening store.driver.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithListener serves the API on l instead of listening on http.addr.
func WithListener(l net.Listener) Option {
	return func(o *options) { o.listener = l }
}

// New builds the control plane. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*ControlPlane, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := stagectl.LoggerOrNop(o.logger)

	boot := o.bootstrap
	if boot == nil {
		var err error
		if boot, err = config.LoadBootstrap(cfg.Bootstrap.Path); err != nil {
			return nil, fmt.Errorf("load bootstrap: %w", err)
		}
	}

	cp := &ControlPlane{cfg: cfg, logger: logger, Bootstrap: boot, Metrics: prometheus.NewRegistry()}
	cp.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics, err := eventlog.NewMetrics(cp.Metrics)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	if cp.Sink, err = eventlog.New(cfg.EventLog, eventlog.WithLogger(logger), eventlog.WithMetrics(metrics)); err != nil {
		return nil, fmt.Errorf("create event sink: %w", err)
	}

	cp.Store = o.store
	if cp.Store == nil {
		if cp.Store, err = store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, store.WithLogger(logger)); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	emitter := &persistingEmitter{next: cp.Sink, store: cp.Store, logger: logger}

	if err := cp.buildCatalogue(boot, o.invokers, emitter); err != nil {
		_ = cp.Store.Close()
		return nil, err
	}

	breakers := fallback.NewBreakers(fallback.BreakerConfig{
		FailureThreshold: cfg.Fallback.FailureThreshold,
		ResetTimeout:     cfg.Fallback.ResetTimeout,
	})
	cp.Evaluator = fallback.NewEvaluator(cp.Modules, cp.Stages,
		fallback.WithBreakers(breakers),
		fallback.WithLogger(logger),
		fallback.WithEmitter(emitter),
	)
	for _, p := range boot.PolicyList() {
		if err := cp.Evaluator.SetPolicy(p); err != nil {
			_ = cp.Store.Close()
			return nil, err
		}
	}

	cp.Tracker = pipeline.NewTracker(logger)
	cp.Service = configuration.NewService(
		configuration.NewValidator(cp.Stages, cp.Modules, cp.Contracts),
		configuration.WithLogger(logger),
		configuration.WithEmitter(emitter),
		configuration.WithPersister(cp.Store),
		configuration.WithIdleProbe(cp.Tracker.Idle),
	)
	cp.Tracker.OnIdle(func(ctx context.Context) error {
		_, err := cp.Service.ProcessingFinished(ctx)
		return err
	})
	cp.Runner = pipeline.NewRunner(cp.Service, cp.Stages, cp.Modules, cp.Evaluator,
		pipeline.WithSchemas(cp.Contracts),
		pipeline.WithTracker(cp.Tracker),
		pipeline.WithStageTimeout(cfg.Pipeline.StageTimeout),
		pipeline.WithLogger(logger),
		pipeline.WithEmitter(emitter),
	)

	cp.Prober = health.NewProber(cp.Modules, cp.Modules,
		health.WithSchedule(cfg.Health.Schedule),
		health.WithTimeout(cfg.Health.Timeout),
		health.WithConcurrency(cfg.Health.Concurrency),
		health.WithLogger(logger),
	)
	if cfg.Bootstrap.Watch && cfg.Bootstrap.Path != "" {
		cp.Watcher = config.NewWatcher(cfg.Bootstrap.Path, boot, cp.Modules, config.WithWatcherLogger(logger))
	}

	cp.API = api.NewServer(api.Deps{
		Configurations: cp.Service,
		Modules:        cp.Modules,
		Stages:         cp.Stages,
		Contracts:      cp.Contracts,
		Processing:     cp.Tracker,
		Recent:         cp.Sink,
		Probes:         cp.Prober,
		Gatherer:       cp.Metrics,
	}, api.WithLogger(logger), api.WithAuth(api.AuthConfig{
		JWTSecret:        cfg.Auth.JWTSecret,
		AllowHeaderRoles: cfg.Auth.AllowHeaderRoles,
	}))
	cp.listener = o.listener
	return cp, nil
}

func (cp *ControlPlane) buildCatalogue(boot *config.Bootstrap, invokers map[string]registry.Invoker, emitter stagectl.Emitter) error {
	cp.Contracts = contract.NewRegistry(cp.logger)
	contracts, err := boot.ContractList()
	if err != nil {
		return err
	}
	for _, c := range contracts {
		if _, err := cp.Contracts.Register(c); err != nil {
			return fmt.Errorf("register contract: %w", err)
		}
	}

	if cp.Stages, err = stage.NewRegistry(cp.Contracts, boot.StageList()...); err != nil {
		return fmt.Errorf("register stages: %w", err)
	}

	cp.Modules = registry.NewRegistry(cp.Contracts,
		registry.WithStages(cp.Stages),
		registry.WithLogger(cp.logger),
		registry.WithEmitter(emitter),
	)
	for _, m := range boot.ModuleList() {
		if err := cp.Modules.Register(m, invokers[m.ID]); err != nil {
			return fmt.Errorf("register module: %w", err)
		}
	}
	for id := range invokers {
		if _, err := cp.Modules.Get(id); err != nil {
			return fmt.Errorf("bind module %s: %w", id, err)
		}
	}
	return nil
}

// Handler returns the API handler.
func (cp *ControlPlane) Handler() http.Handler { return cp.API }

// Start persists the catalogue, restores configuration history and starts
// the background components and the HTTP listener.
func (cp *ControlPlane) Start(ctx context.Context) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.started {
		return ErrAlreadyStarted
	}

	if err := cp.Store.SaveCatalogue(ctx, store.Catalogue{
		Contracts: cp.Contracts.List(),
		Stages:    cp.Stages.List(),
		Modules:   cp.Modules.List(),
	}); err != nil {
		return fmt.Errorf("save catalogue: %w", err)
	}
	if err := cp.Service.Restore(ctx); err != nil {
		return fmt.Errorf("restore configuration history: %w", err)
	}

	if err := cp.Sink.Start(ctx); err != nil {
		return fmt.Errorf("start event sink: %w", err)
	}
	if err := cp.Prober.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("start health prober: %w", err), cp.Sink.Stop(ctx))
	}
	if cp.Watcher != nil {
		if err := cp.Watcher.Start(ctx); err != nil {
			return errors.Join(fmt.Errorf("start bootstrap watcher: %w", err), cp.Prober.Stop(ctx), cp.Sink.Stop(ctx))
		}
	}

	ln := cp.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", cp.cfg.HTTP.Addr); err != nil {
			return errors.Join(fmt.Errorf("listen on %s: %w", cp.cfg.HTTP.Addr, err), cp.stopBackground(ctx))
		}
	}
	cp.server = &http.Server{
		Handler:      cp.API,
		ReadTimeout:  cp.cfg.HTTP.ReadTimeout,
		WriteTimeout: cp.cfg.HTTP.WriteTimeout,
	}
	cp.serveErr = make(chan error, 1)
	go func(srv *http.Server, ln net.Listener, errCh chan<- error) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}(cp.server, ln, cp.serveErr)

	cp.started = true
	active, _ := cp.Service.GetActive()
	cp.logger.Info("Control plane started", "addr", ln.Addr().String(), "stages", cp.Stages.Len(),
		"modules", len(cp.Modules.List()), "activeVersion", active.Version, "store", cp.cfg.Store.Driver)
	return nil
}

// Stop shuts down the listener and background components, bounded by ctx.
func (cp *ControlPlane) Stop(ctx context.Context) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if !cp.started {
		return ErrNotStarted
	}
	cp.started = false

	var errs []error
	if err := cp.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	errs = append(errs, cp.stopBackground(ctx))
	if err := cp.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	cp.logger.Info("Control plane stopped")
	return errors.Join(errs...)
}

func (cp *ControlPlane) stopBackground(ctx context.Context) error {
	var errs []error
	if cp.Watcher != nil {
		if err := cp.Watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop bootstrap watcher: %w", err))
		}
	}
	if err := cp.Prober.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop health prober: %w", err))
	}
	if err := cp.Sink.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop event sink: %w", err))
	}
	return errors.Join(errs...)
}

// Run starts the control plane and blocks until ctx is cancelled or the
// listener fails, then stops within http.shutdownTimeout.
func (cp *ControlPlane) Run(ctx context.Context) error {
	if err := cp.Start(ctx); err != nil {
		return err
	}
	var serveErr error
	select {
	case <-ctx.Done():
	case err, ok := <-cp.serveErr:
		if ok {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cp.shutdownTimeout())
	defer cancel()
	return errors.Join(serveErr, cp.Stop(stopCtx))
}

func (cp *ControlPlane) shutdownTimeout() time.Duration {
	if cp.cfg.HTTP.ShutdownTimeout > 0 {
		return cp.cfg.HTTP.ShutdownTimeout
	}
	return 10 * time.Second
}

// persistingEmitter forwards every event to the sink and records module
// availability transitions in the store.
type persistingEmitter struct {
	next   stagectl.Emitter
	store  store.Store
	logger stagectl.Logger
}

func (e *persistingEmitter) Emit(ctx context.Context, event stagectl.Event) {
	if event.Kind == stagectl.EventKindAvailability && event.ModuleID != "" {
		if available, ok := event.Data["available"].(bool); ok {
			if err := e.store.SetModuleAvailability(ctx, event.ModuleID, available, time.Now()); err != nil {
				e.logger.Error("Failed to persist module availability", "module", event.ModuleID, "error", err)
			}
		}
	}
	e.next.Emit(ctx, event)
}
