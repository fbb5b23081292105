package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/zero-day-ai/stratagem/internal/compiler"
	"github.com/zero-day-ai/stratagem/internal/config"
	"github.com/zero-day-ai/stratagem/internal/controlplane"
	"github.com/zero-day-ai/stratagem/internal/daemon/api"
	"github.com/zero-day-ai/stratagem/internal/database"
	"github.com/zero-day-ai/stratagem/internal/events"
	"github.com/zero-day-ai/stratagem/internal/fleet"
	"github.com/zero-day-ai/stratagem/internal/observability"
	"github.com/zero-day-ai/stratagem/internal/registry"
	"github.com/zero-day-ai/stratagem/pkg/version"
)

const shutdownTimeout = 10 * time.Second

// PIDFilePath returns the PID file location under homeDir.
func PIDFilePath(homeDir string) string {
	return filepath.Join(homeDir, "daemon.pid")
}

// InfoFilePath returns the daemon info file location under homeDir.
func InfoFilePath(homeDir string) string {
	return filepath.Join(homeDir, "daemon.json")
}

// Daemon owns every long-lived component of the control plane.
//
// New builds the storage, compiler, fleet tracker, event bus and controller.
// Start binds the gRPC and HTTP listeners, starts discovery, event export and
// the janitor, and blocks until its context is cancelled.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *database.DB
	registry  registry.Registry
	ctl       *controlplane.Controller
	bus       *events.Bus
	metrics   *observability.Metrics
	tracer    *sdktrace.TracerProvider
	janitor   *Janitor
	kafka     *events.KafkaSink
	discovery *fleet.Discovery

	pidFile  string
	infoFile string

	mu         sync.Mutex
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	startTime  time.Time
	cancel     context.CancelFunc
	group      *errgroup.Group
	ready      chan struct{}
	stopOnce   sync.Once
}

// New builds a daemon from cfg. Nothing listens until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger.With("component", "daemon"),
		pidFile:  PIDFilePath(cfg.Core.HomeDir),
		infoFile: InfoFilePath(cfg.Core.HomeDir),
		ready:    make(chan struct{}),
	}
	if err := d.init(ctx, logger); err != nil {
		d.closeResources(context.Background())
		return nil, err
	}
	return d, nil
}

func (d *Daemon) init(ctx context.Context, logger *slog.Logger) error {
	cfg := d.cfg

	metrics, err := observability.InitMetrics(observability.MetricsConfig{Enabled: cfg.Metrics.Enabled})
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	d.metrics = metrics
	recorder := observability.NewOpenTelemetryMetricsRecorder(metrics.Provider.Meter("stratagem"))

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRate:  cfg.Tracing.SampleRate,
		ServiceName: "stratagem",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	d.tracer = tp

	d.bus = events.NewBus(
		events.WithMetrics(observability.BusMetrics{Recorder: recorder}),
		events.WithLogger(logger),
	)

	var stores controlplane.Stores
	switch cfg.Registry.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err := database.OpenWithConfig(database.Config{
			Path:            cfg.Database.Path,
			MaxOpenConns:    cfg.Database.MaxConnections,
			MaxIdleConns:    cfg.Database.MaxConnections,
			ConnMaxLifetime: time.Hour,
			BusyTimeout:     cfg.Database.Timeout,
		})
		if err != nil {
			return err
		}
		d.db = db
		if err := db.InitSchema(ctx); err != nil {
			return err
		}
		d.registry = registry.NewSQLiteRegistry(db, logger)
		stores = controlplane.NewSQLiteStores(db)
	default:
		d.registry = registry.NewMemoryRegistry(logger)
		stores = controlplane.NewMemoryStores()
	}

	tracker := fleet.NewTracker(
		fleet.WithMaxLoad(cfg.Fleet.MaxLoad),
		fleet.WithStalenessThreshold(cfg.ControlPlane.StalenessThreshold),
		fleet.WithLogger(logger),
	)

	comp := compiler.New(
		compiler.WithParallelism(cfg.Compiler.Parallelism),
		compiler.WithTightBoundRatio(cfg.Compiler.TightBoundRatio),
		compiler.WithMaxLeverageWarning(cfg.Compiler.MaxLeverageWarning),
		compiler.WithCompilerVersion(version.CompilerTag()),
		compiler.WithLogger(logger),
		compiler.WithTracer(tp.Tracer("stratagem/compiler")),
	)

	backoff := controlplane.DefaultBackoff()
	backoff.Base = cfg.ControlPlane.BackoffBase
	backoff.Max = cfg.ControlPlane.BackoffMax

	d.ctl = controlplane.New(comp, d.registry, stores, tracker,
		controlplane.WithConfig(controlplane.Config{
			StalenessThreshold: cfg.ControlPlane.StalenessThreshold,
			DeployTimeout:      cfg.ControlPlane.DeployTimeout,
			MaxDeployAttempts:  cfg.ControlPlane.MaxDeployAttempts,
			Backoff:            backoff,
		}),
		controlplane.WithEventBus(d.bus),
		controlplane.WithMetrics(recorder),
		controlplane.WithTracer(tp.Tracer("stratagem/controlplane")),
		controlplane.WithLogger(logger),
	)

	janitor, err := NewJanitor(d.ctl, cfg.ControlPlane.ReconcileInterval, cfg.ControlPlane.GCInterval, logger)
	if err != nil {
		return err
	}
	d.janitor = janitor

	if cfg.Events.Kafka.Enabled {
		writer := events.NewKafkaWriter(events.KafkaConfig{
			Brokers: cfg.Events.Kafka.Brokers,
			Topic:   cfg.Events.Kafka.Topic,
		})
		d.kafka = events.NewKafkaSink(d.bus, writer, events.Filter{}, logger)
	}

	if cfg.Etcd.Enabled {
		discovery, err := fleet.NewDiscovery(fleet.EtcdConfig{
			Mode:          cfg.Etcd.Mode,
			Endpoints:     cfg.Etcd.Endpoints,
			DataDir:       cfg.Etcd.DataDir,
			ListenAddress: cfg.Etcd.ListenAddress,
			Namespace:     cfg.Etcd.Namespace,
			TTL:           int(cfg.Etcd.TTL / time.Second),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to start worker discovery: %w", err)
		}
		d.discovery = discovery
	}
	return nil
}

// Controller returns the daemon's controller.
func (d *Daemon) Controller() *controlplane.Controller {
	return d.ctl
}

// Ready is closed once Start has bound its listeners and written the state
// files.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// GRPCAddress returns the bound gRPC address, valid after Ready.
func (d *Daemon) GRPCAddress() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.grpcAddr
}

// HTTPAddress returns the bound HTTP address, or "" when the HTTP surface is
// disabled.
func (d *Daemon) HTTPAddress() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.httpAddr
}

// Handler returns the HTTP router without binding a listener.
func (d *Daemon) Handler() http.Handler {
	var metrics http.Handler
	if d.cfg.Metrics.Enabled {
		metrics = d.metrics.Handler
	}
	return NewRouter(d.ctl, HTTPOptions{
		RateLimit: d.cfg.HTTP.RateLimit,
		Burst:     d.cfg.HTTP.Burst,
		Metrics:   metrics,
		Health:    d.health,
		Events:    d.bus,
	}, d.logger)
}

func (d *Daemon) health(ctx context.Context) error {
	if d.db == nil {
		return nil
	}
	return d.db.Health(ctx)
}

// Start runs the daemon until ctx is cancelled, then shuts it down.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting stratagem daemon",
		"version", version.Version,
		"registry_backend", d.cfg.Registry.Backend,
		"etcd", d.cfg.Etcd.Enabled,
		"kafka", d.cfg.Events.Kafka.Enabled,
	)

	running, pid, err := CheckPIDFile(d.pidFile)
	if err != nil {
		return fmt.Errorf("failed to check for existing daemon: %w", err)
	}
	if running && pid != os.Getpid() {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}
	if pid > 0 && !running {
		d.logger.Warn("removing stale PID file", "stale_pid", pid)
		if err := RemovePIDFile(d.pidFile); err != nil {
			return err
		}
	}

	if err := d.startServices(); err != nil {
		d.Stop(context.Background())
		return err
	}

	info := &DaemonInfo{
		PID:         os.Getpid(),
		StartTime:   d.startTime,
		GRPCAddress: d.GRPCAddress(),
		HTTPAddress: d.HTTPAddress(),
		Version:     version.Version,
	}
	if err := WritePIDFile(d.pidFile, info.PID); err != nil {
		d.Stop(context.Background())
		return err
	}
	if err := WriteDaemonInfo(d.infoFile, info); err != nil {
		d.Stop(context.Background())
		return err
	}

	d.logger.Info("daemon started", "pid", info.PID, "grpc", info.GRPCAddress, "http", info.HTTPAddress)
	close(d.ready)

	<-ctx.Done()
	d.logger.Info("shutdown signal received, stopping daemon")
	return d.Stop(context.Background())
}

func (d *Daemon) startServices() error {
	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)

	d.mu.Lock()
	d.startTime = time.Now()
	d.cancel = cancel
	d.group = group
	d.mu.Unlock()

	grpcLis, err := listen(d.cfg.GRPC.Address)
	if err != nil {
		return err
	}
	grpcServer := newGRPCServer(api.NewServer(d.ctl, d.registry, d.logger), d.logger)
	d.mu.Lock()
	d.grpcServer = grpcServer
	d.grpcAddr = grpcLis.Addr().String()
	d.mu.Unlock()
	go func() {
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			d.logger.Error("gRPC server error", "error", err)
		}
	}()

	if d.cfg.HTTP.Address != "" {
		httpLis, err := net.Listen("tcp", d.cfg.HTTP.Address)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", d.cfg.HTTP.Address, err)
		}
		httpServer := &http.Server{Handler: d.Handler(), ReadHeaderTimeout: 5 * time.Second}
		d.mu.Lock()
		d.httpServer = httpServer
		d.httpAddr = httpLis.Addr().String()
		d.mu.Unlock()
		go func() {
			if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("HTTP server error", "error", err)
			}
		}()
	}

	if d.kafka != nil {
		if err := d.kafka.Start(groupCtx); err != nil {
			return err
		}
	}
	if d.discovery != nil {
		watcher := fleet.NewWatcher(d.discovery, d.ctl, 0)
		group.Go(func() error {
			return watcher.Run(groupCtx)
		})
	}

	d.janitor.Start()
	return nil
}

// Stop shuts every component down in reverse start order and removes the
// state files. It is safe to call more than once.
func (d *Daemon) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
		}
		d.logger.Info("stopping stratagem daemon")
		err = d.stopServices(ctx)
		err = multierr.Append(err, d.closeResources(ctx))

		if rmErr := RemovePIDFile(d.pidFile); rmErr != nil {
			d.logger.Warn("failed to remove PID file", "error", rmErr)
		}
		if rmErr := RemoveDaemonInfo(d.infoFile); rmErr != nil {
			d.logger.Warn("failed to remove daemon info file", "error", rmErr)
		}
		d.logger.Info("daemon stopped")
	})
	return err
}

func (d *Daemon) stopServices(ctx context.Context) error {
	var errs error

	d.mu.Lock()
	cancel, group := d.cancel, d.group
	grpcServer, httpServer := d.grpcServer, d.httpServer
	d.mu.Unlock()

	if d.janitor != nil {
		d.janitor.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if group != nil {
		errs = multierr.Append(errs, group.Wait())
	}
	if d.kafka != nil {
		errs = multierr.Append(errs, d.kafka.Stop())
	}
	if httpServer != nil {
		errs = multierr.Append(errs, httpServer.Shutdown(ctx))
	}
	if grpcServer != nil {
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			grpcServer.Stop()
		}
	}
	return errs
}

// closeResources releases what New acquired.
func (d *Daemon) closeResources(ctx context.Context) error {
	var errs error
	if d.bus != nil {
		errs = multierr.Append(errs, d.bus.Close())
	}
	if d.discovery != nil {
		errs = multierr.Append(errs, d.discovery.Close())
	}
	if d.tracer != nil {
		errs = multierr.Append(errs, observability.ShutdownTracing(ctx, d.tracer))
	}
	if d.metrics != nil {
		errs = multierr.Append(errs, d.metrics.Shutdown(ctx))
	}
	if d.db != nil {
		errs = multierr.Append(errs, d.db.Close())
	}
	return errs
}
