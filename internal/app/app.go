package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"keybroker/internal/broker"
	"keybroker/internal/config"
	apierrors "keybroker/internal/errors"
	"keybroker/internal/hostbridge"
	"keybroker/internal/infrastructure"
	"keybroker/internal/interceptor"
	"keybroker/internal/keyserver"
	"keybroker/internal/keystore"
	"keybroker/internal/playlist"
	handlers "keybroker/internal/transport/http"
	"keybroker/pkg/contracts"
)

// Application is the wired key broker
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Metrics       *infrastructure.BrokerMetrics

	Store      *keystore.Store
	KeyServer  *keyserver.Client
	Events     *interceptor.Events
	Machine    *broker.Machine
	Discoverer *playlist.Discoverer
	Sessions   *interceptor.Manager
	Bridge     *hostbridge.Bridge

	Router chi.Router
	Server *http.Server
}

// New wires an Application from cfg. A nil logger initializes the global
// logger from cfg.Logging.
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		var err error
		logger, err = infrastructure.InitializeLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	logger.Info("Application starting",
		slog.String("name", config.AppName),
		slog.String("version", contracts.Version))

	a := &Application{Config: cfg, Logger: logger}

	// The default storage area lives under the per-user data dir
	if paths, err := config.GetPaths(); err == nil && paths.KeysDir == cfg.Storage.Root {
		if err := paths.EnsureDirectories(); err != nil {
			return nil, fmt.Errorf("failed to ensure directories: %w", err)
		}
		paths.LogPathResolution(logger)
	}

	providers, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.OTelProviders = providers

	a.Metrics, err = infrastructure.NewBrokerMetrics(providers.Meter)
	if err != nil {
		logger.Warn("Broker metrics unavailable", slog.String("error", err.Error()))
		a.Metrics = nil
	}

	if err := a.initializeServices(); err != nil {
		a.shutdownTelemetry(context.Background())
		return nil, err
	}

	a.setupRouter()
	a.createServer()
	return a, nil
}

// initializeServices builds the key path from storage up to the bridge
func (a *Application) initializeServices() error {
	cfg := a.Config

	store, err := keystore.Open(keystore.OptionsFromConfig(cfg.Storage, a.Logger))
	if err != nil {
		return fmt.Errorf("failed to open key store: %w", err)
	}
	a.Store = store

	ksOpts := keyserver.OptionsFromConfig(cfg.Exchange)
	ksOpts.Metrics = a.Metrics
	ksOpts.Logger = a.Logger
	a.KeyServer = keyserver.New(ksOpts)

	a.Events = interceptor.NewEvents(a.Logger)
	a.Machine = broker.NewMachine(broker.Deps{
		Store:        store,
		Certificates: a.KeyServer,
		Licenses:     a.KeyServer,
		Notifier:     a.Events,
		Metrics:      a.Metrics,
		Logger:       a.Logger,
		ReadOnly:     cfg.Exchange.ReadOnlyCache,
	})

	a.Discoverer = playlist.NewDiscoverer(playlist.Options{Logger: a.Logger})

	a.Sessions = interceptor.NewManager(interceptor.SessionOptions{
		Scheme:     cfg.Exchange.Scheme,
		Runner:     a.Machine,
		Store:      store,
		Discoverer: a.Discoverer,
		Metrics:    a.Metrics,
		Logger:     a.Logger,
	})

	a.Bridge = hostbridge.New(hostbridge.Options{
		Manager:        a.Sessions,
		Events:         a.Events,
		DefaultDRM:     broker.DRMConfigFrom(cfg.DRM),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         a.Logger,
	})

	a.Logger.Info("Services initialized",
		slog.String("storage_root", store.Root()),
		slog.String("scheme", cfg.Exchange.Scheme),
		slog.Bool("read_only_cache", cfg.Exchange.ReadOnlyCache),
		slog.Int("persisted_keys", len(store.Assets())))
	return nil
}

func (a *Application) setupRouter() {
	a.Router = handlers.NewRouter(handlers.RouterDeps{
		Keys:           a.Store,
		Sessions:       a.Sessions,
		Bridge:         a.Bridge,
		Health:         handlers.NewHealthHandler(a.Store.Root(), a.Sessions.Count, a.Bridge.ClientCount),
		Errors:         apierrors.NewErrorHandler(a.Logger, a.Config.Telemetry.Environment == "development"),
		Tracer:         a.OTelProviders.Tracer,
		Metrics:        a.Metrics,
		MetricsHTTP:    a.OTelProviders.PrometheusHTTP,
		RateLimitRPS:   a.Config.Server.RateLimitRPS,
		RateLimitBurst: a.Config.Server.RateLimitBurst,
		Logger:         a.Logger,
	})
}

// createServer leaves WriteTimeout unset: bridge connections are long lived
// and the admin routes carry their own timeout.
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:        a.Config.Server.Addr(),
		Handler:     a.Router,
		ReadTimeout: a.Config.Server.ReadTimeout,
		IdleTimeout: a.Config.Server.IdleTimeout,
	}
}

// Start begins serving on the configured address. A serve error after
// startup calls cancel.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.Server.Addr = ln.Addr().String()

	go func() {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.Logger.InfoContext(ctx, "Application started",
		slog.String("address", a.Server.Addr),
		slog.String("bridge", "ws://"+a.Server.Addr+"/v1/bridge"))
	return nil
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := a.Bridge.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("bridge shutdown: %w", err))
	}
	if err := a.Sessions.CloseAll(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("session shutdown: %w", err))
	}
	a.shutdownTelemetry(shutdownCtx)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return nil
}

func (a *Application) shutdownTelemetry(ctx context.Context) {
	if a.OTelProviders == nil {
		return
	}
	if err := a.OTelProviders.Shutdown(ctx); err != nil {
		a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
	}
}

// Run serves until SIGINT, SIGTERM or a server error
func (a *Application) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	<-ctx.Done()
	a.Logger.Info("Received shutdown signal")

	return a.Stop(context.Background())
}
