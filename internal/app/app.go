// Package app wires the application together: configuration, logger,
// telemetry, store, audit log, services, router and HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"keyserver/internal/audit"
	"keyserver/internal/auth"
	"keyserver/internal/config"
	"keyserver/internal/infrastructure"
	customMiddleware "keyserver/internal/middleware"
	"keyserver/internal/services"
	"keyserver/internal/store"
	handlers "keyserver/internal/transport/http"
)

// Version identifies the build in health responses and telemetry.
const Version = "1.0.0"

// Application is the main application container.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	Router        *chi.Mux
	Server        *http.Server
	Store         *store.FileStore
	Audit         *audit.Logger
	KeyService    services.KeyService
	Authenticator *auth.Authenticator
	OTelProviders *infrastructure.OTelProviders
	Metrics       *infrastructure.BusinessMetrics
}

// NewApplication loads configuration from the environment and assembles
// the application.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return NewApplicationWithConfig(cfg)
}

// NewApplicationWithConfig assembles the application around an already
// loaded configuration. Used directly by tests.
func NewApplicationWithConfig(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("service", infrastructure.ServiceName),
		slog.String("version", Version))

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	otelCfg := infrastructure.DefaultOTelConfig(Version)
	otelCfg.TraceExporter = cfg.Logging.Tracing
	otelProviders, err := infrastructure.InitializeOTel(otelCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	metrics, err := infrastructure.CreateBusinessMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		Metrics:       metrics,
	}

	app.initializeServices()
	app.setupRouter()
	app.createServer()
	return app, nil
}

func (a *Application) initializeServices() {
	a.Store = store.NewFileStore(a.Config.Paths.KeysFile, a.Logger,
		store.WithMetrics(a.Metrics))
	a.Audit = audit.NewLogger(a.Config.Paths.AuditLogFile, a.Logger,
		audit.WithMetrics(a.Metrics))
	a.KeyService = services.NewKeyService(a.Store, a.Audit, a.Logger,
		services.WithMetrics(a.Metrics))
	a.Authenticator = auth.NewAuthenticator(a.Config.Security)
}

func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.ClientIP)
	r.Use(customMiddleware.BusinessMetricsMiddleware(a.Metrics))
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Logger))
	r.Use(customMiddleware.SecurityHeaders)
	if a.Config.Security.RateLimit.Enabled {
		r.Use(customMiddleware.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger,
		).Handler)
	}

	// Static files outside the JSON API group.
	fileHandler := handlers.NewFileHandler(a.Config.Paths.WellKnownDir, a.Config.Paths.DownloadsDir, a.Logger)
	r.Get("/.well-known/pki-validation/*", fileHandler.WellKnown)
	r.Get("/downloads/*", fileHandler.Download)

	keyHandler := handlers.NewKeyHandler(a.KeyService, a.Audit, a.Store.Path(), a.Logger)
	healthHandler := handlers.NewHealthHandler(Version)

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.Timeout(a.Config.Server.ReadTimeout))
		r.Use(customMiddleware.Authenticate(a.Authenticator, a.Logger))

		r.Get("/api/health", healthHandler.HealthCheck)

		// Anonymous activation endpoint used by deployed clients.
		r.Post("/key", keyHandler.ActivateOrValidate)

		r.With(customMiddleware.RequireAuth).Post("/generate-key", keyHandler.GenerateKey)

		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.RequireAdmin)
			r.Put("/update-expiration", keyHandler.UpdateExpiration)
			r.Get("/request-logs", keyHandler.RequestLogs)
			r.Get("/keys", keyHandler.KeysFile)
			r.Get("/key-info", keyHandler.KeyInfo)
			r.Put("/edit-key", keyHandler.EditKey)
			r.Delete("/delete-key", keyHandler.DeleteKey)
		})
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully within the configured timeout.
func (a *Application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.Logger.Info("shutting down",
			slog.Duration("timeout", a.Config.Server.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()

		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Logger.Info("shutdown complete")
	return err
}
