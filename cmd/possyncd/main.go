package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/possync/client/internal/apidocs"
	"github.com/possync/client/internal/config"
	"github.com/possync/client/internal/handlers"
	custommw "github.com/possync/client/internal/middleware"
	"github.com/possync/client/internal/observability"
	"github.com/possync/client/internal/repository"
	"github.com/possync/client/internal/services"
)

func fatalf(format string, args ...interface{}) {
	observability.Errorf(format, args...)
	os.Exit(1)
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	var db *sql.DB
	if cfg.UsePostgres() {
		observability.Info("Using PostgreSQL database")
		db, err = repository.NewPostgresDB(cfg.DatabaseURL)
	} else {
		observability.Infof("Using SQLite database at %s", cfg.DatabasePath)
		db, err = repository.NewSQLiteDB(cfg.DatabasePath)
	}
	if err != nil {
		fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	meta := repository.NewSyncMetaRepository(db)
	deviceID, err := services.LoadDeviceID(ctx, meta)
	if err != nil {
		fatalf("Failed to load device id: %v", err)
	}

	// Telemetry
	telemetryCfg := observability.NewConfig(
		cfg.Telemetry.ServiceName, handlers.Version, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.Enabled)
	telemetryCfg.SampleRatio = cfg.Telemetry.SampleRatio
	telemetry, err := observability.Initialize(ctx, telemetryCfg.ForTerminal(deviceID, cfg.Remote.BaseURL))
	if err != nil {
		fatalf("Failed to initialize telemetry: %v", err)
	}
	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		fatalf("Failed to create HTTP metrics: %v", err)
	}
	syncMetrics, err := observability.NewSyncMetrics()
	if err != nil {
		fatalf("Failed to create sync metrics: %v", err)
	}

	var refresher services.TokenRefresher
	if cfg.Auth.TokenURL != "" && cfg.Auth.RefreshToken != "" {
		refresher = services.NewOAuth2Refresher(cfg.Auth)
	} else {
		observability.Warn("No auth.tokenUrl/refreshToken configured, remote calls are unauthenticated")
	}

	hub := services.NewStatusHub()
	go hub.Run(ctx)

	engine := services.NewEngine(services.EngineDeps{
		Config:    cfg,
		Queue:     repository.NewQueueRepository(db),
		Meta:      meta,
		Reference: repository.NewReferenceRepository(db),
		Entities:  repository.NewEntityRepository(db),
		Refresher: refresher,
		Transport: &observability.Transport{Base: http.DefaultTransport},
		Hub:       hub,
		Metrics:   syncMetrics,
	})
	if err := engine.Init(ctx); err != nil {
		fatalf("Failed to initialize sync engine: %v", err)
	}
	observability.Infof("Device ID: %s", engine.DeviceID())

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(engine)
	syncHandler := handlers.NewSyncHandler(engine)
	cacheHandler := handlers.NewCacheHandler(engine)
	mutationHandler := handlers.NewMutationHandler(engine)
	wsHandler := handlers.NewWebSocketHandler(hub)
	versionHandler := handlers.NewVersionHandler(engine, cfg.Remote.BaseURL)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware())
	r.Use(observability.MetricsMiddleware(httpMetrics))
	r.Use(custommw.APIKeyAuth(cfg.Security.APIKey, cfg.Security.APIKeyHeader))

	// Routes
	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/ws", wsHandler.HandleConnection)
	r.Get("/api/version", versionHandler.GetVersion)
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	r.Route("/api/sync", func(r chi.Router) {
		r.Get("/status", syncHandler.GetStatus)
		r.Post("/trigger", syncHandler.Trigger)
		r.Get("/queue", syncHandler.ListQueue)
		r.Get("/queue/stats", syncHandler.QueueStats)
		r.Post("/queue/{id}/retry", syncHandler.RetryEntry)
		r.Delete("/queue/{id}", syncHandler.DiscardEntry)
	})

	r.Route("/api/cache", func(r chi.Router) {
		r.Post("/clear", cacheHandler.Clear)
		r.Get("/stats", cacheHandler.Stats)
	})
	r.Get("/api/remote/*", cacheHandler.Remote)
	r.Get("/api/reference/{name}", cacheHandler.Reference)

	r.Post("/api/mutations", mutationHandler.Submit)
	r.Post("/api/connectivity", mutationHandler.Connectivity)

	// Create server
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Manual sync requests hold the connection for the whole run
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		observability.Infof("possync %s listening on %s, remote %s", handlers.Version, cfg.ListenAddress, cfg.Remote.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	observability.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		observability.Errorf("Server forced to shutdown: %v", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		observability.Errorf("Sync engine did not stop cleanly: %v", err)
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		observability.Errorf("Telemetry shutdown: %v", err)
	}

	observability.Info("Stopped")
}
