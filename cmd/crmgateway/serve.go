package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tennex/crmgateway/internal/auth"
	"github.com/tennex/crmgateway/internal/config"
	"github.com/tennex/crmgateway/internal/core"
	"github.com/tennex/crmgateway/internal/crm"
	"github.com/tennex/crmgateway/internal/http/handlers"
	"github.com/tennex/crmgateway/internal/observability"
	"github.com/tennex/crmgateway/internal/relay"
	"github.com/tennex/crmgateway/internal/repo"
)

func buildServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info("Starting CRM gateway", zap.Int("http_port", cfg.HTTP.Port))
	cfg.LogConfig(logger)

	// Setup database connection
	pool, err := setupDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := repo.MigrateUp(db); err != nil {
			return err
		}
		logger.Info("Database migrations applied")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	rl := relay.New(relay.Options{
		PingInterval:   cfg.Relay.PingInterval,
		SendQueueSize:  cfg.Relay.SendQueueSize,
		MaxMessageSize: cfg.Relay.MaxMessageSize,
		OriginPatterns: cfg.HTTP.AllowedOrigins,
	}, metrics, logger)

	// Adapters publish through the bus when NATS is configured so that the
	// instance holding the subscriber delivers
	var publisher crm.Publisher = rl
	if cfg.NATS.URL != "" {
		nc, err := setupNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		bus := relay.NewBus(nc, cfg.NATS.Subject, rl, logger)
		if err := bus.Start(); err != nil {
			return err
		}
		defer bus.Stop()

		rl.SetDispatcher(bus)
		publisher = bus
	}

	configRepo := repo.NewCRMConfigRepository(db)
	configService := core.NewConfigService(configRepo, logger)

	adapters := buildAdapters(cfg, crm.Deps{
		Store:       configService,
		States:      auth.NewStateSigner(cfg.Auth.StateSecret, cfg.Auth.StateTTL),
		Publisher:   publisher,
		HTTPClient:  &http.Client{Timeout: cfg.CRM.HTTPTimeout},
		Metrics:     metrics,
		Logger:      logger,
		FrontendURL: cfg.Frontend.URL,
	})
	contactService := core.NewContactService(configService, adapters, metrics, logger)

	var verifier auth.AccountVerifier
	if cfg.PBX.APIBaseURL != "" {
		verifier = auth.NewPBXVerifier(cfg.PBX.APIBaseURL, cfg.CRM.HTTPTimeout)
	} else {
		logger.Warn("pbx.api_base_url is not set, account tokens are not verified")
	}

	apiHandler := handlers.NewAPIHandler(configService, contactService, rl, verifier, handlers.Options{
		RequestTimeout:   cfg.HTTP.RequestTimeout,
		WebhookSecret:    cfg.Auth.WebhookSecret,
		WebhookRateLimit: cfg.Webhooks.RateLimit,
		CallInitiatedURL: cfg.Webhooks.CallInitiatedURL,
		CRMNotActiveURL:  cfg.Webhooks.CRMNotActiveURL,
	}, registry, logger)

	var wg sync.WaitGroup

	// Relay liveness loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		rl.Run(ctx)
	}()

	// HTTP server
	err = runHTTPServer(ctx, cfg, apiHandler, logger)

	cancel()
	wg.Wait()
	logger.Info("CRM gateway stopped")
	return err
}

func buildAdapters(cfg *config.Config, deps crm.Deps) *crm.Registry {
	hubspot := crm.NewHubSpot(crm.HubSpotOptions{
		ClientID:     cfg.HubSpot.ClientID,
		ClientSecret: cfg.HubSpot.ClientSecret,
		RedirectURL:  cfg.HubSpot.RedirectURL,
		AuthURL:      cfg.HubSpot.AuthURL,
		TokenURL:     cfg.HubSpot.TokenURL,
		APIBaseURL:   cfg.HubSpot.APIBaseURL,
		AppBaseURL:   cfg.HubSpot.AppBaseURL,
		Scopes:       cfg.HubSpot.Scopes,
	}, deps)

	salesforce := crm.NewSalesforce(crm.SalesforceOptions{
		ClientID:     cfg.Salesforce.ClientID,
		ClientSecret: cfg.Salesforce.ClientSecret,
		RedirectURL:  cfg.Salesforce.RedirectURL,
		LoginURL:     cfg.Salesforce.LoginURL,
		InstallURL:   cfg.Salesforce.InstallURL,
		APIVersion:   cfg.Salesforce.APIVersion,
	}, deps)

	pipedrive := crm.NewPipedrive(crm.PipedriveOptions{
		ClientID:     cfg.Pipedrive.ClientID,
		ClientSecret: cfg.Pipedrive.ClientSecret,
		RedirectURL:  cfg.Pipedrive.RedirectURL,
		OAuthURL:     cfg.Pipedrive.OAuthURL,
		APIBaseURL:   cfg.Pipedrive.APIBaseURL,
	}, deps)

	return crm.NewRegistry(hubspot, salesforce, pipedrive)
}

func setupDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established",
		zap.Int("max_conns", cfg.Database.MaxConns),
		zap.Int("min_conns", cfg.Database.MinConns))

	return pool, nil
}

func setupNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("crmgateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("NATS connection established", zap.String("url", url))
	return nc, nil
}

func runHTTPServer(ctx context.Context, cfg *config.Config, apiHandler *handlers.APIHandler, logger *zap.Logger) error {
	router := chi.NewRouter()

	// Middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(handlers.RequestLogger(logger))
	router.Use(middleware.Recoverer)

	// CORS
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	router.Mount("/", apiHandler.Routes())

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Starting HTTP server", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received, stopping HTTP server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	logger.Info("HTTP server stopped")
	return nil
}
