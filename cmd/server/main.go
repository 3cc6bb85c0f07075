package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"enrichment-engine/backend/internal/api"
	"enrichment-engine/backend/internal/config"
	"enrichment-engine/backend/internal/database"
	"enrichment-engine/backend/internal/logging"
	"enrichment-engine/backend/internal/mcp"
	"enrichment-engine/backend/internal/services"
	"enrichment-engine/backend/internal/tasks"
	"enrichment-engine/backend/internal/tls"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:          "enrichment-engine",
		Short:        "Dispatches companies through enrichment workflow steps and stores provider callbacks",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env", "", "Path to .env file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background task runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), envFile)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the engine's tables in the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context(), envFile)
		},
	})
	return root
}

func setup(envFile string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	logger.Info("Configuration loaded", "config_file", cfg.ConfigFile, "queue_dsn", cfg.Tasks.QueueDSN,
		"dispatch_delay", cfg.Dispatcher.Delay.String())
	return cfg, logger, nil
}

func migrate(ctx context.Context, envFile string) error {
	cfg, logger, err := setup(envFile)
	if err != nil {
		return err
	}
	if database.IsMemory(cfg.DB.Workspace.URL) {
		logger.Info("In-memory workspace, nothing to migrate")
		return nil
	}
	pools, err := database.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pools.Close()

	pool, err := pools.Pool(database.TargetWorkspace)
	if err != nil {
		return err
	}
	if err := database.Migrate(ctx, pool); err != nil {
		return err
	}
	logger.Info("Migrations applied")
	return nil
}

func serve(ctx context.Context, envFile string) error {
	cfg, logger, err := setup(envFile)
	if err != nil {
		return err
	}
	defer logger.Zap().Sync() //nolint:errcheck

	logger.Info("Starting enrichment engine", "version", api.Version)

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	queue, err := tasks.BuildQueueFromDSN(cfg, logger)
	if err != nil {
		return err
	}
	runner := tasks.NewRunner(queue, tasks.PolicyFromConfig(cfg), logger)

	invoker := services.NewHTTPInvoker(cfg.HTTP.Timeout)
	creds := services.Credentials{InternalMarker: cfg.Dispatcher.InternalMarker, ServiceKey: cfg.Dispatcher.ServiceKey}

	fetcher := services.NewFetcher(st.sources, logger)
	dispatcher := services.NewDispatcher(invoker, creds, cfg.Dispatcher.Delay, st.batches, st.progress, logger)
	orchestrator := services.NewOrchestrator(st.workflows, fetcher, dispatcher, logger)
	tracker := services.NewTracker(st.batches, st.results, invoker, creds, logger)
	inspector := services.NewInspector(st.workflows, st.progress)
	services.RegisterTaskHandlers(runner, orchestrator, tracker)

	if err := runner.Start(context.Background()); err != nil {
		return err
	}

	logger.Info("Service layer initialized")

	e := api.NewEcho(logger)
	api.RegisterHandlers(e, api.NewHandler(api.Services{
		Orchestrator: orchestrator,
		Fetcher:      fetcher,
		Router:       services.NewRouter(st.workflows, invoker, creds, runner, logger),
		Storage:      services.NewStorageWorker(st.workflows, st.records, st.progress, runner, logger),
		Tracker:      tracker,
		Inspector:    inspector,
		Tasks:        runner,
	}))
	api.RegisterDocs(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if cfg.MCP.Enabled {
		mcpServer := mcp.NewServer(orchestrator, tracker, inspector, api.Version)
		mcpHandlers := http.NewServeMux()
		mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
		e.Any("/mcp", echo.WrapHandler(mcpHandlers))
		e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))
		logger.Info("MCP protocol handlers mounted")
	}

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tlsCfg := cfg.Server.TLS
	if tlsCfg.Enable {
		generated, err := tls.EnsureCertificate(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.Hostnames, tlsCfg.Validity)
		if err != nil {
			_ = runner.Close()
			return fmt.Errorf("provision TLS certificate: %w", err)
		}
		if generated {
			logger.Warn("Generated self-signed certificate", "cert_file", tlsCfg.CertFile, "hostnames", tlsCfg.Hostnames)
		}
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Address, "tls", tlsCfg.Enable)
		if tlsCfg.Enable {
			serverErrors <- server.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			_ = runner.Close()
			return err
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}
	}

	// drain queued follow-up work before the stores go away
	if err := runner.Close(); err != nil {
		logger.Error("Task runner close error", "error", err)
	}
	logger.Info("Server stopped gracefully")
	return nil
}
