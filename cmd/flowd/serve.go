package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"flow-orchestrator/backend/internal/api"
	"flow-orchestrator/backend/internal/catalog"
	"flow-orchestrator/backend/internal/config"
	"flow-orchestrator/backend/internal/engine"
	"flow-orchestrator/backend/internal/executor"
	"flow-orchestrator/backend/internal/logging"
	"flow-orchestrator/backend/internal/mcp"
	"flow-orchestrator/backend/internal/monitor"
	"flow-orchestrator/backend/internal/repository"
	"flow-orchestrator/backend/internal/telemetry"
	"flow-orchestrator/backend/internal/tls"
)

var debugLogging bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration HTTP and MCP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&debugLogging, "debug", false, "Enable debug logging")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	logger := logging.NewLogger()
	if debugLogging {
		logger = logging.NewDebugLogger()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return err
	}

	logger.Info("Starting Flow Orchestration Service")

	dbPool, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		return err
	}
	defer dbPool.Close()

	logger.Info("Database connected")

	metrics, err := telemetry.New()
	if err != nil {
		logger.Warn("Metrics initialization failed, continuing without", "error", err)
	}

	store := repository.NewPostgresFlowStore(dbPool)
	cat := catalog.New()
	exec := executor.NewHTTPPhaseExecutor(cfg.Executor.URL,
		executor.WithDefaultTimeout(cfg.Executor.DefaultTimeout),
		executor.WithPhaseTimeouts(cfg.Executor.PhaseTimeouts),
	)
	if max := cfg.MaxPhaseTimeout(); cfg.Executor.ClaimTTL > 0 && cfg.Executor.ClaimTTL < max {
		logger.Warn("claim_ttl is shorter than the longest phase timeout; claims on long phases stay live until their executor call can no longer be running",
			"claim_ttl", cfg.Executor.ClaimTTL, "max_phase_timeout", max)
	}
	eng := engine.New(store, cat, exec, logger, metrics, engine.Config{
		ClaimTTL:         cfg.Executor.ClaimTTL,
		TransientRetries: cfg.Executor.TransientRetries,
	})
	mon := monitor.New(store, eng, cat, logger, metrics, monitor.Config{
		StuckThreshold:     cfg.Recovery.StuckThreshold,
		InitStuckThreshold: cfg.Recovery.InitStuckThreshold,
		ProgressWeight:     cfg.Recovery.ProgressWeight,
		TerminalWeight:     cfg.Recovery.TerminalWeight,
		ReadyWeight:        cfg.Recovery.ReadyWeight,
		CompleteCutoff:     cfg.Recovery.CompleteCutoff,
		MaxRepairsPerSweep: cfg.Recovery.MaxRepairsPerSweep,
	})

	logger.Info("Engine and recovery monitor initialized")

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("flow-orchestrator"))

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(api.TenantMiddleware())
	srv := api.NewServer(eng, mon, store)
	srv.RegisterRoutes(e, apiGroup)

	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(eng)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	logger.Info("MCP protocol handlers mounted")

	addr := cfg.Server.Addr
	server := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", addr, "tls", cfg.Server.TLS.Enable)
		if cfg.Server.TLS.Enable {
			if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
				logger.Error("TLS enabled but cert/key file not provided")
				serverErrors <- server.ListenAndServe()
				return
			}
			if len(cfg.Server.TLS.Hostnames) > 0 {
				if err := tls.EnsureCert(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, cfg.Server.TLS.Hostnames); err != nil {
					logger.Error("failed to generate self-signed cert", "error", err)
				}
			}
			serverErrors <- server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}

	return nil
}
