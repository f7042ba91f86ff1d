package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/api"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/config"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/engine"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/logging"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/mcp"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/repository"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/services"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/state"
	wftls "github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/tls"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		return err
	}
	logger.Info("Starting workflow orchestration service")

	dbPool, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize database: %v", err)
		return err
	}
	defer dbPool.Close()
	logger.Info("Database connected")

	store := repository.NewPostgresStore(dbPool, logger)
	stateMgr := state.NewManager(store, logger)

	agents := engine.NewHTTPAgentClient(cfg.Agents.BaseURL)
	eng := engine.New(stateMgr, store, agents, logger, engine.Config{
		DefaultConcurrency: cfg.Engine.DefaultConcurrency,
		RetryBackoff:       cfg.Engine.RetryBackoff,
		RetryBackoffCap:    cfg.Engine.RetryBackoffCap,
	})

	// Recovery must complete before normal dispatch begins so steps that
	// were mid-flight in a previous process are not double-dispatched.
	recovered, err := stateMgr.Recover(ctx)
	if err != nil {
		logger.Error("Recovery failed: %v", err)
		return err
	}
	if err := eng.Resume(recovered); err != nil {
		logger.Error("Failed to resume recovered executions: %v", err)
		return err
	}

	service := services.NewWorkflowService(store, eng)
	logger.Info("Service layer initialized")

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	apiServer := api.NewServer(service, func() error { return store.Ping(context.Background()) })
	apiServer.RegisterHealth(e)

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(otelecho.Middleware("workflowd"))
	apiServer.Register(apiGroup)
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(service)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))
	logger.Info("MCP protocol handlers mounted")

	addr := cfg.Server.Address
	if cfg.TLS.Enable {
		addr = ":8443"
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting on %s (tls=%v)", addr, cfg.TLS.Enable)
		if cfg.TLS.Enable {
			if _, err := os.Stat(cfg.TLS.CertFile); os.IsNotExist(err) && len(cfg.TLS.Hostnames) > 0 {
				if err := wftls.GenerateSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames); err != nil {
					logger.Error("failed to generate self-signed cert: %v", err)
				}
			}
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("Server error: %v", err)
			return err
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received: %v", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error: %v", err)
			}
		}
		logger.Info("Server stopped gracefully")
	}
	return nil
}
