package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/orrn/printfleet/internal/analysis"
	"github.com/orrn/printfleet/internal/api"
	"github.com/orrn/printfleet/internal/api/middleware"
	"github.com/orrn/printfleet/internal/archive"
	"github.com/orrn/printfleet/internal/config"
	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/eventbus"
	"github.com/orrn/printfleet/internal/logging"
	"github.com/orrn/printfleet/internal/observability"
	"github.com/orrn/printfleet/internal/storage"
	"github.com/orrn/printfleet/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "printfleet.yaml", "path to the YAML config file")
	hashPassword := flag.String("hash-password", "", "print a bcrypt hash for auth.password_hash and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := middleware.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "printfleet: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.Logging)
	if !logger.IsDebug() && !logger.IsTrace() {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := observability.Init(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	store, err := db.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	files, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := eventbus.New(cfg.Queue.BusBufferSize, logger)
	defer bus.Close()

	jobs := core.NewJobOrchestrator(store, files, analysis.New(logger), bus, logger)
	queue := core.NewQueueOrchestrator(store, bus, cfg.Queue, logger)
	printers := core.NewPrinterManager(store, files, bus, cfg.Printers, nil, logger)

	n, err := jobs.RecoverOnStartup(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Warn("jobs left printing at shutdown marked unknown", "count", n)
	}

	// subscribers are in place before any adapter can publish
	jobs.Start(ctx)
	queue.Start(ctx)

	sender := webhook.NewSender(cfg.Webhooks, logger)
	sender.Start()
	defer sender.Stop()
	sender.Listen(ctx, bus)

	if err := printers.Start(ctx); err != nil {
		return fmt.Errorf("failed to start printer manager: %w", err)
	}
	defer printers.Stop()

	archiver, err := archive.NewArchiver(store, cfg.Database, logger)
	if err != nil {
		return err
	}
	archiver.Start(24 * time.Hour)
	defer archiver.Stop()

	auth, err := middleware.NewAuth(cfg.Auth, logger)
	if err != nil {
		return err
	}
	if !auth.Enabled() {
		logger.Warn("auth disabled, set auth.password_hash to protect the API")
	}

	router := api.NewRouter(api.Deps{
		Config:   cfg,
		Auth:     auth,
		Jobs:     jobs,
		Queue:    queue,
		Printers: printers,
		Files:    files,
		Archiver: archiver,
		Webhooks: sender,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr, "db_driver", store.Driver())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	return shutdown(srv, logger)
}

func shutdown(srv *http.Server, logger hclog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
