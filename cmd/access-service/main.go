package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/medrex/ehr-access/internal/access"
	"github.com/medrex/ehr-access/internal/app"
	"github.com/medrex/ehr-access/pkg/config"
	"github.com/medrex/ehr-access/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel)
	log.WithField("version", app.Version).WithField("store", cfg.Store).Info("Starting access service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.New(ctx, cfg, log, reg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize access service")
	}

	if err := a.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("Failed to create database schema")
	}

	handler, err := a.Handler(ctx)
	if err != nil {
		log.WithError(err).Fatal("Failed to build HTTP handler")
	}
	server := access.NewServer(cfg.Server, handler, log)

	errCh := make(chan error, 1)
	go func() {
		if cfg.Server.TLSEnabled {
			errCh <- server.Start(cfg.Server.CertFile, cfg.Server.KeyFile)
			return
		}
		errCh <- server.Start("", "")
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down access service...")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("Server stopped unexpectedly")
		}
	}

	timeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	if err := a.Close(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to release resources")
	}

	log.Info("Access service exited")
}
