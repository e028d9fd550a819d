package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wolfman30/clinic-booking/cmd/mainconfig"
	"github.com/wolfman30/clinic-booking/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-booking/internal/config"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic-booking API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts bootstrap.Options
	if mainconfig.AWSEnabled(cfg) {
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		opts.AWS = &awsCfg
	}

	app, err := bootstrap.Build(ctx, cfg, opts, logger)
	if err != nil {
		logger.Error("failed to build app", "error", err)
		os.Exit(1)
	}

	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	app.Scheduler.Start(jobsCtx)

	var background sync.WaitGroup
	if app.Deliverer != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			app.Deliverer.Start(jobsCtx)
		}()
	}

	srv := newServer(cfg.Port, app.Handler())
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	cancelJobs()
	app.Scheduler.Wait()
	background.Wait()
	app.Close()

	logger.Info("server stopped")
}

func newServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
