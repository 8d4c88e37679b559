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
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/vitalsync/internal/config"
	"github.com/livinlefevreloca/vitalsync/internal/engine"
)

const (
	defaultGracefulTimeout = 15 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine with its HTTP API",
		Long: `Run the sync engine until interrupted. Change notifications trigger sync
runs, the HTTP API serves the latest snapshot and run history, and the metrics
server exposes Prometheus metrics.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()
	logger.Info("starting vitalsync",
		"database", cfg.Database.DSN,
		"source_dir", cfg.Source.Dir,
		"endpoint", cfg.Uploader.Endpoint,
		"metrics", len(cfg.Catalog.Metrics))

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Stop(); err != nil {
			logger.Error("engine stop failed", "error", err)
		}
	}()

	if err := eng.Start(ctx); err != nil {
		if !errors.Is(err, engine.ErrAuthorizationDenied) {
			return fmt.Errorf("failed to start engine: %w", err)
		}
		logger.Warn("health data access denied, syncing disabled")
	}

	var servers []*http.Server
	serverErr := make(chan error, 2)
	if cfg.HTTP.Enabled {
		servers = append(servers, listen(cfg.HTTP.Address, cfg.HTTP.Port, eng.Handler(), serverErr))
	}
	if cfg.Metrics.Enabled {
		servers = append(servers, listen(cfg.Metrics.Address, cfg.Metrics.Port, eng.MetricsHandler(), serverErr))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	logger.Info("vitalsync is running")
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err = <-serverErr:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Error("server forced to shutdown", "addr", srv.Addr, "error", serr)
		}
	}

	logger.Info("shutdown complete")
	return err
}

func listen(address string, port int, handler http.Handler, errc chan<- error) *http.Server {
	srv := &http.Server{
		Addr:         net.JoinHostPort(address, strconv.Itoa(port)),
		Handler:      handler,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}
	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("%s: %w", srv.Addr, err)
		}
	}()
	return srv
}
