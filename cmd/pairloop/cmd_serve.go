package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pairloop/pairloop/internal/config"
	"github.com/pairloop/pairloop/internal/control"
	"github.com/pairloop/pairloop/internal/match"
	"github.com/pairloop/pairloop/internal/observe"
	"github.com/pairloop/pairloop/internal/signaling"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling server",
	Long: `Start the pairloop server: listen for WebSocket connections, pair
waiting peers into rooms, relay signaling, and serve status and metrics
endpoints on the same port.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(globalConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mp, shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "pairloop",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			globalLogger.Warn("metrics shutdown", "error", err)
		}
	}()

	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	hub := signaling.NewHub(signaling.HubConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PingInterval:   cfg.Server.PingInterval,
		Logger:         globalLogger,
	})
	core := match.New(match.Limits{
		MaxPeers:    cfg.Limits.MaxPeers,
		MaxRooms:    cfg.Limits.MaxRooms,
		MaxAttempts: cfg.Limits.MaxAttempts,
	}, hub, globalLogger, metrics)
	hub.Bind(core)

	sweeper := match.NewSweeper(core, match.SweeperConfig{
		CleanupInterval:    cfg.Timeouts.CleanupInterval,
		UserTimeout:        cfg.Timeouts.UserTimeout,
		ConnectionTimeout:  cfg.Timeouts.ConnectionTimeout,
		MonitoringInterval: cfg.Monitor.Interval,
		MonitoringEnabled:  cfg.Monitor.Enabled,
	}, globalLogger, metrics)

	mux := http.NewServeMux()
	control.NewHandler(core.Snapshot, globalLogger).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/ws", hub)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		globalLogger.Info("pairloop listening",
			"addr", srv.Addr,
			"max_peers", cfg.Limits.MaxPeers,
			"max_rooms", cfg.Limits.MaxRooms)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		globalLogger.Info("shutting down")
		hub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	globalLogger.Info("pairloop stopped")
	return nil
}
