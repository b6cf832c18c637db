package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bidsphere/bidsphere/internal/auction"
	"github.com/bidsphere/bidsphere/internal/clock"
	"github.com/bidsphere/bidsphere/internal/config"
	"github.com/bidsphere/bidsphere/internal/health"
	"github.com/bidsphere/bidsphere/internal/leader"
	"github.com/bidsphere/bidsphere/internal/monitor"
	"github.com/bidsphere/bidsphere/internal/notify"
	"github.com/bidsphere/bidsphere/internal/payment"
	"github.com/bidsphere/bidsphere/internal/store"
	"github.com/bidsphere/bidsphere/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/bidsphere/bidsphere/internal/store/memory"
	_ "github.com/bidsphere/bidsphere/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open store using the configured driver.
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to store", slog.String("driver", cfg.Database.Driver))

	// Choose the notifier. An empty webhook URL keeps notifications in the
	// log.
	var notifier notify.Notifier
	if cfg.Notifier.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notifier.WebhookURL, cfg.Notifier.RequestTimeout)
	} else {
		notifier = notify.NewLogNotifier(logger)
	}

	// Wire the core: engine, payment tracker and cascade, monitors.
	engine := auction.New(repos.Auctions, repos.Bids, repos.Products, cfg.Auction, logger, tp.TracerProvider, clk)
	tracker, coordinator := payment.New(payment.Deps{
		Payments:  repos.Payments,
		Bids:      repos.Bids,
		Auctions:  repos.Auctions,
		Users:     repos.Users,
		Products:  repos.Products,
		Finalizer: engine,
		Notifier:  notifier,
		Config:    cfg.Auction,
		Logger:    logger,
		TP:        tp.TracerProvider,
		Clock:     clk,
	})

	expiryMonitor := monitor.NewAuctionExpiry(repos.Auctions, engine, coordinator, clk, cfg.Auction.ExpiryScanInterval(), logger, tp.TracerProvider)
	windowMonitor := monitor.NewPaymentWindow(tracker, repos.Auctions, coordinator, cfg.Auction.WindowScanInterval(), logger, tp.TracerProvider)
	statusMonitor := monitor.NewStatusReport(repos.Auctions, time.Hour, logger, tp.TracerProvider)

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
	)

	// Start HTTP server for health checks (runs on all replicas).
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())
	mux.HandleFunc("/stats", healthHandler.StatsHandler(repos.Auctions))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting health server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "health server error", slog.Any("error", listenErr))
		}
	}()

	// runMonitors is the core work that only the leader should run.
	runMonitors := func(ctx context.Context) {
		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "bidsphere monitors running", slog.String("version", version))

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			expiryMonitor.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			windowMonitor.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			statusMonitor.Run(ctx)
		}()

		// Block until leadership is lost or the process is shutting down.
		<-ctx.Done()
		wg.Wait()
		healthHandler.SetReady(false)
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")

		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, runMonitors, func() {
			logger.Info("lost leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		runMonitors(ctx)
		logger.Info("shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
