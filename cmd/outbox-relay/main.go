package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/safar/shop-checkout/internal/config"
	"github.com/safar/shop-checkout/internal/database"
	"github.com/safar/shop-checkout/internal/events"
	"github.com/safar/shop-checkout/internal/logging"
	"github.com/safar/shop-checkout/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	logger := logging.New(cfg.Log.Level).With("service", "outbox-relay")
	slog.SetDefault(logger)

	if !cfg.Kafka.Enabled() {
		logger.Error("KAFKA_BROKERS is required")
		os.Exit(1)
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logger.Error("connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	publisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer publisher.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New("relay", reg)

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Outbox.MetricsPort,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	relay := &events.Relay{
		DB:        db,
		Publisher: publisher,
		BatchSize: cfg.Outbox.BatchSize,
		Interval:  cfg.Outbox.PollInterval,
		Metrics:   m,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("outbox relay starting", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	if err := relay.Run(logging.IntoContext(ctx, logger)); err != nil {
		logger.Error("outbox relay stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("outbox relay stopped")
}
