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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/safar/shop-checkout/internal/config"
	"github.com/safar/shop-checkout/internal/database"
	"github.com/safar/shop-checkout/internal/httpapi"
	"github.com/safar/shop-checkout/internal/idempotency"
	"github.com/safar/shop-checkout/internal/logging"
	"github.com/safar/shop-checkout/internal/metrics"
	"github.com/safar/shop-checkout/internal/shop"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	logger := logging.New(cfg.Log.Level).With("service", "shop-api")
	slog.SetDefault(logger)

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logger.Error("connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	logger.Info("connected to database")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("api", reg)

	opts := database.DefaultTxOptions()
	opts.MaxRetries = cfg.Database.MaxTxRetries
	svc := shop.New(db, opts, m)

	deps := httpapi.Deps{
		Handler: &httpapi.Handler{Svc: svc},
		Logger:  logger,
		Metrics: m,
		Ready:   db.PingContext,
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, idempotency keys will be ignored until it recovers", "addr", cfg.Redis.Addr, "error", err)
		}
		cancel()

		idem := idempotency.NewRedisStore(rdb, cfg.Idempotency.TTL)
		idem.PendingTTL = cfg.Idempotency.PendingTTL
		deps.Idempotency = idem
	} else {
		logger.Info("REDIS_ADDR not set, idempotency keys disabled")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           httpapi.NewRouter(deps),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: 3 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("server stopped")
}
