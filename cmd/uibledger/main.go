// Package main запускает HTTP-сервер и плановое начисление UIB.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ciclik/uib-ledger/internal/catalog"
	"github.com/ciclik/uib-ledger/internal/config"
	"github.com/ciclik/uib-ledger/internal/handler"
	"github.com/ciclik/uib-ledger/internal/lock"
	"github.com/ciclik/uib-ledger/internal/logger"
	"github.com/ciclik/uib-ledger/internal/metrics"
	"github.com/ciclik/uib-ledger/internal/middleware"
	"github.com/ciclik/uib-ledger/internal/repository"
	"github.com/ciclik/uib-ledger/internal/service"
)

func main() {
	bootstrap, _ := zap.NewProduction()
	sugar := bootstrap.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		sugar.Fatalw("logger initialization error", "error", err.Error())
	}
	defer log.Sync()

	sugar = log.Sugar()

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	var productCatalog service.ProductCatalog
	if cfg.CatalogAddress != "" {
		productCatalog = catalog.NewClient(cfg.CatalogAddress)
	}

	svc := service.NewService(repo, productCatalog, log, service.Settings{
		ByArrival:       cfg.AccrualOrder == config.OrderArrival,
		BatchLimit:      cfg.AccrualBatchLimit,
		QuotaBundle:     cfg.QuotaBundle(),
		AccrualInterval: cfg.AccrualInterval,
	})
	defer svc.Close()

	svc.SetMetrics(metrics.New(prometheus.DefaultRegisterer))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RedisAddress != "" {
		locker, err := lock.Dial(ctx, cfg.RedisAddress)
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		defer locker.Close()
		svc.SetLocker(locker)
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, log, authMiddleware)
	h.SetMetricsHandler(promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Плановое начисление и пересчёт созревания квот
	g.Go(func() error {
		sugar.Infow("starting accrual scheduler", "interval", cfg.AccrualInterval.String())
		svc.StartScheduler(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting uib ledger server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
