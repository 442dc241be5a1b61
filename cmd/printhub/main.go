// Package main запускает HTTP-сервер сервиса printhub.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/akozyrev/printhub-system/internal/breaker"
	"github.com/akozyrev/printhub-system/internal/config"
	"github.com/akozyrev/printhub-system/internal/costing"
	"github.com/akozyrev/printhub-system/internal/handler"
	"github.com/akozyrev/printhub-system/internal/ledger"
	"github.com/akozyrev/printhub-system/internal/middleware"
	"github.com/akozyrev/printhub-system/internal/outbox"
	"github.com/akozyrev/printhub-system/internal/repository"
	"github.com/akozyrev/printhub-system/internal/service"
	"github.com/akozyrev/printhub-system/internal/spooler"
	"github.com/akozyrev/printhub-system/internal/spoolsync"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	sheetCost, err := decimal.NewFromString(cfg.SheetCost)
	if err != nil {
		sugar.Fatalw("sheet cost parse error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	ldg := ledger.NewService(repo)
	queue := outbox.NewQueue(repo, cfg.OutboxHorizon)

	var synchronizer *spoolsync.Synchronizer
	if cfg.SpoolerAddress != "" {
		client := spooler.NewClient(cfg.SpoolerAddress, 10*time.Second)
		registry := breaker.NewRegistry(cfg.BreakerThreshold, cfg.BreakerTimeout)
		notifier := spoolsync.NewLogNotifier(logger)

		synchronizer = spoolsync.NewSynchronizer(
			queue,
			repo,
			client,
			registry.Get("spooler"),
			notifier,
			logger,
			cfg.PrinterNames(),
			cfg.SyncInterval,
		)
	}

	tariff := costing.Tariff{
		CurrencyCode:     "EUR",
		DefaultSheetCost: sheetCost,
	}

	svc := service.NewService(repo, ldg, queue, synchronizer, tariff)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware("printhub-secret")
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой сверки с внешним спулером
	g.Go(func() error {
		svc.StartSpoolerSync(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting printhub server", "addr", cfg.RunAddress)
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
