// Package app связывает компоненты сервиса и управляет их жизненным циклом.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/ordering/internal/config"
	"github.com/vladislavdragonenkov/ordering/internal/health"
	"github.com/vladislavdragonenkov/ordering/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run запускает фоновые воркеры и ops HTTP-сервер и блокируется до отмены ctx.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := log.WithField("component", "app")

	shutdownTracer, err := initTracer(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.WithError(err).Warn("failed to flush traces")
		}
	}()

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.WithError(err).Warn("failed to release dependencies")
		}
	}()

	healthHandler := health.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", health.NewStorageChecker(deps.Storage.Pinger))
	healthHandler.RegisterChecker("downstream", health.NewCircuitChecker(deps.Downstream))

	consumer, err := newStockConsumer(cfg, deps.Kafka, deps.Ledger, logger)
	if err != nil {
		logger.WithError(err).Warn("failed to create stock consumer, restocks from kafka are disabled")
		consumer = nil
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		deps.Dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		deps.Retention.Run(gctx)
		return nil
	})

	if consumer != nil {
		g.Go(func() error {
			if err := consumer.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			return consumer.Stop()
		})
	}

	srv := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           newOpsRouter(healthHandler, deps.Inspector, deps.Downstream, logger.WithField("component", "ops-http")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.WithField("addr", cfg.OpsAddr).Info("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, stopping ops server")
		return shutdownHTTP(srv, logger)
	})

	logger.WithFields(log.Fields{
		"storage": cfg.Storage,
		"build":   version.String(),
		"kafka":   deps.Kafka != nil,
	}).Info("ordering service started")

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("ops server shutdown with error")
		return err
	}
	return nil
}
