package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordering/internal/app"
	"github.com/vladislavdragonenkov/ordering/internal/config"
)

// setupLogger настраивает JSON-формат и уровень логирования.
func setupLogger(level string) {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetOutput(os.Stdout)

	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("unknown log level, using info")
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		setupLogger("info")
		log.WithError(err).Fatal("failed to load configuration")
	}
	setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"ops_addr": cfg.OpsAddr,
		"storage":  cfg.Storage,
	}).Info("starting ordering service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("ordering service stopped with error")
	}

	log.Info("ordering service stopped")
}
