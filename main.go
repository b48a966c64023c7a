package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johoja12/nzbstream/internal/app"
	"github.com/johoja12/nzbstream/internal/config"
	"github.com/johoja12/nzbstream/internal/logger"
	"github.com/johoja12/nzbstream/internal/version"
)

func main() {
	startTime := time.Now()
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	}
	version.PrintVersionInfo(false, vlog)

	var application *app.Application

	cfg, err := config.Load(func() {
		if application != nil {
			application.ReloadProviders()
		}
	})
	if err != nil {
		vlog.Fatalf("failed to load configuration: %v", err)
	}

	slogger, styled, cleanup, err := logger.NewWithTheme(&logger.Config{
		Level:      cfg.Logging.Level,
		LogDir:     cfg.Logging.Directory,
		Theme:      cfg.Logging.Theme,
		MaxSize:    50,
		MaxBackups: 3,
		MaxAge:     14,
		FileOutput: cfg.Logging.FileOutput,
		PrettyLogs: cfg.Logging.PrettyLogs,
	})
	if err != nil {
		vlog.Fatalf("failed to initialise logging: %v", err)
	}
	defer cleanup()

	styled.InfoWithCount("configured providers", len(cfg.Usenet.Providers))

	application, err = app.New(cfg, config.NewProviderIndexer(), slogger)
	if err != nil {
		logger.FatalWithLogger(slogger, "failed to build engine", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		logger.FatalWithLogger(slogger, "failed to start", "error", err)
	}

	slogger.Info("ready", "startup", time.Since(startTime).String())

	<-ctx.Done()
	slogger.Info("shutting down")

	shutdownCtx := context.Background()
	if err := application.Stop(shutdownCtx); err != nil {
		slogger.Error("shutdown error", "error", err)
	}
}
