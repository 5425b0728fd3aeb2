package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"threatguard/internal/api"
	"threatguard/internal/config"
	"threatguard/internal/guard"
	"threatguard/internal/ingest"
	"threatguard/internal/logging"
	"threatguard/internal/model"
)

var reloadInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run ingest, assessment, recovery and the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().DurationVar(&reloadInterval, "reload-interval", 3*time.Second, "config file poll interval")
}

func runServe(cmd *cobra.Command, _ []string) error {
	mgr, err := loadManager()
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	svc, err := guard.New(mgr, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := make(chan model.SecurityEvent, cfg.Ingest.ChannelBuffer)
	parser := ingest.NewParser()
	ingest.StartREST(ctx, mgr, events, logger)
	ingest.StartSyslog(ctx, mgr, parser, events, logger)
	ingest.StartTCPStream(ctx, mgr, parser, events, logger)
	ingest.StartFileTail(ctx, mgr, parser, events, logger)
	ingest.StartKafka(ctx, mgr, parser, events, logger)
	api.Start(ctx, mgr, svc, events, logger, version)

	logger.Info("threatguard started", "version", version, "config", mgr.Path())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Start(gctx, events)
	})
	g.Go(func() error {
		mgr.Watch(reloadInterval, func(next *config.Config) {
			if err := svc.Reconfigure(next); err != nil {
				logger.Error("config reload rejected by components", "err", err)
				return
			}
			logger.Info("config reloaded", "path", mgr.Path())
		}, func(err error) {
			logger.Warn("config watch error", "err", err)
		}, gctx.Done())
		return nil
	})
	err = g.Wait()
	logger.Info("threatguard stopping")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
