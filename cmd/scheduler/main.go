package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"engagement-analytics/internal/aggregate"
	"engagement-analytics/internal/archive"
	"engagement-analytics/internal/config"
	"engagement-analytics/internal/ledger"
	"engagement-analytics/internal/orchestrator"
	"engagement-analytics/internal/store"
	"engagement-analytics/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	var archiver aggregate.Archiver
	if cfg.ArchiveBucket != "" {
		s3Archiver, err := archive.NewS3(ctx, cfg.AWSRegion, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.WithError(err).Fatal("init archiver")
		}
		archiver = s3Archiver
	}

	ld := ledger.New(st.Pool())
	aggregators := aggregate.All(aggregate.Deps{
		Store:     st,
		Retention: cfg.ActivityRetention,
		Archiver:  archiver,
	})
	orch := orchestrator.New(ld, aggregators, log, cfg.StaleRunThreshold)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"interval":  cfg.ScheduleInterval.String(),
		"retention": cfg.ActivityRetention.String(),
	}).Info("scheduler started")

	ticker := time.NewTicker(cfg.ScheduleInterval)
	defer ticker.Stop()

	orch.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-ticker.C:
			orch.RunCycle(ctx)
		}
	}
}
