package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"engagement-analytics/internal/aggregate"
	"engagement-analytics/internal/api"
	"engagement-analytics/internal/archive"
	"engagement-analytics/internal/cache"
	"engagement-analytics/internal/config"
	"engagement-analytics/internal/enrich"
	"engagement-analytics/internal/ledger"
	"engagement-analytics/internal/orchestrator"
	"engagement-analytics/internal/ratelimit"
	"engagement-analytics/internal/store"
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewSourceLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	profiles := cache.New(redisClient, cfg.ProfileCacheTTL)

	ld := ledger.New(st.Pool())
	enricher := enrich.New(st, log)

	var archiver aggregate.Archiver
	if cfg.ArchiveBucket != "" {
		s3Archiver, err := archive.NewS3(ctx, cfg.AWSRegion, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.WithError(err).Fatal("init archiver")
		}
		archiver = s3Archiver
	}
	aggregators := aggregate.All(aggregate.Deps{
		Store:     st,
		Retention: cfg.ActivityRetention,
		Archiver:  archiver,
	})
	orch := orchestrator.New(ld, aggregators, log, cfg.StaleRunThreshold)

	server := api.New(cfg, st, ld, orch, enricher, profiles, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
