// Command archive runs one archival sweep for a given day, for re-runs after
// a failed nightly sweep.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/candlekeeper/configs"
	"github.com/navid-fn/candlekeeper/internal/archive"
	"github.com/navid-fn/candlekeeper/internal/candle"
	"github.com/navid-fn/candlekeeper/internal/logging"
	"github.com/navid-fn/candlekeeper/internal/metrics"
	"github.com/navid-fn/candlekeeper/internal/storage"
	"github.com/navid-fn/candlekeeper/internal/store"
)

func main() {
	cfg := configs.AppLoad()
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	dayFlag := flag.String("day", "", "day to archive as YYYY-MM-DD in KST (default: yesterday)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	candles := store.NewRedis(redisClient, store.Options{
		Prefix:       cfg.Redis.Prefix,
		PartitionTTL: cfg.Redis.PartitionTTL,
		Logger:       logger,
	})

	sink, err := storage.Open(cfg.Archive.Backend, cfg.Archive.DSN)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open archive storage")
	}
	defer sink.Close()

	svc := archive.New(candles, sink, logger, metrics.New(prometheus.NewRegistry()))

	day := svc.PreviousDay()
	if *dayFlag != "" {
		day, err = time.ParseInLocation(candle.DayLayout, *dayFlag, candle.Zone)
		if err != nil {
			logger.WithError(err).Fatal("Invalid -day")
		}
	}

	n, err := svc.ArchiveDay(ctx, day)
	switch {
	case errors.Is(err, archive.ErrNoDataFound):
		logger.WithField("day", candle.Day(day)).Info("No data to archive")
	case err != nil:
		logger.WithError(err).Error("Archive failed")
		stop()
		os.Exit(1)
	default:
		logger.WithFields(logrus.Fields{"day": candle.Day(day), "records": n}).Info("Archive completed")
	}
}
