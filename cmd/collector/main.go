package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/navid-fn/candlekeeper/configs"
	"github.com/navid-fn/candlekeeper/internal/api"
	"github.com/navid-fn/candlekeeper/internal/archive"
	"github.com/navid-fn/candlekeeper/internal/candle"
	"github.com/navid-fn/candlekeeper/internal/fallback"
	"github.com/navid-fn/candlekeeper/internal/faulttolerance"
	"github.com/navid-fn/candlekeeper/internal/fetcher"
	"github.com/navid-fn/candlekeeper/internal/gateway"
	"github.com/navid-fn/candlekeeper/internal/logging"
	"github.com/navid-fn/candlekeeper/internal/metrics"
	"github.com/navid-fn/candlekeeper/internal/publisher"
	"github.com/navid-fn/candlekeeper/internal/scheduler"
	"github.com/navid-fn/candlekeeper/internal/storage"
	"github.com/navid-fn/candlekeeper/internal/store"
	"github.com/navid-fn/candlekeeper/internal/upbit"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := configs.AppLoad()
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Collector failed")
		os.Exit(1)
	}
	logger.Info("Collector stopped")
}

func run(ctx context.Context, cfg *configs.AppConfig, logger *logrus.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

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
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := candles.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	rest := upbit.NewClient(cfg.Upbit.RESTURL, &http.Client{Timeout: cfg.Polling.RequestTimeout})
	universe, err := loadUniverse(ctx, cfg, rest)
	if err != nil {
		return err
	}
	logger.WithField("symbols", universe.Len()).Info("Universe loaded")

	flags := fallback.NewRegistry()
	flags.OnChange(func(unit string, active bool) {
		m.SetFallback(unit, active)
		logger.WithFields(logrus.Fields{"unit": unit, "active": active}).Warn("Fallback changed")
	})
	for _, iv := range candle.All() {
		if unit := iv.Unit(); unit != "" {
			flags.SetFallback(unit, false)
		}
	}

	var pub gateway.Publisher
	if cfg.Kafka.Broker != "" {
		kafkaPublisher := publisher.NewKafka(publisher.NewKafkaWriter(cfg.Kafka.Broker, cfg.Kafka.Topic))
		defer kafkaPublisher.Close()
		pub = kafkaPublisher
		logger.WithField("topic", cfg.Kafka.Topic).Info("Kafka fan-out enabled")
	}

	var pushed []candle.Interval
	for _, iv := range candle.All() {
		if iv.Pushed() {
			pushed = append(pushed, iv)
		}
	}
	gw := gateway.New(gateway.Config{
		URL:       cfg.Upbit.WSURL,
		Universe:  universe,
		Intervals: pushed,
	}, candles, pub, logger, m)

	fetchConfig := fetcher.DefaultConfig()
	fetchConfig.RequestDelay = cfg.Polling.RequestDelay
	fetchConfig.RequestTimeout = cfg.Polling.RequestTimeout
	fetchConfig.Limiter = rate.NewLimiter(rate.Limit(cfg.Polling.RequestsPerSecond), 1)
	poller := fetcher.New(rest, candles, universe, fetchConfig, logger, m)

	health := faulttolerance.NewHealthMonitor(logger, cfg.Health.Interval)
	health.AddCheck("redis", candles.Ping)
	checkUnits := make(map[string]string)
	for _, iv := range pushed {
		name := "stream-" + iv.String()
		if unit := iv.Unit(); unit != "" {
			name = "stream-" + unit
			checkUnits[name] = unit
		}
		health.AddCheck(name, gw.StalenessCheck(iv, cfg.Health.StaleAfter))
	}
	health.OnStatusChange(func(name string, status faulttolerance.HealthStatus) {
		unit, ok := checkUnits[name]
		if !ok || !cfg.Health.AutoFallback {
			return
		}
		flags.SetFallback(unit, status == faulttolerance.HealthStatusUnhealthy)
	})

	sched := scheduler.New(logger, m)
	sched.Once(gateway.NewSupervisor(gw, logger))
	sched.Once(health)
	if cfg.Polling.Backfill {
		sched.Once(poller.BackfillTask())
	}
	for _, iv := range candle.All() {
		switch {
		case !iv.Pushed():
			sched.Every(poller.PollTask(iv, cfg.Polling.CountPerSymbol, flags), cfg.Polling.CalendarEvery, !cfg.Polling.Backfill)
		case iv.Unit() != "":
			sched.Every(poller.PollTask(iv, cfg.Polling.CountPerSymbol, flags), cfg.Polling.PushedEvery, false)
		}
	}

	if cfg.Archive.Enabled {
		sink, err := storage.Open(cfg.Archive.Backend, cfg.Archive.DSN)
		if err != nil {
			return fmt.Errorf("archive storage: %w", err)
		}
		defer sink.Close()
		health.AddCheck("archive", sink.Ping)
		sched.Daily(archive.New(candles, sink, logger, m), cfg.Archive.Hour, cfg.Archive.Minute, candle.Zone)
		logger.WithFields(logrus.Fields{
			"backend": cfg.Archive.Backend,
			"at":      fmt.Sprintf("%02d:%02d", cfg.Archive.Hour, cfg.Archive.Minute),
		}).Info("Daily archive scheduled")
	}

	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(&api.Config{
		Candles:  candles,
		Fallback: flags,
		Health:   health,
		Gatherer: reg,
		Logger:   logger,
	})
	sched.Once(serveTask(&http.Server{Addr: ":" + cfg.Server.Port, Handler: router}, logger))

	return sched.Run(ctx)
}

func loadUniverse(ctx context.Context, cfg *configs.AppConfig, rest *upbit.Client) (upbit.Universe, error) {
	if len(cfg.Upbit.Symbols) > 0 {
		return upbit.NewUniverse(cfg.Upbit.Symbols...), nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return upbit.DiscoverUniverse(ctx, rest, cfg.Upbit.Quote)
}

func serveTask(srv *http.Server, logger logrus.FieldLogger) scheduler.Task {
	return scheduler.Func("api", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		logger.WithField("addr", srv.Addr).Info("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}
