// Package fetcher pulls candle batches from the Upbit REST API into the hot
// store, for intervals the stream does not carry and for pushed intervals
// whose stream is in fallback.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/navid-fn/candlekeeper/internal/candle"
	"github.com/navid-fn/candlekeeper/internal/faulttolerance"
	"github.com/navid-fn/candlekeeper/internal/metrics"
	"github.com/navid-fn/candlekeeper/internal/upbit"
)

// Source is the REST candle endpoint.
type Source interface {
	Candles(ctx context.Context, iv candle.Interval, symbol string, count int, to string) ([]upbit.RESTCandle, error)
}

// Sink receives decoded batches.
type Sink interface {
	UpsertBatch(ctx context.Context, key candle.Key, candles []candle.Candle) error
}

// FetchError is one failed symbol/interval fetch. Other pairs continue.
type FetchError struct {
	Interval candle.Interval
	Symbol   string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s:%s: %v", e.Symbol, e.Interval, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type Config struct {
	MaxPerRequest  int
	RequestDelay   time.Duration // slept before every REST call
	RequestTimeout time.Duration // per call, 0 disables
	Limiter        *rate.Limiter // shared across fetchers, nil = unlimited
	Retry          faulttolerance.RetryConfig
	Breaker        faulttolerance.CircuitBreakerConfig
}

// DefaultConfig stays under Upbit's quotation limit of 10 requests/s.
func DefaultConfig() Config {
	return Config{
		MaxPerRequest:  upbit.MaxPerRequest,
		RequestDelay:   150 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
		Limiter:        rate.NewLimiter(rate.Limit(8), 1),
		Retry:          faulttolerance.DefaultRetryConfig("upbit-rest"),
		Breaker: faulttolerance.CircuitBreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Name:        "upbit-rest",
		},
	}
}

type Fetcher struct {
	source   Source
	sink     Sink
	universe upbit.Universe
	config   Config
	limiter  *rate.Limiter
	retryer  *faulttolerance.Retryer
	breaker  *faulttolerance.CircuitBreaker
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics
}

func New(source Source, sink Sink, universe upbit.Universe, config Config, logger logrus.FieldLogger, m *metrics.Metrics) *Fetcher {
	if config.MaxPerRequest <= 0 || config.MaxPerRequest > upbit.MaxPerRequest {
		config.MaxPerRequest = upbit.MaxPerRequest
	}
	limiter := config.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if config.Retry.Retryable == nil {
		config.Retry.Retryable = upbit.IsTransient
	}
	// A rejected request says nothing about upstream health.
	if config.Breaker.Counts == nil {
		config.Breaker.Counts = upbit.IsTransient
	}

	logger = logger.WithField("component", "fetcher")
	return &Fetcher{
		source:   source,
		sink:     sink,
		universe: universe,
		config:   config,
		limiter:  limiter,
		retryer:  faulttolerance.NewRetryer(config.Retry, logger),
		breaker:  faulttolerance.NewCircuitBreaker(config.Breaker, logger),
		logger:   logger,
		metrics:  m,
	}
}

// Universe returns the symbols fetched by FetchUniverse.
func (f *Fetcher) Universe() upbit.Universe { return f.universe }

// FetchBatch requests count candles for symbol in pages of at most
// MaxPerRequest, newest first, and upserts every page. Paging stops early
// when the API returns a short page.
func (f *Fetcher) FetchBatch(ctx context.Context, iv candle.Interval, symbol string, count int) error {
	if !iv.Valid() {
		return &FetchError{Interval: iv, Symbol: symbol, Err: fmt.Errorf("unknown interval %d", int(iv))}
	}
	key := candle.Key{Symbol: symbol, Interval: iv}

	var to string
	for remaining := count; remaining > 0; {
		n := min(remaining, f.config.MaxPerRequest)
		rows, err := f.request(ctx, iv, symbol, n, to)
		if err != nil {
			return &FetchError{Interval: iv, Symbol: symbol, Err: err}
		}

		candles, err := upbit.DecodeCandles(rows)
		if err != nil {
			f.logger.WithError(err).WithField("key", key.String()).Warn("Dropping invalid REST candles")
		}
		if len(candles) > 0 {
			if err := f.sink.UpsertBatch(ctx, key, candles); err != nil {
				return &FetchError{Interval: iv, Symbol: symbol, Err: err}
			}
			f.metrics.CandlesStored.WithLabelValues("poll", iv.String()).Add(float64(len(candles)))
		}

		remaining -= n
		if len(rows) < n {
			break
		}
		if to = upbit.PageCursor(rows); to == "" {
			break
		}
	}
	return nil
}

// request is one throttled REST call, retried on transient failures.
func (f *Fetcher) request(ctx context.Context, iv candle.Interval, symbol string, count int, to string) ([]upbit.RESTCandle, error) {
	var rows []upbit.RESTCandle
	err := f.retryer.ExecuteWithCircuitBreaker(ctx, f.breaker, func(ctx context.Context) error {
		if err := f.throttle(ctx); err != nil {
			return err
		}
		if f.config.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, f.config.RequestTimeout)
			defer cancel()
		}
		r, err := f.source.Candles(ctx, iv, symbol, count, to)
		if err != nil {
			return err
		}
		rows = r
		return nil
	})
	return rows, err
}

func (f *Fetcher) throttle(ctx context.Context) error {
	if f.config.RequestDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.config.RequestDelay):
		}
	}
	return f.limiter.Wait(ctx)
}

// FetchUniverse runs FetchBatch for every tracked symbol. A failed symbol is
// logged and skipped; only cancellation ends the sweep early.
func (f *Fetcher) FetchUniverse(ctx context.Context, iv candle.Interval, countPerSymbol int) error {
	start := time.Now()
	failed := 0
	for _, symbol := range f.universe.Symbols() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f.FetchBatch(ctx, iv, symbol, countPerSymbol); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			f.metrics.FetchErrors.WithLabelValues(iv.String()).Inc()
			f.logger.WithError(err).WithFields(logrus.Fields{
				"symbol":   symbol,
				"interval": iv.String(),
			}).Warn("Fetch failed, skipping symbol")
		}
	}

	f.logger.WithFields(logrus.Fields{
		"interval": iv.String(),
		"symbols":  f.universe.Len(),
		"failed":   failed,
		"duration": time.Since(start),
	}).Debug("Universe fetched")
	return nil
}

// BackfillAll fills every interval's buckets to capacity. Run it once at
// cold start.
func (f *Fetcher) BackfillAll(ctx context.Context) error {
	f.logger.WithField("symbols", f.universe.Len()).Info("Starting backfill")
	for _, iv := range candle.All() {
		if err := f.FetchUniverse(ctx, iv, iv.Capacity()); err != nil {
			if errors.Is(err, context.Canceled) {
				f.logger.Info("Backfill cancelled")
			}
			return err
		}
	}
	f.logger.Info("Backfill finished")
	return nil
}
