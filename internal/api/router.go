// Package api exposes the candle read API and the operator endpoints over
// HTTP.
package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/candlekeeper/internal/candle"
	"github.com/navid-fn/candlekeeper/internal/faulttolerance"
)

// CandleReader is the read side of the hot store.
type CandleReader interface {
	QueryRecent(ctx context.Context, key candle.Key, count int) ([]candle.Candle, error)
	QueryBefore(ctx context.Context, key candle.Key, before time.Time, offset, size int) ([]candle.Candle, error)
	QueryLatestSingle(ctx context.Context, symbol string) (candle.Candle, error)
}

type FallbackRegistry interface {
	SetFallback(unit string, active bool)
	Snapshot() map[string]bool
}

type HealthReporter interface {
	GetHealth() map[string]faulttolerance.HealthCheck
	GetOverallHealth() faulttolerance.HealthStatus
}

type Config struct {
	Candles  CandleReader
	Fallback FallbackRegistry
	Health   HealthReporter     // optional
	Gatherer prometheus.Gatherer // optional, serves /metrics
	Logger   logrus.FieldLogger
}

func NewRouter(cfg *Config) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(cfg.Logger))

	candles := NewCandleHandler(cfg.Candles)
	admin := NewAdminHandler(cfg.Fallback, cfg.Health)

	api := router.Group("/v1/")
	registerCandleRoutes(api, candles)
	registerAdminRoutes(api, admin)

	router.GET("/health", admin.Health)
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	return router
}

func registerCandleRoutes(router *gin.RouterGroup, h *CandleHandler) {
	candles := router.Group("/candles")
	{
		candles.GET("", h.GetRecent)
		candles.GET("/before", h.GetBefore)
	}
	router.GET("/latest/:symbol", h.GetLatest)
}

func registerAdminRoutes(router *gin.RouterGroup, h *AdminHandler) {
	fallback := router.Group("/fallback")
	{
		fallback.GET("", h.GetFallback)
		fallback.PUT("/:unit", h.SetFallback)
	}
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	log := logger.WithField("component", "api")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		})
		if c.Writer.Status() >= 500 {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request served")
	}
}
