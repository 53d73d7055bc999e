package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/navid-fn/candlekeeper/internal/candle"
	"github.com/navid-fn/candlekeeper/internal/faulttolerance"
	"github.com/navid-fn/candlekeeper/internal/store"
)

const (
	defaultCount    = 200
	defaultPageSize = 100
	maxPageSize     = 1000
)

type CandleHandler struct {
	candles CandleReader
}

func NewCandleHandler(candles CandleReader) *CandleHandler {
	return &CandleHandler{candles: candles}
}

// GetRecent serves GET /v1/candles?symbol=&interval=&count=
func (h *CandleHandler) GetRecent(c *gin.Context) {
	key, err := bindKey(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	count, err := intQuery(c, "count", defaultCount, 1, key.Interval.Capacity())
	if err != nil {
		badRequest(c, err)
		return
	}

	candles, err := h.candles.QueryRecent(c.Request.Context(), key, count)
	if err != nil {
		unavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, candles)
}

// GetBefore serves GET /v1/candles/before?symbol=&interval=&before=&offset=&size=
func (h *CandleHandler) GetBefore(c *gin.Context) {
	key, err := bindKey(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	before, err := parseTime(c.Query("before"))
	if err != nil {
		badRequest(c, err)
		return
	}
	offset, err := intQuery(c, "offset", 0, 0, key.Interval.Capacity())
	if err != nil {
		badRequest(c, err)
		return
	}
	size, err := intQuery(c, "size", defaultPageSize, 1, maxPageSize)
	if err != nil {
		badRequest(c, err)
		return
	}

	candles, err := h.candles.QueryBefore(c.Request.Context(), key, before, offset, size)
	if err != nil {
		unavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, candles)
}

// GetLatest serves GET /v1/latest/:symbol
func (h *CandleHandler) GetLatest(c *gin.Context) {
	symbol := c.Param("symbol")
	latest, err := h.candles.QueryLatestSingle(c.Request.Context(), symbol)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no latest value for %s", symbol)})
	case err != nil:
		unavailable(c, err)
	default:
		c.JSON(http.StatusOK, latest)
	}
}

type AdminHandler struct {
	fallback FallbackRegistry
	health   HealthReporter
}

func NewAdminHandler(fallback FallbackRegistry, health HealthReporter) *AdminHandler {
	return &AdminHandler{fallback: fallback, health: health}
}

func (h *AdminHandler) GetFallback(c *gin.Context) {
	c.JSON(http.StatusOK, h.fallback.Snapshot())
}

type fallbackRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// SetFallback serves PUT /v1/fallback/:unit with {"active": bool}.
func (h *AdminHandler) SetFallback(c *gin.Context) {
	unit := c.Param("unit")
	if !knownUnit(unit) {
		badRequest(c, fmt.Errorf("unknown fallback unit %q", unit))
		return
	}
	var req fallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.fallback.SetFallback(unit, *req.Active)
	c.JSON(http.StatusOK, gin.H{unit: *req.Active})
}

func (h *AdminHandler) Health(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": faulttolerance.HealthStatusHealthy})
		return
	}
	status := h.health.GetOverallHealth()
	code := http.StatusOK
	if status != faulttolerance.HealthStatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": h.health.GetHealth(),
	})
}

func knownUnit(unit string) bool {
	for _, iv := range candle.All() {
		if iv.Unit() != "" && iv.Unit() == unit {
			return true
		}
	}
	return false
}

func bindKey(c *gin.Context) (candle.Key, error) {
	symbol := c.Query("symbol")
	if symbol == "" {
		return candle.Key{}, errors.New("symbol is required")
	}
	iv, err := candle.ParseInterval(c.DefaultQuery("interval", candle.Minutes1.String()))
	if err != nil {
		return candle.Key{}, err
	}
	return candle.Key{Symbol: symbol, Interval: iv}, nil
}

func intQuery(c *gin.Context, name string, def, lo, hi int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%s must be an integer in [%d, %d]", name, lo, hi)
	}
	return v, nil
}

// parseTime accepts RFC 3339, a bucket label in the reference zone or
// Unix milliseconds.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("before is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := candle.ParseBucketTime(raw); err == nil {
		return t, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).In(candle.Zone), nil
	}
	return time.Time{}, fmt.Errorf("before: cannot parse %q", raw)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func unavailable(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "candle store unavailable"})
}
