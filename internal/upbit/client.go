package upbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/navid-fn/candlekeeper/internal/candle"
)

const (
	DefaultRESTURL = "https://api.upbit.com"
	DefaultWSURL   = "wss://api.upbit.com/websocket/v1"

	// MaxPerRequest is the largest count the candle endpoints accept.
	MaxPerRequest = 200

	marketsPath = "/v1/market/all"
	candlesPath = "/v1/candles/"
)

// StatusError is a non-200 answer from the REST API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upbit: status %d: %s", e.Code, e.Body)
}

// IsTransient reports whether a call that failed with err is worth retrying:
// network errors, timeouts of the single call, 429 and 5xx answers.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Client calls the Upbit quotation REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL. A nil httpClient uses a client
// with a 10s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Candles fetches up to count candles of symbol ending before to (exclusive,
// ISO 8601 UTC). An empty to means "up to now".
func (c *Client) Candles(ctx context.Context, iv candle.Interval, symbol string, count int, to string) ([]RESTCandle, error) {
	if count < 1 || count > MaxPerRequest {
		return nil, fmt.Errorf("upbit: count %d out of range 1..%d", count, MaxPerRequest)
	}
	params := url.Values{}
	params.Set("market", symbol)
	params.Set("count", strconv.Itoa(count))
	if to != "" {
		params.Set("to", to)
	}

	var rows []RESTCandle
	if err := c.get(ctx, candlesPath+iv.String(), params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Market is one entry of /v1/market/all.
type Market struct {
	Market      string `json:"market"`
	KoreanName  string `json:"korean_name"`
	EnglishName string `json:"english_name"`
}

// Markets lists every tradable market.
func (c *Client) Markets(ctx context.Context) ([]Market, error) {
	var markets []Market
	if err := c.get(ctx, marketsPath, nil, &markets); err != nil {
		return nil, err
	}
	return markets, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("upbit: decode %s: %w", path, err)
	}
	return nil
}
