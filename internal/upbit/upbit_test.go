package upbit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/candlekeeper/internal/candle"
)

const streamFrame = `{
	"type": "candle.1s",
	"code": "KRW-BTC",
	"candle_date_time_utc": "2025-01-02T04:28:05",
	"candle_date_time_kst": "2025-01-02T13:28:05",
	"opening_price": 142009000.0,
	"high_price": 142010000.0,
	"low_price": 142000000.0,
	"trade_price": 142005000.0,
	"candle_acc_trade_volume": 0.00606119,
	"candle_acc_trade_price": 860743.5307100001,
	"timestamp": 1735792085824,
	"stream_type": "REALTIME"
}`

func TestDecodeStreamFrame(t *testing.T) {
	c, iv, ok, err := DecodeStreamFrame([]byte(streamFrame))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, candle.Seconds, iv)
	assert.Equal(t, "KRW-BTC", c.Symbol)
	assert.Equal(t, "2025-01-02T13:28:05", c.BucketTime.Format(candle.BucketLayout))
	assert.Equal(t, int64(1735792085824), c.EpochMillis)
	assert.True(t, c.Open.Equal(decimal.RequireFromString("142009000")))
	assert.True(t, c.Close.Equal(decimal.RequireFromString("142005000")))
	assert.True(t, c.AccVolume.Equal(decimal.RequireFromString("0.00606119")))
	assert.True(t, c.AccTradeValue.Equal(decimal.RequireFromString("860743.5307100001")))
}

func TestDecodeStreamFrameIgnoresOtherFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"status", `{"status":"UP"}`},
		{"ticker", `{"type":"ticker","code":"KRW-BTC","trade_price":1}`},
		{"unsupported candle", `{"type":"candle.5m","code":"KRW-BTC"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ok, err := DecodeStreamFrame([]byte(tt.frame))
			assert.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestDecodeStreamFrameErrors(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		invalid bool
	}{
		{"not json", `garbage`, false},
		{"bad price type", `{"type":"candle.1m","code":"KRW-BTC","opening_price":{}}`, false},
		{"missing bucket", `{"type":"candle.1m","code":"KRW-BTC","opening_price":1,"high_price":1,"low_price":1,"trade_price":1}`, true},
		{"missing price", `{"type":"candle.1m","code":"KRW-BTC","candle_date_time_kst":"2025-01-02T13:28:00","high_price":1,"low_price":1,"trade_price":1}`, true},
		{"missing code", `{"type":"candle.1m","candle_date_time_kst":"2025-01-02T13:28:00","opening_price":1,"high_price":1,"low_price":1,"trade_price":1}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ok, err := DecodeStreamFrame([]byte(tt.frame))
			require.Error(t, err)
			assert.False(t, ok)
			assert.Equal(t, tt.invalid, errors.Is(err, candle.ErrInvalidCandle))
		})
	}
}

func TestDecodeDerivesMissingTimestamp(t *testing.T) {
	frame := `{"type":"candle.60m","code":"KRW-ETH","candle_date_time_kst":"2025-01-02T09:00:00",
		"opening_price":1,"high_price":2,"low_price":1,"trade_price":2}`
	c, iv, ok, err := DecodeStreamFrame([]byte(frame))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, candle.Minutes60, iv)
	assert.Equal(t, c.BucketTime.UnixMilli(), c.EpochMillis)
	assert.True(t, c.AccVolume.IsZero())
}

func TestDecodeCandlesKeepsValidRows(t *testing.T) {
	body := `[
		{"market":"KRW-BTC","candle_date_time_utc":"2025-01-02T00:01:00","candle_date_time_kst":"2025-01-02T09:01:00",
		 "opening_price":10,"high_price":12,"low_price":9,"trade_price":11,"timestamp":2,"candle_acc_trade_volume":1,"candle_acc_trade_price":10},
		{"market":"KRW-BTC","candle_date_time_utc":"2025-01-02T00:00:00"}
	]`
	var rows []RESTCandle
	require.NoError(t, json.Unmarshal([]byte(body), &rows))

	out, err := DecodeCandles(rows)
	assert.ErrorIs(t, err, candle.ErrInvalidCandle)
	require.Len(t, out, 1)
	assert.True(t, out[0].High.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, "2025-01-02T00:00:00Z", PageCursor(rows))
}

func TestClientCandles(t *testing.T) {
	var gotPath, gotMarket, gotCount, gotTo string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMarket = r.URL.Query().Get("market")
		gotCount = r.URL.Query().Get("count")
		gotTo = r.URL.Query().Get("to")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"market":"KRW-BTC","candle_date_time_kst":"2025-01-02T09:00:00","opening_price":1,"high_price":1,"low_price":1,"trade_price":1}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	rows, err := c.Candles(context.Background(), candle.Minutes30, "KRW-BTC", 200, "2025-01-02T00:00:00Z")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, "/v1/candles/minutes/30", gotPath)
	assert.Equal(t, "KRW-BTC", gotMarket)
	assert.Equal(t, "200", gotCount)
	assert.Equal(t, "2025-01-02T00:00:00Z", gotTo)

	_, err = c.Candles(context.Background(), candle.Days, "KRW-BTC", 201, "")
	assert.Error(t, err)
}

func TestClientStatusErrors(t *testing.T) {
	code := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"error":{"name":"too_many_requests"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	_, err := c.Candles(context.Background(), candle.Days, "KRW-BTC", 1, "")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
	assert.True(t, IsTransient(err))

	code = http.StatusBadRequest
	_, err = c.Candles(context.Background(), candle.Days, "KRW-NOPE", 1, "")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.False(t, IsTransient(context.Canceled))
}

type fakeMarkets []Market

func (f fakeMarkets) Markets(context.Context) ([]Market, error) { return f, nil }

func TestUniverse(t *testing.T) {
	u := NewUniverse(" krw-btc", "KRW-ETH", "KRW-BTC", "")
	assert.Equal(t, []string{"KRW-BTC", "KRW-ETH"}, u.Symbols())

	got, err := DiscoverUniverse(context.Background(), fakeMarkets{
		{Market: "KRW-BTC"}, {Market: "BTC-ETH"}, {Market: "KRW-XRP"},
	}, "krw")
	require.NoError(t, err)
	assert.Equal(t, []string{"KRW-BTC", "KRW-XRP"}, got.Symbols())

	_, err = DiscoverUniverse(context.Background(), fakeMarkets{{Market: "USDT-BTC"}}, "KRW")
	assert.Error(t, err)
}

func TestSubscribeMessage(t *testing.T) {
	msg := SubscribeMessage("ticket-1", NewUniverse("KRW-BTC"), []candle.Interval{candle.Seconds, candle.Days, candle.Minutes1})
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"ticket":"ticket-1"},
		{"type":"candle.1s","codes":["KRW-BTC"]},
		{"type":"candle.1m","codes":["KRW-BTC"]},
		{"format":"DEFAULT"}
	]`, string(data))
}
