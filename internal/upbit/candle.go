// Package upbit holds the typed wire formats of the Upbit websocket and
// REST candle feeds and their conversion to candle.Candle.
//
// Stream frame (DEFAULT format):
//
//	{
//	  "type": "candle.1s",
//	  "code": "KRW-BTC",
//	  "candle_date_time_utc": "2025-01-02T04:28:05",
//	  "candle_date_time_kst": "2025-01-02T13:28:05",
//	  "opening_price": 142009000.0,
//	  "high_price": 142009000.0,
//	  "low_price": 142009000.0,
//	  "trade_price": 142009000.0,
//	  "candle_acc_trade_volume": 0.00606119,
//	  "candle_acc_trade_price": 860743.5307100001,
//	  "timestamp": 1735792085824,
//	  "stream_type": "REALTIME"
//	}
//
// REST candles carry the same price and volume fields with "market" in
// place of "code".
package upbit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/navid-fn/candlekeeper/internal/candle"
)

// candleFields are the fields shared by stream and REST candles.
//
// Missing-field policy:
//   - candle_date_time_kst: required, it is the bucket label.
//   - opening/high/low/trade_price: required.
//   - candle_acc_trade_volume/price: zero when absent.
//   - timestamp: zero when absent, later derived from the bucket label.
//   - candle_date_time_utc: only used as the REST paging cursor.
type candleFields struct {
	CandleDateTimeUTC string              `json:"candle_date_time_utc"`
	CandleDateTimeKST string              `json:"candle_date_time_kst"`
	OpeningPrice      decimal.NullDecimal `json:"opening_price"`
	HighPrice         decimal.NullDecimal `json:"high_price"`
	LowPrice          decimal.NullDecimal `json:"low_price"`
	TradePrice        decimal.NullDecimal `json:"trade_price"`
	AccTradeVolume    decimal.NullDecimal `json:"candle_acc_trade_volume"`
	AccTradePrice     decimal.NullDecimal `json:"candle_acc_trade_price"`
	Timestamp         int64               `json:"timestamp"`
}

// StreamCandle is one candle frame from the websocket feed.
type StreamCandle struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	StreamType string `json:"stream_type"`
	candleFields
}

// RESTCandle is one element of a /v1/candles response.
type RESTCandle struct {
	Market string `json:"market"`
	candleFields
}

func (f candleFields) toCandle(symbol string) (candle.Candle, error) {
	if symbol == "" {
		return candle.Candle{}, fmt.Errorf("%w: missing market code", candle.ErrInvalidCandle)
	}
	if f.CandleDateTimeKST == "" {
		return candle.Candle{}, fmt.Errorf("%w: %s: missing candle_date_time_kst", candle.ErrInvalidCandle, symbol)
	}
	bt, err := candle.ParseBucketTime(f.CandleDateTimeKST)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("%w: %s: %v", candle.ErrInvalidCandle, symbol, err)
	}

	required := []struct {
		name  string
		value decimal.NullDecimal
	}{
		{"opening_price", f.OpeningPrice},
		{"high_price", f.HighPrice},
		{"low_price", f.LowPrice},
		{"trade_price", f.TradePrice},
	}
	for _, r := range required {
		if !r.value.Valid {
			return candle.Candle{}, fmt.Errorf("%w: %s: missing %s", candle.ErrInvalidCandle, symbol, r.name)
		}
	}

	c := candle.Candle{
		Symbol:        symbol,
		BucketTime:    bt,
		EpochMillis:   f.Timestamp,
		Open:          f.OpeningPrice.Decimal,
		High:          f.HighPrice.Decimal,
		Low:           f.LowPrice.Decimal,
		Close:         f.TradePrice.Decimal,
		AccVolume:     f.AccTradeVolume.Decimal,
		AccTradeValue: f.AccTradePrice.Decimal,
	}.Normalize()
	if err := c.Validate(); err != nil {
		return candle.Candle{}, err
	}
	return c, nil
}

type frameHeader struct {
	Type string `json:"type"`
}

// DecodeStreamFrame decodes a websocket frame. ok is false for frames that
// are not candles of a supported interval; those are not errors.
func DecodeStreamFrame(msg []byte) (c candle.Candle, iv candle.Interval, ok bool, err error) {
	var h frameHeader
	if err := json.Unmarshal(msg, &h); err != nil {
		return candle.Candle{}, 0, false, fmt.Errorf("decode frame: %w", err)
	}
	if !strings.HasPrefix(h.Type, "candle.") {
		return candle.Candle{}, 0, false, nil
	}
	iv, supported := candle.FromStreamType(h.Type)
	if !supported {
		return candle.Candle{}, 0, false, nil
	}

	var sc StreamCandle
	if err := json.Unmarshal(msg, &sc); err != nil {
		return candle.Candle{}, 0, false, fmt.Errorf("decode %s frame: %w", h.Type, err)
	}
	c, err = sc.toCandle(sc.Code)
	if err != nil {
		return candle.Candle{}, 0, false, err
	}
	return c, iv, true, nil
}

// Candle converts a REST element.
func (r RESTCandle) Candle() (candle.Candle, error) {
	return r.toCandle(r.Market)
}

// DecodeCandles converts a REST response. Invalid elements are dropped and
// reported through the joined error; the valid candles are still returned.
func DecodeCandles(rows []RESTCandle) ([]candle.Candle, error) {
	out := make([]candle.Candle, 0, len(rows))
	var errs []error
	for i, r := range rows {
		c, err := r.Candle()
		if err != nil {
			errs = append(errs, fmt.Errorf("element %d: %w", i, err))
			continue
		}
		out = append(out, c)
	}
	return out, errors.Join(errs...)
}

// PageCursor returns the "to" parameter that continues after rows, which
// the API returns newest first. Empty when rows carry no UTC label.
func PageCursor(rows []RESTCandle) string {
	if len(rows) == 0 {
		return ""
	}
	utc := rows[len(rows)-1].CandleDateTimeUTC
	if utc == "" {
		return ""
	}
	return utc + "Z"
}
