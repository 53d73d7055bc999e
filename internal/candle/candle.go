// Package candle defines the OHLCV record shared by every producer and the
// hot store, together with its merge rule.
package candle

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Zone is the reference calendar of the exchange (KST, UTC+9).
// Bucket labels are wall-clock times in this zone.
var Zone = time.FixedZone("KST", 9*60*60)

// BucketLayout is the wire format of a bucket label.
const BucketLayout = "2006-01-02T15:04:05"

// DayLayout formats a reference-calendar day.
const DayLayout = "2006-01-02"

// Key identifies a retention bucket.
type Key struct {
	Symbol   string
	Interval Interval
}

// String returns the logical hot-store key, e.g. "KRW-BTC:minutes/1".
func (k Key) String() string {
	return k.Symbol + ":" + k.Interval.String()
}

// Candle is one OHLCV observation of a bucket.
type Candle struct {
	// Symbol is the market code, e.g. "KRW-BTC".
	Symbol string

	// BucketTime is the bucket label in Zone. It is the merge key within a bucket.
	BucketTime time.Time

	// EpochMillis orders observations of the same bucket. Zero means unknown.
	EpochMillis int64

	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal

	// AccVolume and AccTradeValue are the traded volume and value this
	// observation contributes to the bucket.
	AccVolume     decimal.Decimal
	AccTradeValue decimal.Decimal
}

// ParseBucketTime parses a bucket label in the reference zone.
func ParseBucketTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(BucketLayout, s, Zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse bucket time %q: %w", s, err)
	}
	return t, nil
}

// Day returns the reference-calendar day of t.
func Day(t time.Time) string {
	return t.In(Zone).Format(DayLayout)
}

// Normalize fills EpochMillis from the bucket label when it is missing.
func (c Candle) Normalize() Candle {
	if c.EpochMillis == 0 && !c.BucketTime.IsZero() {
		c.EpochMillis = c.BucketTime.UnixMilli()
	}
	c.BucketTime = c.BucketTime.In(Zone)
	return c
}

// BucketMillis is the bucket label as Unix milliseconds.
func (c Candle) BucketMillis() int64 {
	return c.BucketTime.UnixMilli()
}

// Validate rejects candles without a symbol or bucket label and candles
// whose high is below their low.
func (c Candle) Validate() error {
	switch {
	case c.Symbol == "":
		return fmt.Errorf("%w: missing symbol", ErrInvalidCandle)
	case c.BucketTime.IsZero():
		return fmt.Errorf("%w: %s: missing bucket time", ErrInvalidCandle, c.Symbol)
	case c.High.LessThan(c.Low):
		return fmt.Errorf("%w: %s %s: high %s below low %s",
			ErrInvalidCandle, c.Symbol, c.BucketTime.Format(BucketLayout), c.High, c.Low)
	}
	return nil
}

// Equal reports whether a and b carry the same facts.
func Equal(a, b Candle) bool {
	return a.Symbol == b.Symbol &&
		a.BucketTime.Equal(b.BucketTime) &&
		a.EpochMillis == b.EpochMillis &&
		a.Open.Equal(b.Open) &&
		a.High.Equal(b.High) &&
		a.Low.Equal(b.Low) &&
		a.Close.Equal(b.Close) &&
		a.AccVolume.Equal(b.AccVolume) &&
		a.AccTradeValue.Equal(b.AccTradeValue)
}

type wireCandle struct {
	Symbol        string          `json:"symbol"`
	BucketTime    string          `json:"bucket_time"`
	EpochMillis   int64           `json:"epoch_ms"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	AccVolume     decimal.Decimal `json:"acc_volume"`
	AccTradeValue decimal.Decimal `json:"acc_trade_value"`
}

// MarshalJSON encodes the candle with its bucket label in BucketLayout and
// decimals as strings. The same encoding is used in the hot store.
func (c Candle) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireCandle{
		Symbol:        c.Symbol,
		BucketTime:    c.BucketTime.In(Zone).Format(BucketLayout),
		EpochMillis:   c.EpochMillis,
		Open:          c.Open,
		High:          c.High,
		Low:           c.Low,
		Close:         c.Close,
		AccVolume:     c.AccVolume,
		AccTradeValue: c.AccTradeValue,
	})
}

// UnmarshalJSON decodes the MarshalJSON encoding. A missing bucket label is
// ErrInvalidCandle.
func (c *Candle) UnmarshalJSON(data []byte) error {
	var w wireCandle
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.BucketTime == "" {
		return fmt.Errorf("%w: missing bucket time", ErrInvalidCandle)
	}
	bt, err := ParseBucketTime(w.BucketTime)
	if err != nil {
		return err
	}
	*c = Candle{
		Symbol:        w.Symbol,
		BucketTime:    bt,
		EpochMillis:   w.EpochMillis,
		Open:          w.Open,
		High:          w.High,
		Low:           w.Low,
		Close:         w.Close,
		AccVolume:     w.AccVolume,
		AccTradeValue: w.AccTradeValue,
	}
	return nil
}
