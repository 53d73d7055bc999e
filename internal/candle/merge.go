package candle

import "github.com/shopspring/decimal"

// Merge combines two observations of the same bucket. Open comes from the
// observation with the earlier epoch and close from the later one; high and
// low are the extremes and volumes are summed. When epochs tie, open takes
// the lower and close the higher value so the result does not depend on
// argument order.
//
// Both inputs must share Symbol and BucketTime and carry a derived epoch
// (see Normalize).
func Merge(a, b Candle) Candle {
	first, last := a, b
	if b.EpochMillis < a.EpochMillis {
		first, last = b, a
	}

	merged := Candle{
		Symbol:        a.Symbol,
		BucketTime:    a.BucketTime,
		EpochMillis:   last.EpochMillis,
		Open:          first.Open,
		High:          decimal.Max(a.High, b.High),
		Low:           decimal.Min(a.Low, b.Low),
		Close:         last.Close,
		AccVolume:     a.AccVolume.Add(b.AccVolume),
		AccTradeValue: a.AccTradeValue.Add(b.AccTradeValue),
	}
	if a.EpochMillis == b.EpochMillis {
		merged.Open = decimal.Min(a.Open, b.Open)
		merged.Close = decimal.Max(a.Close, b.Close)
	}
	return merged
}
