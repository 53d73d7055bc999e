package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/navid-fn/candlekeeper/internal/candle"
)

// ArchiveRecord is one drained candle in the durable archive.
type ArchiveRecord struct {
	// BucketKey is the hot-store key the candle was drained from
	// (e.g., "KRW-BTC:seconds:2024-01-01").
	BucketKey string `json:"bucket_key" gorm:"column:bucket_key"`

	// Symbol is the market code (e.g., "KRW-BTC").
	Symbol string `json:"symbol" gorm:"column:symbol"`

	// Interval is the bucket suffix (e.g., "seconds").
	Interval string `json:"interval" gorm:"column:interval"`

	// BucketTime is the start of the candle in the reference zone.
	BucketTime time.Time `json:"bucket_time" gorm:"column:bucket_time"`

	// EpochMillis is the observation timestamp of the stored candle.
	EpochMillis int64 `json:"epoch_ms" gorm:"column:epoch_ms"`

	Open          decimal.Decimal `json:"open" gorm:"column:open"`
	High          decimal.Decimal `json:"high" gorm:"column:high"`
	Low           decimal.Decimal `json:"low" gorm:"column:low"`
	Close         decimal.Decimal `json:"close" gorm:"column:close"`
	AccVolume     decimal.Decimal `json:"acc_volume" gorm:"column:acc_volume"`
	AccTradeValue decimal.Decimal `json:"acc_trade_value" gorm:"column:acc_trade_value"`

	// ArchivedAt is shared by every record of one sweep.
	ArchivedAt time.Time `json:"archived_at" gorm:"column:archived_at"`
}

func (ArchiveRecord) TableName() string { return "candle_archive" }

// NewArchiveRecord flattens c drained from bucketKey.
func NewArchiveRecord(bucketKey string, key candle.Key, c candle.Candle, archivedAt time.Time) *ArchiveRecord {
	return &ArchiveRecord{
		BucketKey:     bucketKey,
		Symbol:        key.Symbol,
		Interval:      key.Interval.String(),
		BucketTime:    c.BucketTime,
		EpochMillis:   c.EpochMillis,
		Open:          c.Open,
		High:          c.High,
		Low:           c.Low,
		Close:         c.Close,
		AccVolume:     c.AccVolume,
		AccTradeValue: c.AccTradeValue,
		ArchivedAt:    archivedAt,
	}
}
