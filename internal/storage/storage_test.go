package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/navid-fn/candlekeeper/internal/candle"
	"github.com/navid-fn/candlekeeper/internal/storage/models"
)

func sampleRecords(n int) []*models.ArchiveRecord {
	archivedAt := time.Date(2024, 1, 2, 0, 5, 0, 0, candle.Zone)
	key := candle.Key{Symbol: "KRW-BTC", Interval: candle.Seconds}
	out := make([]*models.ArchiveRecord, 0, n)
	for i := 0; i < n; i++ {
		c := candle.Candle{
			Symbol:     "KRW-BTC",
			BucketTime: time.Date(2024, 1, 1, 12, 0, i, 0, candle.Zone),
			Open:       decimal.NewFromInt(100),
			High:       decimal.NewFromInt(110),
			Low:        decimal.NewFromInt(90),
			Close:      decimal.NewFromInt(105),
			AccVolume:  decimal.RequireFromString("0.5"),
		}.Normalize()
		out = append(out, models.NewArchiveRecord("KRW-BTC:seconds:2024-01-01", key, c, archivedAt))
	}
	return out
}

func TestNewArchiveRecord(t *testing.T) {
	r := sampleRecords(1)[0]
	assert.Equal(t, "KRW-BTC:seconds:2024-01-01", r.BucketKey)
	assert.Equal(t, "KRW-BTC", r.Symbol)
	assert.Equal(t, "seconds", r.Interval)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, candle.Zone).UnixMilli(), r.EpochMillis)
	assert.True(t, r.AccVolume.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, "candle_archive", r.TableName())
}

func dryRunDB(t *testing.T) (*gorm.DB, *[]int) {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=candlekeeper dbname=candlekeeper sslmode=disable",
	}), &gorm.Config{
		DryRun:                 true,
		DisableAutomaticPing:   true,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	var inserts []int
	require.NoError(t, db.Callback().Create().After("gorm:create").Register("test:capture", func(tx *gorm.DB) {
		assert.Contains(t, tx.Statement.SQL.String(), `INSERT INTO "candle_archive"`)
		assert.Contains(t, tx.Statement.SQL.String(), `"acc_trade_value"`)
		inserts = append(inserts, len(tx.Statement.Vars))
	}))
	return db, &inserts
}

func TestGormStorageBulkInsert(t *testing.T) {
	db, inserts := dryRunDB(t)
	s := NewGormStorage(db)

	require.NoError(t, s.CreateArchiveRecords(context.Background(), sampleRecords(3)))
	require.Len(t, *inserts, 1)
	assert.Equal(t, 3*12, (*inserts)[0])
}

func TestGormStorageEmptyBatch(t *testing.T) {
	db, inserts := dryRunDB(t)
	require.NoError(t, NewGormStorage(db).CreateArchiveRecords(context.Background(), nil))
	assert.Empty(t, *inserts)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open("sqlite", "file::memory:")
	assert.Error(t, err)

	_, err = OpenGorm(BackendClickHouse, "clickhouse://localhost:9000/db")
	assert.Error(t, err)
}
