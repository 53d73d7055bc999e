package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/candlekeeper/internal/candle"
)

var testDay = time.Date(2024, 1, 1, 12, 0, 0, 0, candle.Zone)

func newTestStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	return newStoreAt(t, testDay)
}

func newStoreAt(t *testing.T, now time.Time) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s := NewRedis(client, Options{
		Now:    func() time.Time { return now },
		Logger: logger,
	})
	return s, mr
}

func price(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func at(symbol string, bt time.Time, epoch int64, o, h, l, c int64) candle.Candle {
	return candle.Candle{
		Symbol:      symbol,
		BucketTime:  bt,
		EpochMillis: epoch,
		Open:        price(o),
		High:        price(h),
		Low:         price(l),
		Close:       price(c),
		AccVolume:   decimal.NewFromFloat(0.5),
	}
}

func TestSecondsBucketEvictsOldest(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := candle.Key{Symbol: "KRW-BTC", Interval: candle.Seconds}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, candle.Zone)

	for i := 0; i <= 1000; i++ {
		bt := start.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Upsert(ctx, key, at("KRW-BTC", bt, 0, 1, 2, 1, 2)))
	}

	n, err := s.CountBucket(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)

	got, err := s.QueryRecent(ctx, key, 2000)
	require.NoError(t, err)
	require.Len(t, got, 1000)
	assert.True(t, got[0].BucketTime.Equal(start.Add(1000*time.Second)))
	assert.True(t, got[len(got)-1].BucketTime.Equal(start.Add(time.Second)), "T0 must be evicted")
}

func TestUpsertMergesSameBucketTime(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := candle.Key{Symbol: "KRW-BTC", Interval: candle.Minutes1}
	bt := time.Date(2024, 1, 1, 9, 0, 0, 0, candle.Zone)

	require.NoError(t, s.Upsert(ctx, key, at("KRW-BTC", bt, 1000, 100, 110, 95, 105)))
	require.NoError(t, s.Upsert(ctx, key, at("KRW-BTC", bt, 2000, 103, 108, 90, 107)))

	got, err := s.QueryRecent(ctx, key, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	m := got[0]
	assert.True(t, m.Open.Equal(price(100)))
	assert.True(t, m.Close.Equal(price(107)))
	assert.True(t, m.High.Equal(price(110)))
	assert.True(t, m.Low.Equal(price(90)))
	assert.True(t, m.AccVolume.Equal(decimal.NewFromInt(1)))
}

func TestUpsertIdenticalIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := candle.Key{Symbol: "KRW-ETH", Interval: candle.Minutes30}
	c := at("KRW-ETH", time.Date(2024, 1, 1, 9, 30, 0, 0, candle.Zone), 5, 1, 3, 1, 2)

	require.NoError(t, s.Upsert(ctx, key, c))
	before, err := s.QueryRecent(ctx, key, 10)
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, key, c))
	after, err := s.QueryRecent(ctx, key, 10)
	require.NoError(t, err)

	require.Len(t, after, 1)
	assert.True(t, candle.Equal(before[0], after[0]))
}

func TestUpsertBatchFoldsDuplicates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := candle.Key{Symbol: "KRW-BTC", Interval: candle.Days}
	d1 := time.Date(2024, 1, 1, 9, 0, 0, 0, candle.Zone)
	d2 := d1.AddDate(0, 0, 1)

	require.NoError(t, s.Upsert(ctx, key, at("KRW-BTC", d1, 10, 50, 60, 40, 55)))
	err := s.UpsertBatch(ctx, key, []candle.Candle{
		at("KRW-BTC", d2, 30, 55, 70, 50, 65),
		at("KRW-BTC", d1, 20, 51, 61, 45, 58),
		at("KRW-BTC", d2, 40, 66, 72, 49, 68),
	})
	require.NoError(t, err)

	got, err := s.QueryRecent(ctx, key, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.True(t, got[0].BucketTime.Equal(d2))
	assert.True(t, got[0].Open.Equal(price(55)))
	assert.True(t, got[0].Close.Equal(price(68)))
	assert.True(t, got[0].Low.Equal(price(49)))

	assert.True(t, got[1].Open.Equal(price(50)))
	assert.True(t, got[1].Close.Equal(price(58)))
	assert.True(t, got[1].High.Equal(price(61)))
}

func TestUpsertRejectsInvalidCandle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := candle.Key{Symbol: "KRW-BTC", Interval: candle.Minutes1}
	bt := time.Date(2024, 1, 1, 9, 0, 0, 0, candle.Zone)

	tests := []struct {
		name   string
		candle candle.Candle
	}{
		{"missing bucket time", candle.Candle{Symbol: "KRW-BTC"}},
		{"other symbol", at("KRW-ETH", bt, 1, 1, 1, 1, 1)},
		{"high below low", at("KRW-BTC", bt, 1, 1, 1, 5, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Upsert(ctx, key, tt.candle)
			assert.ErrorIs(t, err, candle.ErrInvalidCandle)
		})
	}

	n, err := s.CountBucket(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueryRecentOnMissingBucket(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.QueryRecent(context.Background(), candle.Key{Symbol: "KRW-XRP", Interval: candle.Weeks}, 5)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestQueryRecentSortedAndLimited(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := candle.Key{Symbol: "KRW-BTC", Interval: candle.Minutes60}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, candle.Zone)

	// Out of order on purpose.
	for _, h := range []int{3, 0, 5, 1, 4, 2} {
		require.NoError(t, s.Upsert(ctx, key, at("KRW-BTC", base.Add(time.Duration(h)*time.Hour), 0, 1, 1, 1, 1)))
	}

	got, err := s.QueryRecent(ctx, key, 4)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].BucketTime.After(got[i].BucketTime))
	}
	assert.True(t, got[0].BucketTime.Equal(base.Add(5*time.Hour)))
}

func TestQueryBeforePages(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := candle.Key{Symbol: "KRW-BTC", Interval: candle.Minutes1}
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, candle.Zone)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Upsert(ctx, key, at("KRW-BTC", base.Add(time.Duration(i)*time.Minute), 0, 1, 1, 1, 1)))
	}

	before := base.Add(7 * time.Minute)
	page, err := s.QueryBefore(ctx, key, before, 2, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	// Strictly older than 09:07 are 09:06..09:00; skip two.
	assert.True(t, page[0].BucketTime.Equal(base.Add(4*time.Minute)))
	assert.True(t, page[2].BucketTime.Equal(base.Add(2*time.Minute)))

	tail, err := s.QueryBefore(ctx, key, before, 6, 5)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.True(t, tail[0].BucketTime.Equal(base))

	empty, err := s.QueryBefore(ctx, key, before, 20, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSecondsQueriesSpanPartitions(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	key := candle.Key{Symbol: "KRW-BTC", Interval: candle.Seconds}
	midnight := time.Date(2024, 1, 1, 0, 0, 0, 0, candle.Zone)

	require.NoError(t, s.UpsertBatch(ctx, key, []candle.Candle{
		at("KRW-BTC", midnight.Add(-time.Second), 0, 1, 1, 1, 1),
		at("KRW-BTC", midnight, 0, 2, 2, 2, 2),
		at("KRW-BTC", midnight.Add(time.Second), 0, 3, 3, 3, 3),
	}))

	assert.True(t, mr.Exists("KRW-BTC:seconds:2023-12-31"))
	assert.True(t, mr.Exists("KRW-BTC:seconds:2024-01-01"))

	got, err := s.QueryRecent(ctx, key, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[2].BucketTime.Equal(midnight.Add(-time.Second)))

	n, err := s.CountBucket(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSecondsCapacitySpansMidnight(t *testing.T) {
	start := time.Date(2024, 1, 1, 23, 55, 0, 0, candle.Zone)
	last := start.Add(1000 * time.Second)
	s, mr := newStoreAt(t, last)
	ctx := context.Background()
	key := candle.Key{Symbol: "KRW-BTC", Interval: candle.Seconds}

	for i := 0; i <= 1000; i++ {
		bt := start.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Upsert(ctx, key, at("KRW-BTC", bt, 0, 1, 2, 1, 2)))
	}

	got, err := s.QueryRecent(ctx, key, 5000)
	require.NoError(t, err)
	require.Len(t, got, 1000)
	assert.True(t, got[0].BucketTime.Equal(last))
	assert.True(t, got[len(got)-1].BucketTime.Equal(start.Add(time.Second)), "T0 must be evicted")

	n, err := s.CountBucket(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)

	yesterday, err := mr.ZMembers("KRW-BTC:seconds:2024-01-01")
	require.NoError(t, err)
	assert.Len(t, yesterday, 299)
}

func TestSecondsCapacityDropsWholeOldPartitions(t *testing.T) {
	now := time.Date(2024, 1, 3, 12, 0, 0, 0, candle.Zone)
	s, mr := newStoreAt(t, now)
	ctx := context.Background()
	key := candle.Key{Symbol: "KRW-BTC", Interval: candle.Seconds}

	old := time.Date(2024, 1, 1, 9, 0, 0, 0, candle.Zone)
	require.NoError(t, s.Upsert(ctx, key, at("KRW-BTC", old, 0, 1, 1, 1, 1)))

	batch := make([]candle.Candle, 0, 1000)
	for i := 0; i < 1000; i++ {
		batch = append(batch, at("KRW-BTC", now.Add(time.Duration(i)*time.Second), 0, 1, 1, 1, 1))
	}
	require.NoError(t, s.UpsertBatch(ctx, key, batch))

	assert.False(t, mr.Exists("KRW-BTC:seconds:2024-01-01"))
	days, err := mr.ZMembers("KRW-BTC:seconds:index")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-03"}, days)
}

func TestSecondsPartitionsOlderThanYesterdayStayVisible(t *testing.T) {
	now := time.Date(2024, 1, 5, 12, 0, 0, 0, candle.Zone)
	s, _ := newStoreAt(t, now)
	ctx := context.Background()
	key := candle.Key{Symbol: "KRW-BTC", Interval: candle.Seconds}

	d2 := time.Date(2024, 1, 2, 9, 0, 0, 0, candle.Zone)
	d3 := d2.AddDate(0, 0, 1)
	d4 := d2.AddDate(0, 0, 2)
	require.NoError(t, s.Upsert(ctx, key, at("KRW-BTC", d2, 0, 1, 1, 1, 1)))

	got, err := s.QueryRecent(ctx, key, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].BucketTime.Equal(d2))

	n, err := s.CountBucket(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.Upsert(ctx, key, at("KRW-BTC", d3, 0, 2, 2, 2, 2)))
	require.NoError(t, s.Upsert(ctx, key, at("KRW-BTC", d4, 0, 3, 3, 3, 3)))

	// Pages reach back past the day before the cursor.
	page, err := s.QueryBefore(ctx, key, d4.Add(time.Hour), 2, 5)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.True(t, page[0].BucketTime.Equal(d2))

	page, err = s.QueryBefore(ctx, key, d3, 0, 5)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.True(t, page[0].BucketTime.Equal(d2))
}

func TestLatestValueCache(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.QueryLatestSingle(ctx, "KRW-BTC")
	assert.ErrorIs(t, err, ErrNotFound)

	bt := time.Date(2024, 1, 1, 9, 0, 0, 0, candle.Zone)
	require.NoError(t, s.Upsert(ctx, candle.Key{Symbol: "KRW-BTC", Interval: candle.Seconds}, at("KRW-BTC", bt, 1, 10, 10, 10, 10)))
	require.NoError(t, s.Upsert(ctx, candle.Key{Symbol: "KRW-BTC", Interval: candle.Seconds}, at("KRW-BTC", bt.Add(time.Second), 2, 11, 11, 11, 11)))
	// Only the finest interval feeds the cache.
	require.NoError(t, s.Upsert(ctx, candle.Key{Symbol: "KRW-BTC", Interval: candle.Minutes1}, at("KRW-BTC", bt, 3, 99, 99, 99, 99)))

	latest, err := s.QueryLatestSingle(ctx, "KRW-BTC")
	require.NoError(t, err)
	assert.True(t, latest.Close.Equal(price(11)))
}

func TestDrainAndClear(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 1, 1, 10, 0, 0, 0, candle.Zone)

	for _, sym := range []string{"KRW-BTC", "KRW-ETH"} {
		key := candle.Key{Symbol: sym, Interval: candle.Seconds}
		require.NoError(t, s.Upsert(ctx, key, at(sym, day, 0, 1, 1, 1, 1)))
		require.NoError(t, s.Upsert(ctx, key, at(sym, day.Add(time.Second), 0, 1, 1, 1, 1)))
		// Next day's partition must survive.
		require.NoError(t, s.Upsert(ctx, key, at(sym, day.AddDate(0, 0, 1), 0, 1, 1, 1, 1)))
	}
	minuteKey := candle.Key{Symbol: "KRW-BTC", Interval: candle.Minutes1}
	require.NoError(t, s.Upsert(ctx, minuteKey, at("KRW-BTC", day, 0, 1, 1, 1, 1)))

	drained, err := s.DrainAndClear(ctx, s.SecondsPattern(day))
	require.NoError(t, err)
	require.Len(t, drained, 2)
	assert.Equal(t, "KRW-BTC:seconds:2024-01-01", drained[0].Key)
	assert.Len(t, drained[0].Entries, 2)

	// Only the next day's partition is left.
	n, err := s.CountBucket(ctx, candle.Key{Symbol: "KRW-BTC", Interval: candle.Seconds})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	days, err := mr.ZMembers("KRW-BTC:seconds:index")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-02"}, days)

	n, err = s.CountBucket(ctx, minuteKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	again, err := s.DrainAndClear(ctx, s.SecondsPattern(day))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRestoreMergesWithNewerWrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := candle.Key{Symbol: "KRW-BTC", Interval: candle.Seconds}
	bt := time.Date(2024, 1, 1, 10, 0, 0, 0, candle.Zone)

	require.NoError(t, s.Upsert(ctx, key, at("KRW-BTC", bt, 1000, 100, 110, 95, 105)))
	require.NoError(t, s.Upsert(ctx, key, at("KRW-BTC", bt.Add(time.Second), 1001, 1, 1, 1, 1)))
	drained, err := s.DrainAndClear(ctx, s.SecondsPattern(bt))
	require.NoError(t, err)

	// A late observation arrives after the drain.
	require.NoError(t, s.Upsert(ctx, key, at("KRW-BTC", bt, 2000, 103, 108, 90, 107)))

	drained = append(drained, DrainedBucket{Key: drained[0].Key, Entries: []Entry{{Member: "not json", Score: float64(bt.UnixMilli())}}})
	require.NoError(t, s.Restore(ctx, drained))

	got, err := s.QueryRecent(ctx, key, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	merged := got[1]
	assert.True(t, merged.Open.Equal(price(100)))
	assert.True(t, merged.Close.Equal(price(107)))
	assert.True(t, merged.Low.Equal(price(90)))
}

func TestRestoreReappliesPartitionTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	key := candle.Key{Symbol: "KRW-BTC", Interval: candle.Seconds}
	bt := time.Date(2024, 1, 1, 10, 0, 0, 0, candle.Zone)

	require.NoError(t, s.Upsert(ctx, key, at("KRW-BTC", bt, 0, 1, 1, 1, 1)))
	drained, err := s.DrainAndClear(ctx, s.SecondsPattern(bt))
	require.NoError(t, err)
	require.False(t, mr.Exists("KRW-BTC:seconds:2024-01-01"))

	require.NoError(t, s.Restore(ctx, drained))
	assert.Equal(t, defaultPartitionTTL, mr.TTL("KRW-BTC:seconds:2024-01-01"))

	got, err := s.QueryRecent(ctx, key, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestConcurrentUpsertsDoNotLoseVolume(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := candle.Key{Symbol: "KRW-BTC", Interval: candle.Minutes1}
	bt := time.Date(2024, 1, 1, 9, 0, 0, 0, candle.Zone)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := at("KRW-BTC", bt, int64(1000+i), 100, 100+int64(i), 90, 100)
			errs <- s.Upsert(ctx, key, c)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.QueryRecent(ctx, key, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].AccVolume.Equal(decimal.NewFromInt(10)), "got %s", got[0].AccVolume)
	assert.True(t, got[0].High.Equal(price(119)))
}

func TestParseBucketKey(t *testing.T) {
	tests := []struct {
		in      string
		want    candle.Key
		day     string
		wantErr bool
	}{
		{in: "KRW-BTC:minutes/1", want: candle.Key{Symbol: "KRW-BTC", Interval: candle.Minutes1}},
		{in: "KRW-BTC:seconds:2024-01-01", want: candle.Key{Symbol: "KRW-BTC", Interval: candle.Seconds}, day: "2024-01-01"},
		{in: "KRW-BTC", wantErr: true},
		{in: "KRW-BTC:hours", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, day, err := ParseBucketKey(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.day, day)
		})
	}
}

func TestPrefixedKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedis(client, Options{Prefix: "ck:", Now: func() time.Time { return testDay }})
	ctx := context.Background()

	bt := time.Date(2024, 1, 1, 9, 0, 0, 0, candle.Zone)
	require.NoError(t, s.Upsert(ctx, candle.Key{Symbol: "KRW-BTC", Interval: candle.Seconds}, at("KRW-BTC", bt, 0, 1, 1, 1, 1)))

	assert.True(t, mr.Exists("ck:KRW-BTC:seconds:2024-01-01"))
	assert.True(t, mr.Exists("ck:KRW-BTC:Latest"))

	drained, err := s.DrainAndClear(ctx, s.SecondsPattern(bt))
	require.NoError(t, err)
	require.Len(t, drained, 1)
	assert.Equal(t, "KRW-BTC:seconds:2024-01-01", drained[0].Key)
}

func TestStoreErrorsWrapRedisFailures(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.QueryRecent(context.Background(), candle.Key{Symbol: "KRW-BTC", Interval: candle.Days}, 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), fmt.Sprintf("query %s", "KRW-BTC:days"))
}
