package store

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/navid-fn/candlekeeper/internal/candle"
)

const (
	latestSuffix = "Latest"
	indexSuffix  = "index"
)

// bucketKey returns the Redis key of a bucket. Seconds buckets are split
// per reference-calendar day so a whole day can be archived by pattern.
func (s *Redis) bucketKey(key candle.Key, day string) string {
	base := s.prefix + key.String()
	if key.Interval == candle.Seconds {
		return base + ":" + day
	}
	return base
}

// partitionIndexKey is a sorted set of the day labels holding symbol's
// seconds candles, scored by the day's start in Unix milliseconds.
func (s *Redis) partitionIndexKey(symbol string) string {
	return s.prefix + candle.Key{Symbol: symbol, Interval: candle.Seconds}.String() + ":" + indexSuffix
}

func dayScore(day string) (float64, error) {
	start, err := time.ParseInLocation(candle.DayLayout, day, candle.Zone)
	if err != nil {
		return 0, fmt.Errorf("partition day %q: %w", day, err)
	}
	return float64(start.UnixMilli()), nil
}

func (s *Redis) latestKey(symbol string) string {
	return s.prefix + symbol + ":" + latestSuffix
}

// SecondsPattern matches every symbol's seconds bucket for day.
func (s *Redis) SecondsPattern(day time.Time) string {
	return s.prefix + "*:" + candle.Seconds.String() + ":" + candle.Day(day)
}

// ParseBucketKey splits an unprefixed bucket key into its candle key and
// day partition (empty unless the interval is seconds).
func ParseBucketKey(k string) (candle.Key, string, error) {
	parts := strings.Split(k, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return candle.Key{}, "", fmt.Errorf("malformed bucket key %q", k)
	}
	iv, err := candle.ParseInterval(parts[1])
	if err != nil {
		return candle.Key{}, "", fmt.Errorf("bucket key %q: %w", k, err)
	}
	day := ""
	if len(parts) == 3 {
		day = parts[2]
	}
	return candle.Key{Symbol: parts[0], Interval: iv}, day, nil
}

const lockStripes = 64

// keyLocks serializes mutations of the same key inside one process.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *keyLocks) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
