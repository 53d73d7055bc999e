// Package store implements the candle hot store on Redis.
//
// Each bucket is a sorted set scored by the bucket label in Unix
// milliseconds, with the candle JSON as member. A bucket therefore holds at
// most one member per label, and trimming by rank drops the oldest labels.
//
// The seconds bucket of a symbol is split into one sorted set per
// reference-calendar day, listed in a per-symbol index. Capacity applies to
// the partitions together, and queries walk them newest first.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/candlekeeper/internal/candle"
)

var (
	// ErrNotFound is returned by QueryLatestSingle for an unknown symbol.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a bucket kept changing under an
	// optimistic transaction for every retry.
	ErrConflict = errors.New("store: too many concurrent writers")
)

const (
	defaultMaxRetries   = 16
	defaultPartitionTTL = 72 * time.Hour
	scanCount           = 500
)

// Options configures a Redis store.
type Options struct {
	// Prefix is prepended to every key.
	Prefix string

	// MaxRetries bounds optimistic transaction retries per bucket write.
	MaxRetries int

	// PartitionTTL expires day-partitioned seconds buckets that were never
	// archived. Zero uses 72h, negative disables expiry.
	PartitionTTL time.Duration

	// Now is the clock used to pick the current seconds partition.
	Now func() time.Time

	Logger logrus.FieldLogger
}

// Entry is a raw bucket member with its score.
type Entry struct {
	Member string
	Score  float64
}

// DrainedBucket is the content of one key removed by DrainAndClear.
type DrainedBucket struct {
	// Key is the bucket key without the store prefix.
	Key     string
	Entries []Entry
}

// Redis is the candle store. It is safe for concurrent use.
type Redis struct {
	client       redis.UniversalClient
	prefix       string
	maxRetries   int
	partitionTTL time.Duration
	now          func() time.Time
	logger       logrus.FieldLogger

	// locks guards single Redis keys; bucketLocks guards a symbol's seconds
	// partitions as a whole and is always taken first.
	locks       keyLocks
	bucketLocks keyLocks
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, opts Options) *Redis {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.PartitionTTL == 0 {
		opts.PartitionTTL = defaultPartitionTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Redis{
		client:       client,
		prefix:       opts.Prefix,
		maxRetries:   opts.MaxRetries,
		partitionTTL: opts.PartitionTTL,
		now:          opts.Now,
		logger:       opts.Logger.WithField("component", "store"),
	}
}

// Ping checks connectivity to Redis.
func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Upsert merges c into the bucket at key.
func (s *Redis) Upsert(ctx context.Context, key candle.Key, c candle.Candle) error {
	return s.UpsertBatch(ctx, key, []candle.Candle{c})
}

// UpsertBatch merges candles into the bucket at key. Duplicate labels inside
// the batch are merged with each other before being merged with stored
// records. The whole batch is validated before anything is written.
func (s *Redis) UpsertBatch(ctx context.Context, key candle.Key, candles []candle.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	if !key.Interval.Valid() {
		return fmt.Errorf("%w: unknown interval %s", candle.ErrInvalidCandle, key.Interval)
	}

	// Groups are keyed by day partition; every interval but seconds has one.
	groups := make(map[string][]candle.Candle)
	var order []string
	var latest *candle.Candle
	for i := range candles {
		c := candles[i]
		if err := c.Validate(); err != nil {
			return fmt.Errorf("upsert %s: %w", key, err)
		}
		if c.Symbol != key.Symbol {
			return fmt.Errorf("upsert %s: %w: symbol %q", key, candle.ErrInvalidCandle, c.Symbol)
		}
		c = c.Normalize()

		day := ""
		if key.Interval == candle.Seconds {
			day = candle.Day(c.BucketTime)
		}
		if _, ok := groups[day]; !ok {
			order = append(order, day)
		}
		groups[day] = append(groups[day], c)

		if latest == nil || newer(c, *latest) {
			latest = &c
		}
	}

	if key.Interval == candle.Seconds {
		unlock := s.bucketLocks.lock(s.prefix + key.String())
		defer unlock()
		if err := s.indexPartitions(ctx, key.Symbol, order...); err != nil {
			return err
		}
	}
	for _, day := range order {
		if err := s.mergeInto(ctx, s.bucketKey(key, day), key.Interval, groups[day]); err != nil {
			return err
		}
	}
	if key.Interval == candle.Seconds {
		if err := s.trimPartitions(ctx, key); err != nil {
			return err
		}
	}

	if key.Interval == candle.Finest && latest != nil {
		if err := s.setLatest(ctx, *latest); err != nil {
			return err
		}
	}
	return nil
}

func newer(a, b candle.Candle) bool {
	if a.BucketTime.Equal(b.BucketTime) {
		return a.EpochMillis >= b.EpochMillis
	}
	return a.BucketTime.After(b.BucketTime)
}

type pending struct {
	score  int64
	candle candle.Candle
}

// fold merges same-label candles of one batch, keeping first-seen order.
func fold(batch []candle.Candle) []pending {
	index := make(map[int64]int, len(batch))
	out := make([]pending, 0, len(batch))
	for _, c := range batch {
		score := c.BucketMillis()
		if i, ok := index[score]; ok {
			if !candle.Equal(out[i].candle, c) {
				out[i].candle = candle.Merge(out[i].candle, c)
			}
			continue
		}
		index[score] = len(out)
		out = append(out, pending{score: score, candle: c})
	}
	return out
}

func (s *Redis) mergeInto(ctx context.Context, rk string, iv candle.Interval, batch []candle.Candle) error {
	incoming := fold(batch)
	minScore, maxScore := incoming[0].score, incoming[0].score
	for _, p := range incoming[1:] {
		minScore = min(minScore, p.score)
		maxScore = max(maxScore, p.score)
	}

	unlock := s.locks.lock(rk)
	defer unlock()

	txf := func(tx *redis.Tx) error {
		existing, err := tx.ZRangeByScoreWithScores(ctx, rk, &redis.ZRangeBy{
			Min: formatScore(minScore),
			Max: formatScore(maxScore),
		}).Result()
		if err != nil {
			return err
		}

		stored := make(map[int64]candle.Candle, len(existing))
		for _, z := range existing {
			member, _ := z.Member.(string)
			var c candle.Candle
			if err := json.Unmarshal([]byte(member), &c); err != nil {
				// Replaced by the incoming record below.
				s.logger.WithError(err).WithField("key", rk).Warn("Discarding undecodable bucket member")
				continue
			}
			stored[int64(z.Score)] = c
		}

		type write struct {
			score  int64
			member string
		}
		writes := make([]write, 0, len(incoming))
		for _, p := range incoming {
			c := p.candle
			if old, ok := stored[p.score]; ok {
				if candle.Equal(old, c) {
					continue
				}
				c = candle.Merge(old, c)
			}
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("encode candle: %w", err)
			}
			writes = append(writes, write{score: p.score, member: string(data)})
		}
		if len(writes) == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range writes {
				score := formatScore(w.score)
				pipe.ZRemRangeByScore(ctx, rk, score, score)
				pipe.ZAdd(ctx, rk, redis.Z{Score: float64(w.score), Member: w.member})
			}
			pipe.ZRemRangeByRank(ctx, rk, 0, int64(-iv.Capacity()-1))
			if iv == candle.Seconds && s.partitionTTL > 0 {
				pipe.Expire(ctx, rk, s.partitionTTL)
			}
			return nil
		})
		return err
	}

	return s.watch(ctx, rk, txf)
}

// watch runs txf under WATCH on rk, retrying when another writer won.
func (s *Redis) watch(ctx context.Context, rk string, txf func(*redis.Tx) error) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, rk)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("write %s: %w", rk, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %s", ErrConflict, rk)
}

func (s *Redis) setLatest(ctx context.Context, c candle.Candle) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode latest: %w", err)
	}
	if err := s.client.Set(ctx, s.latestKey(c.Symbol), data, 0).Err(); err != nil {
		return fmt.Errorf("set latest %s: %w", c.Symbol, err)
	}
	return nil
}

// QueryRecent returns up to count candles, most recent first. A missing
// bucket yields an empty slice.
func (s *Redis) QueryRecent(ctx context.Context, key candle.Key, count int) ([]candle.Candle, error) {
	out := []candle.Candle{}
	if count <= 0 {
		return out, nil
	}
	keys, err := s.partitionKeys(ctx, key, "+inf")
	if err != nil {
		return nil, err
	}
	for _, rk := range keys {
		if len(out) >= count {
			break
		}
		members, err := s.client.ZRevRange(ctx, rk, 0, int64(count-len(out)-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", rk, err)
		}
		out = append(out, s.decodeMembers(rk, members)...)
	}
	return limitDesc(out, 0, count), nil
}

// QueryBefore returns a page of candles strictly older than before, most
// recent first, skipping offset candles.
func (s *Redis) QueryBefore(ctx context.Context, key candle.Key, before time.Time, offset, size int) ([]candle.Candle, error) {
	out := []candle.Candle{}
	if size <= 0 {
		return out, nil
	}
	offset = max(offset, 0)
	bound := "(" + formatScore(before.UnixMilli())

	keys, err := s.partitionKeys(ctx, key, bound)
	if err != nil {
		return nil, err
	}
	need := offset + size
	for _, rk := range keys {
		if len(out) >= need {
			break
		}
		members, err := s.client.ZRevRangeByScore(ctx, rk, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   bound,
			Count: int64(need - len(out)),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", rk, err)
		}
		out = append(out, s.decodeMembers(rk, members)...)
	}
	return limitDesc(out, offset, size), nil
}

// partitionKeys lists the Redis keys holding key's candles, newest first.
// Seconds partitions starting after maxStart are left out.
func (s *Redis) partitionKeys(ctx context.Context, key candle.Key, maxStart string) ([]string, error) {
	if key.Interval != candle.Seconds {
		return []string{s.bucketKey(key, "")}, nil
	}
	ik := s.partitionIndexKey(key.Symbol)
	days, err := s.client.ZRevRangeByScore(ctx, ik, &redis.ZRangeBy{Min: "-inf", Max: maxStart}).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", ik, err)
	}
	keys := make([]string, len(days))
	for i, day := range days {
		keys[i] = s.bucketKey(key, day)
	}
	return keys, nil
}

func (s *Redis) indexPartitions(ctx context.Context, symbol string, days ...string) error {
	if len(days) == 0 {
		return nil
	}
	zs := make([]redis.Z, 0, len(days))
	for _, day := range days {
		score, err := dayScore(day)
		if err != nil {
			return err
		}
		zs = append(zs, redis.Z{Score: score, Member: day})
	}

	ik := s.partitionIndexKey(symbol)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, ik, zs...)
		if s.partitionTTL > 0 {
			pipe.Expire(ctx, ik, s.partitionTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index %s: %w", ik, err)
	}
	return nil
}

func (s *Redis) cardinalities(ctx context.Context, keys []string) ([]int64, error) {
	cmds := make([]*redis.IntCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, rk := range keys {
			cmds[i] = pipe.ZCard(ctx, rk)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count partitions: %w", err)
	}
	out := make([]int64, len(cmds))
	for i, cmd := range cmds {
		out[i] = cmd.Val()
	}
	return out, nil
}

// trimPartitions evicts the oldest candles across key's seconds partitions
// until together they hold at most the bucket capacity, and drops empty
// past days from the index. The caller holds the bucket lock.
func (s *Redis) trimPartitions(ctx context.Context, key candle.Key) error {
	ik := s.partitionIndexKey(key.Symbol)
	days, err := s.client.ZRange(ctx, ik, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("trim %s: %w", ik, err)
	}
	keys := make([]string, len(days))
	for i, day := range days {
		keys[i] = s.bucketKey(key, day)
	}
	cards, err := s.cardinalities(ctx, keys)
	if err != nil {
		return err
	}

	var total int64
	for _, n := range cards {
		total += n
	}
	excess := total - int64(key.Interval.Capacity())
	today := candle.Day(s.now())

	var gone []any
	for i, day := range days {
		n := cards[i]
		switch {
		case n == 0:
			// A writer in another process may have indexed today ahead of its write.
			if day < today {
				gone = append(gone, day)
			}
		case excess <= 0:
		case n <= excess:
			if err := s.evict(ctx, keys[i], -1); err != nil {
				return err
			}
			gone = append(gone, day)
			excess -= n
		default:
			if err := s.evict(ctx, keys[i], excess-1); err != nil {
				return err
			}
			excess = 0
		}
	}
	if len(gone) > 0 {
		if err := s.client.ZRem(ctx, ik, gone...).Err(); err != nil {
			return fmt.Errorf("trim %s: %w", ik, err)
		}
	}
	return nil
}

// evict removes the members of rk up to rank stop, oldest first.
func (s *Redis) evict(ctx context.Context, rk string, stop int64) error {
	unlock := s.locks.lock(rk)
	defer unlock()
	if err := s.client.ZRemRangeByRank(ctx, rk, 0, stop).Err(); err != nil {
		return fmt.Errorf("trim %s: %w", rk, err)
	}
	return nil
}

// QueryLatestSingle returns the most recent seconds observation of symbol.
func (s *Redis) QueryLatestSingle(ctx context.Context, symbol string) (candle.Candle, error) {
	data, err := s.client.Get(ctx, s.latestKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return candle.Candle{}, fmt.Errorf("%w: latest %s", ErrNotFound, symbol)
	}
	if err != nil {
		return candle.Candle{}, fmt.Errorf("get latest %s: %w", symbol, err)
	}
	var c candle.Candle
	if err := json.Unmarshal(data, &c); err != nil {
		return candle.Candle{}, fmt.Errorf("decode latest %s: %w", symbol, err)
	}
	return c, nil
}

// CountBucket returns the bucket length. For seconds it is the total over
// every day partition.
func (s *Redis) CountBucket(ctx context.Context, key candle.Key) (int64, error) {
	keys, err := s.partitionKeys(ctx, key, "+inf")
	if err != nil {
		return 0, err
	}
	cards, err := s.cardinalities(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", key, err)
	}
	var n int64
	for _, c := range cards {
		n += c
	}
	return n, nil
}

// DrainAndClear removes every bucket matching pattern and returns what it
// held. Read and delete of each key run in one MULTI, so a concurrent write
// lands either in the drained set or in a fresh key. On error the buckets
// drained so far are returned alongside it.
func (s *Redis) DrainAndClear(ctx context.Context, pattern string) ([]DrainedBucket, error) {
	keys, err := s.scan(ctx, pattern)
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)

	var drained []DrainedBucket
	for _, k := range keys {
		entries, err := s.drainKey(ctx, k)
		if err != nil {
			return drained, err
		}
		bk := strings.TrimPrefix(k, s.prefix)
		if err := s.unindex(ctx, bk); err != nil {
			return append(drained, DrainedBucket{Key: bk, Entries: entries}), err
		}
		if len(entries) == 0 {
			continue
		}
		drained = append(drained, DrainedBucket{Key: bk, Entries: entries})
	}
	return drained, nil
}

// unindex drops a drained seconds partition from its symbol's index.
func (s *Redis) unindex(ctx context.Context, bucketKey string) error {
	key, day, err := ParseBucketKey(bucketKey)
	if err != nil || key.Interval != candle.Seconds || day == "" {
		return nil
	}
	ik := s.partitionIndexKey(key.Symbol)
	if err := s.client.ZRem(ctx, ik, day).Err(); err != nil {
		return fmt.Errorf("unindex %s: %w", ik, err)
	}
	return nil
}

func (s *Redis) drainKey(ctx context.Context, rk string) ([]Entry, error) {
	unlock := s.locks.lock(rk)
	defer unlock()

	var rng *redis.ZSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rng = pipe.ZRangeWithScores(ctx, rk, 0, -1)
		pipe.Del(ctx, rk)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", rk, err)
	}

	zs := rng.Val()
	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		entries = append(entries, Entry{Member: member, Score: z.Score})
	}
	return entries, nil
}

// Restore puts drained buckets back. A label that was written again since
// the drain keeps the newer record merged with the drained one; drained
// members that no longer decode are only restored into free labels.
// Restored seconds partitions get the partition TTL again and count toward
// the bucket capacity like live ones.
func (s *Redis) Restore(ctx context.Context, buckets []DrainedBucket) error {
	for _, b := range buckets {
		if len(b.Entries) == 0 {
			continue
		}
		if err := s.restoreBucket(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Redis) restoreBucket(ctx context.Context, b DrainedBucket) error {
	key, day, err := ParseBucketKey(b.Key)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	seconds := key.Interval == candle.Seconds && day != ""
	if seconds {
		unlock := s.bucketLocks.lock(s.prefix + key.String())
		defer unlock()
		if err := s.indexPartitions(ctx, key.Symbol, day); err != nil {
			return err
		}
	}
	if err := s.restoreEntries(ctx, s.prefix+b.Key, key.Interval, b.Entries); err != nil {
		return err
	}
	if seconds {
		return s.trimPartitions(ctx, key)
	}
	return nil
}

func (s *Redis) restoreEntries(ctx context.Context, rk string, iv candle.Interval, entries []Entry) error {
	unlock := s.locks.lock(rk)
	defer unlock()

	txf := func(tx *redis.Tx) error {
		current, err := tx.ZRangeWithScores(ctx, rk, 0, -1).Result()
		if err != nil {
			return err
		}
		occupied := make(map[int64]string, len(current))
		for _, z := range current {
			member, _ := z.Member.(string)
			occupied[int64(z.Score)] = member
		}

		var replace []int64
		zs := make([]redis.Z, 0, len(entries))
		for _, e := range entries {
			score := int64(e.Score)
			member := e.Member
			if cur, ok := occupied[score]; ok {
				merged, ok := mergeMembers(cur, e.Member)
				if !ok {
					continue
				}
				member = merged
				replace = append(replace, score)
			}
			zs = append(zs, redis.Z{Score: e.Score, Member: member})
		}
		if len(zs) == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, score := range replace {
				sc := formatScore(score)
				pipe.ZRemRangeByScore(ctx, rk, sc, sc)
			}
			pipe.ZAdd(ctx, rk, zs...)
			pipe.ZRemRangeByRank(ctx, rk, 0, int64(-iv.Capacity()-1))
			if iv == candle.Seconds && s.partitionTTL > 0 {
				pipe.Expire(ctx, rk, s.partitionTTL)
			}
			return nil
		})
		return err
	}

	return s.watch(ctx, rk, txf)
}

func mergeMembers(current, drained string) (string, bool) {
	var a, b candle.Candle
	if json.Unmarshal([]byte(current), &a) != nil || json.Unmarshal([]byte(drained), &b) != nil {
		return "", false
	}
	if candle.Equal(a, b) {
		return current, true
	}
	data, err := json.Marshal(candle.Merge(b, a))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (s *Redis) scan(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	collect := func(ctx context.Context, c redis.UniversalClient) error {
		iter := c.Scan(ctx, 0, pattern, scanCount).Iterator()
		for iter.Next(ctx) {
			seen[iter.Val()] = struct{}{}
		}
		return iter.Err()
	}

	var err error
	if cc, ok := s.client.(*redis.ClusterClient); ok {
		err = cc.ForEachMaster(ctx, func(ctx context.Context, c *redis.Client) error {
			return collect(ctx, c)
		})
	} else {
		err = collect(ctx, s.client)
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Redis) decodeMembers(rk string, members []string) []candle.Candle {
	out := make([]candle.Candle, 0, len(members))
	for _, m := range members {
		var c candle.Candle
		if err := json.Unmarshal([]byte(m), &c); err != nil {
			s.logger.WithError(err).WithField("key", rk).Warn("Skipping undecodable bucket member")
			continue
		}
		out = append(out, c)
	}
	return out
}

// limitDesc sorts by bucket time descending and returns [offset, offset+n).
func limitDesc(cs []candle.Candle, offset, n int) []candle.Candle {
	slices.SortFunc(cs, func(a, b candle.Candle) int {
		return b.BucketTime.Compare(a.BucketTime)
	})
	if offset >= len(cs) {
		return []candle.Candle{}
	}
	cs = cs[offset:]
	if len(cs) > n {
		cs = cs[:n]
	}
	return cs
}

func formatScore(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
