package fetcher

import (
	"context"
	"strings"

	"github.com/navid-fn/candlekeeper/internal/candle"
)

// FallbackReader reports whether a unit is currently served by polling.
type FallbackReader interface {
	IsFallback(unit string) bool
}

// PollTask fetches one interval across the universe on each run.
type PollTask struct {
	fetcher *Fetcher
	iv      candle.Interval
	count   int
	flags   FallbackReader
}

// PollTask builds the scheduled task for iv. Intervals the stream does not
// carry are fetched on every run; pushed intervals only while flags reports
// their unit in fallback.
func (f *Fetcher) PollTask(iv candle.Interval, countPerSymbol int, flags FallbackReader) *PollTask {
	return &PollTask{fetcher: f, iv: iv, count: countPerSymbol, flags: flags}
}

func (t *PollTask) Name() string {
	return "poll-" + strings.ReplaceAll(t.iv.String(), "/", "-")
}

// ShouldPoll applies the scheduling policy for the next run.
func (t *PollTask) ShouldPoll() bool {
	if !t.iv.Pushed() {
		return true
	}
	unit := t.iv.Unit()
	if unit == "" || t.flags == nil {
		return false
	}
	return t.flags.IsFallback(unit)
}

func (t *PollTask) Run(ctx context.Context) error {
	if !t.ShouldPoll() {
		return nil
	}
	return t.fetcher.FetchUniverse(ctx, t.iv, t.count)
}

// BackfillTask runs BackfillAll once in the background.
type BackfillTask struct {
	fetcher *Fetcher
}

func (f *Fetcher) BackfillTask() *BackfillTask {
	return &BackfillTask{fetcher: f}
}

func (t *BackfillTask) Name() string { return "backfill" }

func (t *BackfillTask) Run(ctx context.Context) error {
	return t.fetcher.BackfillAll(ctx)
}
