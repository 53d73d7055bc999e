package candle

import (
	"fmt"
)

// Interval is the bucket granularity of a candle.
type Interval int

const (
	Seconds Interval = iota
	Minutes1
	Minutes30
	Minutes60
	Days
	Weeks
	Months
	Years
)

// Finest is the interval that feeds the latest-value cache.
const Finest = Seconds

type intervalInfo struct {
	suffix     string
	capacity   int
	unit       string
	streamType string
}

// The suffix is both the hot-store key suffix and the REST path segment.
var intervals = [...]intervalInfo{
	Seconds:   {suffix: "seconds", capacity: 1000, streamType: "candle.1s"},
	Minutes1:  {suffix: "minutes/1", capacity: 1000, unit: "1m", streamType: "candle.1m"},
	Minutes30: {suffix: "minutes/30", capacity: 1000, unit: "30m", streamType: "candle.30m"},
	Minutes60: {suffix: "minutes/60", capacity: 1000, unit: "1h", streamType: "candle.60m"},
	Days:      {suffix: "days", capacity: 500},
	Weeks:     {suffix: "weeks", capacity: 150},
	Months:    {suffix: "months", capacity: 50},
	Years:     {suffix: "years", capacity: 10},
}

// All returns every supported interval, finest first.
func All() []Interval {
	return []Interval{Seconds, Minutes1, Minutes30, Minutes60, Days, Weeks, Months, Years}
}

// AlwaysPolled returns the intervals the push feed never carries.
func AlwaysPolled() []Interval {
	return []Interval{Days, Weeks, Months, Years}
}

// Valid reports whether i is a known interval.
func (i Interval) Valid() bool {
	return i >= Seconds && i <= Years
}

func (i Interval) String() string {
	if !i.Valid() {
		return fmt.Sprintf("interval(%d)", int(i))
	}
	return intervals[i].suffix
}

// Capacity is the maximum number of candles retained per bucket.
func (i Interval) Capacity() int {
	if !i.Valid() {
		return 0
	}
	return intervals[i].capacity
}

// Unit is the fallback unit name ("1m", "30m", "1h"), empty when the
// interval has no fallback flag.
func (i Interval) Unit() string {
	if !i.Valid() {
		return ""
	}
	return intervals[i].unit
}

// StreamType is the websocket subscription type, empty for poll-only intervals.
func (i Interval) StreamType() string {
	if !i.Valid() {
		return ""
	}
	return intervals[i].streamType
}

// Pushed reports whether the streaming feed carries this interval.
func (i Interval) Pushed() bool {
	return i.StreamType() != ""
}

// ParseInterval accepts a key suffix ("minutes/1"), a fallback unit ("1m")
// or a stream type ("candle.1m").
func ParseInterval(s string) (Interval, error) {
	for _, iv := range All() {
		info := intervals[iv]
		if s == info.suffix || (info.unit != "" && s == info.unit) || (info.streamType != "" && s == info.streamType) {
			return iv, nil
		}
	}
	return 0, fmt.Errorf("unknown interval %q", s)
}

// FromStreamType maps a stream frame type to its interval.
func FromStreamType(t string) (Interval, bool) {
	for _, iv := range All() {
		if st := intervals[iv].streamType; st != "" && st == t {
			return iv, true
		}
	}
	return 0, false
}
