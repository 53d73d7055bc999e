package candle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalCapacities(t *testing.T) {
	want := map[Interval]int{
		Seconds:   1000,
		Minutes1:  1000,
		Minutes30: 1000,
		Minutes60: 1000,
		Days:      500,
		Weeks:     150,
		Months:    50,
		Years:     10,
	}
	for iv, capacity := range want {
		assert.Equal(t, capacity, iv.Capacity(), iv.String())
	}
	assert.Zero(t, Interval(99).Capacity())
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in   string
		want Interval
	}{
		{"minutes/1", Minutes1},
		{"1m", Minutes1},
		{"candle.60m", Minutes60},
		{"1h", Minutes60},
		{"days", Days},
		{"seconds", Seconds},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInterval(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseInterval("minutes/5")
	assert.Error(t, err)
}

func TestPushedIntervals(t *testing.T) {
	for _, iv := range AlwaysPolled() {
		assert.False(t, iv.Pushed(), iv.String())
		assert.Empty(t, iv.Unit())
	}
	assert.True(t, Seconds.Pushed())
	assert.Empty(t, Seconds.Unit())
	assert.Equal(t, "30m", Minutes30.Unit())

	iv, ok := FromStreamType("candle.1s")
	assert.True(t, ok)
	assert.Equal(t, Seconds, iv)

	_, ok = FromStreamType("candle.5m")
	assert.False(t, ok)
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "KRW-BTC:minutes/1", Key{Symbol: "KRW-BTC", Interval: Minutes1}.String())
}
