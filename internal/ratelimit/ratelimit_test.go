package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the limiter's notion of time without sleeping.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time { return c.current }

func (c *fakeClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestLimiter() (*Limiter, *fakeClock) {
	clock := &fakeClock{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New()
	l.now = clock.now
	return l, clock
}

func TestLimiterEnforcesMinInterval(t *testing.T) {
	l, clock := newTestLimiter()
	l.Register("binance", 200*time.Millisecond)

	// First request passes and records the time.
	assert.Equal(t, time.Duration(0), l.Allow("binance"))

	// An immediate second request must wait out the interval.
	wait := l.Allow("binance")
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 200*time.Millisecond)

	// A denied request records nothing: the wait does not grow.
	again := l.Allow("binance")
	assert.Greater(t, again, time.Duration(0))
	assert.LessOrEqual(t, again, wait)

	// After the interval elapses the gate opens again.
	clock.advance(200 * time.Millisecond)
	assert.Equal(t, time.Duration(0), l.Allow("binance"))
}

func TestLimiterPartialWait(t *testing.T) {
	l, clock := newTestLimiter()
	l.Register("coinbase", 100*time.Millisecond)

	require.Equal(t, time.Duration(0), l.Allow("coinbase"))

	clock.advance(60 * time.Millisecond)
	wait := l.Allow("coinbase")
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 40*time.Millisecond)
}

func TestLimiterPerExchangeIndependence(t *testing.T) {
	l, _ := newTestLimiter()
	l.Register("binance", 200*time.Millisecond)
	l.Register("coinbase", 100*time.Millisecond)

	// Consuming binance's token leaves coinbase untouched.
	require.Equal(t, time.Duration(0), l.Allow("binance"))
	assert.Equal(t, time.Duration(0), l.Allow("coinbase"))

	assert.Greater(t, l.Allow("binance"), time.Duration(0))
	assert.Greater(t, l.Allow("coinbase"), time.Duration(0))
}

func TestLimiterUnregisteredPassesFreely(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		assert.Equal(t, time.Duration(0), l.Allow("unknown"))
	}
	assert.NoError(t, l.Wait(context.Background(), "unknown"))
}

func TestLimiterNonPositiveIntervalUngated(t *testing.T) {
	l, _ := newTestLimiter()
	l.Register("binance", 0)

	for i := 0; i < 5; i++ {
		assert.Equal(t, time.Duration(0), l.Allow("binance"))
	}
}

func TestLimiterReRegisterReplacesGate(t *testing.T) {
	l, _ := newTestLimiter()
	l.Register("binance", 200*time.Millisecond)
	require.Equal(t, time.Duration(0), l.Allow("binance"))
	require.Greater(t, l.Allow("binance"), time.Duration(0))

	// A fresh registration starts with a full token.
	l.Register("binance", 50*time.Millisecond)
	assert.Equal(t, time.Duration(0), l.Allow("binance"))
}

func TestLimiterWaitRespectsContext(t *testing.T) {
	l := New()
	l.Register("binance", time.Hour)
	require.Equal(t, time.Duration(0), l.Allow("binance"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx, "binance")
	assert.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		input   string
		want    Policy
		wantErr bool
	}{
		{input: "", want: PolicyBlock},
		{input: "block", want: PolicyBlock},
		{input: "skip", want: PolicySkip},
		{input: "bogus", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("input "+tt.input, func(t *testing.T) {
			got, err := ParsePolicy(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicyString(t *testing.T) {
	assert.Equal(t, "block", PolicyBlock.String())
	assert.Equal(t, "skip", PolicySkip.String())
}
