package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff_MonotonicAndPositive(t *testing.T) {
	b := NewExponentialBackoff()
	prev := time.Duration(0)
	for n := 0; n <= 64; n++ {
		d := b.Delay(n)
		require.Greater(t, d, time.Duration(0), "attempt %d", n)
		require.GreaterOrEqual(t, d, prev, "attempt %d", n)
		prev = d
	}
}

func TestExponentialBackoff_FirstDelayIsBase(t *testing.T) {
	b := ExponentialBackoff{Base: 5 * time.Second, Cap: time.Minute}
	require.Equal(t, 5*time.Second, b.Delay(0))
}

func TestExponentialBackoff_Doubles(t *testing.T) {
	b := ExponentialBackoff{Base: 10 * time.Second, Cap: 15 * time.Minute}
	require.Equal(t, 20*time.Second, b.Delay(1))
	require.Equal(t, 40*time.Second, b.Delay(2))
	require.Equal(t, 80*time.Second, b.Delay(3))
}

func TestExponentialBackoff_Capped(t *testing.T) {
	b := ExponentialBackoff{Base: 10 * time.Second, Cap: time.Minute}
	require.Equal(t, time.Minute, b.Delay(10))
	require.Equal(t, time.Minute, b.Delay(1000))
}

func TestExponentialBackoff_NegativeAttemptTreatedAsZero(t *testing.T) {
	b := ExponentialBackoff{Base: 10 * time.Second, Cap: time.Minute}
	require.Equal(t, 10*time.Second, b.Delay(-3))
}

func TestExponentialBackoff_ZeroConfigFallsBackToDefaults(t *testing.T) {
	var b ExponentialBackoff
	require.Equal(t, 10*time.Second, b.Delay(0))
	require.Equal(t, 15*time.Minute, b.Delay(1000))
}
