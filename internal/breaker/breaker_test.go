package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func failing(context.Context) error { return errUpstream }
func healthy(context.Context) error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{Name: "gateway", FailureThreshold: 3, OpenTimeout: time.Minute})
	ctx := context.Background()

	for range 3 {
		require.ErrorIs(t, b.Do(ctx, failing), errUpstream)
	}
	assert.Equal(t, Open, b.State())

	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Second})
	clock := time.Now()
	b.now = func() time.Time { return clock }
	ctx := context.Background()

	require.Error(t, b.Do(ctx, failing))
	assert.Equal(t, Open, b.State())

	clock = clock.Add(2 * time.Second)
	assert.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Do(ctx, healthy))
	assert.Equal(t, HalfOpen, b.State())
	require.NoError(t, b.Do(ctx, healthy))
	assert.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Second})
	clock := time.Now()
	b.now = func() time.Time { return clock }
	ctx := context.Background()

	require.Error(t, b.Do(ctx, failing))
	clock = clock.Add(2 * time.Second)
	require.Error(t, b.Do(ctx, failing))
	assert.Equal(t, Open, b.State())
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	b := New(Config{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Closed, b.State())
}
