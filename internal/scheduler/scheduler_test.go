package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	online  bool
	metered bool
}

func (c fakeConn) Online(context.Context) bool { return c.online }
func (c fakeConn) Metered() bool               { return c.metered }

func TestNextBackoff(t *testing.T) {
	s := New(Config{
		Interval:   time.Hour,
		MinBackoff: 30 * time.Second,
		MaxBackoff: 5 * time.Minute,
	}, nil, nil, testLogger())

	assert.Equal(t, 30*time.Second, s.nextBackoff(0))
	assert.Equal(t, time.Minute, s.nextBackoff(30*time.Second))
	assert.Equal(t, 2*time.Minute, s.nextBackoff(time.Minute))
	assert.Equal(t, 4*time.Minute, s.nextBackoff(2*time.Minute))
	// Doubling saturates at the ceiling.
	assert.Equal(t, 5*time.Minute, s.nextBackoff(4*time.Minute))
	assert.Equal(t, 5*time.Minute, s.nextBackoff(5*time.Minute))
}

func TestTriggerNowRunsImmediately(t *testing.T) {
	ran := make(chan struct{}, 1)

	s := New(Config{
		Interval:   time.Hour,
		MinBackoff: time.Second,
		MaxBackoff: time.Minute,
	}, func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	s.TriggerNow()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("trigger did not cause a run")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestTriggersCoalesce(t *testing.T) {
	s := New(Config{Interval: time.Hour, MinBackoff: time.Second, MaxBackoff: time.Minute},
		nil, nil, testLogger())

	// Before the loop wakes, repeated triggers collapse into one
	// buffered signal.
	s.TriggerNow()
	s.TriggerNow()
	s.TriggerNow()

	assert.Len(t, s.immediate, 1)
}

func TestStartKeepsExistingSchedule(t *testing.T) {
	block := make(chan struct{})

	s := New(Config{
		Interval:   time.Hour,
		MinBackoff: time.Second,
		MaxBackoff: time.Minute,
	}, func(ctx context.Context) error {
		<-block
		return nil
	}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	// Give the first loop time to register.
	require.Eventually(t, func() bool { return s.registered.Load() },
		time.Second, 5*time.Millisecond)

	// A second Start is a no-op, not a second loop.
	assert.NoError(t, s.Start(ctx))

	close(block)
	cancel()
	<-done
}

func TestFailedRunRetriesWithBackoff(t *testing.T) {
	var calls atomic.Int32

	s := New(Config{
		Interval:   time.Hour,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	}, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("server unavailable")
		}
		return nil
	}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	s.TriggerNow()

	// The failure must be retried from the backoff timer without
	// another explicit trigger.
	require.Eventually(t, func() bool { return calls.Load() >= 2 },
		5*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestOfflineDefersRun(t *testing.T) {
	var calls atomic.Int32

	s := New(Config{
		Interval:   time.Hour,
		MinBackoff: time.Hour,
		MaxBackoff: time.Hour,
	}, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, fakeConn{online: false}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	s.TriggerNow()

	// The run function is never reached while offline.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	cancel()
	<-done
}
