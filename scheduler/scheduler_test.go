package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMisfireGrace(t *testing.T) {
	assert := assert.New(t)

	s := New(5*time.Minute, nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	var runs int
	fn := func(ctx context.Context) error {
		runs++
		return nil
	}

	// late, but within grace
	s.wrap("post", func() time.Time { return now.Add(-4 * time.Minute) }, fn).Run()
	assert.Equal(1, runs)

	// beyond grace
	s.wrap("post", func() time.Time { return now.Add(-6 * time.Minute) }, fn).Run()
	assert.Equal(1, runs)

	// no scheduled time known
	s.wrap("post", func() time.Time { return time.Time{} }, fn).Run()
	assert.Equal(2, runs)

	// grace disabled
	s.MisfireGrace = 0
	s.wrap("post", func() time.Time { return now.Add(-time.Hour) }, fn).Run()
	assert.Equal(3, runs)
}

func TestJobErrorDoesNotPanic(t *testing.T) {
	s := New(time.Minute, nil)
	assert.NotPanics(t, func() {
		s.wrap("mentions", func() time.Time { return time.Time{} }, func(ctx context.Context) error {
			return errors.New("upstream unavailable")
		}).Run()
	})
}

func TestRecoverChain(t *testing.T) {
	logger := cronLogger{logger: slog.Default(), job: "post"}
	job := cron.NewChain(cron.Recover(logger)).Then(cron.FuncJob(func() {
		panic("boom")
	}))
	assert.NotPanics(t, job.Run)
}

func TestRunNowRecovers(t *testing.T) {
	s := New(time.Minute, nil)
	err := s.RunNow(context.Background(), "post", func(ctx context.Context) error {
		panic("boom")
	})
	assert.ErrorContains(t, err, "panicked")

	err = s.RunNow(context.Background(), "post", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestEveryValidation(t *testing.T) {
	s := New(time.Minute, nil)
	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, s.Every("fast", 10*time.Millisecond, noop))
	require.NoError(t, s.Every("post", time.Hour, noop))
	assert.Error(t, s.Every("post", time.Hour, noop))
}

func TestSingleInFlight(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timing test in short mode")
	}
	assert := assert.New(t)

	s := New(time.Minute, nil)
	var running, maxRunning, runs int32
	require.NoError(t, s.Every("slow", time.Second, func(ctx context.Context) error {
		n := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		atomic.AddInt32(&runs, 1)
		select {
		case <-time.After(2500 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	}))
	s.Start()
	time.Sleep(3500 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	assert.GreaterOrEqual(atomic.LoadInt32(&runs), int32(1))
	assert.Equal(int32(1), atomic.LoadInt32(&maxRunning))
}
