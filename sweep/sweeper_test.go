package sweep

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_RunOnce(t *testing.T) {
	s := NewSweeper(nil)

	var ran atomic.Int32
	s.Register(Job{
		Name:     "counting",
		Interval: time.Hour,
		Run: func(context.Context) (int, error) {
			ran.Add(1)
			return 3, nil
		},
	})
	s.Register(Job{
		Name:     "failing",
		Interval: time.Hour,
		Run: func(context.Context) (int, error) {
			return 0, assert.AnError
		},
	})

	total := s.RunOnce(context.Background())
	assert.Equal(t, 3, total, "failed jobs contribute nothing")
	assert.Equal(t, int32(1), ran.Load())
}

func TestSweeper_TickerLoop(t *testing.T) {
	s := NewSweeper(nil)

	var ran atomic.Int32
	s.Register(Job{
		Name:     "fast",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) (int, error) {
			ran.Add(1)
			return 1, nil
		},
	})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return ran.Load() >= 2 }, time.Second, time.Millisecond)
	s.Stop()

	after := ran.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, ran.Load(), "no runs after stop")

	// Stop is idempotent.
	s.Stop()
}

func TestSweeper_ContextCancelStopsLoops(t *testing.T) {
	s := NewSweeper(nil)

	var ran atomic.Int32
	s.Register(Job{
		Name:     "fast",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) (int, error) {
			ran.Add(1)
			return 1, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	require.Eventually(t, func() bool { return ran.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()

	time.Sleep(20 * time.Millisecond)
	after := ran.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, ran.Load())
}

func TestSweeper_RejectsInvalidJobs(t *testing.T) {
	s := NewSweeper(nil)
	s.Register(Job{Name: "no-run", Interval: time.Second})
	s.Register(Job{Name: "no-interval", Run: func(context.Context) (int, error) { return 0, nil }})
	assert.Equal(t, 0, s.RunOnce(context.Background()))
}
