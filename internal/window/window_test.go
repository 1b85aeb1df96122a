package window

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a deterministic, manually-advanced clock for scheduler tests,
// grounded on original_source/app/scheduler.py's FakeClock.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	subs []chan time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.Advance(d)
	return nil
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

// Advance moves the fake clock forward and fires any pending After
// subscriptions (simplification: fires all pending subs, as tests only ever
// have one outstanding deadline at a time).
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	subs := c.subs
	c.subs = nil
	now := c.now
	c.mu.Unlock()
	for _, ch := range subs {
		ch <- now
	}
}

func TestNextWindowStartAlignsToHopBoundary(t *testing.T) {
	s := NewScheduler(12, 120, nil)
	now := time.Date(2026, 1, 1, 12, 0, 37, 0, time.UTC)

	got := s.NextWindowStart(now)

	require.Equal(t, time.Date(2026, 1, 1, 12, 2, 0, 0, time.UTC), got)
}

func TestNextWindowStartStaysWhenWithinWindow(t *testing.T) {
	s := NewScheduler(12, 120, nil)
	now := time.Date(2026, 1, 1, 12, 0, 5, 0, time.UTC)

	got := s.NextWindowStart(now)

	require.Equal(t, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), got)
}

func TestRunEmitsMonotonicFixedLengthWindows(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s := NewScheduler(12, 120, clock)

	pcm := make(chan []byte)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := s.Run(ctx, pcm)

	var windows []AudioWindow
	done := make(chan struct{})
	go func() {
		for w := range out {
			windows = append(windows, w)
			if len(windows) == 3 {
				close(done)
				return
			}
		}
	}()

	for i := 0; i < 3; i++ {
		clock.Advance(120 * time.Second)
	}
	<-done
	cancel()

	require.Len(t, windows, 3)
	for _, w := range windows {
		require.InDelta(t, 12.0, w.DurationSeconds(), 0.001)
	}
	require.Equal(t, windows[0].StartUTC.Add(120*time.Second), windows[1].StartUTC)
	require.Equal(t, windows[1].StartUTC.Add(120*time.Second), windows[2].StartUTC)
}

func TestRunEmitsEmptyPayloadWhenNoBytesArrive(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s := NewScheduler(12, 120, clock)

	pcm := make(chan []byte)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := s.Run(ctx, pcm)
	clock.Advance(120 * time.Second)

	w := <-out
	require.Empty(t, w.Payload)
}
