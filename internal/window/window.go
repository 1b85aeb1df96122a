// Package window aligns analysis windows to a wall-clock cadence and
// accumulates decoded PCM into fixed-length window records, generalizing
// the teacher's playlist.Scheduler time-tag ticker loop from "poll a
// schedule" to "accumulate bytes and emit on a hop boundary".
package window

import (
	"context"
	"log/slog"
	"time"
)

// Clock abstracts time so tests can drive the scheduler deterministically,
// mirroring original_source/app/scheduler.py's Clock/RealClock/FakeClock
// split.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
	// After returns a channel that fires once d has elapsed. A non-positive
	// d fires immediately. Used for the per-window deadline so a window is
	// emitted even if no PCM chunk arrives during its span.
	After(d time.Duration) <-chan time.Time
}

// RealClock uses the system clock and time.Sleep/context cancellation.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (RealClock) After(d time.Duration) <-chan time.Time {
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- time.Now().UTC()
		return ch
	}
	return time.After(d)
}

// AudioWindow is a self-contained slice of PCM bytes aligned to
// [StartUTC, EndUTC).
type AudioWindow struct {
	StartUTC time.Time
	EndUTC   time.Time
	Payload  []byte
}

// DurationSeconds returns the invariant window length in seconds.
func (w AudioWindow) DurationSeconds() float64 {
	return w.EndUTC.Sub(w.StartUTC).Seconds()
}

// Scheduler accumulates PCM chunks read from a byte channel into
// hop-aligned, fixed-length AudioWindows.
type Scheduler struct {
	WindowSeconds int
	HopSeconds    int
	Clock         Clock
}

// NewScheduler constructs a Scheduler. hop must be greater than window; this
// is validated at config time (see internal/config.Config.Validate), not
// here.
func NewScheduler(windowSeconds, hopSeconds int, clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{WindowSeconds: windowSeconds, HopSeconds: hopSeconds, Clock: clock}
}

// NextWindowStart returns the hop boundary at or before now if now still
// falls inside that boundary's window span [boundary, boundary+window);
// otherwise it returns the next hop boundary after now. Ported directly from
// original_source/app/scheduler.py:calculate_next_window_start.
func (s *Scheduler) NextWindowStart(now time.Time) time.Time {
	hop := int64(s.HopSeconds)
	secondsSinceEpoch := now.Unix()
	hopBoundary := (secondsSinceEpoch / hop) * hop

	if secondsSinceEpoch >= hopBoundary+int64(s.WindowSeconds) {
		hopBoundary += hop
	}

	return time.Unix(hopBoundary, 0).UTC()
}

// Run consumes PCM chunks from pcm and emits AudioWindows on the returned
// channel, aligned to the scheduler's cadence. It returns immediately; its
// goroutine runs until ctx is cancelled or pcm is closed, then closes the
// output channel.
//
// Within a single call, emitted windows are strictly monotonic in
// StartUTC, and w.EndUTC - w.StartUTC always equals WindowSeconds.
func (s *Scheduler) Run(ctx context.Context, pcm <-chan []byte) <-chan AudioWindow {
	out := make(chan AudioWindow)

	go func() {
		defer close(out)

		windowDur := time.Duration(s.WindowSeconds) * time.Second

		now := s.Clock.Now()
		windowStart := s.NextWindowStart(now)

		if wait := windowStart.Sub(now); wait > 0 {
			if err := s.Clock.Sleep(ctx, wait); err != nil {
				return
			}
		}

		var buf []byte
		windowEnd := windowStart.Add(windowDur)
		deadline := s.Clock.After(windowEnd.Sub(s.Clock.Now()))

		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-pcm:
				if !ok {
					return
				}
				buf = append(buf, chunk...)
				continue
			case <-deadline:
			}

			now = s.Clock.Now()
			payload := buf
			buf = nil

			w := AudioWindow{StartUTC: windowStart, EndUTC: windowEnd, Payload: payload}

			select {
			case out <- w:
			case <-ctx.Done():
				return
			}

			windowStart = s.NextWindowStart(now)
			windowEnd = windowStart.Add(windowDur)
			if wait := windowStart.Sub(now); wait > 0 {
				slog.Debug("window scheduler waiting for next hop", "wait", wait)
				if err := s.Clock.Sleep(ctx, wait); err != nil {
					return
				}
			}
			deadline = s.Clock.After(windowEnd.Sub(s.Clock.Now()))
		}
	}()

	return out
}
