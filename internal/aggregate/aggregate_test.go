package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/echotag/echotag/internal/recognize"
)

func hit(provider, trackID string, at time.Time) recognize.Result {
	return recognize.Result{Provider: provider, ProviderTrackID: trackID, RecognizedAtUTC: at}
}

func TestScenarioATwoHitConfirmation(t *testing.T) {
	hopSeconds := 120 * time.Second
	a := New(1*hopSeconds, hopSeconds)

	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	_, confirmed := a.Process("S", hit("P", "T1", t0))
	require.False(t, confirmed)

	t1 := t0.Add(2 * time.Minute)
	result, confirmed := a.Process("S", hit("P", "T1", t1))
	require.True(t, confirmed)
	require.Equal(t, "T1", result.ProviderTrackID)
}

func TestScenarioBOutsideTolerance(t *testing.T) {
	hopSeconds := 120 * time.Second
	a := New(1*hopSeconds, hopSeconds)

	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	_, confirmed := a.Process("S", hit("P", "T1", t0))
	require.False(t, confirmed)

	t1 := t0.Add(3 * time.Minute)
	_, confirmed = a.Process("S", hit("P", "T1", t1))
	require.False(t, confirmed)
	require.Equal(t, 1, a.PendingCount("S"))
}

func TestBoundaryExactlyAtTolerance(t *testing.T) {
	hopSeconds := 120 * time.Second
	a := New(1*hopSeconds, hopSeconds)

	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a.Process("S", hit("P", "T1", t0))

	t1 := t0.Add(1 * hopSeconds)
	_, confirmed := a.Process("S", hit("P", "T1", t1))
	require.True(t, confirmed)
}

func TestBoundaryOneMicrosecondOverTolerance(t *testing.T) {
	hopSeconds := 120 * time.Second
	a := New(1*hopSeconds, hopSeconds)

	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a.Process("S", hit("P", "T1", t0))

	t1 := t0.Add(1*hopSeconds + time.Microsecond)
	_, confirmed := a.Process("S", hit("P", "T1", t1))
	require.False(t, confirmed)
}

func TestSameTimestampFedTwiceConfirmsOnce(t *testing.T) {
	hopSeconds := 120 * time.Second
	a := New(1*hopSeconds, hopSeconds)

	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a.Process("S", hit("P", "T1", t0))

	result, confirmed := a.Process("S", hit("P", "T1", t0))
	require.True(t, confirmed)
	require.Equal(t, t0, result.RecognizedAtUTC)

	require.Equal(t, 0, a.PendingCount("S"))
}

func TestDifferentProvidersDoNotCrossConfirm(t *testing.T) {
	hopSeconds := 120 * time.Second
	a := New(1*hopSeconds, hopSeconds)

	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a.Process("S", hit("fingerprint-api", "T1", t0))

	t1 := t0.Add(1 * time.Minute)
	_, confirmed := a.Process("S", hit("signal-match", "T1", t1))
	require.False(t, confirmed)
	require.Equal(t, 2, a.PendingCount("S"))
}

func TestStreamsAreIsolated(t *testing.T) {
	hopSeconds := 120 * time.Second
	a := New(1*hopSeconds, hopSeconds)

	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a.Process("stream-a", hit("P", "T1", t0))
	a.Process("stream-b", hit("P", "T1", t0))

	require.Equal(t, 1, a.PendingCount("stream-a"))
	require.Equal(t, 1, a.PendingCount("stream-b"))
}

func TestEvictionPurgesStaleEntries(t *testing.T) {
	hopSeconds := 120 * time.Second
	a := New(1*hopSeconds, hopSeconds)

	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a.Process("S", hit("P", "T1", t0))

	farFuture := t0.Add(10 * time.Minute)
	a.Process("S", hit("other-provider", "other-id", farFuture))

	require.Equal(t, 1, a.PendingCount("S"))
}
