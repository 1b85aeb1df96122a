// Package aggregate implements the per-stream two-hit confirmation state
// machine: a recognition only becomes a confirmed play once the same
// (provider, provider_track_id) recurs within a bounded tolerance window,
// grounded on original_source/app/scheduler.py's TwoHitAggregator.
package aggregate

import (
	"sync"
	"time"

	"github.com/echotag/echotag/internal/recognize"
)

type pendingKey struct {
	provider        string
	providerTrackID string
}

type pendingEntry struct {
	firstHitTime time.Time
	confidence   *float64
}

// Aggregator holds the per-stream two-hit pending state. One instance is
// owned by each stream worker; state is never shared across streams.
type Aggregator struct {
	tolerance time.Duration
	evictAge  time.Duration

	mu      sync.Mutex
	pending map[string]map[pendingKey]pendingEntry
}

// New builds an Aggregator. tolerance is tolerance_hops * hop_seconds; it
// also governs eviction: entries older than tolerance+hop_seconds are
// purged on every call.
func New(tolerance, hopSeconds time.Duration) *Aggregator {
	return &Aggregator{
		tolerance: tolerance,
		evictAge:  tolerance + hopSeconds,
		pending:   make(map[string]map[pendingKey]pendingEntry),
	}
}

// Process feeds one successful Recognition Result for stream into the
// two-hit state machine. It returns (result, true) when this hit confirms a
// play, and (zero, false) otherwise. Callers must not call Process with a
// no-match or error Result; those never advance two-hit state.
func (a *Aggregator) Process(stream string, r recognize.Result) (recognize.Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.evictLocked(stream, r.RecognizedAtUTC)

	streamState, ok := a.pending[stream]
	if !ok {
		streamState = make(map[pendingKey]pendingEntry)
		a.pending[stream] = streamState
	}

	key := pendingKey{provider: r.Provider, providerTrackID: r.ProviderTrackID}
	existing, hasPending := streamState[key]

	if !hasPending {
		streamState[key] = pendingEntry{firstHitTime: r.RecognizedAtUTC, confidence: r.Confidence}
		return recognize.Result{}, false
	}

	if r.RecognizedAtUTC.Sub(existing.firstHitTime) <= a.tolerance {
		delete(streamState, key)
		return r, true
	}

	streamState[key] = pendingEntry{firstHitTime: r.RecognizedAtUTC, confidence: r.Confidence}
	return recognize.Result{}, false
}

// evictLocked removes pending entries older than evictAge relative to now.
// Must be called with a.mu held.
func (a *Aggregator) evictLocked(stream string, now time.Time) {
	streamState, ok := a.pending[stream]
	if !ok {
		return
	}
	for key, entry := range streamState {
		if now.Sub(entry.firstHitTime) > a.evictAge {
			delete(streamState, key)
		}
	}
}

// PendingCount reports the number of outstanding pending entries for stream,
// exposed for liveness diagnostics and tests.
func (a *Aggregator) PendingCount(stream string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending[stream])
}
