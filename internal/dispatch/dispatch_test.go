package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/echotag/echotag/internal/recognize"
)

type stubRecognizer struct {
	name    string
	result  recognize.Result
	delay   time.Duration
	calls   int
	mu      sync.Mutex
	release chan struct{}
}

func (s *stubRecognizer) Name() string { return s.name }

func (s *stubRecognizer) Recognize(ctx context.Context, payload []byte) recognize.Result {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.release != nil {
		<-s.release
	} else if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.result
}

func (s *stubRecognizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRecognizeParallelGathersAllResults(t *testing.T) {
	p1 := &stubRecognizer{name: "p1", result: recognize.Result{Provider: "p1", ProviderTrackID: "t1"}}
	p2 := &stubRecognizer{name: "p2", result: recognize.Result{Provider: "p2"}}

	d := New([]recognize.Recognizer{p1, p2}, semaphore.NewWeighted(3), 1)

	results := d.RecognizeParallel(context.Background(), []byte("payload"))

	require.Len(t, results, 2)
	providers := []string{results[0].Provider, results[1].Provider}
	require.ElementsMatch(t, []string{"p1", "p2"}, providers)
}

func TestRecognizeParallelSkipsSaturatedProvider(t *testing.T) {
	blocking := &stubRecognizer{name: "p1", release: make(chan struct{}), result: recognize.Result{Provider: "p1"}}
	other := &stubRecognizer{name: "p2", result: recognize.Result{Provider: "p2"}}

	d := New([]recognize.Recognizer{blocking, other}, semaphore.NewWeighted(3), 1)

	// First dispatch occupies p1's single slot and never releases until we
	// let it through, simulating an in-flight call from a prior window.
	done := make(chan []recognize.Result, 1)
	go func() {
		done <- d.RecognizeParallel(context.Background(), []byte("window-1"))
	}()

	// Give the first dispatch a moment to acquire p1's gate before the
	// second dispatch probes it.
	time.Sleep(20 * time.Millisecond)

	second := d.RecognizeParallel(context.Background(), []byte("window-2"))
	require.Len(t, second, 1)
	require.Equal(t, "p2", second[0].Provider)

	close(blocking.release)
	first := <-done
	require.Len(t, first, 2)
	providers := []string{first[0].Provider, first[1].Provider}
	require.ElementsMatch(t, []string{"p1", "p2"}, providers)
}

func TestRecognizeParallelIsolatesPanickingRecognizer(t *testing.T) {
	good := &stubRecognizer{name: "good", result: recognize.Result{Provider: "good", ProviderTrackID: "t1"}}
	bad := panicRecognizer{name: "bad"}

	d := New([]recognize.Recognizer{good, bad}, semaphore.NewWeighted(3), 1)

	results := d.RecognizeParallel(context.Background(), []byte("payload"))

	require.Len(t, results, 1)
	require.Equal(t, "good", results[0].Provider)
}

type panicRecognizer struct{ name string }

func (p panicRecognizer) Name() string { return p.name }

func (p panicRecognizer) Recognize(ctx context.Context, payload []byte) recognize.Result {
	panic("simulated recognizer failure")
}

func TestRecognizeParallelHonorsGlobalGate(t *testing.T) {
	p1 := &stubRecognizer{name: "p1", delay: 30 * time.Millisecond, result: recognize.Result{Provider: "p1"}}
	p2 := &stubRecognizer{name: "p2", delay: 30 * time.Millisecond, result: recognize.Result{Provider: "p2"}}
	p3 := &stubRecognizer{name: "p3", delay: 30 * time.Millisecond, result: recognize.Result{Provider: "p3"}}

	global := semaphore.NewWeighted(1)
	d := New([]recognize.Recognizer{p1, p2, p3}, global, 3)

	start := time.Now()
	results := d.RecognizeParallel(context.Background(), []byte("payload"))
	elapsed := time.Since(start)

	require.Len(t, results, 3)
	require.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}
