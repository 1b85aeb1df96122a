// Package dispatch fans a single audio window out to every enabled
// recognizer concurrently under a two-level capacity gate, generalizing the
// teacher's bounded worker-pool pattern to a fan-out/fan-in per call rather
// than a long-lived pool.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/echotag/echotag/internal/recognize"
)

// Dispatcher fans a payload out to every registered recognizer, honoring a
// process-wide global gate and a per-provider gate.
type Dispatcher struct {
	recognizers []recognize.Recognizer

	global *semaphore.Weighted

	mu          sync.Mutex
	perProvider map[string]*semaphore.Weighted
	perProvCap  int64
}

// New builds a Dispatcher over the given recognizers, sharing the supplied
// global gate (owned by the caller, typically WorkerManager) and creating
// one per-provider gate of the given capacity for each recognizer.
func New(recognizers []recognize.Recognizer, global *semaphore.Weighted, perProviderMaxInflight int64) *Dispatcher {
	perProvider := make(map[string]*semaphore.Weighted, len(recognizers))
	for _, r := range recognizers {
		perProvider[r.Name()] = semaphore.NewWeighted(perProviderMaxInflight)
	}
	return &Dispatcher{
		recognizers: recognizers,
		global:      global,
		perProvider: perProvider,
		perProvCap:  perProviderMaxInflight,
	}
}

// RecognizeParallel dispatches payload to every recognizer concurrently.
// It returns every result that completed, in unspecified order. A recognizer
// whose per-provider gate appears saturated at dispatch time is skipped (no
// result appended, no error). A recognizer whose goroutine panics is dropped
// with a warning.
//
// Acquisition order is global first, then per-provider, both held for the
// entire recognize call: the per-provider probe below is non-blocking and
// only decides skip-vs-proceed, it never holds the gate across the wait on
// global capacity.
func (d *Dispatcher) RecognizeParallel(ctx context.Context, payload []byte) []recognize.Result {
	results := make(chan recognize.Result, len(d.recognizers))

	var wg sync.WaitGroup
	for _, r := range d.recognizers {
		provSem := d.providerSemaphore(r.Name())

		if !providerHasCapacity(provSem) {
			slog.Warn("recognizer skipped: per-provider capacity saturated", "provider", r.Name())
			continue
		}

		wg.Add(1)
		go func(r recognize.Recognizer, provSem *semaphore.Weighted) {
			defer wg.Done()

			if err := d.global.Acquire(ctx, 1); err != nil {
				slog.Warn("recognizer skipped: could not acquire global capacity", "provider", r.Name(), "error", err)
				return
			}
			defer d.global.Release(1)

			if err := provSem.Acquire(ctx, 1); err != nil {
				slog.Warn("recognizer skipped: could not acquire per-provider capacity", "provider", r.Name(), "error", err)
				return
			}
			defer provSem.Release(1)

			defer func() {
				if rec := recover(); rec != nil {
					slog.Warn("recognizer panicked, result dropped", "provider", r.Name(), "panic", rec)
				}
			}()

			results <- r.Recognize(ctx, payload)
		}(r, provSem)
	}

	wg.Wait()
	close(results)

	out := make([]recognize.Result, 0, len(d.recognizers))
	for r := range results {
		out = append(out, r)
	}
	return out
}

// providerHasCapacity probes a per-provider gate without holding it, used
// only to decide whether to attempt the call at all.
func providerHasCapacity(sem *semaphore.Weighted) bool {
	if !sem.TryAcquire(1) {
		return false
	}
	sem.Release(1)
	return true
}

func (d *Dispatcher) providerSemaphore(name string) *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.perProvider[name]
	if !ok {
		sem = semaphore.NewWeighted(d.perProvCap)
		d.perProvider[name] = sem
	}
	return sem
}
