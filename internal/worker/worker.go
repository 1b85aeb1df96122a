// Package worker coordinates the per-stream pipeline (decoder → window
// scheduler → parallel dispatcher → two-hit aggregator → persistence) and
// the process-wide manager that owns every stream's worker plus the shared
// capacity gates. Grounded on the teacher's radio.Broadcaster.Start
// continuous-loop-with-per-iteration-context pattern, generalized from
// "play the next track" to "run the recognition pipeline until the decoder
// needs a restart", and on original_source/app/worker.py's
// StreamWorker/WorkerManager split.
package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/echotag/echotag/internal/aggregate"
	"github.com/echotag/echotag/internal/config"
	"github.com/echotag/echotag/internal/decoder"
	"github.com/echotag/echotag/internal/dispatch"
	"github.com/echotag/echotag/internal/recognize"
	"github.com/echotag/echotag/internal/store"
	"github.com/echotag/echotag/internal/window"
)

// State is a stream worker's lifecycle stage.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StreamWorker owns one stream's decoder and two-hit state and drives the
// pipeline from PCM bytes to confirmed plays.
type StreamWorker struct {
	name               string
	decoder            *decoder.Runner
	scheduler          *window.Scheduler
	dispatcher         *dispatch.Dispatcher
	aggregator         *aggregate.Aggregator
	store              *store.Store
	dedupSeconds       int
	recognitionTimeout time.Duration

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStreamWorker builds a worker for one enabled stream descriptor.
func NewStreamWorker(desc config.StreamDescriptor, cfg *config.Config, dec *decoder.Runner, recognizers []recognize.Recognizer, global *semaphore.Weighted, st *store.Store) *StreamWorker {
	return &StreamWorker{
		name:               desc.Name,
		decoder:            dec,
		scheduler:          window.NewScheduler(cfg.WindowSeconds, cfg.HopSeconds, nil),
		dispatcher:         dispatch.New(recognizers, global, int64(cfg.PerProviderMaxInflight)),
		aggregator:         aggregate.New(cfg.ToleranceDuration(), cfg.HopDuration()),
		store:              st,
		dedupSeconds:       cfg.DedupSeconds,
		recognitionTimeout: cfg.RecognitionTimeout,
	}
}

// State returns the worker's current lifecycle stage.
func (w *StreamWorker) State() State {
	return State(w.state.Load())
}

func (w *StreamWorker) setState(s State) {
	w.state.Store(int32(s))
}

// Start launches the worker's run loop on its own goroutine and returns
// immediately.
func (w *StreamWorker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		w.run(runCtx)
	}()
}

// Stop cancels the worker's run loop, waits for it to exit, and stops the
// decoder subprocess.
func (w *StreamWorker) Stop() {
	if w.state.Load() == int32(StateStopped) || w.state.Load() == int32(StateIdle) {
		return
	}
	w.setState(StateStopping)
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
	_ = w.decoder.Stop()
	w.setState(StateStopped)
}

func (w *StreamWorker) run(ctx context.Context) {
	w.setState(StateStarting)

	if err := w.decoder.Start(ctx); err != nil {
		slog.Error("stream worker failed to start decoder", "stream", w.name, "error", err)
		w.setState(StateFailed)
		return
	}
	w.setState(StateRunning)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pcm := make(chan []byte)
		readDone := make(chan struct{})
		go w.pumpDecoderOutput(ctx, pcm, readDone)

		windows := w.scheduler.Run(ctx, pcm)
		for win := range windows {
			w.processWindow(ctx, win)
		}
		<-readDone

		if ctx.Err() != nil {
			return
		}

		slog.Warn("decoder output ended, restarting", "stream", w.name)
		w.setState(StateRestarting)
		if err := w.decoder.Restart(ctx); err != nil {
			slog.Error("stream worker restart budget exhausted", "stream", w.name, "error", err)
			w.setState(StateFailed)
			return
		}
		w.setState(StateRunning)
	}
}

// pumpDecoderOutput reads chunks from the decoder's stdout pipe and forwards
// them to pcm until the pipe returns an error (including EOF) or ctx is
// cancelled, then closes pcm and signals done.
func (w *StreamWorker) pumpDecoderOutput(ctx context.Context, pcm chan<- []byte, done chan<- struct{}) {
	defer close(pcm)
	defer close(done)

	buf := make([]byte, 32*1024)
	reader := w.decoder.Read()
	if reader == nil {
		return
	}

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case pcm <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("decoder read error", "stream", w.name, "error", err)
			}
			return
		}
	}
}

func (w *StreamWorker) processWindow(ctx context.Context, win window.AudioWindow) {
	recCtx, cancel := context.WithTimeout(ctx, w.recognitionTimeout)
	defer cancel()

	results := w.dispatcher.RecognizeParallel(recCtx, win.Payload)

	streamID, err := w.store.EnsureStream(w.name)
	if err != nil {
		slog.Error("failed to resolve stream id, window discarded", "stream", w.name, "error", err)
		return
	}

	for _, r := range results {
		w.appendDiagnostics(streamID, win, r)

		if !r.IsSuccess() {
			continue
		}

		confirmed, ok := w.aggregator.Process(w.name, r)
		if !ok {
			continue
		}
		w.recordPlay(streamID, confirmed)
	}
}

func (w *StreamWorker) appendDiagnostics(streamID int64, win window.AudioWindow, r recognize.Result) {
	rec := store.Recognition{
		StreamID:       streamID,
		Provider:       r.Provider,
		RecognizedAt:   r.RecognizedAtUTC,
		WindowStartUTC: win.StartUTC,
		WindowEndUTC:   win.EndUTC,
		Confidence:     r.Confidence,
	}
	if r.ErrorMessage != "" {
		msg := r.ErrorMessage
		rec.ErrorMessage = &msg
	}
	if len(r.RawResponse) > 0 {
		raw := string(r.RawResponse)
		rec.RawResponse = &raw
	}

	if r.IsSuccess() {
		trackID, err := w.store.UpsertTrack(r.Provider, r.ProviderTrackID, r.Title, r.Artist, r.Album, r.ISRC, r.ArtworkURL)
		if err != nil {
			slog.Error("failed to upsert track for diagnostics", "stream", w.name, "provider", r.Provider, "error", err)
		} else {
			rec.TrackID = &trackID
		}
	}

	if _, err := w.store.AppendRecognition(rec); err != nil {
		slog.Error("failed to append recognition diagnostics", "stream", w.name, "provider", r.Provider, "error", err)
	}
}

func (w *StreamWorker) recordPlay(streamID int64, confirmed recognize.Result) {
	trackID, err := w.store.UpsertTrack(confirmed.Provider, confirmed.ProviderTrackID, confirmed.Title, confirmed.Artist, confirmed.Album, confirmed.ISRC, confirmed.ArtworkURL)
	if err != nil {
		slog.Error("failed to upsert track for confirmed play", "stream", w.name, "error", err)
		return
	}

	bucket := store.DedupBucket(confirmed.RecognizedAtUTC, w.dedupSeconds)
	_, err = w.store.InsertPlay(trackID, streamID, confirmed.RecognizedAtUTC, bucket, confirmed.Confidence)
	if err != nil {
		if err == store.ErrDuplicatePlay {
			slog.Debug("duplicate play suppressed", "stream", w.name, "track_id", trackID)
			return
		}
		slog.Error("failed to insert confirmed play", "stream", w.name, "error", err)
		return
	}

	slog.Info("confirmed play", "stream", w.name, "provider", confirmed.Provider, "title", confirmed.Title, "artist", confirmed.Artist)
}

// Manager owns the shared capacity gates, the shared persistence handle,
// and every enabled stream's worker.
type Manager struct {
	cfg    *config.Config
	store  *store.Store
	global *semaphore.Weighted

	recognizers func() []recognize.Recognizer

	mu      sync.Mutex
	workers map[string]*StreamWorker

	livenessCancel context.CancelFunc
	livenessDone   chan struct{}
}

// NewManager builds a Manager. recognizerFactory constructs the shared set
// of recognizer instances; it is called once per StartAll/RestartAll cycle
// since recognizer configuration does not change at runtime.
func NewManager(cfg *config.Config, st *store.Store, recognizerFactory func() []recognize.Recognizer) *Manager {
	return &Manager{
		cfg:         cfg,
		store:       st,
		global:      semaphore.NewWeighted(int64(cfg.GlobalMaxInflightRecognitions)),
		recognizers: recognizerFactory,
		workers:     make(map[string]*StreamWorker),
	}
}

// StartAll constructs and starts one worker per enabled stream descriptor,
// then starts the periodic liveness logger.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Info("starting all stream workers", "stream_count", len(m.cfg.Streams))

	recognizers := m.recognizers()
	// One dispatcher for the whole fleet, so its per-provider gates are
	// shared across streams just like the global gate.
	shared := dispatch.New(recognizers, m.global, int64(m.cfg.PerProviderMaxInflight))

	for _, desc := range m.cfg.Streams {
		if !desc.Enabled {
			slog.Info("skipping disabled stream", "stream", desc.Name)
			continue
		}

		dec := decoder.New(decoder.Config{
			SourceURL:     desc.URL,
			RTSPTransport: m.cfg.RTSPTransport,
			RTSPTimeout:   m.cfg.RTSPTimeout,
			RWTimeout:     m.cfg.RWTimeout,
			RestartBudget: m.cfg.DecoderRestartBudget,
			BackoffBase:   m.cfg.DecoderBackoffBase,
			BackoffCap:    m.cfg.DecoderBackoffCap,
			StopGrace:     m.cfg.DecoderStopGrace,
		})

		w := NewStreamWorker(desc, m.cfg, dec, recognizers, m.global, m.store)
		w.dispatcher = shared
		m.workers[desc.Name] = w
		w.Start(ctx)
		slog.Info("started worker", "stream", desc.Name)
	}

	livenessCtx, cancel := context.WithCancel(context.Background())
	m.livenessCancel = cancel
	m.livenessDone = make(chan struct{})
	go m.logLiveness(livenessCtx)

	return nil
}

// StopAll stops every worker concurrently and waits for all to finish, then
// stops the liveness logger.
func (m *Manager) StopAll() {
	m.mu.Lock()
	workers := make([]*StreamWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*StreamWorker)
	livenessCancel := m.livenessCancel
	livenessDone := m.livenessDone
	m.mu.Unlock()

	slog.Info("stopping all stream workers", "count", len(workers))

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *StreamWorker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()

	if livenessCancel != nil {
		livenessCancel()
	}
	if livenessDone != nil {
		<-livenessDone
	}

	slog.Info("all stream workers stopped")
}

// RestartAll stops every worker and starts them again, reconstructing
// recognizers from current configuration.
func (m *Manager) RestartAll(ctx context.Context) error {
	m.StopAll()
	return m.StartAll(ctx)
}

// WorkerStates returns a snapshot of every worker's current state, keyed by
// stream name, for the ambient HTTP status surface and tests.
func (m *Manager) WorkerStates() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.workers))
	for name, w := range m.workers {
		out[name] = w.State()
	}
	return out
}

func (m *Manager) logLiveness(ctx context.Context) {
	defer close(m.livenessDone)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			states := m.WorkerStates()
			for stream, state := range states {
				slog.Info("stream worker status", "stream", stream, "state", state.String())
			}
		}
	}
}
