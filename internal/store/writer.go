// ABOUTME: Background ledger writer fed by a bounded queue.
// ABOUTME: Implements the dispatcher's CallRecorder and drops records when the queue is full.

package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/vox-gateway/internal/functions"
	"github.com/2389/vox-gateway/internal/metrics"
	"github.com/2389/vox-gateway/internal/protocol"
)

const (
	// DefaultQueueSize is the Writer's queue length when none is given.
	DefaultQueueSize = 1024

	writeTimeout = 5 * time.Second
)

type job struct {
	kind string
	run  func(ctx context.Context) error
}

// Writer persists ledger records off the hot path.
type Writer struct {
	store  Store
	jobs   chan job
	logger *slog.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ functions.CallRecorder = (*Writer)(nil)

// NewWriter starts a writer over store.
func NewWriter(store Store, queueSize int, logger *slog.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		store:  store,
		jobs:   make(chan job, queueSize),
		logger: logger.With("component", "ledger_writer"),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// RecordCall queues a dispatch outcome.
func (w *Writer) RecordCall(rec functions.CallRecord) {
	w.enqueue(job{kind: "external_call", run: func(ctx context.Context) error {
		return w.store.SaveCall(ctx, rec)
	}})
}

// RecordEvent queues a broadcast envelope.
func (w *Writer) RecordEvent(env protocol.Envelope) {
	w.enqueue(job{kind: "game_event", run: func(ctx context.Context) error {
		return w.store.SaveGameEvent(ctx, env)
	}})
}

func (w *Writer) enqueue(j job) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return
	}
	select {
	case w.jobs <- j:
	default:
		metrics.QueueDropsTotal.WithLabelValues("ledger").Inc()
		w.logger.Warn("ledger queue full, dropping record", "kind", j.kind)
	}
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for j := range w.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := j.run(ctx); err != nil {
			w.logger.Error("ledger write failed", "kind", j.kind, "error", err)
		}
		cancel()
	}
}

// Close stops accepting records and waits for queued ones to be written.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()

	w.wg.Wait()
}
