package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"threatguard/internal/logging"
	"threatguard/internal/model"
)

var ErrQueueFull = errors.New("storage queue full")

type job struct {
	incident *model.SecurityIncident
	entry    *model.AuditEntry
}

// AsyncWriter queues writes for a Store and applies them on one worker, so
// callers never wait on database I/O. Writes that do not fit the queue are
// dropped and counted.
type AsyncWriter struct {
	store   Store
	logger  *slog.Logger
	queue   chan job
	timeout time.Duration
	dropped atomic.Int64
	failed  atomic.Int64
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	once    sync.Once
}

func NewAsyncWriter(store Store, queueSize int, logger *slog.Logger) *AsyncWriter {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &AsyncWriter{
		store:   store,
		logger:  logging.For(logger, "storage"),
		queue:   make(chan job, queueSize),
		timeout: 5 * time.Second,
	}
}

func (w *AsyncWriter) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for j := range w.queue {
			w.apply(j)
		}
	}()
}

func (w *AsyncWriter) apply(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	var err error
	switch {
	case j.incident != nil:
		err = w.store.SaveIncident(ctx, *j.incident)
	case j.entry != nil:
		err = w.store.SaveAuditEntry(ctx, *j.entry)
	}
	if err != nil {
		w.failed.Add(1)
		w.logger.Error("storage write failed", "err", err)
	}
}

func (w *AsyncWriter) enqueue(j job) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrQueueFull
	}
	select {
	case w.queue <- j:
		return nil
	default:
		w.dropped.Add(1)
		return ErrQueueFull
	}
}

func (w *AsyncWriter) SaveIncident(_ context.Context, inc model.SecurityIncident) error {
	c := inc.Clone()
	return w.enqueue(job{incident: &c})
}

func (w *AsyncWriter) SaveAuditEntry(_ context.Context, e model.AuditEntry) error {
	return w.enqueue(job{entry: &e})
}

func (w *AsyncWriter) Dropped() int64 {
	return w.dropped.Load()
}

func (w *AsyncWriter) Failed() int64 {
	return w.failed.Load()
}

// Close flushes queued writes and closes the underlying store.
func (w *AsyncWriter) Close() error {
	var err error
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
		w.wg.Wait()
		err = w.store.Close()
	})
	return err
}
