// Package logsink persists per-request log records. The Recorder is the
// gateway.LogSink the dispatchers talk to: submissions never block, a full
// queue drops, and a background worker batch-flushes into a store.
package logsink

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/telemetry"
)

const (
	queueSize  = 1000
	batchSize  = 100
	flushEvery = 5 * time.Second
	drainTime  = 30 * time.Second
)

// ErrQueueFull reports a submission dropped because the recorder's queue
// was full. Callers treat it as telemetry loss, never as request failure.
var ErrQueueFull = errors.New("log queue full")

// Store is the persistence interface consumed by Recorder.
type Store interface {
	InsertLogs(ctx context.Context, records []*gateway.LogRecord) error
}

// Recorder buffers log records and batch-flushes them to the store.
// Records are dropped if the queue is full (back-pressure on a slow store).
type Recorder struct {
	ch      chan *gateway.LogRecord
	store   Store
	metrics *telemetry.Metrics
	batch   int
	every   time.Duration
}

// NewRecorder creates a Recorder backed by store. Zero cfg fields fall
// back to the package defaults. metrics may be nil.
func NewRecorder(store Store, metrics *telemetry.Metrics, cfg config.LogSinkConfig) *Recorder {
	queue := cfg.BufferSize
	if queue <= 0 {
		queue = queueSize
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = batchSize
	}
	every := cfg.FlushInterval
	if every <= 0 {
		every = flushEvery
	}
	return &Recorder{
		ch:      make(chan *gateway.LogRecord, queue),
		store:   store,
		metrics: metrics,
		batch:   batch,
		every:   every,
	}
}

// Name returns the worker identifier.
func (r *Recorder) Name() string { return "log_recorder" }

// Submit enqueues a record. It never blocks; drops on a full queue.
func (r *Recorder) Submit(_ context.Context, rec *gateway.LogRecord) error {
	select {
	case r.ch <- rec:
		if r.metrics != nil {
			r.metrics.LogQueueLength.Set(float64(len(r.ch)))
		}
		return nil
	default:
		if r.metrics != nil {
			r.metrics.LogRecordsDropped.Inc()
		}
		return ErrQueueFull
	}
}

// Run processes records until ctx is cancelled, then drains what remains.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	buf := make([]*gateway.LogRecord, 0, r.batch)

	for {
		select {
		case rec := <-r.ch:
			buf = append(buf, rec)
			if len(buf) >= r.batch {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

// drain empties the queue after shutdown with its own deadline, so records
// accepted before the stop signal still reach the store.
func (r *Recorder) drain(buf []*gateway.LogRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTime)
	defer cancel()

	for {
		select {
		case rec := <-r.ch:
			buf = append(buf, rec)
			if len(buf) >= r.batch {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context, buf []*gateway.LogRecord) {
	batch := make([]*gateway.LogRecord, len(buf))
	copy(batch, buf)

	// Assign ids off the hot path; submitters leave ID empty. V7 keeps
	// insertion order roughly matching id order.
	for _, rec := range batch {
		if rec.ID == "" {
			rec.ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := r.store.InsertLogs(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "log flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	if r.metrics != nil {
		r.metrics.LogQueueLength.Set(float64(len(r.ch)))
	}
}
