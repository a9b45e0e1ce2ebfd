package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/zinnnn37/loglens/pkg/trace"
)

const (
	defaultRecordBuffer  = 1024
	defaultFlushInterval = 2 * time.Second
	defaultFlushBatch    = 200
)

// Recorder buffers call records and ships them in batches. Record never
// blocks the instrumented call path: when the buffer is full the record is
// dropped and counted.
type Recorder struct {
	projectID string
	emitter   *Emitter
	logger    *slog.Logger
	queue     chan trace.Record
	dropped   chan struct{}
	interval  time.Duration
	batchSize int
}

// NewRecorder constructs a buffered recorder for a project.
func NewRecorder(projectID string, emitter *Emitter, logger *slog.Logger) *Recorder {
	if logger != nil {
		logger = logger.With("component", "record_forwarder")
	}
	return &Recorder{
		projectID: projectID,
		emitter:   emitter,
		logger:    logger,
		queue:     make(chan trace.Record, defaultRecordBuffer),
		dropped:   make(chan struct{}, 1),
		interval:  defaultFlushInterval,
		batchSize: defaultFlushBatch,
	}
}

// Record enqueues one call record, dropping it when the buffer is full.
func (r *Recorder) Record(record trace.Record) {
	if r == nil {
		return
	}
	select {
	case r.queue <- record:
	default:
		select {
		case r.dropped <- struct{}{}:
			if r.logger != nil {
				r.logger.Warn("record buffer full, dropping records")
			}
		default:
		}
	}
}

// Run flushes batches until the context is cancelled, then drains what
// remains. Delivery failures are logged and the batch discarded.
func (r *Recorder) Run(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.flush(context.Background())
			return
		case <-ticker.C:
			r.flush(ctx)
		}
	}
}

func (r *Recorder) flush(ctx context.Context) {
	batch := make([]trace.Record, 0, r.batchSize)
	for len(batch) < r.batchSize {
		select {
		case record := <-r.queue:
			batch = append(batch, record)
		default:
			goto drainDone
		}
	}
drainDone:
	if len(batch) == 0 {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := r.emitter.EmitRecords(sendCtx, r.projectID, batch); err != nil {
		if r.logger != nil {
			r.logger.Warn("record batch delivery failed", "error", err, "count", len(batch))
		}
	}
}
