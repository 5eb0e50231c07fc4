package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/colorgate/pkg/models"
)

const (
	defaultRecorderBuffer = 1024
	recorderBatchSize     = 128
	recorderFlushInterval = time.Second
	recorderFlushTimeout  = 5 * time.Second
)

// JobWriter persists a batch of job records.
type JobWriter interface {
	RecordJobs(ctx context.Context, records []models.JobRecord) error
}

// AsyncRecorder buffers job records in memory and writes them in batches from
// a single goroutine. Record never blocks: when the buffer is full the record
// is dropped and counted.
type AsyncRecorder struct {
	w      JobWriter
	ch     chan models.JobRecord
	logger *slog.Logger

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewAsyncRecorder(w JobWriter, buffer int, logger *slog.Logger) *AsyncRecorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncRecorder{
		w:      w,
		ch:     make(chan models.JobRecord, buffer),
		logger: logger,
	}
}

// Record enqueues rec for writing.
func (r *AsyncRecorder) Record(rec models.JobRecord) {
	select {
	case r.ch <- rec:
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Warn("job record buffer full, dropping records",
				"dropped_total", r.dropped.Load(),
				"buffer", cap(r.ch),
			)
		}
	}
}

// Run drains the buffer until ctx is cancelled, then flushes what is left.
func (r *AsyncRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(recorderFlushInterval)
	defer ticker.Stop()

	batch := make([]models.JobRecord, 0, recorderBatchSize)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec := <-r.ch:
					batch = append(batch, rec)
					if len(batch) == recorderBatchSize {
						batch = r.flush(batch)
					}
				default:
					r.flush(batch)
					return nil
				}
			}
		case rec := <-r.ch:
			batch = append(batch, rec)
			if len(batch) == recorderBatchSize {
				batch = r.flush(batch)
			}
		case <-ticker.C:
			batch = r.flush(batch)
		}
	}
}

func (r *AsyncRecorder) flush(batch []models.JobRecord) []models.JobRecord {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), recorderFlushTimeout)
	defer cancel()

	if err := r.w.RecordJobs(ctx, batch); err != nil {
		r.failed.Add(int64(len(batch)))
		r.logger.Error("failed to write job records", "count", len(batch), "error", err)
	} else {
		r.written.Add(int64(len(batch)))
	}
	return batch[:0]
}

// RecorderStats counts records by fate.
type RecorderStats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Pending int   `json:"pending"`
}

func (r *AsyncRecorder) Stats() RecorderStats {
	return RecorderStats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
		Pending: len(r.ch),
	}
}
