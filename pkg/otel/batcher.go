package otel

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
)

// BatchExporter queues events and ships them to an EventExporter in
// batches. Export never blocks; events are dropped when the queue is full.
type BatchExporter struct {
	exporter *EventExporter
	queue    chan schema.CanonicalEvent
	maxBatch int
	interval time.Duration
	log      logr.Logger
	dropped  atomic.Int64
	failed   atomic.Int64
}

// NewBatchExporter wraps exporter. Run must be started to drain the queue.
func NewBatchExporter(exporter *EventExporter, queueSize, maxBatch int, interval time.Duration, log logr.Logger) *BatchExporter {
	if queueSize < 1 {
		queueSize = 1024
	}
	if maxBatch < 1 {
		maxBatch = 64
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &BatchExporter{
		exporter: exporter,
		queue:    make(chan schema.CanonicalEvent, queueSize),
		maxBatch: maxBatch,
		interval: interval,
		log:      log,
	}
}

// Export enqueues ev.
func (b *BatchExporter) Export(ev schema.CanonicalEvent) {
	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full queue.
func (b *BatchExporter) Dropped() int64 {
	return b.dropped.Load()
}

// Failed returns the number of events in batches the endpoint rejected.
func (b *BatchExporter) Failed() int64 {
	return b.failed.Load()
}

// Run drains the queue until ctx is done, then flushes what is left.
func (b *BatchExporter) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	batch := make([]schema.CanonicalEvent, 0, b.maxBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := b.exporter.ExportBatch(batch); err != nil {
			b.failed.Add(int64(len(batch)))
			b.log.Error(err, "otlp export failed", "events", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-b.queue:
					batch = append(batch, ev)
					if len(batch) >= b.maxBatch {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case ev := <-b.queue:
			batch = append(batch, ev)
			if len(batch) >= b.maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
