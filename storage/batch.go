// Package storage implements the batched time-series writer (C8), its
// disk-backed dead-letter queue (C9), and the time-series store client.
package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ingestpath"
)

const (
	defaultQueueCapacity = 1000
	defaultBatchSize     = 100
	defaultBatchTimeout  = 5 * time.Second
)

// Writer is the sink a batch flushes to. The time-series Store and the
// dead-letter queue both implement it.
type Writer interface {
	WriteBatch(ctx context.Context, readings []ingestpath.DeviceReading) error
}

// BatchConfig configures the batching consumer.
type BatchConfig struct {
	BatchSize     int // 1-1000, default 100
	BatchTimeout  time.Duration // default 5s
	QueueCapacity int // default 1000
}

// Batcher accepts a stream of readings from any producer and writes them
// to a Writer in batches, grounded on the ticker/stopCh/WaitGroup publish
// loop shape in output/health.go and the bounded-queue backpressure this
// spec requires in place of that file's fire-and-forget publish.
type Batcher struct {
	cfg    BatchConfig
	writer Writer
	dlq    Writer
	logger *slog.Logger

	queue chan ingestpath.DeviceReading

	droppedMu sync.Mutex
	dropped   int64

	flushCh chan chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Batcher. writer is the primary time-series store; dlq
// receives any batch that writer fails to persist.
func New(cfg BatchConfig, writer Writer, dlq Writer, logger *slog.Logger) *Batcher {
	if cfg.BatchSize <= 0 || cfg.BatchSize > 1000 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}

	return &Batcher{
		cfg:     cfg,
		writer:  writer,
		dlq:     dlq,
		logger:  logger,
		queue:   make(chan ingestpath.DeviceReading, cfg.QueueCapacity),
		flushCh: make(chan chan struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the single consumer goroutine that drains the queue.
func (b *Batcher) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop drains any pending batch and stops the consumer. It blocks until
// the final flush completes or 5 seconds elapse, whichever first.
func (b *Batcher) Stop() {
	close(b.stopCh)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("batcher stop timed out waiting for final flush")
	}
}

// Post enqueues a reading without blocking on a consumer. When the queue
// is full, the oldest queued reading is dropped to make room (drop-oldest
// backpressure) and the drop counter is incremented; the new reading then
// takes the freed slot, unless another producer takes it first, in which
// case the new reading is counted as dropped instead.
func (b *Batcher) Post(r ingestpath.DeviceReading) {
	select {
	case b.queue <- r:
		return
	default:
	}

	// Queue is full: drop the oldest pending reading, then retry.
	select {
	case <-b.queue:
		b.droppedMu.Lock()
		b.dropped++
		b.droppedMu.Unlock()
		b.logger.Warn("storage queue full, dropped oldest reading")
	default:
	}

	select {
	case b.queue <- r:
	default:
		// Another producer raced us for the freed slot; count this as a
		// drop of the incoming reading rather than blocking.
		b.droppedMu.Lock()
		b.dropped++
		b.droppedMu.Unlock()
	}
}

// Dropped returns the cumulative count of readings dropped due to queue
// overflow.
func (b *Batcher) Dropped() int64 {
	b.droppedMu.Lock()
	defer b.droppedMu.Unlock()
	return b.dropped
}

// ForceFlush drains the queue into the pending batch and flushes it
// synchronously, used on
// shutdown to avoid losing the tail of a batch that hasn't hit its size
// or time trigger yet.
func (b *Batcher) ForceFlush() {
	ack := make(chan struct{})
	select {
	case b.flushCh <- ack:
		<-ack
	case <-time.After(5 * time.Second):
		b.logger.Warn("force flush request timed out")
	}
}

func (b *Batcher) run() {
	defer b.wg.Done()

	var pending []ingestpath.DeviceReading
	timer := time.NewTimer(b.cfg.BatchTimeout)
	timer.Stop()
	timerActive := false

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		if timerActive {
			timer.Stop()
			timerActive = false
		}
		b.write(batch)
	}

	for {
		select {
		case r := <-b.queue:
			pending = append(pending, r)
			if !timerActive {
				timer.Reset(b.cfg.BatchTimeout)
				timerActive = true
			}
			if len(pending) >= b.cfg.BatchSize {
				flush()
			}

		case <-timer.C:
			timerActive = false
			flush()

		case ack := <-b.flushCh:
			// Drain whatever is already queued so the flush covers every
			// reading posted before ForceFlush was called.
			for drained := false; !drained; {
				select {
				case r := <-b.queue:
					pending = append(pending, r)
				default:
					drained = true
				}
			}
			flush()
			close(ack)

		case <-b.stopCh:
			// Drain whatever is already queued before the final flush, so
			// a burst posted just before shutdown isn't lost.
			for {
				select {
				case r := <-b.queue:
					pending = append(pending, r)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (b *Batcher) write(batch []ingestpath.DeviceReading) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := b.writer.WriteBatch(ctx, batch); err != nil {
		b.logger.Error("batch write failed, routing to dead-letter queue", "count", len(batch), "error", err)
		if dlqErr := b.dlq.WriteBatch(ctx, batch); dlqErr != nil {
			b.logger.Error("dead-letter queue write also failed, readings lost", "count", len(batch), "error", dlqErr)
		}
		return
	}
	b.logger.Debug("batch written", "count", len(batch))
}
