package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ingestpath"
	"ingestpath/events"
)

const (
	defaultMaxRetryAttempts = 5
	retryInterval           = 60 * time.Second
	diskUsageWarnBytes      = 100 * 1024 * 1024 // 100 MiB
)

// dlqEntry is one line of the dead-letter file: one entire failed batch,
// so that a batch which was atomically flushed to the store either lands
// there whole or lands here whole, never split across lines.
type dlqEntry struct {
	Batch        []ingestpath.DeviceReading `json:"batch"`
	AttemptCount int                        `json:"attempt_count"`
	EnqueuedAt   time.Time                  `json:"enqueued_at"`
	LastError    string                     `json:"last_error,omitempty"`
}

// DLQConfig configures the dead-letter queue.
type DLQConfig struct {
	Dir              string
	MaxRetryAttempts int // default 5
}

// DLQ is the dead-letter queue (C9): batches that the primary store
// failed to persist are appended whole to a JSONL file (one batch per
// line, preserving the atomicity of the original flush) and retried on a
// timer until they succeed. A batch that has failed max_retry_attempts
// times is logged at CRITICAL and kept on disk; nothing is discarded.
// Grounded on teacher's atomic
// tmp-then-rename write in config.Save (used here for compaction) and
// the durable-retry loop shape that the now-removed forward/forwarder.go
// demonstrated, adapted from a remote-NATS consumer to a local on-disk
// queue with its own retry bookkeeping.
type DLQ struct {
	cfg    DLQConfig
	path   string
	store  Writer
	logger *slog.Logger
	events *events.Publisher

	mu sync.Mutex // guards the file: writers (WriteBatch) vs. the retry loop

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDLQ creates a DLQ writing into cfg.Dir. store is the primary
// time-series store that retried entries are eventually delivered to.
func NewDLQ(cfg DLQConfig, store Writer, logger *slog.Logger) (*DLQ, error) {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = defaultMaxRetryAttempts
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("dlq: create dir: %w", err)
	}

	return &DLQ{
		cfg:    cfg,
		path:   filepath.Join(cfg.Dir, "deadletter.jsonl"),
		store:  store,
		logger: logger,
		stopCh: make(chan struct{}),
	}, nil
}

// SetEventPublisher wires an optional operational event bus: crossing the
// disk-usage warning threshold is published to it in addition to being
// logged. A nil publisher (the default) disables this; Publish is
// nil-safe.
func (d *DLQ) SetEventPublisher(p *events.Publisher) {
	d.events = p
}

// Start begins the periodic retry loop.
func (d *DLQ) Start() {
	d.wg.Add(1)
	go d.retryLoop()
}

// Stop halts the retry loop, leaving any remaining entries on disk for
// the next startup to pick up.
func (d *DLQ) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// WriteBatch appends the whole failed batch to the dead-letter file as a
// single JSONL entry, at attempt 0. The file is opened in append mode and
// the write is flushed, so a crash mid-write leaves at most one partial
// trailing line, which the retry loop detects and skips.
func (d *DLQ) WriteBatch(_ context.Context, readings []ingestpath.DeviceReading) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(d.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("dlq: open: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(dlqEntry{Batch: readings, AttemptCount: 0, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("dlq: marshal: %w", err)
	}

	w := bufio.NewWriter(f)
	w.Write(line)
	w.WriteByte('\n')
	if err := w.Flush(); err != nil {
		return fmt.Errorf("dlq: flush: %w", err)
	}
	return f.Sync()
}

func (d *DLQ) retryLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.retryOnce()
		}
	}
}

// retryOnce reads every queued batch currently on disk in file order,
// attempts to deliver each whole batch to the store, and rewrites the
// file with only the batches that failed again, with their attempt
// counter incremented and last_error updated. A batch whose attempt
// counter has reached max_retry_attempts is logged at CRITICAL and kept.
func (d *DLQ) retryOnce() {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := d.readEntries()
	if err != nil {
		d.logger.Error("dlq: failed to read entries for retry", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var remaining []dlqEntry
	delivered := 0
	for _, e := range entries {
		if err := d.store.WriteBatch(ctx, e.Batch); err != nil {
			e.AttemptCount++
			e.LastError = err.Error()
			if e.AttemptCount >= d.cfg.MaxRetryAttempts {
				d.logger.Error("CRITICAL: dlq: batch exhausted max retry attempts, retaining on disk",
					"batch_size", len(e.Batch), "attempts", e.AttemptCount, "error", err)
			}
			remaining = append(remaining, e)
			continue
		}
		delivered++
	}

	if delivered > 0 {
		d.logger.Info("dlq: delivered queued batches", "count", delivered, "remaining", len(remaining))
	}

	if err := d.compact(remaining); err != nil {
		d.logger.Error("dlq: compaction failed", "error", err)
	}

	d.warnIfOversized()
}

// readEntries parses the dead-letter file line by line. A trailing
// partial line (left by a crash mid-write) fails to unmarshal and is
// skipped rather than aborting the whole read.
func (d *DLQ) readEntries() ([]dlqEntry, error) {
	f, err := os.Open(d.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []dlqEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e dlqEntry
		if err := json.Unmarshal(line, &e); err != nil {
			d.logger.Warn("dlq: skipping unparsable line (likely a partial write)", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// compact rewrites the dead-letter file to contain exactly the given
// entries, via write-to-temp-then-atomic-rename so a crash mid-compaction
// never leaves a half-written file in place.
func (d *DLQ) compact(entries []dlqEntry) error {
	tempPath := d.path + ".tmp"

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			f.Close()
			os.Remove(tempPath)
			return fmt.Errorf("marshal: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("sync: %w", err)
	}
	f.Close()

	if err := os.Rename(tempPath, d.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (d *DLQ) warnIfOversized() {
	info, err := os.Stat(d.path)
	if err != nil {
		return
	}
	if info.Size() > diskUsageWarnBytes {
		d.logger.Warn("dlq: on-disk queue exceeds warning threshold",
			"size_bytes", info.Size(), "threshold_bytes", diskUsageWarnBytes)
		d.events.PublishDLQThreshold(info.Size(), diskUsageWarnBytes)
	}
}

// PendingCount returns the total number of readings across every batch
// currently queued on disk, used for orchestrator status reporting.
func (d *DLQ) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries, err := d.readEntries()
	if err != nil {
		return 0
	}
	total := 0
	for _, e := range entries {
		total += len(e.Batch)
	}
	return total
}
