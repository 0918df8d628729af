package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ingestpath"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]ingestpath.DeviceReading
	failN   int // fail this many calls before succeeding
}

func (f *fakeWriter) WriteBatch(_ context.Context, readings []ingestpath.DeviceReading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errors.New("simulated write failure")
	}
	cp := make([]ingestpath.DeviceReading, len(readings))
	copy(cp, readings)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func (f *fakeWriter) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestBatcherFlushesOnSizeTrigger(t *testing.T) {
	writer := &fakeWriter{}
	dlq := &fakeWriter{}
	b := New(BatchConfig{BatchSize: 3, BatchTimeout: time.Hour}, writer, dlq, testLogger())
	b.Start()
	defer b.Stop()

	for i := 0; i < 3; i++ {
		b.Post(ingestpath.DeviceReading{DeviceID: "d", RawValue: int64(i)})
	}

	deadline := time.Now().Add(2 * time.Second)
	for writer.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if writer.count() != 3 {
		t.Fatalf("writer received %d readings, want 3", writer.count())
	}
}

func TestBatcherFlushesOnTimeTrigger(t *testing.T) {
	writer := &fakeWriter{}
	dlq := &fakeWriter{}
	b := New(BatchConfig{BatchSize: 100, BatchTimeout: 50 * time.Millisecond}, writer, dlq, testLogger())
	b.Start()
	defer b.Stop()

	b.Post(ingestpath.DeviceReading{DeviceID: "d", RawValue: 1})

	deadline := time.Now().Add(2 * time.Second)
	for writer.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if writer.count() != 1 {
		t.Fatalf("writer received %d readings, want 1", writer.count())
	}
}

func TestBatcherForceFlush(t *testing.T) {
	writer := &fakeWriter{}
	dlq := &fakeWriter{}
	b := New(BatchConfig{BatchSize: 100, BatchTimeout: time.Hour}, writer, dlq, testLogger())
	b.Start()
	defer b.Stop()

	b.Post(ingestpath.DeviceReading{DeviceID: "d", RawValue: 1})
	b.ForceFlush()

	if writer.count() != 1 {
		t.Fatalf("writer received %d readings after ForceFlush, want 1", writer.count())
	}
}

func TestBatcherRoutesFailedBatchToDLQ(t *testing.T) {
	writer := &fakeWriter{failN: 1}
	dlq := &fakeWriter{}
	b := New(BatchConfig{BatchSize: 1, BatchTimeout: time.Hour}, writer, dlq, testLogger())
	b.Start()
	defer b.Stop()

	b.Post(ingestpath.DeviceReading{DeviceID: "d", RawValue: 1})

	deadline := time.Now().Add(2 * time.Second)
	for dlq.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if dlq.count() != 1 {
		t.Fatalf("dlq received %d readings, want 1", dlq.count())
	}
	if writer.count() != 0 {
		t.Errorf("writer should not have recorded the failed batch")
	}
}

func TestBatcherDropOldestOnOverflow(t *testing.T) {
	writer := &fakeWriter{}
	dlq := &fakeWriter{}
	// BatchTimeout long, BatchSize large, QueueCapacity tiny so the queue
	// fills up before the consumer drains it.
	b := New(BatchConfig{BatchSize: 1000, BatchTimeout: time.Hour, QueueCapacity: 1}, writer, dlq, testLogger())
	// Deliberately do not Start the consumer, so the queue stays full.

	b.Post(ingestpath.DeviceReading{DeviceID: "d", RawValue: 1})
	b.Post(ingestpath.DeviceReading{DeviceID: "d", RawValue: 2})
	b.Post(ingestpath.DeviceReading{DeviceID: "d", RawValue: 3})

	if b.Dropped() == 0 {
		t.Error("expected at least one dropped reading when queue overflows")
	}
}

func TestBatcherStopFlushesPending(t *testing.T) {
	writer := &fakeWriter{}
	dlq := &fakeWriter{}
	b := New(BatchConfig{BatchSize: 100, BatchTimeout: time.Hour}, writer, dlq, testLogger())
	b.Start()

	b.Post(ingestpath.DeviceReading{DeviceID: "d", RawValue: 1})
	b.Stop()

	if writer.count() != 1 {
		t.Errorf("writer received %d readings after Stop, want 1 (final flush)", writer.count())
	}
}
