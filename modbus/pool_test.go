package modbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"ingestpath"
	"ingestpath/health"
)

func TestPoolOfflineDeviceEmitsUnavailable(t *testing.T) {
	tracker := health.New(testLogger())

	var mu sync.Mutex
	var readings []ingestpath.DeviceReading
	handler := func(r ingestpath.DeviceReading) {
		mu.Lock()
		readings = append(readings, r)
		mu.Unlock()
	}

	pool := NewPool(tracker, handler, testLogger())

	cfg := ingestpath.DeviceConfig{
		DeviceID:       "dev-offline",
		IP:             "127.0.0.1",
		Port:           1, // nothing listens here
		TimeoutMs:      200,
		MaxRetries:     0,
		PollIntervalMs: 100,
		Channels: []ingestpath.ChannelConfig{
			{ChannelNumber: 0, StartRegister: 0, RegisterCount: 1, DataType: ingestpath.DataTypeUInt16},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Add(ctx, cfg); err != nil {
		t.Fatalf("Add: %v", err)
	}
	defer pool.Remove("dev-offline")

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(readings) == 0 {
		t.Fatal("expected at least one Unavailable reading")
	}
	for _, r := range readings {
		if r.Quality != ingestpath.QualityUnavailable {
			t.Errorf("quality = %v, want Unavailable", r.Quality)
		}
		if r.Rate != nil {
			t.Error("Unavailable reading must not carry a rate")
		}
		if _, ok := r.Tags["error"]; !ok {
			t.Error("Unavailable reading must carry an error tag")
		}
	}
}

func TestPoolAddDuplicateRejected(t *testing.T) {
	tracker := health.New(testLogger())
	pool := NewPool(tracker, func(ingestpath.DeviceReading) {}, testLogger())

	cfg := ingestpath.DeviceConfig{DeviceID: "dev-1", IP: "127.0.0.1", Port: 1, TimeoutMs: 200, PollIntervalMs: 1000}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Add(ctx, cfg); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	defer pool.Remove("dev-1")

	if err := pool.Add(ctx, cfg); err == nil {
		t.Error("expected duplicate Add to fail")
	}
}

func TestPoolRemoveUnknownIsNoop(t *testing.T) {
	tracker := health.New(testLogger())
	pool := NewPool(tracker, func(ingestpath.DeviceReading) {}, testLogger())
	pool.Remove("does-not-exist") // must not panic or block
}
