// Package health tracks per-device success/failure statistics fed by the
// Modbus device pool and surfaced by the orchestrator's status report.
package health

import (
	"log/slog"
	"sync"
	"time"

	"ingestpath/events"
)

// offlineThreshold is the number of consecutive failures after which a
// device is considered offline (spec §4.1 / §8).
const offlineThreshold = 5

// rollingWindowSize bounds the number of recent response durations kept for
// each device.
const rollingWindowSize = 100

// Health is an immutable snapshot of one device's health state.
type Health struct {
	DeviceID            string
	IsConnected         bool
	LastSuccess         time.Time // zero if never
	ConsecutiveFailures int
	LastError           string
	TotalReads          int64
	SuccessfulReads     int64
	RollingWindow       []time.Duration // most recent response durations, oldest first
}

// SuccessRate returns 100*successful/total, or 0 if there have been no reads.
func (h Health) SuccessRate() float64 {
	if h.TotalReads == 0 {
		return 0
	}
	return 100 * float64(h.SuccessfulReads) / float64(h.TotalReads)
}

// IsOffline reports whether consecutive failures have crossed the offline
// threshold.
func (h Health) IsOffline() bool {
	return h.ConsecutiveFailures >= offlineThreshold
}

type entry struct {
	mu                  sync.Mutex
	isConnected         bool
	lastSuccess         time.Time
	consecutiveFailures int
	lastError           string
	totalReads          int64
	successfulReads     int64
	window              []time.Duration
}

func (e *entry) snapshot(deviceID string) Health {
	e.mu.Lock()
	defer e.mu.Unlock()

	window := make([]time.Duration, len(e.window))
	copy(window, e.window)

	return Health{
		DeviceID:            deviceID,
		IsConnected:         e.isConnected,
		LastSuccess:         e.lastSuccess,
		ConsecutiveFailures: e.consecutiveFailures,
		LastError:           e.lastError,
		TotalReads:          e.totalReads,
		SuccessfulReads:     e.successfulReads,
		RollingWindow:       window,
	}
}

// Tracker accumulates per-device health state. It is safe for concurrent
// use by many device-polling goroutines at once; every mutation of a
// device's counters happens under that device's own lock so readers never
// observe a torn update.
type Tracker struct {
	logger *slog.Logger
	events *events.Publisher

	mu      sync.RWMutex
	devices map[string]*entry
}

// New creates an empty Tracker.
func New(logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:  logger,
		devices: make(map[string]*entry),
	}
}

// SetEventPublisher wires an optional operational event bus: device
// offline/online transitions are published to it in addition to being
// logged. A nil publisher (the default) simply disables this — Publish is
// nil-safe, so no further check is needed here.
func (t *Tracker) SetEventPublisher(p *events.Publisher) {
	t.events = p
}

func (t *Tracker) entryFor(deviceID string) *entry {
	t.mu.RLock()
	e, ok := t.devices[deviceID]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.devices[deviceID]; ok {
		return e
	}
	e = &entry{}
	t.devices[deviceID] = e
	return e
}

// RecordSuccess updates a device's health after a successful read.
func (t *Tracker) RecordSuccess(deviceID string, responseDuration time.Duration) {
	e := t.entryFor(deviceID)

	e.mu.Lock()
	wasOffline := e.consecutiveFailures >= offlineThreshold
	e.lastSuccess = time.Now()
	e.consecutiveFailures = 0
	e.isConnected = true
	e.totalReads++
	e.successfulReads++
	e.window = append(e.window, responseDuration)
	if len(e.window) > rollingWindowSize {
		e.window = e.window[len(e.window)-rollingWindowSize:]
	}
	e.mu.Unlock()

	if wasOffline {
		t.logger.Info("device back online", "device_id", deviceID)
		t.events.PublishDeviceOnline(deviceID)
	}
}

// RecordFailure updates a device's health after a failed read. Crossing the
// offline threshold is logged exactly once, on the transition, not on every
// subsequent failure.
func (t *Tracker) RecordFailure(deviceID string, errMsg string) {
	e := t.entryFor(deviceID)

	e.mu.Lock()
	e.consecutiveFailures++
	e.totalReads++
	e.lastError = errMsg
	crossedThreshold := e.consecutiveFailures == offlineThreshold
	consecutiveFailures := e.consecutiveFailures
	if crossedThreshold {
		e.isConnected = false
	}
	e.mu.Unlock()

	if crossedThreshold {
		t.logger.Warn("device marked offline", "device_id", deviceID, "error", errMsg)
		t.events.PublishDeviceOffline(deviceID, consecutiveFailures)
	}
}

// Get returns a snapshot of one device's health, or ok=false if unknown.
func (t *Tracker) Get(deviceID string) (Health, bool) {
	t.mu.RLock()
	e, ok := t.devices[deviceID]
	t.mu.RUnlock()
	if !ok {
		return Health{}, false
	}
	return e.snapshot(deviceID), true
}

// GetAll returns a snapshot of every tracked device's health.
func (t *Tracker) GetAll() map[string]Health {
	t.mu.RLock()
	ids := make([]string, 0, len(t.devices))
	entries := make([]*entry, 0, len(t.devices))
	for id, e := range t.devices {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make(map[string]Health, len(ids))
	for i, id := range ids {
		out[id] = entries[i].snapshot(id)
	}
	return out
}

// Reset clears a device's health entry, e.g. on device removal/restart.
func (t *Tracker) Reset(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.devices, deviceID)
}
