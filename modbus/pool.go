package modbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ingestpath"
	"ingestpath/health"
)

// ReadingHandler receives every reading emitted by the pool, including
// Unavailable readings on terminal read failure. It must not block for
// long; callers that need buffering should do so internally.
type ReadingHandler func(ingestpath.DeviceReading)

// device is one pool entry: its configuration, connection, and the
// goroutine polling it.
type device struct {
	cfg    ingestpath.DeviceConfig
	conn   *Connection
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool manages a set of configured Modbus devices, running one polling
// goroutine per device and emitting a stream of DeviceReading via a
// caller-supplied handler. Grounded on capture.Manager's
// slice/map-under-mutex lifecycle (Start/Stop/Add/Remove/Restart),
// generalized from serial ports to Modbus/TCP devices.
type Pool struct {
	logger  *slog.Logger
	health  *health.Tracker
	handler ReadingHandler

	mu      sync.Mutex
	devices map[string]*device
}

// NewPool creates an empty device pool.
func NewPool(tracker *health.Tracker, handler ReadingHandler, logger *slog.Logger) *Pool {
	return &Pool{
		logger:  logger,
		health:  tracker,
		handler: handler,
		devices: make(map[string]*device),
	}
}

// Add registers and starts polling a device. Adding a device_id that is
// already present is an idempotent no-op reporting an error, per spec
// §4.3.
func (p *Pool) Add(ctx context.Context, cfg ingestpath.DeviceConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.devices[cfg.DeviceID]; exists {
		return fmt.Errorf("modbus: device %s already registered", cfg.DeviceID)
	}

	conn := NewConnection(cfg, p.logger.With("device_id", cfg.DeviceID))
	devCtx, cancel := context.WithCancel(ctx)
	d := &device{
		cfg:    cfg,
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.devices[cfg.DeviceID] = d

	go p.pollLoop(devCtx, d)

	p.logger.Info("device added", "device_id", cfg.DeviceID)
	return nil
}

// Remove cancels a device's polling task, disconnects it, and resets its
// health entry. Removing an unknown device is an idempotent no-op.
func (p *Pool) Remove(deviceID string) {
	p.mu.Lock()
	d, exists := p.devices[deviceID]
	if exists {
		delete(p.devices, deviceID)
	}
	p.mu.Unlock()

	if !exists {
		return
	}

	d.cancel()
	<-d.done
	d.conn.Disconnect()
	p.health.Reset(deviceID)
	p.logger.Info("device removed", "device_id", deviceID)
}

// Restart removes then re-adds a device with the same configuration,
// resetting its health counters.
func (p *Pool) Restart(ctx context.Context, deviceID string) error {
	p.mu.Lock()
	d, exists := p.devices[deviceID]
	p.mu.Unlock()
	if !exists {
		return fmt.Errorf("modbus: device %s not registered", deviceID)
	}
	cfg := d.cfg

	p.Remove(deviceID)
	return p.Add(ctx, cfg)
}

// Devices returns the device_ids currently registered.
func (p *Pool) Devices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.devices))
	for id := range p.devices {
		ids = append(ids, id)
	}
	return ids
}

// Stop cancels and disconnects every device in the pool.
func (p *Pool) Stop() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.devices))
	for id := range p.devices {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.Remove(id)
		}(id)
	}
	wg.Wait()
}

// pollLoop is the per-device polling task: connect, read every configured
// channel in order, emit a reading per channel, sleep for poll_interval_ms
// on a cancellable timer, repeat.
func (p *Pool) pollLoop(ctx context.Context, d *device) {
	defer close(d.done)

	interval := time.Duration(d.cfg.PollIntervalMs) * time.Millisecond
	timer := time.NewTimer(0) // poll immediately on start
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.pollOnce(ctx, d)
			timer.Reset(interval)
		}
	}
}

// pollOnce connects if needed and reads every configured channel once,
// emitting one reading per channel regardless of success or failure.
func (p *Pool) pollOnce(ctx context.Context, d *device) {
	if d.conn.State() != StateConnected {
		if err := d.conn.Connect(ctx); err != nil {
			// Emit Unavailable readings for every channel; the device is
			// simply offline this cycle, never silently skipped.
			for _, ch := range d.cfg.Channels {
				p.emitUnavailable(d.cfg.DeviceID, ch, err)
			}
			p.health.RecordFailure(d.cfg.DeviceID, err.Error())
			return
		}
	}

	for _, ch := range d.cfg.Channels {
		start := time.Now()
		regs, err := d.conn.ReadRegisters(ctx, ch.StartRegister, ch.RegisterCount, ch.RegisterType, d.cfg.MaxRetries)
		if err != nil {
			p.emitUnavailable(d.cfg.DeviceID, ch, err)
			p.health.RecordFailure(d.cfg.DeviceID, err.Error())
			continue
		}

		raw, err := DecodeRegisters(ch.DataType, regs)
		if err != nil {
			p.emitUnavailable(d.cfg.DeviceID, ch, err)
			p.health.RecordFailure(d.cfg.DeviceID, err.Error())
			continue
		}

		p.health.RecordSuccess(d.cfg.DeviceID, time.Since(start))
		p.handler(ingestpath.DeviceReading{
			DeviceID:  d.cfg.DeviceID,
			Channel:   ch.ChannelNumber,
			Timestamp: time.Now().UTC(),
			RawValue:  raw,
			Quality:   ingestpath.QualityGood,
			Unit:      ch.Unit,
		})
	}
}

func (p *Pool) emitUnavailable(deviceID string, ch ingestpath.ChannelConfig, err error) {
	p.handler(ingestpath.DeviceReading{
		DeviceID:  deviceID,
		Channel:   ch.ChannelNumber,
		Timestamp: time.Now().UTC(),
		Quality:   ingestpath.QualityUnavailable,
		Unit:      ch.Unit,
	}.WithTag("error", err.Error()))
}
