// Package process implements the data processor (C7): scaling,
// counter-overflow-aware windowed rate computation, and quality
// assignment for readings coming off the Modbus and MQTT pipelines.
package process

import (
	"log/slog"
	"sync"

	"ingestpath"
)

// channelKey identifies a device_id×channel configuration pair.
type channelKey struct {
	deviceID string
	channel  uint8
}

// Processor applies scale/offset, windowed rate, and quality rules to
// readings, grounded on the scale/validation responsibilities spec §4.7
// assigns to the data processor.
type Processor struct {
	logger *slog.Logger
	rates  *RateWindows

	mu       sync.RWMutex
	channels map[channelKey]ingestpath.ChannelConfig

	warnedMu sync.Mutex
	warned   map[channelKey]bool
}

// New creates a Processor with no registered channels.
func New(logger *slog.Logger) *Processor {
	return &Processor{
		logger:   logger,
		rates:    NewRateWindows(),
		channels: map[channelKey]ingestpath.ChannelConfig{},
		warned:   map[channelKey]bool{},
	}
}

// RegisterDevice makes a device's channel configurations known to the
// processor so future readings for it can be scaled and validated.
func (p *Processor) RegisterDevice(deviceID string, channels []ingestpath.ChannelConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range channels {
		p.channels[channelKey{deviceID, ch.ChannelNumber}] = ch
	}
}

// Unregister drops a device's channel configurations, so later readings
// for it pass through unscaled as unknown pairs. Pool.Remove does not
// call it.
func (p *Processor) Unregister(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.channels {
		if k.deviceID == deviceID {
			delete(p.channels, k)
		}
	}
}

// RegisterMQTTDevice makes an MQTT device's scale/unit known to the
// processor under channel 0, so decoded readings for it take the same
// scale/rate/quality path as Modbus readings (spec §4.6: "All decoded
// readings are tagged quality=Good, then handed to the data processor").
// MqttDeviceConfig carries one scale/unit per device, not per channel, so
// readings the decoder routes to a non-zero channel (via channel_path)
// fall through to the unknown-channel path like any other unregistered
// device_id×channel pair.
func (p *Processor) RegisterMQTTDevice(d ingestpath.MqttDeviceConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[channelKey{d.DeviceID, 0}] = ingestpath.ChannelConfig{
		ChannelNumber: 0,
		DataType:      mqttToChannelDataType(d.DataType),
		Scale:         d.Scale,
		Unit:          d.Unit,
	}
}

func mqttToChannelDataType(dt ingestpath.MqttDataType) ingestpath.DataType {
	switch dt {
	case ingestpath.MqttUInt32:
		return ingestpath.DataTypeUInt32Counter
	case ingestpath.MqttInt16:
		return ingestpath.DataTypeInt16
	case ingestpath.MqttUInt16:
		return ingestpath.DataTypeUInt16
	case ingestpath.MqttFloat32:
		return ingestpath.DataTypeFloat32
	default:
		return ingestpath.DataTypeFloat32
	}
}

// Process applies scaling, rate computation, and quality assignment to a
// raw reading in place, per the evaluation order in spec §4.7: Unavailable
// passes through untouched, then bounds violation (Bad), then
// max-change-rate violation (Degraded), else Good. Unknown device_id×channel
// pairs pass through unscaled with a one-time warning.
func (p *Processor) Process(r ingestpath.DeviceReading) ingestpath.DeviceReading {
	key := channelKey{r.DeviceID, r.Channel}

	p.mu.RLock()
	cfg, known := p.channels[key]
	p.mu.RUnlock()

	if !known {
		p.warnUnknownOnce(key)
		return r
	}

	if r.Quality == ingestpath.QualityUnavailable {
		return r
	}

	r.ProcessedValue = float64(r.RawValue)*cfg.Scale + cfg.Offset
	r.Unit = cfg.Unit

	windowSeconds := cfg.RateWindowSeconds
	if windowSeconds == 0 {
		windowSeconds = 60
	}
	r.Rate = p.rates.Windowed(r.DeviceID, r.Channel, cfg.DataType, r.Timestamp, r.RawValue, windowSeconds, cfg.Scale)

	r.Quality = p.assignQuality(cfg, r)
	return r
}

func (p *Processor) assignQuality(cfg ingestpath.ChannelConfig, r ingestpath.DeviceReading) ingestpath.Quality {
	if cfg.Min != nil && r.ProcessedValue < *cfg.Min || cfg.Max != nil && r.ProcessedValue > *cfg.Max {
		p.logger.Warn("reading out of bounds",
			"device_id", r.DeviceID, "channel", r.Channel, "value", r.ProcessedValue,
			"min", cfg.Min, "max", cfg.Max)
		return ingestpath.QualityBad
	}

	if cfg.MaxChangeRate != nil && r.Rate != nil {
		rate := *r.Rate
		if rate < 0 {
			rate = -rate
		}
		if rate > *cfg.MaxChangeRate {
			p.logger.Warn("reading change rate exceeds threshold",
				"device_id", r.DeviceID, "channel", r.Channel, "rate", *r.Rate, "max_change_rate", *cfg.MaxChangeRate)
			return ingestpath.QualityDegraded
		}
	}

	return ingestpath.QualityGood
}

func (p *Processor) warnUnknownOnce(key channelKey) {
	p.warnedMu.Lock()
	defer p.warnedMu.Unlock()
	if p.warned[key] {
		return
	}
	p.warned[key] = true
	p.logger.Warn("reading for unconfigured device/channel", "device_id", key.deviceID, "channel", key.channel)
}

// ResetRate discards the rate window for device_id×channel, so the next
// rate is computed only from samples processed after the reset. Nothing in
// the service calls it: device removal, restart and online transitions
// leave existing rate windows in place.
func (p *Processor) ResetRate(deviceID string, channel uint8) {
	p.rates.Reset(deviceID, channel)
}
