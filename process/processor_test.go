package process

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"ingestpath"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func float64Ref(f float64) *float64 { return &f }

func TestProcessAppliesScaleAndOffset(t *testing.T) {
	p := New(testLogger())
	p.RegisterDevice("dev-1", []ingestpath.ChannelConfig{
		{ChannelNumber: 0, DataType: ingestpath.DataTypeUInt16, Scale: 0.1, Offset: 5},
	})

	r := p.Process(ingestpath.DeviceReading{DeviceID: "dev-1", Channel: 0, RawValue: 100, Timestamp: time.Now()})
	if r.ProcessedValue != 15 {
		t.Errorf("ProcessedValue = %v, want 15 (100*0.1+5)", r.ProcessedValue)
	}
	if r.Quality != ingestpath.QualityGood {
		t.Errorf("Quality = %v, want Good", r.Quality)
	}
}

func TestProcessUnavailablePassesThroughUnchanged(t *testing.T) {
	p := New(testLogger())
	p.RegisterDevice("dev-1", []ingestpath.ChannelConfig{
		{ChannelNumber: 0, Scale: 1},
	})

	in := ingestpath.DeviceReading{DeviceID: "dev-1", Channel: 0, Quality: ingestpath.QualityUnavailable, Timestamp: time.Now()}
	out := p.Process(in)
	if out.Quality != ingestpath.QualityUnavailable {
		t.Errorf("Quality = %v, want Unavailable", out.Quality)
	}
	if out.Rate != nil {
		t.Error("Unavailable reading must not receive a rate")
	}
	if out.ProcessedValue != 0 {
		t.Error("Unavailable reading must not be scaled")
	}
}

func TestProcessBoundsViolationIsBad(t *testing.T) {
	p := New(testLogger())
	p.RegisterDevice("dev-1", []ingestpath.ChannelConfig{
		{ChannelNumber: 0, Scale: 1, Max: float64Ref(50)},
	})

	r := p.Process(ingestpath.DeviceReading{DeviceID: "dev-1", Channel: 0, RawValue: 100, Timestamp: time.Now()})
	if r.Quality != ingestpath.QualityBad {
		t.Errorf("Quality = %v, want Bad", r.Quality)
	}
}

func TestProcessMaxChangeRateIsDegraded(t *testing.T) {
	p := New(testLogger())
	p.RegisterDevice("dev-1", []ingestpath.ChannelConfig{
		{ChannelNumber: 0, Scale: 1, MaxChangeRate: float64Ref(5), RateWindowSeconds: 60},
	})

	now := time.Now()
	p.Process(ingestpath.DeviceReading{DeviceID: "dev-1", Channel: 0, RawValue: 0, Timestamp: now})
	r := p.Process(ingestpath.DeviceReading{DeviceID: "dev-1", Channel: 0, RawValue: 1000, Timestamp: now.Add(5 * time.Second)})

	if r.Quality != ingestpath.QualityDegraded {
		t.Errorf("Quality = %v, want Degraded", r.Quality)
	}
	if r.Rate == nil {
		t.Error("Degraded reading must still carry its rate")
	}
}

func TestProcessBoundsCheckedBeforeChangeRate(t *testing.T) {
	p := New(testLogger())
	p.RegisterDevice("dev-1", []ingestpath.ChannelConfig{
		{ChannelNumber: 0, Scale: 1, Max: float64Ref(50), MaxChangeRate: float64Ref(5), RateWindowSeconds: 60},
	})

	now := time.Now()
	p.Process(ingestpath.DeviceReading{DeviceID: "dev-1", Channel: 0, RawValue: 0, Timestamp: now})
	r := p.Process(ingestpath.DeviceReading{DeviceID: "dev-1", Channel: 0, RawValue: 1000, Timestamp: now.Add(5 * time.Second)})

	if r.Quality != ingestpath.QualityBad {
		t.Errorf("Quality = %v, want Bad (bounds check takes priority)", r.Quality)
	}
}

func TestProcessUnknownChannelPassesThrough(t *testing.T) {
	p := New(testLogger())
	r := p.Process(ingestpath.DeviceReading{DeviceID: "unknown-dev", Channel: 0, RawValue: 42, Timestamp: time.Now()})
	if r.RawValue != 42 {
		t.Errorf("RawValue = %d, want unchanged 42", r.RawValue)
	}
	if r.ProcessedValue != 0 {
		t.Error("unknown channel must not be scaled")
	}
}

func TestProcessUnregisterRemovesChannels(t *testing.T) {
	p := New(testLogger())
	p.RegisterDevice("dev-1", []ingestpath.ChannelConfig{{ChannelNumber: 0, Scale: 1, Offset: 100}})
	p.Unregister("dev-1")

	r := p.Process(ingestpath.DeviceReading{DeviceID: "dev-1", Channel: 0, RawValue: 5, Timestamp: time.Now()})
	if r.ProcessedValue != 0 {
		t.Error("unregistered device must pass through unscaled")
	}
}

func TestRegisterMQTTDeviceAppliesScaleAndComputesRate(t *testing.T) {
	p := New(testLogger())
	p.RegisterMQTTDevice(ingestpath.MqttDeviceConfig{
		DeviceID: "mqtt-1",
		DataType: ingestpath.MqttUInt16,
		Scale:    0.1,
	})

	now := time.Now()
	p.Process(ingestpath.DeviceReading{DeviceID: "mqtt-1", Channel: 0, RawValue: 100, Quality: ingestpath.QualityGood, Timestamp: now})
	r := p.Process(ingestpath.DeviceReading{DeviceID: "mqtt-1", Channel: 0, RawValue: 150, Quality: ingestpath.QualityGood, Timestamp: now.Add(5 * time.Second)})

	if r.ProcessedValue != 15 {
		t.Errorf("ProcessedValue = %v, want 15 (150*0.1)", r.ProcessedValue)
	}
	if r.Rate == nil {
		t.Fatal("expected a rate for a registered mqtt device")
	}
	if *r.Rate != 1 {
		t.Errorf("Rate = %v, want 1 (50 raw units/5s * scale 0.1)", *r.Rate)
	}
}

func TestProcessResetRateClearsWindow(t *testing.T) {
	p := New(testLogger())
	p.RegisterDevice("dev-1", []ingestpath.ChannelConfig{{ChannelNumber: 0, Scale: 1, RateWindowSeconds: 60}})

	now := time.Now()
	p.Process(ingestpath.DeviceReading{DeviceID: "dev-1", Channel: 0, RawValue: 0, Timestamp: now})
	p.ResetRate("dev-1", 0)
	r := p.Process(ingestpath.DeviceReading{DeviceID: "dev-1", Channel: 0, RawValue: 500, Timestamp: now.Add(5 * time.Second)})
	if r.Rate != nil {
		t.Error("rate window should have been reset, expected no rate from single sample")
	}
}
