// Package orchestrator wires the ingest pipeline's components together
// (C10): it validates configuration, starts the Modbus device pool and
// the MQTT client, routes decoded readings through the processor into
// batched storage, and owns the ordered startup/shutdown sequence.
// Grounded on the teacher's capture.Manager — component wiring order,
// nil-safe optional event publisher, and the WaitGroup-bounded
// concurrent-stop shape it uses to bring down channels.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ingestpath"
	"ingestpath/config"
	"ingestpath/events"
	"ingestpath/health"
	"ingestpath/modbus"
	"ingestpath/mqtt"
	"ingestpath/process"
	"ingestpath/storage"
)

// Status reports the orchestrator's current running state, used for an
// operational status endpoint or CLI introspection.
type Status struct {
	Running          bool
	StartedAt        time.Time
	ModbusDeviceIDs  []string
	MQTTDeviceIDs    []string
	Health           map[string]health.Health
	DroppedReadings  int64
	DLQPendingCount  int
}

// Orchestrator owns every long-lived component of the ingest service.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	health  *health.Tracker
	pool    *modbus.Pool
	mqttC   *mqtt.Client
	subs    *mqtt.Subscriptions
	proc    *process.Processor
	batcher *storage.Batcher
	store   *storage.Store
	dlq     *storage.DLQ
	events  *events.Publisher

	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

// New creates an Orchestrator. Nothing is started until Start.
func New(cfg *config.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, logger: logger}
}

// Start validates the configuration, connects to the time-series store,
// wires every component, and begins polling/subscribing. Configuration
// validation (duplicate device ids, invalid IPs, duplicate channels) and
// the store connectivity check both happen before any Modbus socket or
// MQTT connection is opened, so a bad config or an unreachable database
// fails fast without partially starting the pipeline.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.cfg.Validate(); err != nil {
		return fmt.Errorf("orchestrator: invalid configuration: %w", err)
	}

	o.events = events.New(events.Config{
		URL:           o.cfg.Events.NATSURL,
		SubjectPrefix: o.cfg.Events.SubjectPrefix,
		InstanceID:    o.cfg.App.InstanceID,
	}, o.logger)
	o.events.CheckAndPublishUncleanShutdown()
	o.events.PublishServiceStart("1.0.0")

	store, err := storage.Open(storage.StoreConfig{
		Host:     o.cfg.Timescale.Host,
		Port:     o.cfg.Timescale.Port,
		Database: o.cfg.Timescale.Database,
		User:     o.cfg.Timescale.Username,
		Password: o.cfg.Timescale.Password,
		Table:    o.cfg.Timescale.TableName,
		SSLMode:  sslMode(o.cfg.Timescale.SSL),
	}, o.logger)
	if err != nil {
		return fmt.Errorf("orchestrator: time-series store unreachable: %w", err)
	}
	o.store = store

	dlq, err := storage.NewDLQ(storage.DLQConfig{
		Dir:              o.cfg.Timescale.DLQDir,
		MaxRetryAttempts: o.cfg.Timescale.MaxRetryAttempts,
	}, store, o.logger)
	if err != nil {
		store.Close()
		return fmt.Errorf("orchestrator: dead-letter queue init failed: %w", err)
	}
	o.dlq = dlq
	o.dlq.SetEventPublisher(o.events)
	o.dlq.Start()

	o.batcher = storage.New(storage.BatchConfig{
		BatchSize:    o.cfg.Timescale.BatchSize,
		BatchTimeout: time.Duration(o.cfg.Timescale.BatchTimeoutMs) * time.Millisecond,
	}, store, dlq, o.logger)
	o.batcher.Start()

	o.proc = process.New(o.logger)
	o.health = health.New(o.logger)
	o.health.SetEventPublisher(o.events)

	o.pool = modbus.NewPool(o.health, o.emitReading, o.logger)
	for _, d := range o.cfg.Devices {
		o.proc.RegisterDevice(d.DeviceID, d.Channels)
		if err := o.pool.Add(ctx, d); err != nil {
			o.logger.Error("failed to add modbus device", "device_id", d.DeviceID, "error", err)
		}
	}

	if len(o.cfg.MQTTDevices) > 0 {
		for _, d := range o.cfg.MQTTDevices {
			o.proc.RegisterMQTTDevice(d)
		}

		o.subs = mqtt.NewSubscriptions(o.logger)
		o.subs.Register(o.cfg.MQTTDevices, o.cfg.MQTT.QoS)

		o.mqttC = mqtt.New(mqtt.Config{
			BrokerHost:            o.cfg.MQTT.BrokerHost,
			BrokerPort:            o.cfg.MQTT.BrokerPort,
			ClientID:              o.cfg.MQTT.ClientID,
			Username:              o.cfg.MQTT.Username,
			Password:              o.cfg.MQTT.Password,
			UseTLS:                o.cfg.MQTT.UseTLS,
			AllowInvalidCerts:     o.cfg.MQTT.AllowInvalidCerts,
			KeepAliveSeconds:      o.cfg.MQTT.KeepAliveSeconds,
			ReconnectDelaySeconds: o.cfg.MQTT.ReconnectDelaySeconds,
			MaxReconnectAttempts:  o.cfg.MQTT.MaxReconnectAttempts,
			CleanSession:          o.cfg.MQTT.CleanSession,
			QoS:                   o.cfg.MQTT.QoS,
			MaxTrackedTopics:      o.cfg.MQTT.MaxTrackedTopics,
			MaxJSONPayloadBytes:   o.cfg.MQTT.MaxJSONPayloadBytes,
		}, o.handleMQTTMessage, o.logger)

		if err := o.mqttC.Start(); err != nil {
			return fmt.Errorf("orchestrator: mqtt broker connection failed: %w", err)
		}

		filters := mqtt.BuildSubscriptions(o.cfg.MQTTDevices, o.cfg.MQTT.QoS)
		if err := o.mqttC.Subscribe(filters); err != nil {
			return fmt.Errorf("orchestrator: mqtt subscribe failed: %w", err)
		}
	}

	o.mu.Lock()
	o.running = true
	o.startedAt = time.Now()
	o.mu.Unlock()

	o.logger.Info("orchestrator started",
		"modbus_devices", len(o.cfg.Devices), "mqtt_devices", len(o.cfg.MQTTDevices))
	return nil
}

// Stop brings the pipeline down in dependency order: stop accepting new
// readings (poll loops, MQTT) before tearing down the path that consumes
// them (batcher, DLQ, store), so nothing is dropped mid-shutdown.
func (o *Orchestrator) Stop() {
	o.logger.Info("orchestrator stopping")
	o.events.PublishServiceStop("shutdown requested")

	if o.pool != nil {
		o.pool.Stop()
	}
	if o.mqttC != nil {
		o.mqttC.Stop()
	}

	if o.batcher != nil {
		o.batcher.ForceFlush()
		o.batcher.Stop()
	}
	if o.dlq != nil {
		o.dlq.Stop()
	}
	if o.store != nil {
		o.store.Close()
	}
	o.events.Close()

	o.mu.Lock()
	o.running = false
	o.mu.Unlock()

	o.logger.Info("orchestrator stopped")
}

// Status reports the orchestrator's current state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	running := o.running
	startedAt := o.startedAt
	o.mu.Unlock()

	var deviceIDs []string
	if o.pool != nil {
		deviceIDs = o.pool.Devices()
	}

	var mqttIDs []string
	for _, d := range o.cfg.MQTTDevices {
		mqttIDs = append(mqttIDs, d.DeviceID)
	}

	var healthSnapshot map[string]health.Health
	if o.health != nil {
		healthSnapshot = o.health.GetAll()
	}

	var dropped int64
	if o.batcher != nil {
		dropped = o.batcher.Dropped()
	}
	var pending int
	if o.dlq != nil {
		pending = o.dlq.PendingCount()
	}

	return Status{
		Running:         running,
		StartedAt:       startedAt,
		ModbusDeviceIDs: deviceIDs,
		MQTTDeviceIDs:   mqttIDs,
		Health:          healthSnapshot,
		DroppedReadings: dropped,
		DLQPendingCount: pending,
	}
}

// emitReading is the Modbus pool's ReadingHandler: it runs every raw
// reading through the processor and posts the result to storage.
func (o *Orchestrator) emitReading(r ingestpath.DeviceReading) {
	o.batcher.Post(o.proc.Process(r))
}

// handleMQTTMessage is the MQTT client's MessageHandler: it looks up the
// device configuration for the inbound topic, decodes the payload, and
// hands the decoded quality=Good reading to the data processor (C7) the
// same way Modbus readings are, per spec §4.6 — scaling, rate
// computation, and quality assignment happen there, not in the decoder
// or here.
func (o *Orchestrator) handleMQTTMessage(m mqtt.Message) {
	devCfg, ok := o.subs.FindDevice(m.Topic)
	if !ok {
		o.logger.Warn("mqtt message on unregistered topic", "topic", m.Topic)
		return
	}

	reading, err := mqtt.Decode(devCfg, m.Payload, o.cfg.MQTT.MaxJSONPayloadBytes)
	if err != nil {
		o.logger.Warn("mqtt payload decode failed", "topic", m.Topic, "device_id", devCfg.DeviceID, "error", err)
		return
	}

	o.batcher.Post(o.proc.Process(reading))
}

func sslMode(enabled bool) string {
	if enabled {
		return "require"
	}
	return "disable"
}
