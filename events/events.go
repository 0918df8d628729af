// Package events implements an optional, nil-safe operational event bus
// over NATS JetStream. It carries no data-path traffic: every reading
// flows through storage.Batcher regardless of whether this bus is
// configured. Grounded on the teacher's output/events.go (nil-on-disabled
// EventPublisher, flat Event struct), generalized from CDR-capture events
// to this service's device-health and DLQ events. Events are published
// only when they occur; the package runs no periodic heartbeat.
package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Event types published to the bus.
const (
	EventServiceStart    = "service_start"
	EventServiceStop     = "service_stop"
	EventUncleanShutdown = "unclean_shutdown"
	EventDeviceOffline   = "device_offline"
	EventDeviceOnline    = "device_online"
	EventDLQThreshold    = "dlq_threshold_warning"
	EventError           = "error"
)

// Event is the flat structure published for every event type.
type Event struct {
	Timestamp  time.Time      `json:"ts"`
	Type       string         `json:"type"`
	InstanceID string         `json:"instance"`
	DeviceID   string         `json:"device_id,omitempty"`
	Message    string         `json:"msg,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Publisher publishes discrete operational events to NATS JetStream. It
// is designed to be optional: a nil *Publisher is safe to call every
// method on and simply does nothing, so callers never need a nil check.
type Publisher struct {
	conn       *nats.Conn
	subject    string
	instanceID string
	logger     *slog.Logger
}

// Config configures the Publisher.
type Config struct {
	URL           string
	SubjectPrefix string // e.g. "ingestpath.events"
	InstanceID    string
}

// New connects to NATS and returns a Publisher, or nil if cfg.URL is
// empty (events bus disabled). A connection failure when a URL is
// configured is logged and also returns nil, since the event bus
// is ambient infrastructure and must never block ingest startup.
func New(cfg Config, logger *slog.Logger) *Publisher {
	if cfg.URL == "" {
		return nil
	}

	conn, err := nats.Connect(cfg.URL, nats.MaxReconnects(-1), nats.ReconnectWait(5*time.Second))
	if err != nil {
		logger.Warn("events: failed to connect to nats, operational events disabled", "error", err)
		return nil
	}

	return &Publisher{
		conn:       conn,
		subject:    cfg.SubjectPrefix,
		instanceID: cfg.InstanceID,
		logger:     logger,
	}
}

// Close releases the underlying NATS connection. Safe to call on nil.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}

// Publish sends an event. Safe to call on a nil receiver or when
// disconnected; in both cases it's a silent no-op.
func (p *Publisher) Publish(e Event) {
	if p == nil || p.conn == nil || !p.conn.IsConnected() {
		return
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.InstanceID == "" {
		e.InstanceID = p.instanceID
	}

	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("events: failed to marshal event", "error", err, "type", e.Type)
		return
	}

	if err := p.conn.Publish(p.subject, data); err != nil {
		p.logger.Warn("events: failed to publish", "error", err, "type", e.Type)
		return
	}
}

// PublishServiceStart publishes a service_start event.
func (p *Publisher) PublishServiceStart(version string) {
	p.Publish(Event{Type: EventServiceStart, Message: "ingest service started", Details: map[string]any{"version": version}})
}

// PublishServiceStop publishes a service_stop event.
func (p *Publisher) PublishServiceStop(reason string) {
	p.Publish(Event{Type: EventServiceStop, Message: "ingest service stopping", Details: map[string]any{"reason": reason}})
}

// PublishDeviceOffline publishes a device-health transition to offline.
func (p *Publisher) PublishDeviceOffline(deviceID string, consecutiveFailures int) {
	p.Publish(Event{
		Type:     EventDeviceOffline,
		DeviceID: deviceID,
		Message:  "device marked offline",
		Details:  map[string]any{"consecutive_failures": consecutiveFailures},
	})
}

// PublishDeviceOnline publishes a device-health transition back to online.
func (p *Publisher) PublishDeviceOnline(deviceID string) {
	p.Publish(Event{Type: EventDeviceOnline, DeviceID: deviceID, Message: "device back online"})
}

// PublishDLQThreshold publishes a dead-letter-queue disk usage warning.
func (p *Publisher) PublishDLQThreshold(sizeBytes, thresholdBytes int64) {
	p.Publish(Event{
		Type:    EventDLQThreshold,
		Message: "dead-letter queue exceeds disk usage threshold",
		Details: map[string]any{"size_bytes": sizeBytes, "threshold_bytes": thresholdBytes},
	})
}

// PublishError publishes a generic error event.
func (p *Publisher) PublishError(deviceID, errMsg string) {
	p.Publish(Event{Type: EventError, DeviceID: deviceID, Message: errMsg})
}

// CheckAndPublishUncleanShutdown inspects the last message on the events
// stream; if it isn't a service_stop for this instance, the previous run
// didn't shut down cleanly (crash, power loss, kill -9) and an
// unclean_shutdown event is published. Call this once, right after New,
// before PublishServiceStart.
func (p *Publisher) CheckAndPublishUncleanShutdown() {
	if p == nil || p.conn == nil {
		return
	}

	js, err := p.conn.JetStream()
	if err != nil {
		p.logger.Debug("events: jetstream not available for unclean shutdown check", "error", err)
		return
	}

	sub, err := js.PullSubscribe(p.subject, "", nats.DeliverLast(), nats.BindStream("events"))
	if err != nil {
		p.logger.Debug("events: no prior events stream found", "error", err)
		return
	}
	defer sub.Unsubscribe()

	msgs, err := sub.Fetch(1, nats.MaxWait(2*time.Second))
	if err != nil || len(msgs) == 0 {
		return
	}

	var last Event
	if err := json.Unmarshal(msgs[0].Data, &last); err != nil {
		return
	}

	if last.InstanceID == p.instanceID && last.Type != EventServiceStop {
		p.Publish(Event{Type: EventUncleanShutdown, Message: "previous run did not stop cleanly"})
	}
}

// IsConnected reports whether the bus is configured and currently
// connected. Safe to call on nil.
func (p *Publisher) IsConnected() bool {
	return p != nil && p.conn != nil && p.conn.IsConnected()
}
