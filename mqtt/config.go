// Package mqtt implements the MQTT ingest subsystem: a managed broker
// connection (C4), a topic-to-device subscription index (C5), and a
// payload decoder (C6).
package mqtt

// Config configures the MQTT broker connection, grounded on spec §6's
// "mqtt.{...}" configuration surface.
type Config struct {
	BrokerHost          string
	BrokerPort          int
	ClientID            string
	Username            string
	Password            string
	UseTLS              bool
	AllowInvalidCerts   bool
	KeepAliveSeconds    int
	ReconnectDelaySeconds int
	MaxReconnectAttempts int // not read by Client, which reconnects without limit
	CleanSession        bool
	QoS                 byte // 0, 1, or 2
	MaxTrackedTopics    int
	MaxJSONPayloadBytes int
}
