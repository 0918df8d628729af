// Package config loads, defaults, validates, and atomically saves the
// ingest service's single startup configuration object.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"ingestpath"
)

// Config is the root configuration structure.
type Config struct {
	App            AppConfig                        `json:"app"`
	Devices        []ingestpath.DeviceConfig         `json:"devices"`
	MQTT           MQTTConfig                        `json:"mqtt"`
	MQTTDevices    []ingestpath.MqttDeviceConfig      `json:"mqtt_devices"`
	Timescale      TimescaleConfig                   `json:"timescale"`
	Logging        LoggingConfig                      `json:"logging"`
	Events         EventsConfig                       `json:"events"`
	GlobalPollIntervalMs  int  `json:"global_poll_interval_ms"`
	HealthCheckIntervalMs int  `json:"health_check_interval_ms"`
	DemoMode              bool `json:"demo_mode"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"`
}

// MQTTConfig mirrors mqtt.Config's JSON surface, per spec §6's
// "mqtt.{...}" configuration block.
type MQTTConfig struct {
	BrokerHost            string `json:"broker_host"`
	BrokerPort            int    `json:"broker_port"`
	ClientID              string `json:"client_id"`
	Username              string `json:"username"`
	Password              string `json:"password"`
	UseTLS                bool   `json:"use_tls"`
	AllowInvalidCerts     bool   `json:"allow_invalid_certs"`
	KeepAliveSeconds      int    `json:"keep_alive_s"`
	ReconnectDelaySeconds int    `json:"reconnect_delay_s"`
	MaxReconnectAttempts  int    `json:"max_reconnect_attempts"`
	CleanSession          bool   `json:"clean_session"`
	QoS                   byte   `json:"qos"`
	MaxTrackedTopics      int    `json:"max_tracked_topics"`
	MaxJSONPayloadBytes   int    `json:"max_json_payload_bytes"`
}

// TimescaleConfig configures the time-series store connection, per spec
// §6's "timescale.{...}" block.
type TimescaleConfig struct {
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	Database        string            `json:"database"`
	Username        string            `json:"username"`
	Password        string            `json:"password"`
	TableName       string            `json:"table_name"` // <= 63 chars
	BatchSize       int               `json:"batch_size"` // 1-1000
	BatchTimeoutMs  int               `json:"batch_timeout_ms"`
	FlushIntervalMs int               `json:"flush_interval_ms"`
	SSL             bool              `json:"ssl"`
	PoolMin         int               `json:"pool_min"`
	PoolMax         int               `json:"pool_max"`
	Tags            map[string]string `json:"tags"`
	DLQDir          string            `json:"dlq_dir"`
	MaxRetryAttempts int              `json:"max_retry_attempts"`
}

// LoggingConfig contains logging and log rotation settings.
type LoggingConfig struct {
	BasePath   string `json:"base_path"`   // Base directory for log files
	MaxSizeMB  int    `json:"max_size_mb"` // Max size before rotation
	MaxBackups int    `json:"max_backups"` // Max number of old log files
	Compress   bool   `json:"compress"`    // Compress rotated logs
	Level      string `json:"level"`       // Log level: debug, info, warn, error
}

// EventsConfig configures the optional operational event bus. Leaving
// URL empty disables it entirely; nothing downstream requires it.
type EventsConfig struct {
	NATSURL       string `json:"nats_url"`
	SubjectPrefix string `json:"subject_prefix"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults fills in default values for optional fields.
func (c *Config) setDefaults() {
	if c.App.Name == "" {
		c.App.Name = "ingestpath"
	}
	if c.App.InstanceID == "" {
		c.App.InstanceID = "default"
	}

	if c.MQTT.KeepAliveSeconds == 0 {
		c.MQTT.KeepAliveSeconds = 30
	}
	if c.MQTT.ReconnectDelaySeconds == 0 {
		c.MQTT.ReconnectDelaySeconds = 5
	}
	if c.MQTT.MaxTrackedTopics == 0 {
		c.MQTT.MaxTrackedTopics = 1000
	}
	if c.MQTT.MaxJSONPayloadBytes == 0 {
		c.MQTT.MaxJSONPayloadBytes = 1 << 20 // 1 MiB
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.App.InstanceID + "-ingestpath"
	}

	for i := range c.Devices {
		setDeviceDefaults(&c.Devices[i])
	}
	for i := range c.MQTTDevices {
		if c.MQTTDevices[i].Scale == 0 {
			c.MQTTDevices[i].Scale = 1
		}
	}

	if c.Timescale.TableName == "" {
		c.Timescale.TableName = "device_readings"
	}
	if c.Timescale.BatchSize == 0 {
		c.Timescale.BatchSize = 100
	}
	if c.Timescale.BatchTimeoutMs == 0 {
		c.Timescale.BatchTimeoutMs = 5000
	}
	if c.Timescale.PoolMax == 0 {
		c.Timescale.PoolMax = 10
	}
	if c.Timescale.DLQDir == "" {
		c.Timescale.DLQDir = "/var/lib/ingestpath/dlq"
	}
	if c.Timescale.MaxRetryAttempts == 0 {
		c.Timescale.MaxRetryAttempts = 5
	}

	if c.Logging.BasePath == "" {
		c.Logging.BasePath = "/var/log/ingestpath"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.GlobalPollIntervalMs == 0 {
		c.GlobalPollIntervalMs = 5000
	}
	if c.HealthCheckIntervalMs == 0 {
		c.HealthCheckIntervalMs = 30000
	}
}

func setDeviceDefaults(d *ingestpath.DeviceConfig) {
	if d.Port == 0 {
		d.Port = 502
	}
	if d.PollIntervalMs == 0 {
		d.PollIntervalMs = 5000
	}
	if d.TimeoutMs == 0 {
		d.TimeoutMs = 5000
	}
	for i := range d.Channels {
		ch := &d.Channels[i]
		if ch.Scale == 0 {
			ch.Scale = 1
		}
		if ch.RegisterCount == 0 {
			ch.RegisterCount = 1
		}
		if ch.RateWindowSeconds == 0 {
			ch.RateWindowSeconds = 60
		}
	}
}

// Save writes the configuration to a file atomically.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}
