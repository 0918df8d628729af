package config

import (
	"fmt"
	"net"
	"os"

	"ingestpath"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate performs comprehensive validation of the configuration. Every
// failure here aborts startup before any socket or file handle is opened,
// per spec §7's classification of invalid configuration as a permanent,
// fail-fast error.
func (c *Config) Validate() error {
	if err := c.validateApp(); err != nil {
		return fmt.Errorf("app config: %w", err)
	}

	if err := c.validateDevices(); err != nil {
		return fmt.Errorf("devices config: %w", err)
	}

	if err := c.validateMQTT(); err != nil {
		return fmt.Errorf("mqtt config: %w", err)
	}

	if err := c.validateMQTTDevices(); err != nil {
		return fmt.Errorf("mqtt_devices config: %w", err)
	}

	if err := c.validateTimescale(); err != nil {
		return fmt.Errorf("timescale config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

func (c *Config) validateApp() error {
	if c.App.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.App.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	return nil
}

func (c *Config) validateDevices() error {
	if len(c.Devices) == 0 && len(c.MQTTDevices) == 0 {
		return fmt.Errorf("at least one modbus device or mqtt device must be configured")
	}

	seen := make(map[string]bool)
	for i, d := range c.Devices {
		if d.DeviceID == "" {
			return fmt.Errorf("device %d: device_id is required", i)
		}
		if seen[d.DeviceID] {
			return fmt.Errorf("device %d: duplicate device_id %q", i, d.DeviceID)
		}
		seen[d.DeviceID] = true

		if net.ParseIP(d.IP) == nil {
			return fmt.Errorf("device %d (%s): ip %q is not a valid IP address", i, d.DeviceID, d.IP)
		}
		if d.Port < 1 || d.Port > 65535 {
			return fmt.Errorf("device %d (%s): port must be 1-65535, got %d", i, d.DeviceID, d.Port)
		}
		if d.PollIntervalMs < 100 || d.PollIntervalMs > 300000 {
			return fmt.Errorf("device %d (%s): poll_interval_ms must be 100-300000, got %d", i, d.DeviceID, d.PollIntervalMs)
		}
		if d.TimeoutMs < 500 || d.TimeoutMs > 30000 {
			return fmt.Errorf("device %d (%s): timeout_ms must be 500-30000, got %d", i, d.DeviceID, d.TimeoutMs)
		}
		if d.MaxRetries < 0 || d.MaxRetries > 10 {
			return fmt.Errorf("device %d (%s): max_retries must be 0-10, got %d", i, d.DeviceID, d.MaxRetries)
		}
		if len(d.Channels) == 0 {
			return fmt.Errorf("device %d (%s): at least one channel must be configured", i, d.DeviceID)
		}
		if err := validateChannels(d.DeviceID, d.Channels); err != nil {
			return err
		}
	}
	return nil
}

func validateChannels(deviceID string, channels []ingestpath.ChannelConfig) error {
	seenChannels := make(map[uint8]bool)
	for i, ch := range channels {
		if seenChannels[ch.ChannelNumber] {
			return fmt.Errorf("device %s: duplicate channel_number %d", deviceID, ch.ChannelNumber)
		}
		seenChannels[ch.ChannelNumber] = true

		if ch.RegisterCount < 1 || ch.RegisterCount > 4 {
			return fmt.Errorf("device %s channel %d: register_count must be 1-4, got %d", deviceID, i, ch.RegisterCount)
		}
		if ch.Scale <= 0 {
			return fmt.Errorf("device %s channel %d: scale must be positive, got %v", deviceID, i, ch.Scale)
		}
		if ch.RateWindowSeconds != 0 && (ch.RateWindowSeconds < 10 || ch.RateWindowSeconds > 1800) {
			return fmt.Errorf("device %s channel %d: rate_window_seconds must be 10-1800, got %d", deviceID, i, ch.RateWindowSeconds)
		}
		if ch.Min != nil && ch.Max != nil && *ch.Min > *ch.Max {
			return fmt.Errorf("device %s channel %d: min (%v) must be <= max (%v)", deviceID, i, *ch.Min, *ch.Max)
		}
	}
	return nil
}

func (c *Config) validateMQTT() error {
	if len(c.MQTTDevices) == 0 {
		return nil
	}
	if c.MQTT.BrokerHost == "" {
		return fmt.Errorf("broker_host is required when mqtt_devices are configured")
	}
	if c.MQTT.BrokerPort < 1 || c.MQTT.BrokerPort > 65535 {
		return fmt.Errorf("broker_port must be 1-65535, got %d", c.MQTT.BrokerPort)
	}
	if c.MQTT.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

func (c *Config) validateMQTTDevices() error {
	seen := make(map[string]bool)
	for i, d := range c.MQTTDevices {
		if d.DeviceID == "" {
			return fmt.Errorf("mqtt device %d: device_id is required", i)
		}
		if seen[d.DeviceID] {
			return fmt.Errorf("mqtt device %d: duplicate device_id %q", i, d.DeviceID)
		}
		seen[d.DeviceID] = true

		if len(d.Topics) == 0 {
			return fmt.Errorf("mqtt device %d (%s): at least one topic is required", i, d.DeviceID)
		}
		if d.QoS != nil && *d.QoS > 2 {
			return fmt.Errorf("mqtt device %d (%s): qos must be 0, 1, or 2, got %d", i, d.DeviceID, *d.QoS)
		}
		if d.ValuePath == "" {
			return fmt.Errorf("mqtt device %d (%s): value_path is required", i, d.DeviceID)
		}
	}
	return nil
}

func (c *Config) validateTimescale() error {
	if c.Timescale.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Timescale.Port < 1 || c.Timescale.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", c.Timescale.Port)
	}
	if c.Timescale.Database == "" {
		return fmt.Errorf("database is required")
	}
	if len(c.Timescale.TableName) > 63 {
		return fmt.Errorf("table_name must be <= 63 characters, got %d", len(c.Timescale.TableName))
	}
	if c.Timescale.BatchSize < 1 || c.Timescale.BatchSize > 1000 {
		return fmt.Errorf("batch_size must be 1-1000, got %d", c.Timescale.BatchSize)
	}
	if c.Timescale.PoolMin > c.Timescale.PoolMax {
		return fmt.Errorf("pool_min (%d) must be <= pool_max (%d)", c.Timescale.PoolMin, c.Timescale.PoolMax)
	}
	return nil
}

func (c *Config) validateLogging() error {
	if c.Logging.BasePath == "" {
		return fmt.Errorf("base_path is required")
	}

	if _, err := os.Stat(c.Logging.BasePath); os.IsNotExist(err) {
		if err := os.MkdirAll(c.Logging.BasePath, 0755); err != nil {
			return fmt.Errorf("base_path %s does not exist and cannot be created: %w", c.Logging.BasePath, err)
		}
	}

	if c.Logging.MaxSizeMB <= 0 {
		return fmt.Errorf("max_size_mb must be positive, got: %d", c.Logging.MaxSizeMB)
	}
	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("max_backups must be non-negative, got: %d", c.Logging.MaxBackups)
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %s, must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}
