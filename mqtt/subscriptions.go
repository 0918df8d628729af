package mqtt

import (
	"log/slog"
	"strings"
	"sync"

	"ingestpath"
)

// subscription is one compiled topic filter mapped back to the device
// configuration it feeds.
type subscription struct {
	filter string
	qos    byte
	device ingestpath.MqttDeviceConfig
}

// Subscriptions is a topic-to-device index (C5). Exact topics are looked
// up in a map; filters containing "+" or "#" wildcards fall back to a
// linear scan. The index is rebuilt wholesale on Register and swapped in
// under a lock (copy-on-write), so lookups never block a rebuild and a
// rebuild never blocks a lookup for longer than the pointer swap.
type Subscriptions struct {
	logger *slog.Logger

	mu    sync.RWMutex
	exact map[string]subscription
	wild  []subscription
}

// NewSubscriptions creates an empty index. logger receives a warning for
// every topic pattern Register skips.
func NewSubscriptions(logger *slog.Logger) *Subscriptions {
	return &Subscriptions{logger: logger, exact: map[string]subscription{}}
}

// Register replaces the index with one built from devices. Each topic in
// a device's Topics list is compiled into its own subscription entry. An
// empty topic pattern, or one that duplicates a pattern already seen in
// this call, is silently skipped from the rebuilt index — "silently"
// meaning it does not abort registration of the remaining devices, though
// a warning is still logged for each skip.
func (s *Subscriptions) Register(devices []ingestpath.MqttDeviceConfig, globalQoS byte) {
	exact := make(map[string]subscription)
	var wild []subscription
	seen := make(map[string]bool)

	for _, d := range devices {
		if !d.Enabled {
			continue
		}
		qos := globalQoS
		if d.QoS != nil {
			qos = *d.QoS
		}
		for _, topic := range d.Topics {
			if topic == "" {
				s.logger.Warn("mqtt: skipping empty topic pattern", "device_id", d.DeviceID)
				continue
			}
			if seen[topic] {
				s.logger.Warn("mqtt: skipping duplicate topic pattern", "device_id", d.DeviceID, "topic", topic)
				continue
			}
			seen[topic] = true

			sub := subscription{filter: topic, qos: qos, device: d}
			if isWildcard(topic) {
				wild = append(wild, sub)
			} else {
				exact[topic] = sub
			}
		}
	}

	s.mu.Lock()
	s.exact = exact
	s.wild = wild
	s.mu.Unlock()
}

// FindDevice returns the device configuration whose topic filter matches
// topic, and true if found. Exact matches are checked first; if none,
// every wildcard filter is tested in registration order and the first
// match wins.
func (s *Subscriptions) FindDevice(topic string) (ingestpath.MqttDeviceConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.exact[topic]; ok {
		return sub.device, true
	}
	for _, sub := range s.wild {
		if topicMatches(sub.filter, topic) {
			return sub.device, true
		}
	}
	return ingestpath.MqttDeviceConfig{}, false
}

// BuildSubscriptions returns the paho-ready filter-to-QoS map for every
// enabled device's topics. globalQoS is used for any device that didn't
// specify its own QoS. When two devices share the same literal topic,
// the highest QoS of the two wins.
func BuildSubscriptions(devices []ingestpath.MqttDeviceConfig, globalQoS byte) map[string]byte {
	out := make(map[string]byte)
	for _, d := range devices {
		if !d.Enabled {
			continue
		}
		qos := globalQoS
		if d.QoS != nil {
			qos = *d.QoS
		}
		for _, topic := range d.Topics {
			if existing, ok := out[topic]; !ok || qos > existing {
				out[topic] = qos
			}
		}
	}
	return out
}

func isWildcard(topic string) bool {
	return strings.ContainsAny(topic, "+#")
}

// topicMatches implements MQTT topic-filter matching: "+" matches exactly
// one level, "#" matches that level and everything after it and is only
// valid as the final level of the filter.
func topicMatches(filter, topic string) bool {
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	for i, fl := range filterLevels {
		if fl == "#" {
			return i <= len(topicLevels)
		}
		if i >= len(topicLevels) {
			return false
		}
		if fl == "+" {
			continue
		}
		if fl != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
