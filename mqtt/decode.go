package mqtt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"ingestpath"
)

// errPayloadTooLarge is returned when a JSON payload exceeds the
// configured MaxJSONPayloadBytes.
var errPayloadTooLarge = fmt.Errorf("mqtt: payload exceeds configured maximum size")

// Decode turns a raw MQTT payload into a DeviceReading according to the
// device's configured format. The decoded reading carries the raw numeric
// value only; scale/offset and quality assignment are the processor's
// job (C7), not the decoder's.
func Decode(cfg ingestpath.MqttDeviceConfig, payload []byte, maxJSONBytes int) (ingestpath.DeviceReading, error) {
	switch cfg.Format {
	case ingestpath.FormatJSON:
		return decodeJSON(cfg, payload, maxJSONBytes)
	case ingestpath.FormatBinary:
		return decodeBinary(cfg, payload)
	case ingestpath.FormatCSV:
		return decodeCSV(cfg, payload)
	default:
		return ingestpath.DeviceReading{}, fmt.Errorf("mqtt: unknown payload format %v", cfg.Format)
	}
}

// decodeJSON extracts the value (required), and optionally the device id,
// channel and timestamp, from arbitrary JSON using dot-separated paths
// (e.g. "data.value" walks {"data":{"value":...}}).
func decodeJSON(cfg ingestpath.MqttDeviceConfig, payload []byte, maxBytes int) (ingestpath.DeviceReading, error) {
	if maxBytes > 0 && len(payload) > maxBytes {
		return ingestpath.DeviceReading{}, errPayloadTooLarge
	}
	if cfg.ValuePath == "" {
		return ingestpath.DeviceReading{}, fmt.Errorf("mqtt: json format requires value_path")
	}

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ingestpath.DeviceReading{}, fmt.Errorf("mqtt: invalid json payload: %w", err)
	}

	rawVal, err := jsonPath(doc, cfg.ValuePath)
	if err != nil {
		return ingestpath.DeviceReading{}, err
	}
	raw, err := toRawInt(rawVal, cfg.DataType)
	if err != nil {
		return ingestpath.DeviceReading{}, err
	}

	deviceID := cfg.DeviceID
	if cfg.DeviceIDPath != "" {
		if v, err := jsonPath(doc, cfg.DeviceIDPath); err == nil {
			if s, ok := v.(string); ok {
				deviceID = s
			}
		}
	}

	ts := time.Now().UTC()
	if cfg.TimestampPath != "" {
		if v, err := jsonPath(doc, cfg.TimestampPath); err == nil {
			if parsed, ok := parseTimestamp(v); ok {
				ts = parsed
			}
		}
	}

	var channel uint8
	if cfg.ChannelPath != "" {
		if v, err := jsonPath(doc, cfg.ChannelPath); err == nil {
			if n, ok := v.(float64); ok {
				channel = uint8(n)
			}
		}
	}

	return ingestpath.DeviceReading{
		DeviceID:  deviceID,
		Channel:   channel,
		Timestamp: ts,
		RawValue:  raw,
		Quality:   ingestpath.QualityGood,
		Unit:      cfg.Unit,
	}, nil
}

func jsonPath(doc map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("mqtt: json path %q: not an object at %q", path, p)
		}
		v, ok := m[p]
		if !ok {
			return nil, fmt.Errorf("mqtt: json path %q: missing field %q", path, p)
		}
		cur = v
	}
	return cur, nil
}

func toRawInt(v any, dt ingestpath.MqttDataType) (int64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("mqtt: value %q is not numeric", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("mqtt: value has unsupported json type %T", v)
	}

	switch dt {
	case ingestpath.MqttFloat32, ingestpath.MqttFloat64:
		return int64(math.Round(f * 1000)), nil
	default:
		return int64(math.Round(f)), nil
	}
}

func parseTimestamp(v any) (time.Time, bool) {
	switch n := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339, n); err == nil {
			return t, true
		}
	case float64:
		return time.Unix(int64(n), 0).UTC(), true
	}
	return time.Time{}, false
}

// decodeBinary parses a fixed layout inferred from the payload length, not
// from any JSON-path configuration field: a payload of exactly N bytes
// (N = mqttDataTypeSize(cfg.DataType)) is the bare value; a payload of
// N+1 bytes is a leading channel-number byte followed by the value bytes.
// Any other length is rejected. Multi-byte values are big-endian.
func decodeBinary(cfg ingestpath.MqttDeviceConfig, payload []byte) (ingestpath.DeviceReading, error) {
	size := mqttDataTypeSize(cfg.DataType)
	var channel uint8
	var body []byte

	switch len(payload) {
	case size:
		body = payload
	case size + 1:
		channel = payload[0]
		body = payload[1:]
	default:
		return ingestpath.DeviceReading{}, fmt.Errorf("mqtt: binary payload length %d matches neither %d (value) nor %d (channel+value) bytes for data type", len(payload), size, size+1)
	}

	raw, err := decodeBinaryValue(cfg.DataType, body)
	if err != nil {
		return ingestpath.DeviceReading{}, err
	}

	return ingestpath.DeviceReading{
		DeviceID:  cfg.DeviceID,
		Channel:   channel,
		Timestamp: time.Now().UTC(),
		RawValue:  raw,
		Quality:   ingestpath.QualityGood,
		Unit:      cfg.Unit,
	}, nil
}

func mqttDataTypeSize(dt ingestpath.MqttDataType) int {
	switch dt {
	case ingestpath.MqttInt16, ingestpath.MqttUInt16:
		return 2
	case ingestpath.MqttUInt32, ingestpath.MqttFloat32:
		return 4
	case ingestpath.MqttFloat64:
		return 8
	default:
		return 4
	}
}

func decodeBinaryValue(dt ingestpath.MqttDataType, b []byte) (int64, error) {
	switch dt {
	case ingestpath.MqttUInt16:
		return int64(binary.BigEndian.Uint16(b)), nil
	case ingestpath.MqttInt16:
		return int64(int16(binary.BigEndian.Uint16(b))), nil
	case ingestpath.MqttUInt32:
		return int64(binary.BigEndian.Uint32(b)), nil
	case ingestpath.MqttFloat32:
		bits := binary.BigEndian.Uint32(b)
		f := math.Float32frombits(bits)
		return int64(math.Round(float64(f) * 1000)), nil
	case ingestpath.MqttFloat64:
		bits := binary.BigEndian.Uint64(b)
		f := math.Float64frombits(bits)
		return int64(math.Round(f * 1000)), nil
	default:
		return 0, fmt.Errorf("mqtt: unsupported binary data type %v", dt)
	}
}

// decodeCSV parses "channel,value[,timestamp]" when the device has a
// channel field, otherwise "value[,timestamp]".
func decodeCSV(cfg ingestpath.MqttDeviceConfig, payload []byte) (ingestpath.DeviceReading, error) {
	fields := strings.Split(strings.TrimSpace(string(payload)), ",")
	hasChannel := cfg.ChannelPath != ""

	minFields := 1
	if hasChannel {
		minFields = 2
	}
	if len(fields) < minFields {
		return ingestpath.DeviceReading{}, fmt.Errorf("mqtt: csv payload has too few fields")
	}

	idx := 0
	var channel uint8
	if hasChannel {
		n, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return ingestpath.DeviceReading{}, fmt.Errorf("mqtt: csv channel field not an integer: %w", err)
		}
		channel = uint8(n)
		idx++
	}

	f, err := strconv.ParseFloat(strings.TrimSpace(fields[idx]), 64)
	if err != nil {
		return ingestpath.DeviceReading{}, fmt.Errorf("mqtt: csv value field not numeric: %w", err)
	}
	idx++

	raw, err := toRawInt(f, cfg.DataType)
	if err != nil {
		return ingestpath.DeviceReading{}, err
	}

	ts := time.Now().UTC()
	if idx < len(fields) {
		if parsedSec, err := strconv.ParseInt(strings.TrimSpace(fields[idx]), 10, 64); err == nil {
			ts = time.Unix(parsedSec, 0).UTC()
		}
	}

	return ingestpath.DeviceReading{
		DeviceID:  cfg.DeviceID,
		Channel:   channel,
		Timestamp: ts,
		RawValue:  raw,
		Quality:   ingestpath.QualityGood,
		Unit:      cfg.Unit,
	}, nil
}
