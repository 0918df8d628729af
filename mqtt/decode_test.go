package mqtt

import (
	"encoding/binary"
	"math"
	"testing"

	"ingestpath"
)

func TestDecodeJSONSimpleValue(t *testing.T) {
	cfg := ingestpath.MqttDeviceConfig{
		DeviceID:  "dev-1",
		Format:    ingestpath.FormatJSON,
		ValuePath: "value",
		DataType:  ingestpath.MqttInt16,
	}
	r, err := Decode(cfg, []byte(`{"value": 42}`), 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.RawValue != 42 {
		t.Errorf("RawValue = %d, want 42", r.RawValue)
	}
	if r.DeviceID != "dev-1" {
		t.Errorf("DeviceID = %q", r.DeviceID)
	}
}

func TestDecodeJSONNestedPath(t *testing.T) {
	cfg := ingestpath.MqttDeviceConfig{
		DeviceID:  "dev-1",
		Format:    ingestpath.FormatJSON,
		ValuePath: "data.reading.value",
		DataType:  ingestpath.MqttFloat32,
	}
	r, err := Decode(cfg, []byte(`{"data": {"reading": {"value": 3.5}}}`), 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.RawValue != 3500 {
		t.Errorf("RawValue = %d, want 3500 (3.5 scaled by 1000)", r.RawValue)
	}
}

func TestDecodeJSONMissingValuePath(t *testing.T) {
	cfg := ingestpath.MqttDeviceConfig{Format: ingestpath.FormatJSON}
	if _, err := Decode(cfg, []byte(`{"value": 1}`), 0); err == nil {
		t.Error("expected error when value_path is not configured")
	}
}

func TestDecodeJSONPayloadTooLarge(t *testing.T) {
	cfg := ingestpath.MqttDeviceConfig{Format: ingestpath.FormatJSON, ValuePath: "value"}
	if _, err := Decode(cfg, []byte(`{"value": 1}`), 5); err != errPayloadTooLarge {
		t.Errorf("err = %v, want errPayloadTooLarge", err)
	}
}

func TestDecodeJSONDeviceIDOverride(t *testing.T) {
	cfg := ingestpath.MqttDeviceConfig{
		DeviceID:     "fallback",
		Format:       ingestpath.FormatJSON,
		ValuePath:    "value",
		DeviceIDPath: "id",
	}
	r, err := Decode(cfg, []byte(`{"id": "actual-device", "value": 7}`), 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.DeviceID != "actual-device" {
		t.Errorf("DeviceID = %q, want actual-device", r.DeviceID)
	}
}

func TestDecodeBinaryNoChannel(t *testing.T) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, 123456)
	cfg := ingestpath.MqttDeviceConfig{Format: ingestpath.FormatBinary, DataType: ingestpath.MqttUInt32}

	r, err := Decode(cfg, payload, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.RawValue != 123456 {
		t.Errorf("RawValue = %d, want 123456", r.RawValue)
	}
}

func TestDecodeBinaryWithChannel(t *testing.T) {
	payload := make([]byte, 3)
	payload[0] = 5
	binary.BigEndian.PutUint16(payload[1:], 65535)
	cfg := ingestpath.MqttDeviceConfig{Format: ingestpath.FormatBinary, DataType: ingestpath.MqttUInt16, ChannelPath: "implicit"}

	r, err := Decode(cfg, payload, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Channel != 5 {
		t.Errorf("Channel = %d, want 5", r.Channel)
	}
	if r.RawValue != 65535 {
		t.Errorf("RawValue = %d, want 65535", r.RawValue)
	}
}

func TestDecodeBinaryFloat32(t *testing.T) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, math.Float32bits(2.5))
	cfg := ingestpath.MqttDeviceConfig{Format: ingestpath.FormatBinary, DataType: ingestpath.MqttFloat32}

	r, err := Decode(cfg, payload, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.RawValue != 2500 {
		t.Errorf("RawValue = %d, want 2500", r.RawValue)
	}
}

func TestDecodeBinaryTooShort(t *testing.T) {
	cfg := ingestpath.MqttDeviceConfig{Format: ingestpath.FormatBinary, DataType: ingestpath.MqttUInt32}
	if _, err := Decode(cfg, []byte{1, 2}, 0); err == nil {
		t.Error("expected error for short binary payload")
	}
}

func TestDecodeBinaryLayoutInferredFromLengthNotChannelPath(t *testing.T) {
	// ChannelPath is a JSON dot-path field unrelated to Binary framing;
	// the layout must be decided by payload length alone.
	payload := make([]byte, 3)
	payload[0] = 7
	binary.BigEndian.PutUint16(payload[1:], 1000)
	cfg := ingestpath.MqttDeviceConfig{Format: ingestpath.FormatBinary, DataType: ingestpath.MqttUInt16}

	r, err := Decode(cfg, payload, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Channel != 7 {
		t.Errorf("Channel = %d, want 7 (channel+value layout inferred from length)", r.Channel)
	}
	if r.RawValue != 1000 {
		t.Errorf("RawValue = %d, want 1000", r.RawValue)
	}
}

func TestDecodeBinaryBareValueAcceptedEvenWithChannelPathSet(t *testing.T) {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, 42)
	cfg := ingestpath.MqttDeviceConfig{Format: ingestpath.FormatBinary, DataType: ingestpath.MqttUInt16, ChannelPath: "irrelevant"}

	r, err := Decode(cfg, payload, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Channel != 0 {
		t.Errorf("Channel = %d, want 0 (no channel byte present)", r.Channel)
	}
	if r.RawValue != 42 {
		t.Errorf("RawValue = %d, want 42", r.RawValue)
	}
}

func TestDecodeBinaryRejectsAmbiguousLength(t *testing.T) {
	cfg := ingestpath.MqttDeviceConfig{Format: ingestpath.FormatBinary, DataType: ingestpath.MqttUInt16}
	if _, err := Decode(cfg, make([]byte, 9), 0); err == nil {
		t.Error("expected error for a payload length matching neither accepted layout")
	}
}

func TestDecodeCSVValueOnly(t *testing.T) {
	cfg := ingestpath.MqttDeviceConfig{Format: ingestpath.FormatCSV, DataType: ingestpath.MqttInt16}
	r, err := Decode(cfg, []byte("42"), 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.RawValue != 42 {
		t.Errorf("RawValue = %d, want 42", r.RawValue)
	}
}

func TestDecodeCSVChannelValueTimestamp(t *testing.T) {
	cfg := ingestpath.MqttDeviceConfig{Format: ingestpath.FormatCSV, DataType: ingestpath.MqttInt16, ChannelPath: "implicit"}
	r, err := Decode(cfg, []byte("3,99,1700000000"), 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Channel != 3 {
		t.Errorf("Channel = %d, want 3", r.Channel)
	}
	if r.RawValue != 99 {
		t.Errorf("RawValue = %d, want 99", r.RawValue)
	}
	if r.Timestamp.Unix() != 1700000000 {
		t.Errorf("Timestamp = %v, want unix 1700000000", r.Timestamp)
	}
}

func TestDecodeCSVTooFewFields(t *testing.T) {
	cfg := ingestpath.MqttDeviceConfig{Format: ingestpath.FormatCSV, ChannelPath: "implicit"}
	if _, err := Decode(cfg, []byte("only-one-field"), 0); err == nil {
		t.Error("expected error when channel field missing")
	}
}

func TestDecodeUnknownFormat(t *testing.T) {
	cfg := ingestpath.MqttDeviceConfig{Format: ingestpath.PayloadFormat(99)}
	if _, err := Decode(cfg, []byte("x"), 0); err == nil {
		t.Error("expected error for unknown format")
	}
}
