package modbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"ingestpath"
)

// DecodeRegisters converts the raw 16-bit registers returned by a
// ReadRegisters call into a signed 64-bit raw_value, per spec §4.2.
//
// Byte order conventions:
//   - UInt32Counter, Int32: two registers, low word first (little-endian
//     words); result = (high<<16)|low.
//   - Float32: two registers, big-endian byte order (IEEE-754); the decoded
//     float is multiplied by 1000 and rounded to the nearest integer so that a
//     scale of 0.001 recovers the physical value downstream.
//   - Int16, UInt16: one register.
func DecodeRegisters(dt ingestpath.DataType, regs []uint16) (int64, error) {
	switch dt {
	case ingestpath.DataTypeUInt16:
		if len(regs) != 1 {
			return 0, fmt.Errorf("modbus: UInt16 needs 1 register, got %d", len(regs))
		}
		return int64(regs[0]), nil

	case ingestpath.DataTypeInt16:
		if len(regs) != 1 {
			return 0, fmt.Errorf("modbus: Int16 needs 1 register, got %d", len(regs))
		}
		return int64(int16(regs[0])), nil

	case ingestpath.DataTypeUInt32Counter:
		if len(regs) != 2 {
			return 0, fmt.Errorf("modbus: UInt32Counter needs 2 registers, got %d", len(regs))
		}
		low, high := regs[0], regs[1]
		return int64(uint32(high)<<16 | uint32(low)), nil

	case ingestpath.DataTypeInt32:
		if len(regs) != 2 {
			return 0, fmt.Errorf("modbus: Int32 needs 2 registers, got %d", len(regs))
		}
		low, high := regs[0], regs[1]
		return int64(int32(uint32(high)<<16 | uint32(low))), nil

	case ingestpath.DataTypeFloat32:
		if len(regs) != 2 {
			return 0, fmt.Errorf("modbus: Float32 needs 2 registers, got %d", len(regs))
		}
		var buf [4]byte
		binary.BigEndian.PutUint16(buf[0:2], regs[0])
		binary.BigEndian.PutUint16(buf[2:4], regs[1])
		bits := binary.BigEndian.Uint32(buf[:])
		f := math.Float32frombits(bits)
		return int64(math.Round(float64(f) * 1000)), nil

	default:
		return 0, fmt.Errorf("modbus: unknown data type %v", dt)
	}
}

// EncodeUInt32CounterLowWordFirst encodes v into two registers, low word
// first. Used only by tests to exercise the round-trip property from
// spec §8.
func EncodeUInt32CounterLowWordFirst(v uint32) [2]uint16 {
	return [2]uint16{uint16(v & 0xFFFF), uint16(v >> 16)}
}

// EncodeFloat32BigEndian encodes f into two registers in big-endian byte
// order. Used only by tests to exercise the round-trip property from
// spec §8.
func EncodeFloat32BigEndian(f float32) [2]uint16 {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], math.Float32bits(f))
	return [2]uint16{binary.BigEndian.Uint16(buf[0:2]), binary.BigEndian.Uint16(buf[2:4])}
}

// RegisterCountFor returns the number of 16-bit registers a data type
// occupies.
func RegisterCountFor(dt ingestpath.DataType) int {
	switch dt {
	case ingestpath.DataTypeUInt16, ingestpath.DataTypeInt16:
		return 1
	default:
		return 2
	}
}
