package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"ingestpath"
)

const (
	funcReadHoldingRegisters byte = 0x03
	funcReadInputRegisters   byte = 0x04

	mbapHeaderLen = 7 // transaction id(2) + protocol id(2) + length(2) + unit id(1)
)

// PermanentError marks a Modbus exception response (illegal data address,
// illegal function, etc.) that must not be retried, per spec §4.2.
type PermanentError struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("modbus: exception response, function=0x%02x exception=0x%02x", e.FunctionCode, e.ExceptionCode)
}

// buildReadRequest builds an MBAP-framed read-registers request.
func buildReadRequest(transactionID uint16, unitID byte, fn byte, start uint16, count uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = fn
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], count)

	frame := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], transactionID)
	binary.BigEndian.PutUint16(frame[2:4], 0) // protocol id is always 0 for Modbus
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1))
	frame[6] = unitID
	copy(frame[7:], pdu)
	return frame
}

// readResponse reads one MBAP-framed response from conn, applying the
// given deadline, and returns the decoded registers.
func readResponse(conn net.Conn, deadline time.Time, expectTransactionID uint16, expectFunc byte, expectCount int) ([]uint16, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("modbus: set read deadline: %w", err)
	}

	header := make([]byte, mbapHeaderLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("modbus: read header: %w", err)
	}

	transactionID := binary.BigEndian.Uint16(header[0:2])
	length := binary.BigEndian.Uint16(header[4:6])
	if transactionID != expectTransactionID {
		return nil, fmt.Errorf("modbus: transaction id mismatch: got %d, want %d", transactionID, expectTransactionID)
	}
	if length < 2 {
		return nil, fmt.Errorf("modbus: invalid response length %d", length)
	}

	body := make([]byte, length-1) // length includes the unit id byte already read
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("modbus: read body: %w", err)
	}

	fn := body[0]
	if fn&0x80 != 0 {
		exceptionCode := byte(0)
		if len(body) > 1 {
			exceptionCode = body[1]
		}
		return nil, &PermanentError{FunctionCode: fn & 0x7F, ExceptionCode: exceptionCode}
	}
	if fn != expectFunc {
		return nil, fmt.Errorf("modbus: function code mismatch: got 0x%02x, want 0x%02x", fn, expectFunc)
	}

	byteCount := int(body[1])
	regBytes := body[2:]
	if byteCount != len(regBytes) || byteCount != expectCount*2 {
		return nil, fmt.Errorf("modbus: byte count mismatch: header says %d, have %d, want %d", byteCount, len(regBytes), expectCount*2)
	}

	regs := make([]uint16, expectCount)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(regBytes[i*2 : i*2+2])
	}
	return regs, nil
}

func functionCodeFor(rt ingestpath.RegisterType) byte {
	if rt == ingestpath.RegisterInput {
		return funcReadInputRegisters
	}
	return funcReadHoldingRegisters
}
