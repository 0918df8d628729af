package modbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"ingestpath"
)

// ConnState is the lifecycle state of a Connection, per spec §4.2.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// connectThrottle is the minimum interval between connection attempts.
const connectThrottle = 5 * time.Second

// keepAliveIdle matches the spec's "30s idle" keep-alive knob.
const keepAliveIdle = 30 * time.Second

// disconnectDrain is how long Disconnect waits for OS socket cleanup to
// avoid EADDRINUSE on the next Connect.
const disconnectDrain = 100 * time.Millisecond

// ErrThrottled is returned by Connect when called again inside the
// 5-second throttle window without ever touching the socket.
var ErrThrottled = errors.New("modbus: connection attempt throttled")

// Connection owns exactly one TCP socket to one Modbus/TCP device. It is
// not safe to share across goroutines beyond the one polling task that
// owns it; ReadRegisters internally serializes with a mutex so only one
// request is ever in flight, matching "Modbus/TCP is request/response per
// connection" (spec §4.3).
type Connection struct {
	deviceID string
	addr     string
	unitID   byte
	timeout  time.Duration
	keepAlive bool
	logger   *slog.Logger

	mu            sync.Mutex // serializes Connect/Disconnect/ReadRegisters
	conn          net.Conn
	state         ConnState
	lastAttempt   time.Time
	transactionID uint32
}

// NewConnection creates a Connection for one device. The socket is not
// opened until Connect is called.
func NewConnection(cfg ingestpath.DeviceConfig, logger *slog.Logger) *Connection {
	return &Connection{
		deviceID:  cfg.DeviceID,
		addr:      fmt.Sprintf("%s:%d", cfg.IP, cfg.Port),
		unitID:    cfg.UnitID,
		timeout:   time.Duration(cfg.TimeoutMs) * time.Millisecond,
		keepAlive: cfg.KeepAlive,
		logger:    logger,
		state:     StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the TCP socket, enforcing a 5-second minimum interval
// between attempts. A call inside the throttle window returns
// ErrThrottled without touching the socket.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if !c.lastAttempt.IsZero() && time.Since(c.lastAttempt) < connectThrottle {
		c.mu.Unlock()
		return ErrThrottled
	}
	c.lastAttempt = time.Now()
	c.state = StateConnecting
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("modbus: connect %s: %w", c.addr, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if c.keepAlive {
			if err := tcpConn.SetKeepAlive(true); err != nil {
				c.logger.Warn("failed to enable keep-alive", "device_id", c.deviceID, "error", err)
			}
			configureKeepAliveIdle(tcpConn, keepAliveIdle, c.logger, c.deviceID)
		}
		_ = tcpConn.SetReadBuffer(64 * 1024)
		_ = tcpConn.SetWriteBuffer(64 * 1024)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("connected", "device_id", c.deviceID, "addr", c.addr)
	return nil
}

// Disconnect closes the socket and waits briefly for OS cleanup.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnecting
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	time.Sleep(disconnectDrain)

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

// ReadRegisters reads count registers of the given type starting at start,
// retrying transient failures up to maxRetries times with exponential
// backoff min(1000*2^(n-1), 30000) ms. Permanent errors (Modbus exception
// responses) are returned immediately without retry.
func (c *Connection) ReadRegisters(ctx context.Context, start uint16, count int, rt ingestpath.RegisterType, maxRetries int) ([]uint16, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Min(1000*math.Pow(2, float64(attempt-1)), 30000)) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		regs, err := c.readRegistersOnce(start, count, rt)
		if err == nil {
			return regs, nil
		}
		lastErr = err

		var perm *PermanentError
		if errors.As(err, &perm) {
			return nil, err
		}
		// transient: retry unless this was the last attempt
	}

	c.Disconnect()
	return nil, fmt.Errorf("modbus: read registers failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (c *Connection) readRegistersOnce(start uint16, count int, rt ingestpath.RegisterType) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected || c.conn == nil {
		return nil, fmt.Errorf("modbus: not connected")
	}

	txID := uint16(atomic.AddUint32(&c.transactionID, 1))
	fn := functionCodeFor(rt)
	req := buildReadRequest(txID, c.unitID, fn, start, uint16(count))

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("modbus: set write deadline: %w", err)
	}
	if _, err := c.conn.Write(req); err != nil {
		return nil, fmt.Errorf("modbus: write request: %w", err)
	}

	return readResponse(c.conn, time.Now().Add(c.timeout), txID, fn, count)
}
