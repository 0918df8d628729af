//go:build !linux

package modbus

import (
	"log/slog"
	"net"
	"time"
)

// configureKeepAliveIdle falls back to the portable (Go 1.23+) API on
// platforms where the raw TCP_KEEPIDLE socket option isn't wired here.
func configureKeepAliveIdle(conn *net.TCPConn, idle time.Duration, logger *slog.Logger, deviceID string) {
	if err := conn.SetKeepAlivePeriod(idle); err != nil {
		logger.Warn("keep-alive idle: SetKeepAlivePeriod failed", "device_id", deviceID, "error", err)
	}
}
