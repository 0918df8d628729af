//go:build linux

package modbus

import (
	"log/slog"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// configureKeepAliveIdle sets the TCP_KEEPIDLE socket option directly via
// golang.org/x/sys/unix, since net.TCPConn has no portable way to express
// "seconds of idleness before the first keep-alive probe" prior to the
// platform-specific knobs. Best-effort: failures are logged, not fatal.
func configureKeepAliveIdle(conn *net.TCPConn, idle time.Duration, logger *slog.Logger, deviceID string) {
	raw, err := conn.SyscallConn()
	if err != nil {
		logger.Warn("keep-alive idle: cannot get raw conn", "device_id", deviceID, "error", err)
		return
	}

	idleSec := int(idle.Seconds())
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, idleSec)
	})
	if err != nil {
		sockErr = err
	}
	if sockErr != nil {
		logger.Warn("keep-alive idle: setsockopt failed", "device_id", deviceID, "error", sockErr)
	}
}
