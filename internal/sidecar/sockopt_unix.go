//go:build unix

package sidecar

import (
	"net"

	"golang.org/x/sys/unix"
)

// dataSocketSendBuffer is the SO_SNDBUF size requested on the two
// UNIX-domain data sockets. The data sockets carry whole encoded access
// units (occasionally >64KiB for an IDR), so the kernel default buffer can
// make a data-socket write block when the packager is momentarily slow to
// drain it; this pusher is best-effort and must not stall the fan-out loop
// waiting on that.
const dataSocketSendBuffer = 1 << 20

// tuneDataSocket raises SO_SNDBUF on a dialed UNIX-domain data socket.
// Failure to tune is logged by the caller and otherwise ignored: the
// socket remains usable with the kernel default buffer size.
func tuneDataSocket(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, dataSocketSendBuffer)
	}); err != nil {
		return err
	}
	return sockErr
}
