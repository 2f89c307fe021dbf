//go:build linux

package backpressure

import (
	"net"

	"golang.org/x/sys/unix"
)

// TCPSendQueueBytes returns the kernel send-queue occupancy (bytes not
// yet acknowledged by the peer) for a TCP connection, via the
// SIOCOUTQ ioctl. Returns 0 if conn is not a *net.TCPConn or the probe
// fails — tcpBuffered is best-effort per §4.7.
func TCPSendQueueBytes(conn net.Conn) int64 {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return 0
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return 0
	}

	var outq int
	var ctrlErr error
	err = rawConn.Control(func(fd uintptr) {
		outq, ctrlErr = unix.IoctlGetInt(int(fd), unix.SIOCOUTQ)
	})
	if err != nil || ctrlErr != nil {
		return 0
	}
	return int64(outq)
}
