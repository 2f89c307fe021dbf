//go:build !linux

package backpressure

import "net"

// TCPSendQueueBytes has no portable probe outside Linux; tcpBuffered
// is treated as 0 on these platforms, matching §4.7's "best-effort"
// allowance.
func TCPSendQueueBytes(conn net.Conn) int64 {
	return 0
}
