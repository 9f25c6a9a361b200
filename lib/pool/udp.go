package pool

import (
	"net"
	"time"
)

// udpClearBufSize is large enough for any single datagram.
const udpClearBufSize = 65536

// udpClearReadSlice is the per-read wait while draining. A deadline in
// the past would fail before the read is attempted, so each read gets
// a sliver of future deadline: buffered datagrams return immediately,
// an empty buffer costs one sliver.
const udpClearReadSlice = time.Millisecond

// clearUDPReadBuffer drains datagrams already buffered on a
// connection so the next borrower does not read a previous borrower's
// leftovers. The drain is bounded twice over: at most maxPackets
// reads, and at most timeout wall time. It returns how many datagrams
// were discarded.
func clearUDPReadBuffer(c net.Conn, timeout time.Duration, maxPackets int) (int, error) {
	if maxPackets <= 0 {
		maxPackets = DefaultMaxBufferClearPackets
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	buf := make([]byte, udpClearBufSize)
	cleared := 0
	defer c.SetReadDeadline(time.Time{})
	for cleared < maxPackets {
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		if err := c.SetReadDeadline(time.Now().Add(udpClearReadSlice)); err != nil {
			return cleared, err
		}
		if _, err := c.Read(buf); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}
