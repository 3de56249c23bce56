//go:build unix

package turn

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl sets SO_REUSEADDR on the client's UDP socket before
// bind, grounded on the teacher's util/reuse package and its use of
// golang.org/x/sys/unix for TCP relay sockets in rfc6062.go. A client
// that restarts quickly on the same ephemeral port should not have to
// wait out TIME_WAIT from a prior run.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
