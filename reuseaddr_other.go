//go:build !unix

package turn

import "syscall"

// reuseAddrControl is a no-op outside unix builds, mirroring the
// teacher's util/reuse/windows.go stub — SO_REUSEADDR has no equivalent
// socket-option story worth replicating on Windows for this client.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
