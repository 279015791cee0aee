//go:build !unix

package fleet

import "syscall"

// Only one process can bind the address on this platform; run one worker.
func reusePort(_, _ string, _ syscall.RawConn) error { return nil }
