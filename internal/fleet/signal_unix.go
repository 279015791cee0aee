//go:build unix

package fleet

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func killed(state *os.ProcessState) bool {
	if state == nil {
		return false
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == unix.SIGKILL
}
