package repo

import (
	"os"
	"syscall"
)

// processAlive probes whether pid names a live process, the way
// spec §4.D's lock-breaking check does: signal 0 delivers no actual
// signal but still reports ESRCH if the process is gone.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
