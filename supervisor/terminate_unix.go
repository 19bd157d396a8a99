//go:build !windows

package supervisor

import (
	"os"
	"syscall"
)

// terminate asks the process to stop cooperatively.
func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
