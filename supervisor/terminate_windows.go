//go:build windows

package supervisor

import "os"

// terminate force-stops the process; Windows has no cooperative terminate
// signal for console children.
func terminate(p *os.Process) error {
	return p.Kill()
}
