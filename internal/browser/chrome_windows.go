//go:build windows

package browser

import (
	"os"
	"os/exec"
)

// setChromeProcessGroup is a no-op on Windows; there are no process groups.
func setChromeProcessGroup(cmd *exec.Cmd) {}

// killChromeProcessGroup signals the main browser process only. Chrome tears
// down its helpers when the browser process exits.
func killChromeProcessGroup(cmd *exec.Cmd, force bool) {
	if cmd.Process == nil {
		return
	}
	if force {
		_ = cmd.Process.Kill()
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
}
