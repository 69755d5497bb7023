//go:build unix

package procmgr

import (
	"os/exec"
	"syscall"
)

// detach starts cmd in its own session so signals sent to the monitor's
// process group do not reach the game server.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
