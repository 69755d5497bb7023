//go:build !unix

package procmgr

import "os/exec"

func detach(cmd *exec.Cmd) {}
