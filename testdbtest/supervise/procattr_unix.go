//go:build unix

package supervise

import (
	"os/exec"
	"syscall"
)

// setProcAttr moves the supervisor into its own process group so signals
// aimed at the test binary's group do not take it down too.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
