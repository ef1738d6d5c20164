//go:build !unix

package supervise

import "os/exec"

func setProcAttr(cmd *exec.Cmd) {}
