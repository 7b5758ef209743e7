//go:build !linux

package proc

import "os/exec"

// configureSysProcAttr is a no-op on non-Linux platforms. Pdeathsig is a
// Linux-only kernel feature; elsewhere the launch journal covers abrupt
// parent death.
func configureSysProcAttr(_ *exec.Cmd) {}
