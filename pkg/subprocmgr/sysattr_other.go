//go:build !linux

package subprocmgr

import "syscall"

// childDeathSigAttr is a no-op outside Linux: Pdeathsig is a Linux-only
// prctl feature.
func childDeathSigAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
