//go:build linux

package subprocmgr

import "syscall"

// childDeathSigAttr asks the kernel to deliver SIGKILL to the child if this
// process dies first, so a crashed deployer never leaves orphaned executors
// behind (spec §4.3).
func childDeathSigAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
