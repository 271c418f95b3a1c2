//go:build linux

package executor

import "golang.org/x/sys/unix"

// applyRlimits caps the child's address space and data segment via
// prlimit(2). The child was just started; a brief window before the cap
// lands is accepted, the kernel enforces it for the rest of the run.
func applyRlimits(pid int, addressSpace, dataSegment int64) error {
	if addressSpace > 0 {
		lim := unix.Rlimit{Cur: uint64(addressSpace), Max: uint64(addressSpace)}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			return err
		}
	}
	if dataSegment > 0 {
		lim := unix.Rlimit{Cur: uint64(dataSegment), Max: uint64(dataSegment)}
		if err := unix.Prlimit(pid, unix.RLIMIT_DATA, &lim, nil); err != nil {
			return err
		}
	}
	return nil
}
