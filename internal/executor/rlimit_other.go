//go:build !linux

package executor

import "fmt"

// applyRlimits is only enforceable on linux; elsewhere the caller logs a
// warning and the invocation proceeds with the timeout as the sole guard.
func applyRlimits(pid int, addressSpace, dataSegment int64) error {
	return fmt.Errorf("resource caps unsupported on this platform")
}
