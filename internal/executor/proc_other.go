//go:build !unix

package executor

import "os/exec"

func configureProcAttrs(cmd *exec.Cmd) {}
