// Package executor is the boundary through which every external command
// runs. It owns safety policy (allowlist, dry-run) and enforces wall-clock
// timeouts plus OS resource caps on every invocation.
package executor

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/WilBtc/autoheal/internal/config"
	"github.com/WilBtc/autoheal/internal/errors"
)

// ErrRefused is returned when policy rejects a command template. Callers
// record this as a suppressed attempt, not a failure.
var ErrRefused = errors.New(errors.ErrCommandRefused, "command refused by executor policy")

// headCap bounds how much of each stream is captured and returned.
const headCap = 8 * 1024

// Limits caps one invocation. Zero values fall back to the executor's
// configured defaults; the caps are non-negotiable for diagnostic workers.
type Limits struct {
	Timeout           time.Duration
	AddressSpaceBytes int64
	DataSegmentBytes  int64
}

// Result reports the outcome of one invocation.
type Result struct {
	ExitStatus int
	StdoutHead string
	StderrHead string
	TimedOut   bool
}

// Executor runs opaque command templates under limits. Implementations own
// all safety policy; a refusal surfaces as ErrRefused.
type Executor interface {
	Run(ctx context.Context, command, stdin string, limits Limits) (Result, error)
}

// Local executes commands on the host, without a shell. The command head
// must appear in the configured allowlist.
type Local struct {
	cfg    config.ExecutorConfig
	logger zerolog.Logger
}

// NewLocal creates the host executor.
func NewLocal(cfg config.ExecutorConfig, logger zerolog.Logger) *Local {
	return &Local{
		cfg:    cfg,
		logger: logger.With().Str("component", "executor").Logger(),
	}
}

// Run executes one command template under limits. It returns an error only
// for policy refusals and spawn failures; a non-zero exit is reported in the
// Result, not as an error.
func (l *Local) Run(ctx context.Context, command, stdin string, limits Limits) (Result, error) {
	argv := splitCommand(command)
	if len(argv) == 0 {
		return Result{}, errors.New(errors.ErrInvalidInput, "empty command template")
	}

	if !l.allowed(argv[0]) {
		l.logger.Warn().Str("command", argv[0]).Msg("command refused by policy")
		return Result{}, ErrRefused
	}

	timeout := limits.Timeout
	if timeout <= 0 {
		timeout = time.Duration(l.cfg.DefaultTimeoutSeconds) * time.Second
	}
	if max := time.Duration(l.cfg.MaxTimeoutSeconds) * time.Second; timeout > max {
		timeout = max
	}

	if l.cfg.DryRun {
		l.logger.Warn().Str("command", command).Msg("DRY RUN: would execute command")
		return Result{ExitStatus: 0, StdoutHead: "dry_run"}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Own process group so a deadline kill takes down any children too.
	configureProcAttrs(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, errors.Wrap(errors.ErrExecutor, "starting command", err)
	}

	// Address-space and data-segment caps keep a pathological child from
	// exhausting the host; the OS kills it and we observe a non-zero exit.
	if limits.AddressSpaceBytes > 0 || limits.DataSegmentBytes > 0 {
		if err := applyRlimits(cmd.Process.Pid, limits.AddressSpaceBytes, limits.DataSegmentBytes); err != nil {
			l.logger.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("could not apply resource caps")
		}
	}

	waitErr := cmd.Wait()
	res := Result{
		StdoutHead: head(stdout.Bytes()),
		StderrHead: head(stderr.Bytes()),
		TimedOut:   runCtx.Err() == context.DeadlineExceeded,
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			res.ExitStatus = exitErr.ExitCode()
		} else if !res.TimedOut {
			return res, errors.Wrap(errors.ErrExecutor, "waiting for command", waitErr)
		}
		if res.ExitStatus == 0 {
			res.ExitStatus = -1
		}
	}

	l.logger.Debug().
		Str("command", argv[0]).
		Int("exit", res.ExitStatus).
		Bool("timed_out", res.TimedOut).
		Dur("elapsed", time.Since(start)).
		Msg("command finished")

	return res, nil
}

// allowed reports whether a command head passes the allowlist. An empty
// allowlist refuses everything: the safe default.
func (l *Local) allowed(head string) bool {
	base := head
	if idx := strings.LastIndex(head, "/"); idx >= 0 {
		base = head[idx+1:]
	}
	for _, a := range l.cfg.AllowedCommands {
		if a == base || a == head {
			return true
		}
	}
	return false
}

// splitCommand tokenizes a template without invoking a shell. Quoted
// segments stay together; no expansion of any kind is performed.
func splitCommand(s string) []string {
	var out []string
	var cur strings.Builder
	inQuote := byte(0)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == ' ' || c == '\t':
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// Expand substitutes {key} placeholders in a command template from the
// incident metadata. Unknown placeholders are left intact so the executor's
// policy can still see and refuse them.
func Expand(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func head(b []byte) string {
	if len(b) > headCap {
		return string(b[:headCap]) + "\n... [truncated]"
	}
	return string(b)
}
