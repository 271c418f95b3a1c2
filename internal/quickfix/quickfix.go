// Package quickfix applies remediation commands: the instant per-kind
// fixes of phase 1 and the fixes proposed by diagnosis or recalled from the
// learning store. All execution goes through the sandboxed executor; a
// policy refusal becomes a suppressed attempt, never an error.
package quickfix

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/WilBtc/autoheal/internal/executor"
	"github.com/WilBtc/autoheal/internal/types"
)

// Fixer turns fixes into executed attempts.
type Fixer struct {
	exec   executor.Executor
	logger zerolog.Logger

	// procRoot lets tests point the runaway-process check at a fake /proc.
	procRoot string
}

func NewFixer(exec executor.Executor, logger zerolog.Logger) *Fixer {
	return &Fixer{
		exec:     exec,
		logger:   logger.With().Str("component", "quickfix").Logger(),
		procRoot: "/proc",
	}
}

// TryInstant applies the well-known fix for the incident's kind, if one
// exists. The returned fix is what was applied, for learning write-back.
// The last return is false when the kind has no instant strategy; no attempt
// is consumed in that case.
func (f *Fixer) TryInstant(ctx context.Context, inc *types.Incident) (types.Attempt, types.SuggestedFix, bool) {
	fix, ok := f.instantFix(inc)
	if !ok {
		return types.Attempt{}, types.SuggestedFix{}, false
	}

	// Killing by pid is only safe while the pid still belongs to the process
	// we observed. Re-verify against the recorded command line first.
	if inc.Kind == types.KindRunawayProcess {
		if reason, stale := f.pidStale(inc); stale {
			now := time.Now().UTC()
			return types.Attempt{
				Phase:     1,
				Strategy:  fix.Strategy,
				StartedAt: now,
				EndedAt:   now,
				Outcome:   types.OutcomeSuppressed,
				Message:   reason,
			}, fix, true
		}
	}

	return f.Apply(ctx, 1, inc, fix, 0), fix, true
}

// TryLearned replays the fix that resolved this signature before. The second
// return is false when the entry carries no runnable fix.
func (f *Fixer) TryLearned(ctx context.Context, inc *types.Incident, entry *types.LearningEntry) (types.Attempt, bool) {
	if entry == nil || entry.SuccessfulFix == nil || entry.SuccessfulFix.Command == "" {
		return types.Attempt{}, false
	}
	return f.Apply(ctx, 1, inc, *entry.SuccessfulFix, entry.Confidence), true
}

// Apply executes one fix and records the result as an attempt for the given
// phase. Fixes without a command are advice-only and come back suppressed.
func (f *Fixer) Apply(ctx context.Context, phase int, inc *types.Incident, fix types.SuggestedFix, confidence float64) types.Attempt {
	attempt := types.Attempt{
		Phase:      phase,
		Strategy:   fix.Strategy,
		StartedAt:  time.Now().UTC(),
		Confidence: confidence,
	}

	if fix.Command == "" {
		attempt.EndedAt = attempt.StartedAt
		attempt.Outcome = types.OutcomeSuppressed
		attempt.Message = "fix carries no command"
		return attempt
	}

	command := executor.Expand(fix.Command, commandVars(inc))
	result, err := f.exec.Run(ctx, command, "", executor.Limits{})
	attempt.EndedAt = time.Now().UTC()

	switch {
	case err == executor.ErrRefused:
		attempt.Outcome = types.OutcomeSuppressed
		attempt.Message = "command refused by executor policy"
	case err != nil:
		attempt.Outcome = types.OutcomeFailed
		attempt.Message = err.Error()
	case result.TimedOut:
		attempt.Outcome = types.OutcomeTimeout
		attempt.Message = "command exceeded its deadline"
	case result.ExitStatus != 0:
		attempt.Outcome = types.OutcomeFailed
		attempt.ExitStatus = result.ExitStatus
		attempt.Message = firstLine(result.StderrHead)
	default:
		attempt.Outcome = types.OutcomeSucceeded
		attempt.Message = "command completed"
	}

	f.logger.Info().
		Str("incident_id", inc.ID).
		Str("strategy", attempt.Strategy).
		Str("outcome", string(attempt.Outcome)).
		Int("phase", phase).
		Msg("fix applied")
	return attempt
}

// instantFix maps an incident kind to its well-known first move.
func (f *Fixer) instantFix(inc *types.Incident) (types.SuggestedFix, bool) {
	switch inc.Kind {
	case types.KindServiceFailure:
		return types.SuggestedFix{
			Strategy:    "restart-unit",
			Description: "restart the failed systemd unit",
			Command:     "systemctl restart {subject}",
			Priority:    1,
		}, true
	case types.KindContainerFailure:
		return types.SuggestedFix{
			Strategy:    "restart-container",
			Description: "restart the failed container",
			Command:     "docker restart {subject}",
			Priority:    1,
		}, true
	case types.KindPortConflict:
		return types.SuggestedFix{
			Strategy:    "kill-stale-listener",
			Description: "kill whatever holds the contested port",
			Command:     "fuser -k {subject}/tcp",
			Priority:    1,
		}, true
	case types.KindRunawayProcess:
		return types.SuggestedFix{
			Strategy:    "kill-runaway",
			Description: "terminate the runaway process",
			Command:     "kill -TERM {pid}",
			Priority:    1,
		}, true
	case types.KindResourcePressure:
		if inc.Metadata["resource"] != "disk" {
			// Memory and CPU pressure need a diagnosis first.
			return types.SuggestedFix{}, false
		}
		return types.SuggestedFix{
			Strategy:    "clear-temp",
			Description: "reclaim disk from unused container data",
			Command:     "docker system prune -f",
			Priority:    1,
		}, true
	case types.KindSyncOverdue, types.KindSyncGap:
		return types.SuggestedFix{
			Strategy:    "resync-schedule",
			Description: "trigger the overdue sync unit now",
			Command:     "systemctl start {subject}",
			Priority:    1,
		}, true
	default:
		return types.SuggestedFix{}, false
	}
}

// pidStale reports whether the recorded pid no longer matches the recorded
// command line, meaning the pid was recycled or the process already exited.
func (f *Fixer) pidStale(inc *types.Incident) (string, bool) {
	pid := inc.Metadata["pid"]
	if pid == "" {
		return "runaway incident carries no pid", true
	}
	want := inc.Metadata["cmdline"]
	if want == "" {
		return "runaway incident carries no command line to verify against", true
	}

	raw, err := os.ReadFile(f.procRoot + "/" + pid + "/cmdline")
	if err != nil {
		return fmt.Sprintf("pid %s no longer exists", pid), true
	}
	got := strings.ReplaceAll(strings.TrimRight(string(raw), "\x00"), "\x00", " ")
	if got != want {
		return fmt.Sprintf("pid %s now runs a different command", pid), true
	}
	return "", false
}

// commandVars exposes incident fields to fix command templates.
func commandVars(inc *types.Incident) map[string]string {
	vars := map[string]string{"subject": inc.Subject}
	for k, v := range inc.Metadata {
		vars[k] = v
	}
	return vars
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "command exited non-zero"
	}
	return s
}
