package quickfix

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/WilBtc/autoheal/internal/executor"
	"github.com/WilBtc/autoheal/internal/types"
)

// recordingExec captures the command it was asked to run and serves a canned
// result.
type recordingExec struct {
	lastCommand string
	result      executor.Result
	err         error
}

func (r *recordingExec) Run(ctx context.Context, command, stdin string, limits executor.Limits) (executor.Result, error) {
	r.lastCommand = command
	return r.result, r.err
}

func newFixer(exec executor.Executor) *Fixer {
	return NewFixer(exec, zerolog.Nop())
}

func TestTryInstantKindMapping(t *testing.T) {
	cases := []struct {
		kind        types.IncidentKind
		subject     string
		metadata    map[string]string
		wantCmd     string
		wantStrat   string
		wantHandled bool
	}{
		{types.KindServiceFailure, "api.service", nil, "systemctl restart api.service", "restart-unit", true},
		{types.KindContainerFailure, "worker-1", nil, "docker restart worker-1", "restart-container", true},
		{types.KindPortConflict, "8080", nil, "fuser -k 8080/tcp", "kill-stale-listener", true},
		{types.KindResourcePressure, "/var", map[string]string{"resource": "disk"}, "docker system prune -f", "clear-temp", true},
		{types.KindResourcePressure, "host", map[string]string{"resource": "memory"}, "", "", false},
		{types.KindSyncOverdue, "backup.service", nil, "systemctl start backup.service", "resync-schedule", true},
		{types.KindCronChaos, "nightly", nil, "", "", false},
		{types.KindOther, "x", nil, "", "", false},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			exec := &recordingExec{}
			inc := &types.Incident{Kind: tc.kind, Subject: tc.subject, Metadata: tc.metadata}

			attempt, fix, handled := newFixer(exec).TryInstant(context.Background(), inc)
			if handled != tc.wantHandled {
				t.Fatalf("handled = %v, want %v", handled, tc.wantHandled)
			}
			if !handled {
				return
			}
			if exec.lastCommand != tc.wantCmd {
				t.Errorf("command = %q, want %q", exec.lastCommand, tc.wantCmd)
			}
			if attempt.Strategy != tc.wantStrat || fix.Strategy != tc.wantStrat {
				t.Errorf("strategy = %q / %q, want %q", attempt.Strategy, fix.Strategy, tc.wantStrat)
			}
			if attempt.Phase != 1 {
				t.Errorf("phase = %d, want 1", attempt.Phase)
			}
			if attempt.Outcome != types.OutcomeSucceeded {
				t.Errorf("outcome = %q", attempt.Outcome)
			}
		})
	}
}

func TestApplyOutcomes(t *testing.T) {
	inc := &types.Incident{Kind: types.KindServiceFailure, Subject: "api.service"}
	fix := types.SuggestedFix{Strategy: "restart-unit", Command: "systemctl restart {subject}"}

	t.Run("refused maps to suppressed", func(t *testing.T) {
		exec := &recordingExec{err: executor.ErrRefused}
		attempt := newFixer(exec).Apply(context.Background(), 2, inc, fix, 0.7)
		if attempt.Outcome != types.OutcomeSuppressed {
			t.Errorf("outcome = %q", attempt.Outcome)
		}
		if attempt.Confidence != 0.7 {
			t.Errorf("confidence = %v", attempt.Confidence)
		}
	})

	t.Run("non-zero exit maps to failed with stderr", func(t *testing.T) {
		exec := &recordingExec{result: executor.Result{ExitStatus: 5, StderrHead: "Unit api.service not found.\nmore noise"}}
		attempt := newFixer(exec).Apply(context.Background(), 2, inc, fix, 0)
		if attempt.Outcome != types.OutcomeFailed || attempt.ExitStatus != 5 {
			t.Errorf("attempt = %+v", attempt)
		}
		if attempt.Message != "Unit api.service not found." {
			t.Errorf("message = %q", attempt.Message)
		}
	})

	t.Run("deadline maps to timeout", func(t *testing.T) {
		exec := &recordingExec{result: executor.Result{TimedOut: true}}
		attempt := newFixer(exec).Apply(context.Background(), 3, inc, fix, 0)
		if attempt.Outcome != types.OutcomeTimeout {
			t.Errorf("outcome = %q", attempt.Outcome)
		}
	})

	t.Run("advice-only fix is suppressed without running", func(t *testing.T) {
		exec := &recordingExec{}
		attempt := newFixer(exec).Apply(context.Background(), 2, inc, types.SuggestedFix{Strategy: "investigate"}, 0)
		if attempt.Outcome != types.OutcomeSuppressed {
			t.Errorf("outcome = %q", attempt.Outcome)
		}
		if exec.lastCommand != "" {
			t.Errorf("executor was invoked for a commandless fix: %q", exec.lastCommand)
		}
	})
}

func TestKillRunawayVerifiesPid(t *testing.T) {
	proc := t.TempDir()
	pidDir := filepath.Join(proc, "4242")
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cmdline := "python3\x00retry_loop.py\x00"
	if err := os.WriteFile(filepath.Join(pidDir, "cmdline"), []byte(cmdline), 0o644); err != nil {
		t.Fatal(err)
	}

	newInc := func(pid, cmd string) *types.Incident {
		return &types.Incident{
			Kind:     types.KindRunawayProcess,
			Subject:  "python3",
			Metadata: map[string]string{"pid": pid, "cmdline": cmd},
		}
	}

	t.Run("matching pid is killed", func(t *testing.T) {
		exec := &recordingExec{}
		f := newFixer(exec)
		f.procRoot = proc
		attempt, _, handled := f.TryInstant(context.Background(), newInc("4242", "python3 retry_loop.py"))
		if !handled || attempt.Outcome != types.OutcomeSucceeded {
			t.Fatalf("attempt = %+v handled = %v", attempt, handled)
		}
		if exec.lastCommand != "kill -TERM 4242" {
			t.Errorf("command = %q", exec.lastCommand)
		}
	})

	t.Run("recycled pid is suppressed", func(t *testing.T) {
		exec := &recordingExec{}
		f := newFixer(exec)
		f.procRoot = proc
		attempt, _, handled := f.TryInstant(context.Background(), newInc("4242", "postgres checkpointer"))
		if !handled || attempt.Outcome != types.OutcomeSuppressed {
			t.Fatalf("attempt = %+v handled = %v", attempt, handled)
		}
		if exec.lastCommand != "" {
			t.Errorf("kill ran despite stale pid: %q", exec.lastCommand)
		}
	})

	t.Run("vanished pid is suppressed", func(t *testing.T) {
		exec := &recordingExec{}
		f := newFixer(exec)
		f.procRoot = proc
		attempt, _, _ := f.TryInstant(context.Background(), newInc("9999", "python3 retry_loop.py"))
		if attempt.Outcome != types.OutcomeSuppressed {
			t.Errorf("outcome = %q", attempt.Outcome)
		}
	})
}

func TestTryLearned(t *testing.T) {
	inc := &types.Incident{Kind: types.KindServiceFailure, Subject: "api.service"}

	t.Run("replays the recorded fix", func(t *testing.T) {
		exec := &recordingExec{}
		entry := &types.LearningEntry{
			Confidence: 0.85,
			SuccessfulFix: &types.SuggestedFix{
				Strategy: "restart-unit",
				Command:  "systemctl restart {subject}",
			},
		}
		attempt, ok := newFixer(exec).TryLearned(context.Background(), inc, entry)
		if !ok {
			t.Fatal("expected a runnable learned fix")
		}
		if exec.lastCommand != "systemctl restart api.service" {
			t.Errorf("command = %q", exec.lastCommand)
		}
		if attempt.Confidence != 0.85 {
			t.Errorf("confidence = %v", attempt.Confidence)
		}
	})

	t.Run("no runnable fix", func(t *testing.T) {
		exec := &recordingExec{}
		if _, ok := newFixer(exec).TryLearned(context.Background(), inc, nil); ok {
			t.Error("nil entry must not be runnable")
		}
		if _, ok := newFixer(exec).TryLearned(context.Background(), inc, &types.LearningEntry{}); ok {
			t.Error("entry without fix must not be runnable")
		}
	})
}
