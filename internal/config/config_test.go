package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestDefaultConfig_SpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Pipeline.LearningConfidenceThreshold != 0.80 {
		t.Errorf("learning threshold = %v, want 0.80", cfg.Pipeline.LearningConfidenceThreshold)
	}
	if cfg.Pipeline.Phase2ConfidenceThreshold != 0.60 {
		t.Errorf("phase2 threshold = %v, want 0.60", cfg.Pipeline.Phase2ConfidenceThreshold)
	}
	if cfg.Pipeline.Phase3ConsensusThreshold != 2 {
		t.Errorf("consensus threshold = %d, want 2", cfg.Pipeline.Phase3ConsensusThreshold)
	}
	if cfg.Diagnostics.WorkerAddressSpaceBytes != 4<<30 {
		t.Errorf("address space cap = %d, want 4 GiB", cfg.Diagnostics.WorkerAddressSpaceBytes)
	}
	if !cfg.Executor.DryRun {
		t.Error("executor should default to dry-run")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.Pipeline.MaxConcurrentIncidents != 4 {
		t.Errorf("worker pool default = %d, want 4", cfg.Pipeline.MaxConcurrentIncidents)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autoheal.yaml")
	body := `
pipeline:
  max_concurrent_incidents: 2
  phase1_budget_seconds: 10
diagnostics:
  expert_panel_size: 1
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.MaxConcurrentIncidents != 2 {
		t.Errorf("max_concurrent_incidents = %d, want 2", cfg.Pipeline.MaxConcurrentIncidents)
	}
	if cfg.Pipeline.Phase1BudgetSeconds != 10 {
		t.Errorf("phase1_budget_seconds = %d, want 10", cfg.Pipeline.Phase1BudgetSeconds)
	}
	if cfg.Diagnostics.ExpertPanelSize != 1 {
		t.Errorf("expert_panel_size = %d, want 1", cfg.Diagnostics.ExpertPanelSize)
	}
	// Untouched keys keep defaults.
	if cfg.Pipeline.Phase2BudgetSeconds != 300 {
		t.Errorf("phase2_budget_seconds = %d, want default 300", cfg.Pipeline.Phase2BudgetSeconds)
	}
}

func TestValidate_RejectsBadBudgets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.Phase1BudgetSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero phase budget should be rejected")
	}

	cfg = DefaultConfig()
	cfg.Pipeline.Phase3BudgetSeconds = 30 // below worker timeout + slack
	if err := cfg.Validate(); err == nil {
		t.Error("phase3 budget below panel budget should be rejected")
	}
}

func TestValidate_RejectsBadPanelSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Diagnostics.ExpertPanelSize = 6
	if err := cfg.Validate(); err == nil {
		t.Error("panel size 6 should be rejected")
	}
	cfg.Diagnostics.ExpertPanelSize = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("panel size 0 is allowed (phase 3 skipped): %v", err)
	}
}

func TestValidate_RejectsBadThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.Phase2ConfidenceThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("threshold above 1 should be rejected")
	}
}

func TestValidate_RejectsUnknownNotificationTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Notifications.EscalationNotificationTargets = []string{"carrier-pigeon"}
	if err := cfg.Validate(); err == nil {
		t.Error("unknown notification target should be rejected")
	}
}

func TestValidate_RequiresWebhookURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Notifications.EscalationNotificationTargets = []string{"webhook"}
	if err := cfg.Validate(); err == nil {
		t.Error("webhook target without url should be rejected")
	}
	cfg.Notifications.Webhook.URL = "https://example.com/hook"
	if err := cfg.Validate(); err != nil {
		t.Errorf("webhook target with url should validate: %v", err)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rt.yaml")

	cfg := DefaultConfig()
	cfg.Pipeline.QueueSize = 128
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Pipeline.QueueSize != 128 {
		t.Errorf("queue_size = %d, want 128", loaded.Pipeline.QueueSize)
	}
}

func TestResolveEnv(t *testing.T) {
	os.Setenv("AUTOHEAL_TEST_SECRET", "s3cret")
	defer os.Unsetenv("AUTOHEAL_TEST_SECRET")

	if got := ResolveEnv("${AUTOHEAL_TEST_SECRET}"); got != "s3cret" {
		t.Errorf("ResolveEnv = %q, want s3cret", got)
	}
	if got := ResolveEnv("literal"); got != "literal" {
		t.Errorf("ResolveEnv should pass through literals, got %q", got)
	}
}
