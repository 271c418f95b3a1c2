// Package config handles autoheal configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level autoheal configuration.
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Diagnostics   DiagnosticsConfig   `yaml:"diagnostics"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Knowledge     KnowledgeConfig     `yaml:"knowledge"`
	Learning      LearningConfig      `yaml:"learning"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
}

// AgentConfig configures host identity and local paths.
type AgentConfig struct {
	Hostname string `yaml:"hostname"`
	DataDir  string `yaml:"data_dir"`
}

// PipelineConfig tunes the remediation cascade.
type PipelineConfig struct {
	MaxConcurrentIncidents      int     `yaml:"max_concurrent_incidents"`
	QueueSize                   int     `yaml:"queue_size"`
	Phase1BudgetSeconds         int     `yaml:"phase1_budget_seconds"`
	Phase2BudgetSeconds         int     `yaml:"phase2_budget_seconds"`
	Phase3BudgetSeconds         int     `yaml:"phase3_budget_seconds"`
	LearningConfidenceThreshold float64 `yaml:"learning_confidence_threshold"` // fast-path gate
	Phase2ConfidenceThreshold   float64 `yaml:"phase2_confidence_threshold"`
	Phase3ConsensusThreshold    int     `yaml:"phase3_consensus_threshold"` // k of N
}

// Phase1Budget returns the Phase 1 deadline as a duration.
func (p PipelineConfig) Phase1Budget() time.Duration {
	return time.Duration(p.Phase1BudgetSeconds) * time.Second
}

// Phase2Budget returns the Phase 2 deadline as a duration.
func (p PipelineConfig) Phase2Budget() time.Duration {
	return time.Duration(p.Phase2BudgetSeconds) * time.Second
}

// Phase3Budget returns the Phase 3 deadline as a duration.
func (p PipelineConfig) Phase3Budget() time.Duration {
	return time.Duration(p.Phase3BudgetSeconds) * time.Second
}

// DiagnosticsConfig configures the external diagnostic workers.
type DiagnosticsConfig struct {
	WorkerCommand           string `yaml:"worker_command"` // sidecar program, prompt on stdin
	WorkerTimeoutSeconds    int    `yaml:"worker_timeout_seconds"`
	ExpertPanelSize         int    `yaml:"expert_panel_size"` // 0..5
	WorkerAddressSpaceBytes int64  `yaml:"worker_address_space_bytes"`
	WorkerDataSegmentBytes  int64  `yaml:"worker_data_segment_bytes"`
}

// WorkerTimeout returns the per-worker deadline as a duration.
func (d DiagnosticsConfig) WorkerTimeout() time.Duration {
	return time.Duration(d.WorkerTimeoutSeconds) * time.Second
}

// ExecutorConfig controls the sandboxed command executor.
type ExecutorConfig struct {
	DryRun                bool     `yaml:"dry_run"`
	DefaultTimeoutSeconds int      `yaml:"default_timeout_seconds"`
	MaxTimeoutSeconds     int      `yaml:"max_timeout_seconds"`
	AllowedCommands       []string `yaml:"allowed_commands"` // command heads; empty = refuse everything
}

// KnowledgeConfig points the retriever at the local corpus.
type KnowledgeConfig struct {
	DocsPath        string   `yaml:"docs_path"` // documentation corpus (markdown)
	UnitDirs        []string `yaml:"unit_dirs"` // systemd unit search path
	RepoPath        string   `yaml:"repo_path"` // version-controlled config/deploy tree
	CacheTTLSeconds int      `yaml:"knowledge_cache_ttl_seconds"`
	LookbackDays    int      `yaml:"lookback_days"`
	SectionCharCap  int      `yaml:"section_char_cap"`
}

// CacheTTL returns the memo cache TTL as a duration.
func (k KnowledgeConfig) CacheTTL() time.Duration {
	return time.Duration(k.CacheTTLSeconds) * time.Second
}

// LearningConfig bounds the learning store.
type LearningConfig struct {
	EntryTTLHours int `yaml:"entry_ttl_hours"`
	MaxEntries    int `yaml:"max_entries"`
}

// EntryTTL returns the entry TTL as a duration.
func (l LearningConfig) EntryTTL() time.Duration {
	return time.Duration(l.EntryTTLHours) * time.Hour
}

// StorageConfig controls the persistence layer.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite"
	DSN    string `yaml:"dsn"`    // file path
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	File       string `yaml:"file"`   // empty = stdout only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// NotificationsConfig selects and configures escalation transports.
type NotificationsConfig struct {
	EscalationNotificationTargets []string       `yaml:"escalation_notification_targets"` // webhook, email, telegram
	Webhook                       WebhookConfig  `yaml:"webhook"`
	Email                         EmailConfig    `yaml:"email"`
	Telegram                      TelegramConfig `yaml:"telegram"`
}

// WebhookConfig configures the generic HTTP JSON webhook transport.
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"` // HMAC-SHA256 signing key, optional
}

// EmailConfig configures the SMTP transport.
type EmailConfig struct {
	SMTPAddr string   `yaml:"smtp_addr"` // host:port
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// TelegramConfig configures the Telegram transport.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// GatewayConfig controls the escalation review API.
type GatewayConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ListenAddr   string `yaml:"listen_addr"`
	APITokenHash string `yaml:"api_token_hash"` // bcrypt hash of the bearer token
}

// MaintenanceConfig holds cron expressions for background jobs.
type MaintenanceConfig struct {
	EvictSchedule  string `yaml:"evict_schedule"`
	DigestSchedule string `yaml:"digest_schedule"`
}

// ResolveEnv replaces ${VAR} references in config strings with their env values.
func ResolveEnv(s string) string {
	if len(s) > 3 && s[0] == '$' && s[1] == '{' && s[len(s)-1] == '}' {
		envKey := s[2 : len(s)-1]
		if v := os.Getenv(envKey); v != "" {
			return v
		}
	}
	return s
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		Agent: AgentConfig{
			Hostname: hostname,
			DataDir:  "./data",
		},
		Pipeline: PipelineConfig{
			MaxConcurrentIncidents:      4,
			QueueSize:                   64,
			Phase1BudgetSeconds:         30,
			Phase2BudgetSeconds:         300,
			Phase3BudgetSeconds:         300,
			LearningConfidenceThreshold: 0.80,
			Phase2ConfidenceThreshold:   0.60,
			Phase3ConsensusThreshold:    2,
		},
		Diagnostics: DiagnosticsConfig{
			WorkerTimeoutSeconds:    60,
			ExpertPanelSize:         3,
			WorkerAddressSpaceBytes: 4 << 30,
			WorkerDataSegmentBytes:  4 << 30,
		},
		Executor: ExecutorConfig{
			DryRun:                true, // Safe default
			DefaultTimeoutSeconds: 30,
			MaxTimeoutSeconds:     300,
			AllowedCommands:       []string{"systemctl", "docker", "kill", "fuser", "sync"},
		},
		Knowledge: KnowledgeConfig{
			DocsPath:        "./docs",
			UnitDirs:        []string{"/etc/systemd/system", "/lib/systemd/system"},
			RepoPath:        ".",
			CacheTTLSeconds: 300,
			LookbackDays:    14,
			SectionCharCap:  2000,
		},
		Learning: LearningConfig{
			EntryTTLHours: 720,
			MaxEntries:    1000,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "./data/autoheal.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
		Notifications: NotificationsConfig{
			EscalationNotificationTargets: []string{},
		},
		Gateway: GatewayConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8090",
		},
		Maintenance: MaintenanceConfig{
			EvictSchedule:  "@hourly",
			DigestSchedule: "0 8 * * *",
		},
	}
}

// Load reads a YAML config file and merges it with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// Validate checks required fields and constraints. Configuration errors are
// fatal at startup: the daemon refuses to run on an invalid pipeline.
func (c *Config) Validate() error {
	if c.Agent.DataDir == "" {
		return fmt.Errorf("agent.data_dir is required")
	}
	if c.Storage.Driver != "sqlite" {
		return fmt.Errorf("storage.driver must be 'sqlite', got %q", c.Storage.Driver)
	}

	if c.Pipeline.Phase1BudgetSeconds <= 0 || c.Pipeline.Phase2BudgetSeconds <= 0 || c.Pipeline.Phase3BudgetSeconds <= 0 {
		return fmt.Errorf("pipeline phase budgets must be positive")
	}
	if c.Pipeline.LearningConfidenceThreshold < 0 || c.Pipeline.LearningConfidenceThreshold > 1 {
		return fmt.Errorf("pipeline.learning_confidence_threshold must be in [0,1], got %v", c.Pipeline.LearningConfidenceThreshold)
	}
	if c.Pipeline.Phase2ConfidenceThreshold < 0 || c.Pipeline.Phase2ConfidenceThreshold > 1 {
		return fmt.Errorf("pipeline.phase2_confidence_threshold must be in [0,1], got %v", c.Pipeline.Phase2ConfidenceThreshold)
	}
	if c.Pipeline.Phase3ConsensusThreshold < 1 {
		return fmt.Errorf("pipeline.phase3_consensus_threshold must be >= 1, got %d", c.Pipeline.Phase3ConsensusThreshold)
	}
	if c.Pipeline.MaxConcurrentIncidents < 1 {
		c.Pipeline.MaxConcurrentIncidents = 1
	}
	if c.Pipeline.QueueSize < 1 {
		c.Pipeline.QueueSize = 16
	}

	if c.Diagnostics.ExpertPanelSize < 0 || c.Diagnostics.ExpertPanelSize > 5 {
		return fmt.Errorf("diagnostics.expert_panel_size must be 0..5, got %d", c.Diagnostics.ExpertPanelSize)
	}
	if c.Diagnostics.WorkerTimeoutSeconds <= 0 {
		return fmt.Errorf("diagnostics.worker_timeout_seconds must be positive")
	}
	// Phase 3 must leave room for the panel to run to its own deadline.
	if c.Pipeline.Phase3BudgetSeconds < c.Diagnostics.WorkerTimeoutSeconds+5 {
		return fmt.Errorf("pipeline.phase3_budget_seconds (%d) must be >= worker timeout + 5s slack", c.Pipeline.Phase3BudgetSeconds)
	}

	if c.Executor.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("executor.default_timeout_seconds must be positive")
	}
	if c.Executor.MaxTimeoutSeconds < c.Executor.DefaultTimeoutSeconds {
		return fmt.Errorf("executor.max_timeout_seconds must be >= default_timeout_seconds")
	}

	for _, target := range c.Notifications.EscalationNotificationTargets {
		switch target {
		case "webhook":
			if c.Notifications.Webhook.URL == "" {
				return fmt.Errorf("notifications.webhook.url is required for webhook target")
			}
		case "email":
			if c.Notifications.Email.SMTPAddr == "" || len(c.Notifications.Email.To) == 0 {
				return fmt.Errorf("notifications.email.smtp_addr and .to are required for email target")
			}
		case "telegram":
			if c.Notifications.Telegram.BotToken == "" {
				return fmt.Errorf("notifications.telegram.bot_token is required for telegram target")
			}
		default:
			return fmt.Errorf("unknown notification target %q", target)
		}
	}

	if c.Gateway.Enabled && c.Gateway.ListenAddr == "" {
		return fmt.Errorf("gateway.listen_addr is required when gateway is enabled")
	}

	// Resolve env vars for secrets.
	c.Notifications.Webhook.Secret = ResolveEnv(c.Notifications.Webhook.Secret)
	c.Notifications.Email.Password = ResolveEnv(c.Notifications.Email.Password)
	c.Notifications.Telegram.BotToken = ResolveEnv(c.Notifications.Telegram.BotToken)

	return nil
}
