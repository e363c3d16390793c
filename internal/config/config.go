package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/sekisho/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Agent        AgentConfig        `koanf:"agent"`
	Permission   PermissionConfig   `koanf:"permission"`
	Governance   GovernanceConfig   `koanf:"governance"`
	Adapters     AdaptersConfig     `koanf:"adapters"`
	Ingress      IngressConfig      `koanf:"ingress"`
	Store        StoreConfig        `koanf:"store"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Worker       WorkerConfig       `koanf:"worker"`
	Scheduler    SchedulerConfig    `koanf:"scheduler"`
	Watchdog     WatchdogConfig     `koanf:"watchdog"`
	Daemon       DaemonConfig       `koanf:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type AgentConfig struct {
	MaxEnvelopeBytes int    `koanf:"max_envelope_bytes"`
	QueuePollTimeout string `koanf:"queue_poll_timeout"`
}

type PermissionConfig struct {
	CorrelationRetry string `koanf:"correlation_retry"`
	DefaultMode      string `koanf:"default_mode"`
}

type GovernanceConfig struct {
	AutoAllow      []string `koanf:"auto_allow"`
	BashPrefixes   []string `koanf:"bash_prefixes"`
	IdempotencyTTL string   `koanf:"idempotency_ttl"`
	AuditEnabled   bool     `koanf:"audit_enabled"`
	RedactPatterns []string `koanf:"redact_patterns"`
}

type AdaptersConfig struct {
	// Notify names the adapter that receives prompts and verdicts for
	// sessions without an adapter of their own (agent streams). Empty
	// picks the first enabled chat adapter.
	Notify   string         `koanf:"notify"`
	Slack    SlackConfig    `koanf:"slack"`
	Telegram TelegramConfig `koanf:"telegram"`
}

type SlackConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Port          int    `koanf:"port"`
	SigningSecret string `koanf:"signing_secret"`
	BotToken      string `koanf:"bot_token"`
	Channel       string `koanf:"channel"`
}

type TelegramConfig struct {
	Enabled       bool   `koanf:"enabled"`
	BotToken      string `koanf:"bot_token"`
	ChatID        int64  `koanf:"chat_id"`
	UpdateTimeout int    `koanf:"update_timeout"`
}

type IngressConfig struct {
	InteractiveQueueSize     int    `koanf:"interactive_queue_size"`
	BackgroundQueueSize      int    `koanf:"background_queue_size"`
	InteractiveSubmitTimeout string `koanf:"interactive_submit_timeout"`
	DrainTimeout             string `koanf:"drain_timeout"`
	DrainPollInterval        string `koanf:"drain_poll_interval"`
}

type StoreConfig struct {
	LockTimeout  string `koanf:"lock_timeout"`
	LockRetry    string `koanf:"lock_retry"`
	LockMaxRetry int    `koanf:"lock_max_retry"`
	InboxSize    int    `koanf:"inbox_size"`
}

type OrchestratorConfig struct {
	QueueSize    int `koanf:"queue_size"`
	HistoryLimit int `koanf:"history_limit"`
}

type WorkerConfig struct {
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type SchedulerConfig struct {
	TickInterval         string `koanf:"tick_interval"`
	ShutdownTimeout      string `koanf:"shutdown_timeout"`
	LeaseDuration        string `koanf:"lease_duration"`
	MaxCatchupRuns       int    `koanf:"max_catchup_runs"`
	InFlightPollInterval string `koanf:"in_flight_poll_interval"`
	HeartbeatWorkspaceID string `koanf:"heartbeat_workspace_id"`
	PruneInterval        string `koanf:"prune_interval"` // idempotency key pruning cadence
}

type WatchdogConfig struct {
	Enabled        bool   `koanf:"enabled"`
	PollInterval   string `koanf:"poll_interval"`
	StaleThreshold string `koanf:"stale_threshold"`
	RemindLimit    int    `koanf:"remind_limit"`
}

type DaemonConfig struct {
	ShutdownTimeout        string `koanf:"shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout"`
	PreflightTimeout       string `koanf:"preflight_timeout"`
	StaleLockTTL           string `koanf:"stale_lock_ttl"`
	WorkspacePath          string `koanf:"workspace_path"`
}

const (
	DefaultWorkspaceID                     = "default"
	DefaultServerPort                      = 8642
	DefaultServerLogLevel                  = "info"
	DefaultServerReadTimeout               = "10s"
	DefaultServerWriteTimeout              = "10s"
	DefaultServerIdleTimeout               = "120s"
	DefaultServerShutdownTimeout           = "5s"
	DefaultAgentMaxEnvelopeBytes           = 8 << 20
	DefaultAgentQueuePollTimeout           = "25s"
	DefaultPermissionCorrelationRetry      = "1s"
	DefaultPermissionMode                  = "default"
	DefaultGovernanceIdempotencyTTL        = "24h"
	DefaultGovernanceAuditEnabled          = true
	DefaultStoreLockTimeout                = "30s"
	DefaultStoreLockRetry                  = "100ms"
	DefaultStoreLockMaxRetry               = 300
	DefaultStoreInboxSize                  = 100
	DefaultOrchestratorQueueSize           = 256
	DefaultOrchestratorHistoryLimit        = 20
	DefaultSlackPort                       = 3000
	DefaultTelegramUpdateTimeout           = 60
	DefaultIngressInteractiveQueue         = 100
	DefaultIngressBackgroundQueue          = 1000
	DefaultIngressInteractiveSubmitTimeout = "500ms"
	DefaultIngressDrainTimeout             = "5s"
	DefaultIngressDrainPollInterval        = "100ms"
	DefaultWorkerShutdownTimeout           = "30s"
	DefaultSchedulerTickInterval           = "1m"
	DefaultSchedulerShutdownTimeout        = "30s"
	DefaultSchedulerLeaseDuration          = "5m"
	DefaultSchedulerMaxCatchupRuns         = 1
	DefaultSchedulerInFlightPollInterval   = "100ms"
	DefaultSchedulerHeartbeatWorkspaceID   = DefaultWorkspaceID
	DefaultSchedulerPruneInterval          = "1h"
	DefaultWatchdogEnabled                 = true
	DefaultWatchdogPollInterval            = "30s"
	DefaultWatchdogStaleThreshold          = "2m"
	DefaultWatchdogRemindLimit             = 3
	DefaultDaemonShutdownTimeout           = "30s"
	DefaultDaemonHealthCheckInterval       = "30s"
	DefaultDaemonStartupShutdownTimeout    = "10s"
	DefaultDaemonPreflightTimeout          = "10s"
	DefaultDaemonStaleLockTTL              = "15m"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.port":                        DefaultServerPort,
		"server.log_level":                   DefaultServerLogLevel,
		"server.read_timeout":                DefaultServerReadTimeout,
		"server.write_timeout":               DefaultServerWriteTimeout,
		"server.idle_timeout":                DefaultServerIdleTimeout,
		"server.shutdown_timeout":            DefaultServerShutdownTimeout,
		"agent.max_envelope_bytes":           DefaultAgentMaxEnvelopeBytes,
		"agent.queue_poll_timeout":           DefaultAgentQueuePollTimeout,
		"permission.correlation_retry":       DefaultPermissionCorrelationRetry,
		"permission.default_mode":            DefaultPermissionMode,
		"governance.auto_allow":              []string{"Read", "Glob", "Grep", "TodoRead"},
		"governance.bash_prefixes":           []string{},
		"governance.idempotency_ttl":         DefaultGovernanceIdempotencyTTL,
		"governance.audit_enabled":           DefaultGovernanceAuditEnabled,
		"governance.redact_patterns":         []string{},
		"store.lock_timeout":                 DefaultStoreLockTimeout,
		"store.lock_retry":                   DefaultStoreLockRetry,
		"store.lock_max_retry":               DefaultStoreLockMaxRetry,
		"store.inbox_size":                   DefaultStoreInboxSize,
		"orchestrator.queue_size":            DefaultOrchestratorQueueSize,
		"orchestrator.history_limit":         DefaultOrchestratorHistoryLimit,
		"adapters.notify":                    "",
		"adapters.slack.port":                DefaultSlackPort,
		"adapters.telegram.update_timeout":   DefaultTelegramUpdateTimeout,
		"ingress.interactive_queue_size":     DefaultIngressInteractiveQueue,
		"ingress.background_queue_size":      DefaultIngressBackgroundQueue,
		"ingress.interactive_submit_timeout": DefaultIngressInteractiveSubmitTimeout,
		"ingress.drain_timeout":              DefaultIngressDrainTimeout,
		"ingress.drain_poll_interval":        DefaultIngressDrainPollInterval,
		"worker.shutdown_timeout":            DefaultWorkerShutdownTimeout,
		"scheduler.tick_interval":            DefaultSchedulerTickInterval,
		"scheduler.shutdown_timeout":         DefaultSchedulerShutdownTimeout,
		"scheduler.lease_duration":           DefaultSchedulerLeaseDuration,
		"scheduler.max_catchup_runs":         DefaultSchedulerMaxCatchupRuns,
		"scheduler.in_flight_poll_interval":  DefaultSchedulerInFlightPollInterval,
		"scheduler.heartbeat_workspace_id":   DefaultSchedulerHeartbeatWorkspaceID,
		"scheduler.prune_interval":           DefaultSchedulerPruneInterval,
		"watchdog.enabled":                   DefaultWatchdogEnabled,
		"watchdog.poll_interval":             DefaultWatchdogPollInterval,
		"watchdog.stale_threshold":           DefaultWatchdogStaleThreshold,
		"watchdog.remind_limit":              DefaultWatchdogRemindLimit,
		"daemon.shutdown_timeout":            DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":       DefaultDaemonHealthCheckInterval,
		"daemon.startup_shutdown_timeout":    DefaultDaemonStartupShutdownTimeout,
		"daemon.preflight_timeout":           DefaultDaemonPreflightTimeout,
		"daemon.stale_lock_ttl":              DefaultDaemonStaleLockTTL,
		"daemon.workspace_path":              filepath.Join(os.Getenv("HOME"), ".sekisho", "workspaces"),
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".sekisho", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("SEKISHO_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "SEKISHO_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	// Post-Process: Inject standard Env Vars if missing
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" && cfg.Adapters.Telegram.BotToken == "" {
		cfg.Adapters.Telegram.BotToken = token
	}
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" && cfg.Adapters.Slack.BotToken == "" {
		cfg.Adapters.Slack.BotToken = token
	}
	if secret := os.Getenv("SLACK_SIGNING_SECRET"); secret != "" && cfg.Adapters.Slack.SigningSecret == "" {
		cfg.Adapters.Slack.SigningSecret = secret
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	workspacePath, err := expandConfiguredPath(cfg.Daemon.WorkspacePath)
	if err != nil {
		return err
	}
	if workspacePath != "" {
		cfg.Daemon.WorkspacePath = workspacePath
	}

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(trimmed)
	if err != nil {
		return "", err
	}
	return expanded, nil
}
