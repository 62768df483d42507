package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Orchestrator  OrchestratorConfig  `toml:"orchestrator"`
	Queue         QueueConfig         `toml:"queue"`
	GitHub        GitHubConfig        `toml:"github"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Agents        []AgentConfig       `toml:"agents"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
}

// OrchestratorConfig controls batch execution and the serve daemon's
// periodic work
type OrchestratorConfig struct {
	AgentTimeoutMinutes   int `toml:"agent_timeout_minutes"`
	MaxConcurrentProjects int `toml:"max_concurrent_projects"`
	DispatchTickMinutes   int `toml:"dispatch_tick_minutes"`
	MaintenanceTickHours  int `toml:"maintenance_tick_hours"`
	MaxAttempts           int `toml:"max_attempts"`
}

// QueueConfig holds worker-pool settings. With Enabled false the serve
// daemon runs jobs in-process instead of handing them to remote workers.
type QueueConfig struct {
	Enabled           bool `toml:"enabled"`
	Paused            bool `toml:"paused"`
	JobTimeoutMinutes int  `toml:"job_timeout_minutes"`
}

// GitHubConfig holds repository analysis cache settings
type GitHubConfig struct {
	CacheTTLMinutes   int `toml:"cache_ttl_minutes"`
	CacheGraceMinutes int `toml:"cache_grace_minutes"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
	WebhookURL   string `toml:"webhook_url"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// AgentConfig declares an external command agent. Each entry becomes a
// registry agent that spawns the program and reads its JSON result.
type AgentConfig struct {
	ID      string   `toml:"id"`
	Purpose string   `toml:"purpose"`
	Program string   `toml:"program"`
	Args    []string `toml:"args"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".synthstack-orch", "orchestrator.db"),
		},
		Orchestrator: OrchestratorConfig{
			AgentTimeoutMinutes:   30,
			MaxConcurrentProjects: 4,
			DispatchTickMinutes:   5,
			MaintenanceTickHours:  6,
			MaxAttempts:           3,
		},
		Queue: QueueConfig{
			Enabled:           false,
			JobTimeoutMinutes: 30,
		},
		GitHub: GitHubConfig{
			CacheTTLMinutes:   60,
			CacheGraceMinutes: 360,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "synthstack-orch", "config.toml")
}
