package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/artpar/gsm/internal/core/monitoring"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Servers   InventoryConfig `mapstructure:"servers"`
	Status    StatusConfig    `mapstructure:"status"`
	System    SystemConfig    `mapstructure:"system"`
	Control   ControlConfig   `mapstructure:"control"`
	Managers  ManagersConfig  `mapstructure:"managers"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds event journal configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// InventoryConfig points at the server inventory file. When File is empty
// the built-in fleet is used.
type InventoryConfig struct {
	File   string `mapstructure:"file"`
	LogDir string `mapstructure:"log_dir"`
}

// StatusConfig holds status cache configuration.
type StatusConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`

	// Thresholds tune the health score. Defaults are the deployed values.
	Thresholds monitoring.Thresholds `mapstructure:"thresholds"`
}

// SystemConfig holds host metrics configuration.
type SystemConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	DiskPath string        `mapstructure:"disk_path"`
}

// ControlConfig holds control executor configuration.
type ControlConfig struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
}

// ManagersConfig holds process manager configuration.
type ManagersConfig struct {
	PM2Binary     string        `mapstructure:"pm2_binary"`
	PM2Ecosystem  string        `mapstructure:"pm2_ecosystem"`
	DockerEnabled bool          `mapstructure:"docker_enabled"`
	DockerHost    string        `mapstructure:"docker_host"`
	StopGrace     time.Duration `mapstructure:"stop_grace"`
}

// AlertsConfig holds notification configuration.
type AlertsConfig struct {
	TelegramToken  string        `mapstructure:"telegram_token"`
	TelegramChatID int64         `mapstructure:"telegram_chat_id"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	// CooldownMinutes is the legacy ALERT_COOLDOWN_MINUTES setting. It
	// overrides Cooldown when positive.
	CooldownMinutes int    `mapstructure:"cooldown_minutes"`
	TimeZone        string `mapstructure:"timezone"`
	DashboardURL    string `mapstructure:"dashboard_url"`
}

// EffectiveCooldown returns the cooldown after applying the legacy minutes
// override.
func (c AlertsConfig) EffectiveCooldown() time.Duration {
	if c.CooldownMinutes > 0 {
		return time.Duration(c.CooldownMinutes) * time.Minute
	}
	return c.Cooldown
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	// APIKey is required on every protected endpoint. Empty disables the
	// protected API (503) rather than opening it.
	APIKey string `mapstructure:"api_key"`

	// AllowedIPs lists addresses and CIDR ranges allowed to call protected
	// endpoints. Accepts a list or a comma-separated string.
	AllowedIPs []string `mapstructure:"allowed_ips"`

	// TrustedProxies lists reverse proxies whose forwarding headers identify
	// the client. Empty means forwarding headers are ignored.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RetentionConfig holds event journal retention configuration.
type RetentionConfig struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	Interval time.Duration `mapstructure:"interval"`
}

// =============================================================================
// Config Loading
// =============================================================================

// legacyEnv maps config keys to the environment names used by earlier
// deployments.
var legacyEnv = map[string]string{
	"server.port":             "GSM_PORT",
	"auth.api_key":            "GSM_API_KEY",
	"auth.allowed_ips":        "GSM_ALLOWED_IPS",
	"alerts.telegram_token":   "TELEGRAM_BOT_TOKEN",
	"alerts.telegram_chat_id": "TELEGRAM_CHAT_ID",
	"alerts.cooldown_minutes": "ALERT_COOLDOWN_MINUTES",
}

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s") // control actions settle before responding
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/gsm.db")
	v.SetDefault("servers.file", "")
	v.SetDefault("servers.log_dir", "./logs")
	v.SetDefault("status.ttl", "5m")
	v.SetDefault("status.refresh_timeout", "30s")
	v.SetDefault("status.max_concurrent", 8)
	v.SetDefault("status.probe_timeout", "5s")
	v.SetDefault("status.poll_interval", "60s")
	th := monitoring.DefaultThresholds()
	v.SetDefault("status.thresholds.cpu_severe", th.CPUSevere)
	v.SetDefault("status.thresholds.cpu_high", th.CPUHigh)
	v.SetDefault("status.thresholds.mem_severe", th.MemSevere)
	v.SetDefault("status.thresholds.mem_high", th.MemHigh)
	v.SetDefault("status.thresholds.idle_cpu", th.IdleCPU)
	v.SetDefault("status.thresholds.idle_mem", th.IdleMem)
	v.SetDefault("status.thresholds.cpu_severe_penalty", th.CPUSeverePenalty)
	v.SetDefault("status.thresholds.cpu_high_penalty", th.CPUHighPenalty)
	v.SetDefault("status.thresholds.mem_severe_penalty", th.MemSeverePenalty)
	v.SetDefault("status.thresholds.mem_high_penalty", th.MemHighPenalty)
	v.SetDefault("status.thresholds.idle_bonus", th.IdleBonus)
	v.SetDefault("status.thresholds.no_logs_penalty", th.NoLogsPenalty)
	v.SetDefault("status.thresholds.healthy_min", th.HealthyMin)
	v.SetDefault("status.thresholds.warning_min", th.WarningMin)
	v.SetDefault("system.ttl", "5m")
	v.SetDefault("system.disk_path", "/")
	v.SetDefault("control.command_timeout", "60s")
	v.SetDefault("control.settle_delay", "2s")
	v.SetDefault("managers.pm2_binary", "pm2")
	v.SetDefault("managers.pm2_ecosystem", "")
	v.SetDefault("managers.docker_enabled", true)
	v.SetDefault("managers.docker_host", "")
	v.SetDefault("managers.stop_grace", "10s")
	v.SetDefault("alerts.telegram_token", "")
	v.SetDefault("alerts.telegram_chat_id", 0)
	v.SetDefault("alerts.cooldown", "15m")
	v.SetDefault("alerts.cooldown_minutes", 0)
	v.SetDefault("alerts.timezone", "Europe/Madrid")
	v.SetDefault("alerts.dashboard_url", "")
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.allowed_ips", []string{"127.0.0.1", "::1"})
	v.SetDefault("auth.trusted_proxies", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("retention.max_age", "720h")
	v.SetDefault("retention.interval", "1h")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("GSM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "GSM_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Auth.AllowedIPs = splitList(cfg.Auth.AllowedIPs)
	cfg.Auth.TrustedProxies = splitList(cfg.Auth.TrustedProxies)

	return &cfg, nil
}

// splitList flattens comma-separated entries so an env value such as
// "127.0.0.1, 10.8.0.0/16" yields two entries.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
