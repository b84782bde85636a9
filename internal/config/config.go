package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Kiosk       KioskConfig       `yaml:"kiosk"`
	Server      ServerConfig      `yaml:"server"`
	Remote      RemoteConfig      `yaml:"remote"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Health      HealthConfig      `yaml:"health"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Printer     PrinterConfig     `yaml:"printer"`
	Database    DatabaseConfig    `yaml:"database"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type KioskConfig struct {
	ID string `yaml:"id"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type RemoteConfig struct {
	BaseURL        string        `yaml:"base_url"`
	HealthURL      string        `yaml:"health_url"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Downloaded documents wait here until printed. Empty means the OS default.
	TempDir        string        `yaml:"temp_dir"`
}

type MonitorConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	Timeout         time.Duration `yaml:"timeout"`
	SuccessCooldown time.Duration `yaml:"success_cooldown"`
	FailureCooldown time.Duration `yaml:"failure_cooldown"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
}

type HealthConfig struct {
	Interval     time.Duration `yaml:"interval"`
	InternetURL  string        `yaml:"internet_url"`
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

type RecoveryConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type OutboxConfig struct {
	Path          string `yaml:"path"`
	MaxAttempts   int    `yaml:"max_attempts"`
	FlushSchedule string `yaml:"flush_schedule"`
}

type HeartbeatConfig struct {
	Schedule string `yaml:"schedule"`
	Message  string `yaml:"message"`
}

type PrinterConfig struct {
	Name       string   `yaml:"name"`
	USBVendors []string `yaml:"usb_vendors"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type DiagnosticsConfig struct {
	BackendAddr  string `yaml:"backend_addr"`
	FrontendAddr string `yaml:"frontend_addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Kiosk: KioskConfig{
			ID: "UNKNOWN",
		},
		Server: ServerConfig{
			Port:         8000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Remote: RemoteConfig{
			BaseURL:        "https://api.paynprint.com/api/kiosk",
			FetchTimeout:   8 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Monitor: MonitorConfig{
			PollInterval:    2 * time.Second,
			Timeout:         300 * time.Second,
			SuccessCooldown: 10 * time.Second,
			FailureCooldown: 30 * time.Second,
			CommandTimeout:  5 * time.Second,
		},
		Health: HealthConfig{
			Interval:     10 * time.Second,
			InternetURL:  "https://www.google.com",
			CheckTimeout: 3 * time.Second,
		},
		Recovery: RecoveryConfig{
			Interval: 300 * time.Second,
		},
		Outbox: OutboxConfig{
			Path:          "./data/notification_queue.json",
			MaxAttempts:   10,
			FlushSchedule: "@every 1m",
		},
		Heartbeat: HeartbeatConfig{
			Schedule: "@every 5m",
			Message:  "alive",
		},
		Printer: PrinterConfig{
			USBVendors: []string{"03f0", "04a9", "04f9"},
		},
		Database: DatabaseConfig{
			Path:          "./data/kiosk.db",
			RetentionDays: 30,
		},
		Diagnostics: DiagnosticsConfig{
			BackendAddr:  "127.0.0.1:8000",
			FrontendAddr: "127.0.0.1:5173",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configPath over the defaults; a missing file is not an error.
// Environment overrides are applied last.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.Remote.HealthURL = cfg.remoteHealthURL()

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("KIOSK_ID"); v != "" {
		c.Kiosk.ID = v
	}

	if v := os.Getenv("KIOSK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("KIOSK_SERVER_URL"); v != "" {
		c.Remote.BaseURL = v
	}

	if v := os.Getenv("KIOSK_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv("KIOSK_OUTBOX_PATH"); v != "" {
		c.Outbox.Path = v
	}

	if v := os.Getenv("KIOSK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// The remote health endpoint sits next to the kiosk API: .../api/kiosk -> .../api/health.
func (c *Config) remoteHealthURL() string {
	if c.Remote.HealthURL != "" {
		return c.Remote.HealthURL
	}
	base := strings.TrimRight(c.Remote.BaseURL, "/")
	if strings.HasSuffix(base, "/kiosk") {
		return strings.TrimSuffix(base, "/kiosk") + "/health"
	}
	return base + "/health"
}

func (c *Config) Validate() error {
	if c.Kiosk.ID == "" {
		return fmt.Errorf("kiosk id is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote base url is required")
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"remote fetch timeout", c.Remote.FetchTimeout},
		{"remote request timeout", c.Remote.RequestTimeout},
		{"monitor poll interval", c.Monitor.PollInterval},
		{"monitor timeout", c.Monitor.Timeout},
		{"monitor command timeout", c.Monitor.CommandTimeout},
		{"health interval", c.Health.Interval},
		{"health check timeout", c.Health.CheckTimeout},
		{"recovery interval", c.Recovery.Interval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.d)
		}
	}

	if c.Monitor.SuccessCooldown < 0 || c.Monitor.FailureCooldown < 0 {
		return fmt.Errorf("monitor cooldowns must be non-negative")
	}

	if c.Outbox.Path == "" {
		return fmt.Errorf("outbox path is required")
	}

	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("outbox max attempts must be at least 1")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Database.RetentionDays < 0 {
		return fmt.Errorf("retention days must be non-negative")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}
