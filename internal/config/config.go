package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Build-time variables injected via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Config holds all agent configuration loaded from environment variables.
type Config struct {
	// APIKey authenticates both directions: requests to the core API and
	// inbound requests on the command endpoint.
	APIKey string

	// ServerID is the core API identifier of the server this agent runs on.
	ServerID int

	// CoreURL is the base URL of the core API.
	CoreURL string

	// AgentURL is the public URL under which the core API can reach this
	// agent. Sent in the registration payload; derived from the detected
	// public IP when left empty.
	AgentURL string

	// ListenAddr is the bind address of the command endpoint.
	ListenAddr string

	// XrayConfigPath is the live xray configuration file.
	XrayConfigPath string

	// RealityPath is the sidecar file holding the reality key material.
	RealityPath string

	// XrayBinary is the xray executable used for config validation and
	// stats queries.
	XrayBinary string

	// XrayAPIAddr is the address of the xray management API.
	XrayAPIAddr string

	// ReloadCommand is the shell command that makes the running xray
	// process re-read its configuration.
	ReloadCommand string

	// RestartCommand is the shell command that fully restarts xray.
	RestartCommand string

	// StatusCommand is the shell command that exits 0 when xray is running.
	StatusCommand string

	// ValidateTimeout bounds a single config validation run.
	ValidateTimeout time.Duration

	// ReloadTimeout bounds a single reload signal.
	ReloadTimeout time.Duration

	// RestartTimeout bounds a full process restart.
	RestartTimeout time.Duration

	// HealthInterval is the period of the health probe loop.
	HealthInterval time.Duration

	// MetricsInterval is the period of the telemetry loop.
	MetricsInterval time.Duration

	// ReregisterAfter re-triggers registration when no upstream report has
	// been acknowledged for this long.
	ReregisterAfter time.Duration

	// QueueCapacity bounds the in-process command queue.
	QueueCapacity int

	// LogFile is an optional log destination; empty means stdout.
	LogFile string

	// Debug enables verbose logging.
	Debug bool
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      "0.0.0.0:8080",
		XrayConfigPath:  "/etc/xray/config.json",
		RealityPath:     "/etc/xray/reality.json",
		XrayBinary:      "/usr/local/bin/xray",
		XrayAPIAddr:     "127.0.0.1:10085",
		ReloadCommand:   "pkill -HUP -x xray",
		RestartCommand:  "systemctl restart xray",
		StatusCommand:   "pgrep -x xray",
		ValidateTimeout: 10 * time.Second,
		ReloadTimeout:   10 * time.Second,
		RestartTimeout:  60 * time.Second,
		HealthInterval:  10 * time.Second,
		MetricsInterval: 30 * time.Second,
		ReregisterAfter: 5 * time.Minute,
		QueueCapacity:   128,
	}
}

// Load reads configuration from the environment, applying defaults for
// anything not explicitly set. An .env file in the working directory is
// honored when present. Returns an error if required values are missing
// or malformed.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	cfg.APIKey = strings.TrimSpace(os.Getenv("AGENT_API_KEY"))
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("AGENT_API_KEY is required")
	}

	rawID := strings.TrimSpace(os.Getenv("AGENT_SERVER_ID"))
	if rawID == "" {
		return nil, fmt.Errorf("AGENT_SERVER_ID is required")
	}
	id, err := strconv.Atoi(rawID)
	if err != nil {
		return nil, fmt.Errorf("AGENT_SERVER_ID must be an integer: %w", err)
	}
	cfg.ServerID = id

	cfg.CoreURL = strings.TrimRight(strings.TrimSpace(os.Getenv("AGENT_CORE_URL")), "/")
	if cfg.CoreURL == "" {
		return nil, fmt.Errorf("AGENT_CORE_URL is required")
	}

	cfg.AgentURL = strings.TrimSpace(os.Getenv("AGENT_URL"))

	if v := os.Getenv("AGENT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	if v := os.Getenv("AGENT_XRAY_CONFIG"); v != "" {
		cfg.XrayConfigPath = v
	}

	if v := os.Getenv("AGENT_REALITY_CONFIG"); v != "" {
		cfg.RealityPath = v
	}

	if v := os.Getenv("AGENT_XRAY_BINARY"); v != "" {
		cfg.XrayBinary = v
	}

	if v := os.Getenv("AGENT_XRAY_API_ADDR"); v != "" {
		cfg.XrayAPIAddr = v
	}

	if v := os.Getenv("AGENT_XRAY_RELOAD_CMD"); v != "" {
		cfg.ReloadCommand = v
	}

	if v := os.Getenv("AGENT_XRAY_RESTART_CMD"); v != "" {
		cfg.RestartCommand = v
	}

	if v := os.Getenv("AGENT_XRAY_STATUS_CMD"); v != "" {
		cfg.StatusCommand = v
	}

	if err := loadDuration("AGENT_VALIDATE_TIMEOUT", &cfg.ValidateTimeout); err != nil {
		return nil, err
	}
	if err := loadDuration("AGENT_RELOAD_TIMEOUT", &cfg.ReloadTimeout); err != nil {
		return nil, err
	}
	if err := loadDuration("AGENT_RESTART_TIMEOUT", &cfg.RestartTimeout); err != nil {
		return nil, err
	}
	if err := loadDuration("AGENT_HEALTH_INTERVAL", &cfg.HealthInterval); err != nil {
		return nil, err
	}
	if err := loadDuration("AGENT_METRICS_INTERVAL", &cfg.MetricsInterval); err != nil {
		return nil, err
	}
	if err := loadDuration("AGENT_REREGISTER_AFTER", &cfg.ReregisterAfter); err != nil {
		return nil, err
	}

	if v := os.Getenv("AGENT_QUEUE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("AGENT_QUEUE_CAPACITY must be a positive integer")
		}
		cfg.QueueCapacity = n
	}

	if v := os.Getenv("AGENT_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}

	cfg.Debug = os.Getenv("AGENT_DEBUG") == "true"

	return cfg, nil
}

func loadDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", key)
	}
	*dst = d
	return nil
}

// NewLogger creates a structured JSON logger. Logs go to the configured
// file, or stdout when no file is set.
func NewLogger(cfg *Config) (*slog.Logger, error) {
	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.LogFile, err)
		}
		out = file
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, nil
}
