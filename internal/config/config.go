package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables honored over the config file.
const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"
	EnvGatewayURL   = "GATEWAY_WS_URL"
	EnvGatewayToken = "GATEWAY_ACCESS_TOKEN"
	EnvVRChatUser   = "VRCHAT_USERNAME"
	EnvVRChatPass   = "VRCHAT_PASSWORD"
	EnvVRChatTOTP   = "VRCHAT_TOTP_SECRET"
	EnvStatusListen = "STATUS_LISTEN"
)

// GatewayConfig tunes the OneBot WebSocket session.
type GatewayConfig struct {
	WSURL        string        `yaml:"ws-url"`        // WebSocket endpoint of the chat gateway.
	AccessToken  string        `yaml:"access-token"`  // Optional bearer token sent on connect.
	MaxRetries   int           `yaml:"max-retries"`   // Reconnect attempts before giving up.
	InitialDelay time.Duration `yaml:"initial-delay"` // First reconnect delay.
	MaxDelay     time.Duration `yaml:"max-delay"`     // Backoff ceiling.
	CallTimeout  time.Duration `yaml:"call-timeout"`  // Default correlated call timeout.
}

// VRChatConfig holds the VRChat API session credentials.
type VRChatConfig struct {
	APIBase        string        `yaml:"api-base"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TOTPSecret     string        `yaml:"totp-secret"`
	UserAgent      string        `yaml:"user-agent"`
	RequestTimeout time.Duration `yaml:"request-timeout"`
}

// VerificationConfig tunes the ownership-challenge lifecycle.
type VerificationConfig struct {
	CodeTTL           time.Duration `yaml:"code-ttl"`           // How long a one-time code stays valid.
	PendingJoinTTL    time.Duration `yaml:"pending-join-ttl"`   // Join-request to join-notice bridge window.
	SweepInterval     time.Duration `yaml:"sweep-interval"`     // Expiry sweep cadence.
	HeartbeatInterval time.Duration `yaml:"heartbeat-interval"` // Gateway ping cadence.
	CleanupInterval   time.Duration `yaml:"cleanup-interval"`   // Registered cleanup job cadence.
	TimeoutAction     string        `yaml:"timeout-action"`     // "kick" or "mute" on strict-mode verify timeout.
}

// LogConfig controls log level and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
}

// Config is the full application configuration.
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway"`
	VRChat       VRChatConfig       `yaml:"vrchat"`
	DatabaseDSN  string             `yaml:"database-dsn"`
	Verification VerificationConfig `yaml:"verification"`
	StatusListen string             `yaml:"status-listen"`
	Log          LogConfig          `yaml:"log"`
}

// ResolveConfigPath normalizes the config path and applies the default.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// Load reads the YAML config file, applies env overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{}
	if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if strings.TrimSpace(cfg.Gateway.WSURL) == "" {
		return nil, fmt.Errorf("config: gateway.ws-url is required")
	}
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return nil, fmt.Errorf("config: database-dsn is required (or set %s)", EnvDBConnection)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvDBConnection)); v != "" {
		c.DatabaseDSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvGatewayURL)); v != "" {
		c.Gateway.WSURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvGatewayToken)); v != "" {
		c.Gateway.AccessToken = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvVRChatUser)); v != "" {
		c.VRChat.Username = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvVRChatPass)); v != "" {
		c.VRChat.Password = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvVRChatTOTP)); v != "" {
		c.VRChat.TOTPSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStatusListen)); v != "" {
		c.StatusListen = v
	}
}

func (c *Config) applyDefaults() {
	if c.Gateway.MaxRetries <= 0 {
		c.Gateway.MaxRetries = 10
	}
	if c.Gateway.InitialDelay <= 0 {
		c.Gateway.InitialDelay = 5 * time.Second
	}
	if c.Gateway.MaxDelay <= 0 {
		c.Gateway.MaxDelay = 60 * time.Second
	}
	if c.Gateway.CallTimeout <= 0 {
		c.Gateway.CallTimeout = 30 * time.Second
	}
	if strings.TrimSpace(c.VRChat.APIBase) == "" {
		c.VRChat.APIBase = "https://api.vrchat.cloud/api/1"
	}
	if c.VRChat.RequestTimeout <= 0 {
		c.VRChat.RequestTimeout = 15 * time.Second
	}
	if c.Verification.CodeTTL <= 0 {
		c.Verification.CodeTTL = 5 * time.Minute
	}
	if c.Verification.PendingJoinTTL <= 0 {
		c.Verification.PendingJoinTTL = 30 * time.Minute
	}
	if c.Verification.SweepInterval <= 0 {
		c.Verification.SweepInterval = 10 * time.Second
	}
	if c.Verification.HeartbeatInterval <= 0 {
		c.Verification.HeartbeatInterval = 30 * time.Second
	}
	if c.Verification.CleanupInterval <= 0 {
		c.Verification.CleanupInterval = time.Hour
	}
	if c.Verification.TimeoutAction != "mute" {
		c.Verification.TimeoutAction = "kick"
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
}
