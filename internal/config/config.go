package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config root configuration
type Config struct {
	Telegram  TelegramConfig  `mapstructure:"telegram" json:"telegram"`
	Gifts     GiftsConfig     `mapstructure:"gifts" json:"gifts"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle" json:"lifecycle"`
	Storage   StorageConfig   `mapstructure:"storage" json:"storage"`
	Gateway   GatewayConfig   `mapstructure:"gateway" json:"gateway"`
	Log       LogConfig       `mapstructure:"log" json:"log"`
	Workspace WorkspaceConfig `mapstructure:"workspace" json:"workspace"`
}

// TelegramConfig telegram bot settings
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Token   string `mapstructure:"token" json:"token"`
	// AdminID receives new requests and may accept or close them.
	AdminID int64 `mapstructure:"admin_id" json:"admin_id"`
	// RequiredChannel is the public @name users must join; RequiredChannelID
	// is the chat id used for the membership lookup. Zero disables the gate.
	RequiredChannel   string `mapstructure:"required_channel" json:"required_channel"`
	RequiredChannelID int64  `mapstructure:"required_channel_id" json:"required_channel_id"`
	// BotUsername overrides the name reported by getMe in referral links.
	BotUsername string `mapstructure:"bot_username" json:"bot_username"`
	PollTimeout int    `mapstructure:"poll_timeout" json:"poll_timeout"` // seconds
}

// GiftsConfig reward catalogue and user-facing texts. Empty texts fall back
// to the built-in ones.
type GiftsConfig struct {
	MaxStars          int    `mapstructure:"max_stars" json:"max_stars"`
	PremiumOptions    []int  `mapstructure:"premium_options" json:"premium_options"` // months
	StartText         string `mapstructure:"start_text" json:"start_text,omitempty"`
	AboutText         string `mapstructure:"about_text" json:"about_text,omitempty"`
	StarsConditions   string `mapstructure:"stars_conditions" json:"stars_conditions,omitempty"`
	PremiumConditions string `mapstructure:"premium_conditions" json:"premium_conditions,omitempty"`
}

// LifecycleConfig request lifecycle settings
type LifecycleConfig struct {
	AutoAccept             bool `mapstructure:"auto_accept" json:"auto_accept"`
	AutoAcceptDelaySeconds int  `mapstructure:"auto_accept_delay_seconds" json:"auto_accept_delay_seconds"`
	// ExpireAfterSeconds expires pending requests older than this. Zero
	// disables the sweep.
	ExpireAfterSeconds int    `mapstructure:"expire_after_seconds" json:"expire_after_seconds"`
	SweepSchedule      string `mapstructure:"sweep_schedule" json:"sweep_schedule"`
}

// StorageConfig record store settings
type StorageConfig struct {
	Backend string `mapstructure:"backend" json:"backend"` // json | sqlite
	// Path is relative to the workspace unless absolute.
	Path string `mapstructure:"path" json:"path"`
}

// GatewayConfig server settings
type GatewayConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Host    string `mapstructure:"host" json:"host"`
	Port    int    `mapstructure:"port" json:"port"`
	Token   string `mapstructure:"token" json:"token"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
	File  string `mapstructure:"file" json:"file"`
}

// WorkspaceConfig data directory settings
type WorkspaceConfig struct {
	Mode string `mapstructure:"mode" json:"mode"` // default | cwd | path
	Path string `mapstructure:"path" json:"path"`
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("failed to resolve home directory, using current directory as fallback", "error", err)
		homeDir = "."
	}
	return &Config{
		Telegram: TelegramConfig{
			Enabled:     false,
			PollTimeout: 30,
		},
		Gifts: GiftsConfig{
			MaxStars:       100,
			PremiumOptions: []int{1, 3, 12},
		},
		Lifecycle: LifecycleConfig{
			AutoAccept:             true,
			AutoAcceptDelaySeconds: 60,
			ExpireAfterSeconds:     86400,
			SweepSchedule:          "10m",
		},
		Storage: StorageConfig{
			Backend: "json",
			Path:    "data/users.json",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    18791,
		},
		Log: LogConfig{
			Level: "info",
		},
		Workspace: WorkspaceConfig{
			Mode: "default",
			Path: filepath.Join(homeDir, ".giftbot", "workspace"),
		},
	}
}

// ConfigDir returns the giftbot config directory
func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".giftbot")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load reads an optional .env file from the working directory and then the
// config at ConfigPath.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}
	return LoadFrom(ConfigPath())
}

// LoadFrom loads config from path, writing the defaults there first when the
// file does not exist. GIFTBOT_* environment variables override file values,
// e.g. GIFTBOT_TELEGRAM_TOKEN.
func LoadFrom(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := SaveTo(configPath, cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("GIFTBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to ConfigPath
func Save(cfg *Config) error {
	return SaveTo(ConfigPath(), cfg)
}

// SaveTo writes cfg as indented JSON to configPath.
func SaveTo(configPath string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required when telegram is enabled")
		}
		if c.Telegram.AdminID == 0 {
			return fmt.Errorf("telegram.admin_id is required when telegram is enabled")
		}
	}
	if c.Telegram.PollTimeout < 0 {
		return fmt.Errorf("telegram.poll_timeout must not be negative, got %d", c.Telegram.PollTimeout)
	}
	if c.Telegram.PollTimeout == 0 {
		c.Telegram.PollTimeout = 30
	}

	if c.Gifts.MaxStars <= 0 {
		return fmt.Errorf("gifts.max_stars must be > 0, got %d", c.Gifts.MaxStars)
	}
	if len(c.Gifts.PremiumOptions) == 0 {
		c.Gifts.PremiumOptions = []int{1, 3, 12}
	}
	seen := make(map[int]bool, len(c.Gifts.PremiumOptions))
	for _, months := range c.Gifts.PremiumOptions {
		if months <= 0 {
			return fmt.Errorf("gifts.premium_options must be positive month counts, got %d", months)
		}
		if seen[months] {
			return fmt.Errorf("gifts.premium_options contains %d twice", months)
		}
		seen[months] = true
	}

	if c.Lifecycle.AutoAcceptDelaySeconds < 0 {
		return fmt.Errorf("lifecycle.auto_accept_delay_seconds must not be negative, got %d", c.Lifecycle.AutoAcceptDelaySeconds)
	}
	if c.Lifecycle.AutoAcceptDelaySeconds == 0 {
		c.Lifecycle.AutoAcceptDelaySeconds = 60
	}
	if c.Lifecycle.ExpireAfterSeconds < 0 {
		return fmt.Errorf("lifecycle.expire_after_seconds must not be negative, got %d", c.Lifecycle.ExpireAfterSeconds)
	}
	if c.Lifecycle.ExpireAfterSeconds > 0 && c.Lifecycle.ExpireAfterSeconds <= c.Lifecycle.AutoAcceptDelaySeconds {
		return fmt.Errorf("lifecycle.expire_after_seconds (%d) must exceed auto_accept_delay_seconds (%d)",
			c.Lifecycle.ExpireAfterSeconds, c.Lifecycle.AutoAcceptDelaySeconds)
	}
	if strings.TrimSpace(c.Lifecycle.SweepSchedule) == "" {
		c.Lifecycle.SweepSchedule = "10m"
	}

	backend := strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	switch backend {
	case "":
		c.Storage.Backend = "json"
	case "json", "sqlite":
		c.Storage.Backend = backend
	default:
		return fmt.Errorf("storage.backend must be one of json, sqlite; got %q", c.Storage.Backend)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		if c.Storage.Backend == "sqlite" {
			c.Storage.Path = "data/users.db"
		} else {
			c.Storage.Path = "data/users.json"
		}
	}

	mode := strings.TrimSpace(c.Workspace.Mode)
	if mode != "" {
		validModes := map[string]bool{"default": true, "cwd": true, "path": true}
		if !validModes[strings.ToLower(mode)] {
			return fmt.Errorf("workspace.mode must be one of: default, cwd, path; got %q", mode)
		}
		if strings.EqualFold(mode, "path") && strings.TrimSpace(c.Workspace.Path) == "" {
			return fmt.Errorf("workspace.path must be non-empty when workspace.mode is \"path\"")
		}
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	return nil
}

// WorkspacePath returns the expanded workspace path
func (c *Config) WorkspacePath() string {
	path, err := c.WorkspacePathChecked()
	if err != nil {
		return filepath.Join(ConfigDir(), "workspace")
	}
	return path
}

// WorkspacePathChecked returns the expanded workspace path or an error if invalid.
func (c *Config) WorkspacePathChecked() (string, error) {
	mode := strings.TrimSpace(c.Workspace.Mode)
	if mode == "" || strings.EqualFold(mode, "default") {
		return filepath.Join(ConfigDir(), "workspace"), nil
	}
	if strings.EqualFold(mode, "cwd") {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to resolve cwd: %w", err)
		}
		return wd, nil
	}
	if !strings.EqualFold(mode, "path") {
		return "", fmt.Errorf("unknown workspace mode: %s", mode)
	}
	if c.Workspace.Path == "" {
		return "", fmt.Errorf("workspace.path is required when workspace.mode=path")
	}
	if c.Workspace.Path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory for workspace path: %w", err)
		}
		rest := c.Workspace.Path[1:]
		rest = strings.TrimPrefix(rest, string(filepath.Separator))
		rest = strings.TrimPrefix(rest, "/")
		return filepath.Join(homeDir, rest), nil
	}
	return c.Workspace.Path, nil
}

// StoragePath resolves the record store location against the workspace.
func (c *Config) StoragePath(workspace string) string {
	if filepath.IsAbs(c.Storage.Path) {
		return c.Storage.Path
	}
	return filepath.Join(workspace, c.Storage.Path)
}
