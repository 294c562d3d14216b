package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds connection and runtime settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url" validate:"omitempty,url"`
	Transport   string `toml:"transport" validate:"omitempty,oneof=http redis"`
	RedisURL    string `toml:"redis_url" validate:"required_if=Transport redis"`
	PageSize    int    `toml:"page_size" validate:"gte=0,lte=500"`
	LogLevel    string `toml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	MetricsAddr string `toml:"metrics_addr"`
}

// ConfigAuth holds the session the CLI acts as.
type ConfigAuth struct {
	Token     string `toml:"token"`
	UserID    string `toml:"user_id"`
	Username  string `toml:"username"`
	Alias     string `toml:"alias"`
	Anonymous bool   `toml:"anonymous"`
}

// transport returns the configured transport, defaulting to http.
func (c *Config) transport() string {
	if c.Default.Transport == "" {
		return "http"
	}
	return c.Default.Transport
}

func (c *Config) baseURL() string {
	if c.Default.BaseURL == "" {
		return chatsync.DefaultBaseURL
	}
	return c.Default.BaseURL
}

func (c *Config) session() chatsync.Session {
	return chatsync.Session{
		UserID:    c.Auth.UserID,
		Username:  c.Auth.Username,
		Alias:     c.Auth.Alias,
		Anonymous: c.Auth.Anonymous,
	}
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies CHATSYNC_*
// environment overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := chatsync.NewValidator().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// readConfigFile parses the config file without environment overrides, so
// that saving it back does not persist them.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// envOverrides maps environment variables to config keys.
var envOverrides = []struct {
	env string
	key string
}{
	{"CHATSYNC_BASE_URL", "default.base_url"},
	{"CHATSYNC_TRANSPORT", "default.transport"},
	{"CHATSYNC_REDIS_URL", "default.redis_url"},
	{"CHATSYNC_PAGE_SIZE", "default.page_size"},
	{"CHATSYNC_LOG_LEVEL", "default.log_level"},
	{"CHATSYNC_METRICS_ADDR", "default.metrics_addr"},
	{"CHATSYNC_TOKEN", "auth.token"},
	{"CHATSYNC_USER_ID", "auth.user_id"},
	{"CHATSYNC_USERNAME", "auth.username"},
	{"CHATSYNC_ALIAS", "auth.alias"},
	{"CHATSYNC_ANONYMOUS", "auth.anonymous"},
}

func applyEnv(cfg *Config) error {
	for _, o := range envOverrides {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		if err := setConfigValue(cfg, o.key, v); err != nil {
			return fmt.Errorf("%s: %w", o.env, err)
		}
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "transport":
			cfg.Default.Transport = value
		case "redis_url":
			cfg.Default.RedisURL = value
		case "page_size":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("page_size must be a number: %w", err)
			}
			cfg.Default.PageSize = n
		case "log_level":
			cfg.Default.LogLevel = value
		case "metrics_addr":
			cfg.Default.MetricsAddr = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		case "alias":
			cfg.Auth.Alias = value
		case "anonymous":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("anonymous must be true or false: %w", err)
			}
			cfg.Auth.Anonymous = b
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ============================================================================
// Root command
// ============================================================================

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "chatsync CLI",
	Long:         "Command-line client for chatsync channels.\nTail a channel, send messages, toggle reactions and check permissions.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	_ = godotenv.Load(".env")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
