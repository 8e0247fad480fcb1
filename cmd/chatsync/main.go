package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Store   ConfigStore   `toml:"store"`
	Webhook ConfigWebhook `toml:"webhook"`
}

// ConfigDefault holds the project endpoint.
type ConfigDefault struct {
	URL      string `toml:"url"`
	AnonKey  string `toml:"anon_key"`
	LogLevel string `toml:"log_level"`
}

// ConfigAuth holds the signed-in session.
type ConfigAuth struct {
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
	UserID       string `toml:"user_id"`
	Email        string `toml:"email"`
	Name         string `toml:"name"`
}

// ConfigStore selects the data backend and the local outbox location.
type ConfigStore struct {
	Backend     string `toml:"backend"` // "rest" or "postgres"
	PostgresDSN string `toml:"postgres_dsn"`
	OutboxDir   string `toml:"outbox_dir"`
}

// ConfigWebhook configures `chatsync hook serve`.
type ConfigWebhook struct {
	Secret string `toml:"secret"`
	Addr   string `toml:"addr"`
}

// EnvConfig are environment overrides, applied after the config file.
type EnvConfig struct {
	URL           string `env:"CHATSYNC_URL"`
	AnonKey       string `env:"CHATSYNC_ANON_KEY"`
	LogLevel      string `env:"CHATSYNC_LOG_LEVEL"`
	PostgresDSN   string `env:"CHATSYNC_POSTGRES_DSN"`
	WebhookSecret string `env:"CHATSYNC_WEBHOOK_SECRET"`
	Home          string `env:"CHATSYNC_HOME"`
}

// ============================================================================
// Config helpers
// ============================================================================

var envConfig EnvConfig

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	dir := envConfig.Home
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
	}
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

// loadConfig reads and parses the config file, then applies environment
// overrides. If the file does not exist, it starts from a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, envConfig)
	return cfg, nil
}

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

func applyEnv(cfg *Config, e EnvConfig) {
	if e.URL != "" {
		cfg.Default.URL = e.URL
	}
	if e.AnonKey != "" {
		cfg.Default.AnonKey = e.AnonKey
	}
	if e.LogLevel != "" {
		cfg.Default.LogLevel = e.LogLevel
	}
	if e.PostgresDSN != "" {
		cfg.Store.PostgresDSN = e.PostgresDSN
	}
	if e.WebhookSecret != "" {
		cfg.Webhook.Secret = e.WebhookSecret
	}
}

// saveConfig writes the file contents back to disk as TOML. Environment
// overrides are not persisted.
func saveConfig(update func(*Config) error) error {
	cfg, err := readConfigFile()
	if err != nil {
		return err
	}
	if err := update(cfg); err != nil {
		return err
	}
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

// configFields maps every dot-notation key to its field in cfg.
func configFields(cfg *Config) map[string]*string {
	return map[string]*string{
		"default.url":        &cfg.Default.URL,
		"default.anon_key":   &cfg.Default.AnonKey,
		"default.log_level":  &cfg.Default.LogLevel,
		"auth.access_token":  &cfg.Auth.AccessToken,
		"auth.refresh_token": &cfg.Auth.RefreshToken,
		"auth.user_id":       &cfg.Auth.UserID,
		"auth.email":         &cfg.Auth.Email,
		"auth.name":          &cfg.Auth.Name,
		"store.backend":      &cfg.Store.Backend,
		"store.postgres_dsn": &cfg.Store.PostgresDSN,
		"store.outbox_dir":   &cfg.Store.OutboxDir,
		"webhook.secret":     &cfg.Webhook.Secret,
		"webhook.addr":       &cfg.Webhook.Addr,
	}
}

// secretKeys are never printed in full.
var secretKeys = map[string]bool{
	"default.anon_key":   true,
	"auth.access_token":  true,
	"auth.refresh_token": true,
	"store.postgres_dsn": true,
	"webhook.secret":     true,
}

// setConfigValue sets a config field using dot notation (e.g. "default.url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok || field == "" {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.url)")
	}
	switch section {
	case "default", "auth", "store", "webhook":
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, store, webhook)", section)
	}
	target, ok := configFields(cfg)[key]
	if !ok {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	if key == "store.backend" && value != "rest" && value != "postgres" {
		return fmt.Errorf("store.backend must be rest or postgres")
	}
	*target = value
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logger = slog.New(slog.DiscardHandler)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat sync CLI",
	Long:  "Command-line client for a chat backend: sign in, list conversations, send and watch messages.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		if _, err := env.UnmarshalFromEnviron(&envConfig); err != nil {
			return fmt.Errorf("environment: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger = logs.GetLoggerFromString(valueOrDefault(cfg.Default.LogLevel, "WARN"))
		return nil
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
