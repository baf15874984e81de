package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// AccountConfig holds the configuration for a single mail account.
type AccountConfig struct {
	// ID is the unique identifier for this account; generated on first
	// save if empty.
	ID string `mapstructure:"id" yaml:"id"`

	// Name is the user-defined label for this account.
	Name string `mapstructure:"name" yaml:"name"`

	// Host and Port locate the IMAP server.
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	// TLS selects implicit TLS; false means STARTTLS.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Username is the IMAP login name.
	Username string `mapstructure:"username" yaml:"username"`

	// Auth is "password" or "oauthbearer".
	Auth string `mapstructure:"auth" yaml:"auth"`

	// Folders lists the mailboxes to keep synced. Empty means INBOX only.
	Folders []string `mapstructure:"folders" yaml:"folders"`

	// PollIntervalSec is how often (in seconds) to run a sync pass when
	// no push notification arrives.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// SyncSettings holds engine-wide timing settings.
type SyncSettings struct {
	// ConnectTimeoutSec bounds the TCP/TLS connect phase.
	ConnectTimeoutSec int `mapstructure:"connect_timeout_sec" yaml:"connect_timeout_sec"`

	// AuthTimeoutSec bounds the authentication phase.
	AuthTimeoutSec int `mapstructure:"auth_timeout_sec" yaml:"auth_timeout_sec"`

	// MaxReconnectAttempts bounds the reconnect loop before the account
	// is reported as disconnected.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	// DBPath is the SQLite cache location.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Sync     SyncSettings    `mapstructure:"sync" yaml:"sync"`
}

// Account converts an AccountConfig to its Account record form.
func (c AccountConfig) Account() Account {
	return Account{
		ID:       c.ID,
		Name:     c.Name,
		Host:     c.Host,
		Port:     c.Port,
		TLS:      c.TLS,
		Username: c.Username,
		Auth:     AuthKind(c.Auth),
	}
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsyncd/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsyncd", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	home, _ := os.UserHomeDir()
	return &AppConfig{
		DBPath: filepath.Join(home, ".local", "share", "mailsyncd", "cache.db"),
		Sync: SyncSettings{
			ConnectTimeoutSec:    10,
			AuthTimeoutSec:       5,
			MaxReconnectAttempts: 10,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using
// Viper. If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("sync.connect_timeout_sec", 10)
	v.SetDefault("sync.auth_timeout_sec", 5)
	v.SetDefault("sync.max_reconnect_attempts", 10)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		if cfg.Accounts[i].PollIntervalSec == 0 {
			cfg.Accounts[i].PollIntervalSec = 120
		}
		if cfg.Accounts[i].Auth == "" {
			cfg.Accounts[i].Auth = string(AuthPassword)
		}
		if len(cfg.Accounts[i].Folders) == 0 {
			cfg.Accounts[i].Folders = []string{"INBOX"}
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("db_path", cfg.DBPath)
	v.Set("accounts", cfg.Accounts)
	v.Set("sync", cfg.Sync)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
