package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.opschat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds endpoint settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
}

// ConfigAuth holds the session cookies and the cached identity.
type ConfigAuth struct {
	AccessToken string `toml:"access_token"`
	CSRFToken   string `toml:"csrf_token"`
	UserID      string `toml:"user_id"`
	UserName    string `toml:"user_name"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configHome overrides the home directory in tests.
var configHome string

// configDir returns the path to ~/.opschat, creating it if needed.
func configDir() (string, error) {
	home := configHome
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
	}
	dir := filepath.Join(home, ".opschat")
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

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
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

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "access_token":
			cfg.Auth.AccessToken = value
		case "csrf_token":
			cfg.Auth.CSRFToken = value
		case "user_id":
			cfg.Auth.UserID = value
		case "user_name":
			cfg.Auth.UserName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:          "opschat",
	Short:        "Internal messaging CLI",
	Long:         "Command-line client for the workspace internal messaging channel.\nRead history, send messages, and watch the live stream.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log connection activity at debug level")
}

// newLogger returns a console logger on stderr. Without --verbose only
// warnings and errors are shown.
func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
