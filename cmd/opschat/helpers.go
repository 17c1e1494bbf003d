package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/coreweb-ops/opschat"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Environment overrides, also read from a .env file in the working directory.
const (
	envBaseURL     = "OPSCHAT_BASE_URL"
	envAccessToken = "OPSCHAT_ACCESS_TOKEN"
	envCSRFToken   = "OPSCHAT_CSRF_TOKEN"
)

// loadEffectiveConfig reads the config file and applies environment overrides.
func loadEffectiveConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("cannot load .env: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envBaseURL); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv(envAccessToken); v != "" {
		cfg.Auth.AccessToken = v
	}
	if v := os.Getenv(envCSRFToken); v != "" {
		cfg.Auth.CSRFToken = v
	}
}

// clientOptions turns the config into client options.
func clientOptions(cfg *Config, logger *zap.Logger) []opschat.ClientOption {
	opts := []opschat.ClientOption{opschat.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, opschat.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.WSURL != "" {
		opts = append(opts, opschat.WithWebSocketURL(cfg.Default.WSURL))
	}
	if cfg.Auth.AccessToken != "" {
		opts = append(opts, opschat.WithSession(cfg.Auth.AccessToken, cfg.Auth.CSRFToken))
	}
	return opts
}

// getClient creates a client authenticated with the stored session cookie.
func getClient() (*opschat.Client, *Config, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.AccessToken == "" {
		return nil, nil, errors.New("no access token. Run 'opschat init <access-token>' first")
	}
	logger, err := newLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return opschat.NewClient(clientOptions(cfg, logger)...), cfg, nil
}

// resolveIdentity returns the cached identity, asking the server when the
// config does not carry one.
func resolveIdentity(ctx context.Context, client *opschat.Client, cfg *Config) (opschat.Identity, error) {
	if cfg.Auth.UserID != "" {
		return opschat.Identity{UserID: opschat.UserID(cfg.Auth.UserID), Name: cfg.Auth.UserName}, nil
	}
	me, err := client.Auth.Me(ctx)
	if err != nil {
		return opschat.Identity{}, fmt.Errorf("failed to fetch identity: %w", err)
	}
	return me.Identity(), nil
}
