package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func useTempHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	prev := configHome
	configHome = home
	t.Cleanup(func() { configHome = prev })
	return home
}

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		check   func(*Config) string
		wantErr string
	}{
		{key: "default.base_url", value: "https://ops.example.com", check: func(c *Config) string { return c.Default.BaseURL }},
		{key: "default.ws_url", value: "wss://ops.example.com/ws/internal-messages", check: func(c *Config) string { return c.Default.WSURL }},
		{key: "auth.access_token", value: "jwt", check: func(c *Config) string { return c.Auth.AccessToken }},
		{key: "auth.csrf_token", value: "csrf", check: func(c *Config) string { return c.Auth.CSRFToken }},
		{key: "auth.user_id", value: "7", check: func(c *Config) string { return c.Auth.UserID }},
		{key: "auth.user_name", value: "Ana", check: func(c *Config) string { return c.Auth.UserName }},
		{key: "base_url", wantErr: "dot notation"},
		{key: "default.api_key", wantErr: "unknown field"},
		{key: "proxy.url", wantErr: "unknown config section"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			var cfg Config
			err := setConfigValue(&cfg, tt.key, tt.value)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := tt.check(&cfg); got != tt.value {
				t.Fatalf("%s = %q, want %q", tt.key, got, tt.value)
			}
		})
	}
}

func TestLoadSaveConfig(t *testing.T) {
	home := useTempHome(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if *cfg != (Config{}) {
		t.Fatalf("missing file loaded as %+v", cfg)
	}

	cfg.Default.BaseURL = "https://ops.example.com"
	cfg.Auth.AccessToken = "jwt"
	if err := saveConfig(cfg); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(home, ".opschat", "config.toml")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config mode = %o, want 600", perm)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "[auth]") || !strings.Contains(string(data), "access_token") {
		t.Fatalf("config file:\n%s", data)
	}

	got, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if *got != *cfg {
		t.Fatalf("round trip = %+v, want %+v", got, cfg)
	}

	os.WriteFile(path, []byte("[default\n"), 0o600)
	if _, err := loadConfig(); err == nil || !strings.Contains(err.Error(), "cannot parse config") {
		t.Fatalf("err = %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(envBaseURL, "http://10.0.0.5:8000")
	t.Setenv(envAccessToken, "from-env")
	t.Setenv(envCSRFToken, "")

	cfg := &Config{
		Default: ConfigDefault{BaseURL: "http://localhost:8000"},
		Auth:    ConfigAuth{AccessToken: "from-file", CSRFToken: "csrf-file"},
	}
	applyEnv(cfg)
	if cfg.Default.BaseURL != "http://10.0.0.5:8000" || cfg.Auth.AccessToken != "from-env" {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.Auth.CSRFToken != "csrf-file" {
		t.Fatalf("empty env var overrode csrf token: %q", cfg.Auth.CSRFToken)
	}
}

func TestMaskKey(t *testing.T) {
	tests := map[string]string{
		"":                        "",
		"short":                   "****",
		"eyJhbGciOiJIUzI1NiJ9.xx": "eyJh...9.xx",
	}
	for in, want := range tests {
		if got := maskKey(in); got != want {
			t.Errorf("maskKey(%q) = %q, want %q", in, got, want)
		}
	}
}
