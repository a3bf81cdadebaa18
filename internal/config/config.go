// Package config loads settings from an optional YAML file overlaid by
// KIRO_ACCOUNTS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvFile names an explicit config file.
const EnvFile = "KIRO_ACCOUNTS_CONFIG"

// Config is the full application configuration.
type Config struct {
	DataDir  string `yaml:"data_dir" env:"DATA_DIR"`
	DBPath   string `yaml:"db_path" env:"DB_PATH"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// Listen is the command API address. It should stay on loopback.
	Listen        string `yaml:"listen" env:"LISTEN"`
	AdminPassword string `yaml:"-" env:"ADMIN_PASSWORD"`

	// Schemes are the callback URI schemes the router accepts.
	Schemes []string `yaml:"schemes" env:"SCHEMES" envSeparator:","`

	// KiroTokenPath is the IDE session document written on switch.
	KiroTokenPath string `yaml:"kiro_token_path" env:"KIRO_TOKEN_PATH"`

	Login   LoginConfig   `yaml:"login" envPrefix:"LOGIN_"`
	Social  SocialConfig  `yaml:"social" envPrefix:"SOCIAL_"`
	IdC     IdCConfig     `yaml:"idc" envPrefix:"IDC_"`
	Probe   ProbeConfig   `yaml:"probe" envPrefix:"PROBE_"`
	Refresh RefreshConfig `yaml:"refresh" envPrefix:"REFRESH_"`
	Export  ExportConfig  `yaml:"export" envPrefix:"EXPORT_"`
}

// LoginConfig controls pending logins.
type LoginConfig struct {
	Lifetime time.Duration `yaml:"lifetime" env:"LIFETIME"`
	// CallbackPort is the loopback redirect listener port; -1 disables it.
	CallbackPort int  `yaml:"callback_port" env:"CALLBACK_PORT"`
	OpenBrowser  bool `yaml:"open_browser" env:"OPEN_BROWSER"`
}

// SocialConfig configures the social login portal.
type SocialConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	RedirectURI string `yaml:"redirect_uri" env:"REDIRECT_URI"`
	ClientID    string `yaml:"client_id" env:"CLIENT_ID"`
}

// IdCConfig configures AWS IAM Identity Center logins.
type IdCConfig struct {
	StartURL string        `yaml:"start_url" env:"START_URL"`
	Region   string        `yaml:"region" env:"REGION"`
	MaxWait  time.Duration `yaml:"max_wait" env:"MAX_WAIT"`
}

// ProbeConfig configures the verification endpoint.
type ProbeConfig struct {
	Endpoint string        `yaml:"endpoint" env:"ENDPOINT"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RefreshConfig tunes the refresh loop.
type RefreshConfig struct {
	Interval      time.Duration `yaml:"interval" env:"INTERVAL"`
	Grace         time.Duration `yaml:"grace" env:"GRACE"`
	Ahead         time.Duration `yaml:"ahead" env:"AHEAD"`
	RetryInterval time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
}

// ExportConfig tunes encrypted exports.
type ExportConfig struct {
	// WorkFactor is the scrypt log2 work factor; zero keeps age's default.
	WorkFactor int `yaml:"work_factor" env:"WORK_FACTOR"`
}

// Default returns the built-in configuration.
func Default() Config {
	dataDir := ".kiro-accounts"
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dataDir = filepath.Join(home, ".kiro-accounts")
	}
	return Config{
		DataDir:  dataDir,
		LogLevel: "warn",
		Listen:   "127.0.0.1:8087",
		Schemes:  []string{"kiro"},
		Login: LoginConfig{
			Lifetime:     10 * time.Minute,
			CallbackPort: 0,
			OpenBrowser:  true,
		},
		IdC: IdCConfig{
			StartURL: "https://view.awsapps.com/start",
			Region:   "us-east-1",
			MaxWait:  10 * time.Minute,
		},
		Probe: ProbeConfig{
			Endpoint: "https://codewhisperer.us-east-1.amazonaws.com",
			Timeout:  30 * time.Second,
		},
		Refresh: RefreshConfig{
			Interval:      15 * time.Minute,
			Grace:         5 * time.Minute,
			Ahead:         20 * time.Minute,
			RetryInterval: 2 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// the first file found by ResolvePath when path is empty), then the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		resolved, err := ResolvePath()
		if err != nil {
			return cfg, err
		}
		path = resolved
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "KIRO_ACCOUNTS_"}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "accounts.db")
	}
	cfg.DBPath = expandHome(cfg.DBPath)
	cfg.KiroTokenPath = expandHome(cfg.KiroTokenPath)
	return cfg, cfg.Validate()
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "data_dir is empty")
	}
	if c.Listen == "" {
		problems = append(problems, "listen is empty")
	}
	if len(c.Schemes) == 0 {
		problems = append(problems, "schemes is empty")
	}
	if c.Login.Lifetime <= 0 {
		problems = append(problems, "login.lifetime must be positive")
	}
	if c.Refresh.Interval <= 0 {
		problems = append(problems, "refresh.interval must be positive")
	}
	if c.Export.WorkFactor < 0 || c.Export.WorkFactor > 30 {
		problems = append(problems, "export.work_factor must be between 0 and 30")
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// ResolvePath returns the config file to load: $KIRO_ACCOUNTS_CONFIG when
// set, else the first existing candidate, else "".
func ResolvePath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvFile)); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"kiro-accounts.yaml",
		"config/kiro-accounts.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, ".config", "kiro-accounts", "config.yaml"),
			filepath.Join(homeDir, ".kiro-accounts", "config.yaml"),
		)
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
