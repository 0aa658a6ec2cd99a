package syncer

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/relais/transport"
)

// Config holds all relais configuration.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Auth    AuthConfig    `yaml:"auth"`
	Store   StoreConfig   `yaml:"store"`
	Flush   FlushConfig   `yaml:"flush"`
	Monitor MonitorConfig `yaml:"monitor"`
	Journal JournalConfig `yaml:"journal"`
	Webhook WebhookConfig `yaml:"webhook"`
	API     APIConfig     `yaml:"api"`
}

// BackendConfig points at the task-tracker API.
type BackendConfig struct {
	BaseURL          string   `yaml:"base_url"`
	Timeout          Duration `yaml:"timeout"`
	MaxResponseBytes int64    `yaml:"max_response_bytes"`
	UserAgent        string   `yaml:"user_agent"`
}

// AuthConfig selects the credential source, first match wins: LocalOnly,
// Token, TokenFile, TokenEnv. TokenFile is re-read on every request so a
// rotated token picks up without a restart.
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	TokenEnv  string `yaml:"token_env"`
	LocalOnly bool   `yaml:"local_only"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// FlushConfig tunes the drain engine.
type FlushConfig struct {
	MaxRetries        int      `yaml:"max_retries"`
	BaseDelay         Duration `yaml:"base_delay"`
	RetryClientErrors bool     `yaml:"retry_client_errors"`
	// FlushOnEnqueue triggers a pass right after a mutation lands in the
	// ledger while online. Off by default; the online transition remains
	// the primary trigger either way.
	FlushOnEnqueue bool `yaml:"flush_on_enqueue"`
}

// MonitorConfig tunes reachability probing.
type MonitorConfig struct {
	// ProbePath is appended to backend.base_url; probing needs ActiveProbe.
	ProbePath   string   `yaml:"probe_path"`
	Interval    Duration `yaml:"interval"`
	ActiveProbe bool     `yaml:"active_probe"`
}

// JournalConfig tunes journal retention.
type JournalConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// WebhookConfig enables event notifications when URL is set.
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// APIConfig binds the local status API.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

func (c *Config) defaults() {
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = Duration(15 * time.Second)
	}
	if c.Backend.MaxResponseBytes <= 0 {
		c.Backend.MaxResponseBytes = 1 << 20
	}
	if c.Store.Path == "" {
		c.Store.Path = "relais.db"
	}
	if c.Flush.MaxRetries <= 0 {
		c.Flush.MaxRetries = 5
	}
	if c.Flush.BaseDelay <= 0 {
		c.Flush.BaseDelay = Duration(time.Second)
	}
	if c.Monitor.ProbePath == "" {
		c.Monitor.ProbePath = "/health"
	}
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = Duration(30 * time.Second)
	}
	if c.Journal.RetentionDays <= 0 {
		c.Journal.RetentionDays = 30
	}
	if c.API.Addr == "" {
		c.API.Addr = "127.0.0.1:8787"
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// credentialFunc builds the transport credential provider from the auth
// block.
func (a AuthConfig) credentialFunc() transport.CredentialFunc {
	switch {
	case a.LocalOnly:
		return func(context.Context) (transport.Credentials, error) {
			return transport.Credentials{LocalOnly: true}, nil
		}
	case a.Token != "":
		return transport.StaticToken(a.Token)
	case a.TokenFile != "":
		path := a.TokenFile
		return func(context.Context) (transport.Credentials, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return transport.Credentials{}, fmt.Errorf("syncer: read token file: %w", err)
			}
			return transport.Credentials{Token: strings.TrimSpace(string(data))}, nil
		}
	case a.TokenEnv != "":
		name := a.TokenEnv
		return func(context.Context) (transport.Credentials, error) {
			return transport.Credentials{Token: os.Getenv(name)}, nil
		}
	default:
		return func(context.Context) (transport.Credentials, error) {
			return transport.Credentials{}, nil
		}
	}
}
