// SPDX-License-Identifier: Apache-2.0

// Package config loads secopilot configuration from defaults, YAML files,
// environment variables and command line overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. A double underscore
// separates section and key: SECOPILOT_SENTINEL__WORKSPACE_ID.
const EnvPrefix = "SECOPILOT_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Server    ServerConfig    `koanf:"server"`
	Tools     ToolsConfig     `koanf:"tools"`
	Auth      AuthConfig      `koanf:"auth"`
	Sentinel  SentinelConfig  `koanf:"sentinel"`
	Copilot   CopilotConfig   `koanf:"copilot"`
	Prompt    PromptConfig    `koanf:"prompt"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Audit     AuditConfig     `koanf:"audit"`
	Retry     RetryConfig     `koanf:"retry"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type ServerConfig struct {
	Name      string `koanf:"name"`
	Version   string `koanf:"version"`
	Transport string `koanf:"transport"` // stdio, sse, http
	Addr      string `koanf:"addr"`
	BaseURL   string `koanf:"base_url"` // public URL advertised by the SSE transport
	ReadOnly  bool   `koanf:"read_only"`
}

// ToolsConfig holds glob allow/deny lists for exposed tools.
type ToolsConfig struct {
	Allow []string `koanf:"allow"`
	Deny  []string `koanf:"deny"`
}

type AuthConfig struct {
	Type         string `koanf:"type"` // interactive, client_secret, default
	TenantID     string `koanf:"tenant_id"`
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
}

type SentinelConfig struct {
	WorkspaceID    string        `koanf:"workspace_id"`
	WorkspaceName  string        `koanf:"workspace_name"`
	SubscriptionID string        `koanf:"subscription_id"`
	ResourceGroup  string        `koanf:"resource_group"`
	Timespan       time.Duration `koanf:"timespan"` // zero lets the query set its own range
	Timeout        time.Duration `koanf:"timeout"`
}

type CopilotConfig struct {
	BaseURL   string        `koanf:"base_url"`
	Region    string        `koanf:"region"`
	Scope     string        `koanf:"scope"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"` // requests per second, 0 disables
	Burst     int           `koanf:"burst"`
}

type PromptConfig struct {
	SessionName     string        `koanf:"session_name"`
	PollingInterval time.Duration `koanf:"polling_interval"`
	MaxAttempts     int           `koanf:"max_attempts"`
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // none, stdout, otlp, prometheus
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

type AuditConfig struct {
	SQLitePath string `koanf:"sqlite_path"` // empty keeps audit events in memory
	MaxEvents  int    `koanf:"max_events"`  // in-memory cap, oldest dropped first
}

type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
}

// legacyEnv maps the environment variables used by earlier deployments.
var legacyEnv = map[string]string{
	"AUTHENTICATION_TYPE":      "auth.type",
	"AZURE_TENANT_ID":          "auth.tenant_id",
	"AZURE_CLIENT_ID":          "auth.client_id",
	"AZURE_CLIENT_SECRET":      "auth.client_secret",
	"SENTINEL_WORKSPACE_ID":    "sentinel.workspace_id",
	"SENTINEL_WORKSPACE_NAME":  "sentinel.workspace_name",
	"SENTINEL_SUBSCRIPTION_ID": "sentinel.subscription_id",
	"SENTINEL_RESOURCE_GROUP":  "sentinel.resource_group",
	"SECURITY_COPILOT_API_URL": "copilot.base_url",
	"SECURITY_COPILOT_REGION":  "copilot.region",
}

// Options selects the sources layered on top of the defaults.
type Options struct {
	Path      string
	Profile   string
	Overrides []string // key=value, value may be JSON
}

func Load(path string) (*Config, error) {
	return LoadWithOptions(Options{Path: path})
}

// LoadWithProfile loads path and then config.<profile>.yaml next to it when present.
func LoadWithProfile(path, profile string) (*Config, error) {
	return LoadWithOptions(Options{Path: path, Profile: profile})
}

// LoadWithOptions layers defaults, legacy env, file, profile file,
// SECOPILOT_ env and overrides, in that order.
func LoadWithOptions(opts Options) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return legacyEnv[s]
	}), nil); err != nil {
		return nil, err
	}

	if opts.Path != "" {
		if err := k.Load(file.Provider(opts.Path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", opts.Path, err)
		}
		if profilePath := profileConfigPath(opts.Path, opts.Profile); profilePath != "" {
			if err := k.Load(file.Provider(profilePath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load %s: %w", profilePath, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for _, raw := range opts.Overrides {
		key, value, err := ParseOverride(raw)
		if err != nil {
			return nil, err
		}
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("server.name", "MicrosoftSecurityCopilot-server")
	k.Set("server.version", "0.1.0")
	k.Set("server.transport", "sse")
	k.Set("server.addr", "localhost:8000")

	k.Set("auth.type", "interactive")

	k.Set("sentinel.timeout", "2m")

	k.Set("copilot.base_url", "https://api.securitycopilot.microsoft.com")
	k.Set("copilot.region", "eastus")
	k.Set("copilot.scope", "https://api.securitycopilot.microsoft.com/.default")
	k.Set("copilot.timeout", "60s")
	k.Set("copilot.rate_limit", 5.0)
	k.Set("copilot.burst", 5)

	k.Set("prompt.session_name", "Security Copilot Session")
	k.Set("prompt.polling_interval", "2s")
	k.Set("prompt.max_attempts", 30)

	k.Set("audit.max_events", 1000)

	k.Set("telemetry.exporter", "none")
	k.Set("telemetry.otlp_insecure", true)

	k.Set("retry.max_attempts", 3)
	k.Set("retry.initial_delay", "200ms")
	k.Set("retry.max_delay", "5s")
}

// Validate rejects malformed values. Missing remote identifiers are not an
// error here: the tools that need them fail at call time.
func (c *Config) Validate() error {
	switch c.Auth.Type {
	case "interactive", "default":
	case "client_secret":
		if c.Auth.TenantID == "" || c.Auth.ClientID == "" || c.Auth.ClientSecret == "" {
			return fmt.Errorf("auth type client_secret requires tenant_id, client_id and client_secret")
		}
	default:
		return fmt.Errorf("unknown auth type %q", c.Auth.Type)
	}
	switch c.Server.Transport {
	case "stdio", "sse", "http":
	default:
		return fmt.Errorf("unknown server transport %q", c.Server.Transport)
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout", "prometheus":
	case "otlp":
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry exporter otlp requires otlp_endpoint")
		}
	default:
		return fmt.Errorf("unknown telemetry exporter %q", c.Telemetry.Exporter)
	}
	if c.Prompt.MaxAttempts < 1 {
		return fmt.Errorf("prompt.max_attempts must be >= 1")
	}
	if c.Prompt.PollingInterval < 0 {
		return fmt.Errorf("prompt.polling_interval must not be negative")
	}
	return nil
}

// ParseOverride splits a key=value override. Values starting with { or [
// are decoded as JSON.
func ParseOverride(raw string) (string, any, error) {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, fmt.Errorf("invalid override %q, expected key=value", raw)
	}
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "{") || strings.HasPrefix(value, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			return "", nil, fmt.Errorf("override %s: %w", key, err)
		}
		return key, decoded, nil
	}
	return key, value, nil
}

// profileConfigPath returns config.<profile>.yaml beside base if it exists.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	candidate := strings.TrimSuffix(base, ext) + "." + profile + ext
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}
