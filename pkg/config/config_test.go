package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Transport != "sse" {
		t.Errorf("expected default transport sse, got %s", cfg.Server.Transport)
	}
	if cfg.Copilot.Region != "eastus" {
		t.Errorf("expected default region eastus, got %s", cfg.Copilot.Region)
	}
	if cfg.Prompt.PollingInterval != 2*time.Second {
		t.Errorf("expected 2s polling interval, got %s", cfg.Prompt.PollingInterval)
	}
	if cfg.Prompt.MaxAttempts != 30 {
		t.Errorf("expected 30 max attempts, got %d", cfg.Prompt.MaxAttempts)
	}
	if cfg.Audit.MaxEvents != 1000 {
		t.Errorf("expected 1000 audit events, got %d", cfg.Audit.MaxEvents)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("SECOPILOT_SENTINEL__WORKSPACE_ID", "ws-123")
	t.Setenv("SECOPILOT_TOOLS__DENY", "upload_plugin,test_skill")
	t.Setenv("SECOPILOT_PROMPT__POLLING_INTERVAL", "500ms")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sentinel.WorkspaceID != "ws-123" {
		t.Errorf("expected workspace id from env, got %s", cfg.Sentinel.WorkspaceID)
	}
	if len(cfg.Tools.Deny) != 2 || cfg.Tools.Deny[1] != "test_skill" {
		t.Errorf("expected deny list from env, got %v", cfg.Tools.Deny)
	}
	if cfg.Prompt.PollingInterval != 500*time.Millisecond {
		t.Errorf("expected 500ms, got %s", cfg.Prompt.PollingInterval)
	}
}

func TestLoadLegacyEnv(t *testing.T) {
	t.Setenv("AUTHENTICATION_TYPE", "client_secret")
	t.Setenv("AZURE_TENANT_ID", "tenant")
	t.Setenv("AZURE_CLIENT_ID", "client")
	t.Setenv("AZURE_CLIENT_SECRET", "secret")
	t.Setenv("SENTINEL_WORKSPACE_ID", "legacy-ws")
	t.Setenv("SECURITY_COPILOT_REGION", "westeurope")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Auth.Type != "client_secret" || cfg.Auth.TenantID != "tenant" {
		t.Errorf("unexpected auth config: %+v", cfg.Auth)
	}
	if cfg.Sentinel.WorkspaceID != "legacy-ws" {
		t.Errorf("expected legacy workspace id, got %s", cfg.Sentinel.WorkspaceID)
	}
	if cfg.Copilot.Region != "westeurope" {
		t.Errorf("expected legacy region, got %s", cfg.Copilot.Region)
	}
}

func TestPrefixedEnvWinsOverLegacy(t *testing.T) {
	t.Setenv("SENTINEL_WORKSPACE_ID", "legacy-ws")
	t.Setenv("SECOPILOT_SENTINEL__WORKSPACE_ID", "new-ws")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sentinel.WorkspaceID != "new-ws" {
		t.Errorf("expected prefixed env to win, got %s", cfg.Sentinel.WorkspaceID)
	}
}

func TestFileWinsOverLegacyEnv(t *testing.T) {
	t.Setenv("SENTINEL_WORKSPACE_ID", "legacy-ws")
	t.Setenv("SECURITY_COPILOT_REGION", "westeurope")

	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
sentinel:
  workspace_id: "file-ws"
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sentinel.WorkspaceID != "file-ws" {
		t.Errorf("expected file value to win over legacy env, got %s", cfg.Sentinel.WorkspaceID)
	}
	if cfg.Copilot.Region != "westeurope" {
		t.Errorf("expected legacy env for keys absent from the file, got %s", cfg.Copilot.Region)
	}
}

func TestLoadWithProfile(t *testing.T) {
	tmpDir := t.TempDir()

	baseConfig := `
server:
  transport: "http"
  addr: ":9000"
log:
  level: "info"
`
	basePath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(basePath, []byte(baseConfig), 0644); err != nil {
		t.Fatalf("failed to write base config: %v", err)
	}

	devConfig := `
server:
  transport: "stdio"
log:
  level: "debug"
`
	if err := os.WriteFile(filepath.Join(tmpDir, "config.dev.yaml"), []byte(devConfig), 0644); err != nil {
		t.Fatalf("failed to write dev config: %v", err)
	}

	tests := []struct {
		name          string
		profile       string
		wantTransport string
		wantLogLevel  string
	}{
		{"no profile - base only", "", "http", "info"},
		{"dev profile", "dev", "stdio", "debug"},
		{"nonexistent profile - falls back to base", "staging", "http", "info"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithProfile(basePath, tc.profile)
			if err != nil {
				t.Fatalf("LoadWithProfile failed: %v", err)
			}
			if cfg.Server.Transport != tc.wantTransport {
				t.Errorf("transport: got %s, want %s", cfg.Server.Transport, tc.wantTransport)
			}
			if cfg.Log.Level != tc.wantLogLevel {
				t.Errorf("log level: got %s, want %s", cfg.Log.Level, tc.wantLogLevel)
			}
			if cfg.Server.Addr != ":9000" {
				t.Errorf("addr should be inherited from base, got %s", cfg.Server.Addr)
			}
		})
	}
}

func TestLoadWithOverrides(t *testing.T) {
	cfg, err := LoadWithOptions(Options{Overrides: []string{
		"server.read_only=true",
		"copilot.rate_limit=0.5",
		`tools.allow=["run_*","get_skillsets"]`,
	}})
	if err != nil {
		t.Fatalf("LoadWithOptions failed: %v", err)
	}
	if !cfg.Server.ReadOnly {
		t.Errorf("expected read_only override")
	}
	if cfg.Copilot.RateLimit != 0.5 {
		t.Errorf("expected rate limit 0.5, got %v", cfg.Copilot.RateLimit)
	}
	if len(cfg.Tools.Allow) != 2 || cfg.Tools.Allow[0] != "run_*" {
		t.Errorf("unexpected allow list %v", cfg.Tools.Allow)
	}
}

func TestParseOverrideErrors(t *testing.T) {
	for _, raw := range []string{"", "novalue", "=x", "tools.allow=[bad"} {
		if _, _, err := ParseOverride(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		overrides []string
	}{
		{"unknown auth", []string{"auth.type=kerberos"}},
		{"client secret incomplete", []string{"auth.type=client_secret", "auth.tenant_id=t"}},
		{"unknown transport", []string{"server.transport=websocket"}},
		{"otlp without endpoint", []string{"telemetry.exporter=otlp"}},
		{"zero attempts", []string{"prompt.max_attempts=0"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadWithOptions(Options{Overrides: tc.overrides}); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestProfileConfigPath(t *testing.T) {
	tmpDir := t.TempDir()
	devPath := filepath.Join(tmpDir, "config.dev.yaml")
	if err := os.WriteFile(devPath, []byte("log: {}"), 0644); err != nil {
		t.Fatalf("failed to create dev config: %v", err)
	}
	basePath := filepath.Join(tmpDir, "config.yaml")

	tests := []struct {
		name     string
		base     string
		profile  string
		wantPath string
	}{
		{"existing profile", basePath, "dev", devPath},
		{"nonexistent profile", basePath, "prod", ""},
		{"empty profile", basePath, "", ""},
		{"empty base", "", "dev", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := profileConfigPath(tc.base, tc.profile); got != tc.wantPath {
				t.Errorf("profileConfigPath(%q, %q) = %q, want %q", tc.base, tc.profile, got, tc.wantPath)
			}
		})
	}
}
