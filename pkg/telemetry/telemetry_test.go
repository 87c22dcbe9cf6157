package telemetry

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInitNone(t *testing.T) {
	p, err := Init(context.Background(), "test-service", "v0.0.1", Config{Exporter: "none"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if p.MetricsHandler != nil {
		t.Fatal("no metrics handler expected without prometheus exporter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitStdout(t *testing.T) {
	p, err := Init(context.Background(), "test-service", "v0.0.1", Config{Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitPrometheusServesToolMetrics(t *testing.T) {
	p, err := Init(context.Background(), "test-service", "v0.0.1", Config{Exporter: "prometheus"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.MetricsHandler == nil {
		t.Fatal("expected metrics handler")
	}

	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordToolCall(context.Background(), "run_sentinel_query", 0.25, nil)

	rec := httptest.NewRecorder()
	p.MetricsHandler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "secopilot_tool_calls") {
		t.Fatalf("expected tool call metric in scrape output:\n%s", rec.Body.String())
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), "svc", "v", Config{Exporter: "zipkin"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestConfigureSlogRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, "debug", "json")
	logger.Info("auth", "client_secret", "s3cr3t", "tenant_id", "t1")

	out := buf.String()
	if strings.Contains(out, "s3cr3t") {
		t.Fatalf("secret leaked into logs: %s", out)
	}
	if !strings.Contains(out, "t1") {
		t.Fatalf("expected tenant in logs: %s", out)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		"WARNING": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for in, want := range tests {
		if got := parseLogLevel(in).String(); got != want {
			t.Errorf("parseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
