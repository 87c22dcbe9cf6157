// Copyright 2026 © The secopilot Authors
// SPDX-License-Identifier: Apache-2.0

// Command secopilot-mcp serves Microsoft Sentinel and Microsoft Security
// Copilot as MCP tools.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/spf13/pflag"

	"github.com/jllopis/secopilot/pkg/auth"
	"github.com/jllopis/secopilot/pkg/config"
	"github.com/jllopis/secopilot/pkg/copilot"
	"github.com/jllopis/secopilot/pkg/errors"
	"github.com/jllopis/secopilot/pkg/governance"
	"github.com/jllopis/secopilot/pkg/mcp"
	"github.com/jllopis/secopilot/pkg/resilience"
	"github.com/jllopis/secopilot/pkg/sentinel"
	"github.com/jllopis/secopilot/pkg/skills"
	"github.com/jllopis/secopilot/pkg/telemetry"
	"github.com/jllopis/secopilot/pkg/workflow"
)

var version = "dev"

const warmupTimeout = 2 * time.Minute

type cliOptions struct {
	ConfigPath string
	Profile    string
	Overrides  []string
	Transport  string
	Addr       string
	LogLevel   string
	RunTests   bool
	Version    bool
	Help       bool
	SkillName  string
	Args       []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fatal(err)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, usage, err := parseFlags(args, stderr)
	if err != nil {
		return newCLIError(errors.New(errors.CodeInvalidInput, err.Error(), nil), "run with --help for usage")
	}
	switch {
	case opts.Help:
		usage()
		return nil
	case opts.Version:
		fmt.Fprintf(stdout, "secopilot-mcp %s\n", version)
		return nil
	}

	if len(opts.Args) > 0 {
		switch opts.Args[0] {
		case "describe":
			return runDescribe(opts, stdout)
		case "serve":
		default:
			return newCLIError(errors.New(errors.CodeInvalidInput, fmt.Sprintf("unknown command %q", opts.Args[0]), nil), "commands: serve (default), describe FILE")
		}
	}

	cfg, err := config.LoadWithOptions(config.Options{
		Path:      opts.ConfigPath,
		Profile:   opts.Profile,
		Overrides: opts.overrides(),
	})
	if err != nil {
		return newCLIError(errors.New(errors.CodeInvalidInput, "invalid configuration", err), "check --config, SECOPILOT_ variables and --set values")
	}
	return serve(ctx, cfg, opts.RunTests, stderr)
}

func parseFlags(args []string, stderr io.Writer) (*cliOptions, func(), error) {
	opts := &cliOptions{}
	fs := pflag.NewFlagSet("secopilot-mcp", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&opts.Profile, "profile", "", "config profile, loads config.<profile>.yaml next to --config")
	fs.StringArrayVar(&opts.Overrides, "set", nil, "config override key=value (repeatable)")
	fs.StringVar(&opts.Transport, "transport", "", "MCP transport: stdio, sse or http")
	fs.StringVar(&opts.Addr, "addr", "", "listen address for the sse and http transports")
	fs.StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.BoolVar(&opts.RunTests, "run-tests", false, "run smoke tests against the remote services before serving")
	fs.StringVar(&opts.SkillName, "skill", "", "skill to describe (describe command)")
	fs.BoolVar(&opts.Version, "version", false, "print version and exit")
	fs.BoolVarP(&opts.Help, "help", "h", false, "show help")

	usage := func() {
		fmt.Fprintf(stderr, "Usage: secopilot-mcp [serve] [flags]\n       secopilot-mcp describe FILE [--skill NAME]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Usage = func() {}
	if err := fs.Parse(args); err != nil {
		return nil, usage, err
	}
	opts.Args = fs.Args()
	return opts, usage, nil
}

// overrides turns dedicated flags into config overrides applied after --set.
func (o *cliOptions) overrides() []string {
	out := append([]string(nil), o.Overrides...)
	if o.Transport != "" {
		out = append(out, "server.transport="+o.Transport)
	}
	if o.Addr != "" {
		out = append(out, "server.addr="+o.Addr)
	}
	if o.LogLevel != "" {
		out = append(out, "log.level="+o.LogLevel)
	}
	return out
}

func serve(ctx context.Context, cfg *config.Config, runTests bool, stderr io.Writer) error {
	logger := telemetry.ConfigureSlog(stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	providers, err := telemetry.Init(ctx, cfg.Server.Name, cfg.Server.Version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	logger.Info("authenticating", "auth_type", cfg.Auth.Type)
	cred, err := auth.NewCredential(cfg.Auth)
	if err != nil {
		return newCLIError(errors.As(err), "check auth.type and the AZURE_* variables")
	}
	if err := auth.Warmup(ctx, cred, cfg.Copilot.Scope, warmupTimeout, logger); err != nil {
		logger.Warn("only tools that do not need a token will succeed until sign-in works")
	}

	retry := resilience.DefaultRetryConfig().
		WithMaxAttempts(cfg.Retry.MaxAttempts).
		WithInitialDelay(cfg.Retry.InitialDelay).
		WithMaxDelay(cfg.Retry.MaxDelay)

	query, err := newQueryService(cfg, cred, retry, metrics, logger)
	if err != nil {
		return err
	}
	cp, err := copilot.New(cred,
		copilot.WithBaseURL(cfg.Copilot.BaseURL),
		copilot.WithRegion(cfg.Copilot.Region),
		copilot.WithScope(cfg.Copilot.Scope),
		copilot.WithHTTPClient(&http.Client{Timeout: cfg.Copilot.Timeout}),
		copilot.WithRateLimit(cfg.Copilot.RateLimit, cfg.Copilot.Burst),
		copilot.WithRetry(retry),
		copilot.WithMetrics(metrics),
		copilot.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	audit, closeAudit, err := newAuditStore(cfg)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer closeAudit()

	prompt := workflow.PromptDefaults{
		SessionName:     cfg.Prompt.SessionName,
		PollingInterval: cfg.Prompt.PollingInterval,
		MaxAttempts:     cfg.Prompt.MaxAttempts,
	}
	runner, err := workflow.NewRunner(query, cp, cp,
		workflow.WithAuditStore(audit),
		workflow.WithPromptDefaults(prompt),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	gateway := mcp.NewGateway(cfg.Server.Name, cfg.Server.Version, query, cp, runner,
		mcp.WithToolFilter(governance.NewToolFilter(
			governance.WithAllowlist(cfg.Tools.Allow),
			governance.WithDenylist(cfg.Tools.Deny),
			governance.WithReadOnly(cfg.Server.ReadOnly, mcp.MutatingTools...),
		)),
		mcp.WithPromptDefaults(prompt),
		mcp.WithMetrics(metrics),
		mcp.WithLogger(logger),
	)

	if runTests {
		logger.Info("running smoke tests")
		results := runSelfTests(ctx, gateway, logger)
		logger.Info("smoke tests finished", "passed", countPassed(results), "total", len(results))
	}

	return gateway.Serve(ctx, mcp.ServeOptions{
		Transport:      cfg.Server.Transport,
		Addr:           cfg.Server.Addr,
		BaseURL:        cfg.Server.BaseURL,
		MetricsHandler: providers.MetricsHandler,
		Logger:         logger,
	})
}

// unconfiguredQuery reports the missing workspace on every query.
type unconfiguredQuery struct{}

func (unconfiguredQuery) Query(context.Context, string) (*sentinel.QueryResult, error) {
	return nil, errors.Missing("sentinel.workspace_id").
		WithContext("hint", "set SENTINEL_WORKSPACE_ID or sentinel.workspace_id")
}

func newQueryService(cfg *config.Config, cred azcore.TokenCredential, retry resilience.RetryConfig, metrics *telemetry.Metrics, logger *slog.Logger) (workflow.QueryExecutor, error) {
	if cfg.Sentinel.WorkspaceID == "" {
		logger.Warn("sentinel workspace id not configured; queries will fail until it is set")
		return unconfiguredQuery{}, nil
	}
	return sentinel.NewFromCredential(cred, cfg.Sentinel.WorkspaceID,
		sentinel.WithTimespan(cfg.Sentinel.Timespan),
		sentinel.WithTimeout(cfg.Sentinel.Timeout),
		sentinel.WithRetry(retry),
		sentinel.WithMetrics(metrics),
		sentinel.WithLogger(logger),
	)
}

func newAuditStore(cfg *config.Config) (workflow.AuditStore, func(), error) {
	if cfg.Audit.SQLitePath == "" {
		return workflow.NewMemoryAuditStore(cfg.Audit.MaxEvents), func() {}, nil
	}
	store, err := workflow.OpenSQLiteAuditStore(cfg.Audit.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func runDescribe(opts *cliOptions, stdout io.Writer) error {
	if len(opts.Args) < 2 {
		return newCLIError(errors.Missing("FILE"), "usage: secopilot-mcp describe FILE [--skill NAME]")
	}
	set, err := skills.LoadFile(opts.Args[1])
	if err != nil {
		return newCLIError(errors.As(err), "the file must be a skillset YAML with Descriptor and SkillGroups")
	}
	d, err := set.Describe(opts.SkillName)
	if err != nil {
		return newCLIError(errors.As(err), "pass --skill with one of the skill names in the file")
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}
