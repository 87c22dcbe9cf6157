// Copyright 2026 © The secopilot Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcp exposes Sentinel, Security Copilot and the skill test workflow
// as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/secopilot/pkg/copilot"
	"github.com/jllopis/secopilot/pkg/errors"
	"github.com/jllopis/secopilot/pkg/governance"
	"github.com/jllopis/secopilot/pkg/sentinel"
	"github.com/jllopis/secopilot/pkg/telemetry"
	"github.com/jllopis/secopilot/pkg/workflow"
)

// Tool names.
const (
	ToolRunSentinelQuery = "run_sentinel_query"
	ToolGetSkillsets     = "get_skillsets"
	ToolUploadPlugin     = "upload_plugin"
	ToolRunPrompt        = "run_prompt"
	ToolTestSkill        = "test_skill"
	ToolDescribeSkill    = "describe_skill"
)

// MutatingTools change remote state and are hidden in read-only mode.
var MutatingTools = []string{ToolUploadPlugin, ToolTestSkill}

// QueryService runs data lake queries.
type QueryService interface {
	Query(ctx context.Context, query string) (*sentinel.QueryResult, error)
}

// CopilotService manages skillsets and runs prompts.
type CopilotService interface {
	ListSkillsets(ctx context.Context, filter string, full bool) (*copilot.SkillsetList, error)
	UploadSkillset(ctx context.Context, document string, createIfNotExists bool) (*copilot.UploadResult, error)
	ProcessPrompt(ctx context.Context, req copilot.PromptRequest) (*copilot.PromptRun, error)
}

// SkillTester runs the skill test cycle.
type SkillTester interface {
	Run(ctx context.Context, req workflow.Request) (*workflow.Report, error)
}

// Instructions is sent to clients on initialize.
const Instructions = `Tools for Microsoft Sentinel and Microsoft Security Copilot.
Before running or testing a skill, call describe_skill and ask the user for every required input.
Never ask the user for skill settings; they are pre-configured in the skill definition.
test_skill only deploys a skill after its query ran and its result was judged consistent with the skill.`

// Gateway registers the tools on an MCP server and routes calls to the
// remote clients.
type Gateway struct {
	mcpServer *server.MCPServer
	query     QueryService
	copilot   CopilotService
	tester    SkillTester
	filter    *governance.ToolFilter
	prompt    workflow.PromptDefaults
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	tools     []string
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithToolFilter restricts the exposed tools.
func WithToolFilter(f *governance.ToolFilter) GatewayOption {
	return func(g *Gateway) {
		g.filter = f
	}
}

// WithPromptDefaults sets run_prompt defaults for omitted arguments.
func WithPromptDefaults(p workflow.PromptDefaults) GatewayOption {
	return func(g *Gateway) {
		g.prompt = p
	}
}

// WithMetrics records tool call metrics.
func WithMetrics(m *telemetry.Metrics) GatewayOption {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGateway creates the MCP server and registers every allowed tool.
func NewGateway(name, version string, query QueryService, cp CopilotService, tester SkillTester, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		query:   query,
		copilot: cp,
		tester:  tester,
		filter:  governance.NewToolFilter(),
		prompt: workflow.PromptDefaults{
			SessionName:     copilot.DefaultSessionName,
			PollingInterval: copilot.DefaultPollingInterval,
			MaxAttempts:     copilot.DefaultMaxAttempts,
		},
		logger: slog.Default(),
		tracer: otel.Tracer("secopilot/mcp"),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.mcpServer = server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(Instructions),
	)
	g.registerTools()
	return g
}

// MCPServer returns the underlying server for transports.
func (g *Gateway) MCPServer() *server.MCPServer {
	return g.mcpServer
}

// Tools returns the names of the registered tools, sorted.
func (g *Gateway) Tools() []string {
	out := append([]string(nil), g.tools...)
	sort.Strings(out)
	return out
}

// toolHandler returns a value to be encoded as the JSON tool result.
type toolHandler func(ctx context.Context, req mcp.CallToolRequest) (any, error)

func (g *Gateway) register(tool mcp.Tool, handler toolHandler) {
	if d := g.filter.IsAllowed(tool.Name); !d.Allowed {
		g.logger.Info("tool disabled", "tool", tool.Name, "reason", d.Reason)
		return
	}
	g.mcpServer.AddTool(tool, g.instrument(tool.Name, handler))
	g.tools = append(g.tools, tool.Name)
}

// instrument wraps a handler with a span, metrics and logging, and turns
// errors into MCP error results.
func (g *Gateway) instrument(name string, handler toolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := g.tracer.Start(ctx, "tools/call "+name,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(telemetry.ToolCallAttributes(name, req.GetArguments())...),
		)
		defer span.End()
		start := time.Now()

		value, err := handler(ctx, req)
		elapsed := time.Since(start)
		g.metrics.RecordToolCall(ctx, name, elapsed.Seconds(), err)

		if err != nil {
			e := errors.As(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, e.Message)
			span.SetAttributes(
				attribute.String(telemetry.AttrErrorType, string(e.Code)),
				attribute.String(telemetry.AttrErrorRecoverable, e.RecoverableString()),
			)
			g.logger.Warn("tool call failed", "tool", name, "code", e.Code, "recoverable", e.Recoverable, "duration", elapsed, "error", err)
			return errorResult(e), nil
		}

		data, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return errorResult(errors.New(errors.CodeInternal, "encode tool result", err)), nil
		}
		span.SetAttributes(attribute.String(telemetry.AttrGenAIToolCallResult, telemetry.Truncate(string(data), telemetry.MaxAttrBytes)))
		g.logger.Info("tool call", "tool", name, "duration", elapsed)
		return mcp.NewToolResultText(string(data)), nil
	}
}

func errorResult(e *errors.Error) *mcp.CallToolResult {
	data, err := json.Marshal(e)
	if err != nil {
		return mcp.NewToolResultError(e.Error())
	}
	return mcp.NewToolResultError(string(data))
}
