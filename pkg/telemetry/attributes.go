// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
)

// MCP semantic convention attribute keys.
const (
	AttrMCPMethodName       = "mcp.method.name"
	AttrMCPProtocolVersion  = "mcp.protocol.version"
	AttrMCPSessionID        = "mcp.session.id"
	AttrGenAIToolName       = "gen_ai.tool.name"
	AttrGenAIOperationName  = "gen_ai.operation.name"
	AttrGenAIToolCallArgs   = "gen_ai.tool.call.arguments"
	AttrGenAIToolCallResult = "gen_ai.tool.call.result"
	AttrErrorType           = "error.type"
)

// secopilot attributes.
const (
	AttrRemoteService    = "secopilot.remote.service"
	AttrRemoteOperation  = "secopilot.remote.operation"
	AttrSkillsetName     = "secopilot.skillset.name"
	AttrSkillName        = "secopilot.skill.name"
	AttrPromptType       = "secopilot.prompt.type"
	AttrSessionID        = "secopilot.copilot.session_id"
	AttrQueryRows        = "secopilot.query.rows"
	AttrQueryStatus      = "secopilot.query.status"
	AttrWorkflowRunID    = "secopilot.workflow.run_id"
	AttrWorkflowStep     = "secopilot.workflow.step"
	AttrWorkflowSuccess  = "secopilot.workflow.success"
	AttrErrorRecoverable = "secopilot.error.recoverable"
)

// MaxAttrBytes bounds argument and result payloads recorded on spans.
const MaxAttrBytes = 1024

// ToolCallAttributes returns the attributes of an MCP tools/call span.
func ToolCallAttributes(tool string, args any) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrMCPMethodName, "tools/call"),
		attribute.String(AttrGenAIToolName, tool),
		attribute.String(AttrGenAIOperationName, "execute_tool"),
		attribute.String(AttrGenAIToolCallArgs, TruncateJSON(args, MaxAttrBytes)),
	}
}

// RemoteAttributes returns the attributes of a remote call span.
func RemoteAttributes(service, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRemoteService, service),
		attribute.String(AttrRemoteOperation, operation),
	}
}

// TruncateJSON marshals v and truncates the result to max bytes.
func TruncateJSON(v any, max int) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return Truncate(string(b), max)
}

// Truncate truncates s to max bytes, appending "..." if truncated.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
