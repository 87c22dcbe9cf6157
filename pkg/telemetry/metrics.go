// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/secopilot/pkg/errors"
)

const meterName = "secopilot"

// Metrics holds the instruments recorded by the tool gateway, remote clients
// and the skill workflow. A nil *Metrics is valid and records nothing.
type Metrics struct {
	toolCalls      metric.Int64Counter
	toolDuration   metric.Float64Histogram
	remoteCalls    metric.Int64Counter
	remoteDuration metric.Float64Histogram
	workflowRuns   metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.toolCalls, err = meter.Int64Counter("secopilot.tool.calls",
		metric.WithDescription("MCP tool invocations by tool and outcome"),
	); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram("secopilot.tool.duration",
		metric.WithDescription("MCP tool execution time"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.remoteCalls, err = meter.Int64Counter("secopilot.remote.calls",
		metric.WithDescription("Remote service calls by service, operation and outcome"),
	); err != nil {
		return nil, err
	}
	if m.remoteDuration, err = meter.Float64Histogram("secopilot.remote.duration",
		metric.WithDescription("Remote service call latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.workflowRuns, err = meter.Int64Counter("secopilot.workflow.runs",
		metric.WithDescription("Skill test cycles by final step and outcome"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordToolCall records one tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool string, seconds float64, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrGenAIToolName, tool),
		attribute.String(AttrErrorType, errorType(err)),
	)
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, seconds, attrs)
}

// RecordRemoteCall records one call to Sentinel or Security Copilot.
func (m *Metrics) RecordRemoteCall(ctx context.Context, service, operation string, seconds float64, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrRemoteService, service),
		attribute.String(AttrRemoteOperation, operation),
		attribute.String(AttrErrorType, errorType(err)),
	)
	m.remoteCalls.Add(ctx, 1, attrs)
	m.remoteDuration.Record(ctx, seconds, attrs)
}

// RecordWorkflowRun records the outcome of one skill test cycle.
func (m *Metrics) RecordWorkflowRun(ctx context.Context, lastStep string, success bool) {
	if m == nil {
		return
	}
	m.workflowRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrWorkflowStep, lastStep),
		attribute.Bool(AttrWorkflowSuccess, success),
	))
}

// errorType maps an error to a low-cardinality label.
func errorType(err error) string {
	if err == nil {
		return "none"
	}
	return string(errors.As(err).Code)
}
