// SPDX-License-Identifier: Apache-2.0

// Package sentinel runs KQL queries against a Microsoft Sentinel
// (Log Analytics) workspace.
package sentinel

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/monitor/query/azlogs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/secopilot/pkg/errors"
	"github.com/jllopis/secopilot/pkg/resilience"
	"github.com/jllopis/secopilot/pkg/telemetry"
)

const serviceName = "sentinel"

// Query statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// LogsAPI is the subset of the Azure Monitor Logs client used here.
// *azlogs.Client satisfies it.
type LogsAPI interface {
	QueryWorkspace(ctx context.Context, workspaceID string, body azlogs.QueryBody, options *azlogs.QueryWorkspaceOptions) (azlogs.QueryWorkspaceResponse, error)
}

// QueryResult is the tabular outcome of a query. Status is StatusError when
// the service answered with an error payload and no tables; transport and
// HTTP failures are returned as errors instead.
type QueryResult struct {
	Status  string           `json:"status"`
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"result"`
	Message string           `json:"message,omitempty"`
}

// RowCount returns the number of rows.
func (r *QueryResult) RowCount() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// HasColumn reports whether the result carries the column, ignoring case.
func (r *QueryResult) HasColumn(name string) bool {
	if r == nil {
		return false
	}
	for _, c := range r.Columns {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// Client executes queries against one workspace.
type Client struct {
	api         LogsAPI
	workspaceID string
	timespan    time.Duration
	timeout     resilience.TimeoutConfig
	retry       resilience.RetryConfig
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithTimespan limits queries to the trailing window. Zero means no limit.
func WithTimespan(d time.Duration) Option {
	return func(c *Client) {
		c.timespan = d
	}
}

// WithTimeout bounds each query attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = resilience.TimeoutConfig{Duration: d}
	}
}

// WithRetry sets the retry policy for recoverable failures.
func WithRetry(rc resilience.RetryConfig) Option {
	return func(c *Client) {
		c.retry = rc
	}
}

// WithMetrics records remote call metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a client that queries workspaceID through api.
func New(api LogsAPI, workspaceID string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New(errors.CodeInvalidInput, "logs api is nil", nil)
	}
	if strings.TrimSpace(workspaceID) == "" {
		return nil, errors.Missing("sentinel.workspace_id")
	}
	c := &Client{
		api:         api,
		workspaceID: workspaceID,
		retry:       resilience.DefaultRetryConfig(),
		logger:      slog.Default(),
		tracer:      otel.Tracer("secopilot/sentinel"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewFromCredential builds the Azure Monitor Logs client for cred.
func NewFromCredential(cred azcore.TokenCredential, workspaceID string, opts ...Option) (*Client, error) {
	api, err := azlogs.NewClient(cred, nil)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "create logs client", err)
	}
	return New(api, workspaceID, opts...)
}

// WorkspaceID returns the queried workspace.
func (c *Client) WorkspaceID() string {
	return c.workspaceID
}

// Query runs query and returns its rows. A partial result is not an error:
// it is returned with StatusPartial and the service message, or StatusError
// when no table came back.
func (c *Client) Query(ctx context.Context, query string) (*QueryResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.Missing("query")
	}

	ctx, span := c.tracer.Start(ctx, "Sentinel.Query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.RemoteAttributes(serviceName, "query_workspace")...),
	)
	defer span.End()
	start := time.Now()

	result, err := resilience.DoValue(ctx, c.retry.WithOnRetry(func(attempt int, err error) {
		c.logger.Warn("sentinel query retry", "attempt", attempt, "error", err)
	}), func() (*QueryResult, error) {
		return resilience.WithTimeoutValue(ctx, c.timeout, c.queryOnce(query))
	})

	c.metrics.RecordRemoteCall(ctx, serviceName, "query_workspace", time.Since(start).Seconds(), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("sentinel query failed", "workspace_id", c.workspaceID, "error", err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String(telemetry.AttrQueryStatus, result.Status),
		attribute.Int(telemetry.AttrQueryRows, result.RowCount()),
	)
	switch result.Status {
	case StatusPartial:
		c.logger.Warn("sentinel query returned partial results", "message", result.Message)
	case StatusError:
		c.logger.Warn("sentinel query returned an error payload", "message", result.Message)
	}
	return result, nil
}

func (c *Client) queryOnce(query string) func(ctx context.Context) (*QueryResult, error) {
	return func(ctx context.Context) (*QueryResult, error) {
		body := azlogs.QueryBody{Query: to.Ptr(query)}
		if c.timespan > 0 {
			now := c.now().UTC()
			body.Timespan = to.Ptr(azlogs.NewTimeInterval(now.Add(-c.timespan), now))
		}
		resp, err := c.api.QueryWorkspace(ctx, c.workspaceID, body, nil)
		if err != nil {
			return nil, remoteError(err)
		}
		return convert(resp.Tables, resp.Error), nil
	}
}

func convert(tables []*azlogs.Table, partial *azlogs.ErrorInfo) *QueryResult {
	out := &QueryResult{Status: StatusSuccess, Columns: []string{}, Rows: []map[string]any{}}
	seen := false
	for _, table := range tables {
		if table == nil {
			continue
		}
		seen = true
		names := make([]string, len(table.Columns))
		for i, col := range table.Columns {
			if col != nil && col.Name != nil {
				names[i] = *col.Name
			} else {
				names[i] = fmt.Sprintf("column%d", i)
			}
		}
		// Only the last table is reported, as the primary result of a query.
		out.Columns = names
		out.Rows = out.Rows[:0]
		for _, row := range table.Rows {
			record := make(map[string]any, len(names))
			for i, v := range row {
				if i < len(names) {
					record[names[i]] = v
				}
			}
			out.Rows = append(out.Rows, record)
		}
	}
	if partial != nil {
		out.Status = StatusPartial
		if !seen {
			out.Status = StatusError
		}
		out.Message = partial.Error()
	}
	return out
}

func remoteError(err error) error {
	var respErr *azcore.ResponseError
	if stderrors.As(err, &respErr) {
		e := errors.Remote(serviceName, respErr.StatusCode, err).WithContext("error_code", respErr.ErrorCode)
		if respErr.StatusCode == 401 || respErr.StatusCode == 403 {
			e.Code = errors.CodeUnauthorized
		}
		return e
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.New(errors.CodeContextLost, "sentinel query canceled", err)
	}
	return errors.Remote(serviceName, 0, err)
}
