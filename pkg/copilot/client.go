// Copyright 2026 © The secopilot Authors
// SPDX-License-Identifier: Apache-2.0

// Package copilot is a client for the Microsoft Security Copilot API:
// skillset management and session, prompt and evaluation handling.
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/jllopis/secopilot/pkg/errors"
	"github.com/jllopis/secopilot/pkg/resilience"
	"github.com/jllopis/secopilot/pkg/telemetry"
)

const (
	// DefaultBaseURL is the public Security Copilot endpoint.
	DefaultBaseURL = "https://api.securitycopilot.microsoft.com"
	// DefaultRegion is the geo used for skillset operations.
	DefaultRegion = "eastus"
	// DefaultScope is the token scope of the API.
	DefaultScope = "https://api.securitycopilot.microsoft.com/.default"

	serviceName  = "copilot"
	maxErrorBody = 2048
)

// Client talks to the Security Copilot REST API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	region     string
	scope      string
	cred       azcore.TokenCredential
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithRegion sets the geo used for skillset operations.
func WithRegion(region string) Option {
	return func(c *Client) {
		if region != "" {
			c.region = region
		}
	}
}

// WithScope overrides the token scope.
func WithScope(scope string) Option {
	return func(c *Client) {
		if scope != "" {
			c.scope = scope
		}
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRateLimit limits outbound requests to rps with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
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

// New returns a client authenticating with cred.
func New(cred azcore.TokenCredential, opts ...Option) (*Client, error) {
	if cred == nil {
		return nil, errors.New(errors.CodeUnauthorized, "authentication required: no credential configured", nil)
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		region:     DefaultRegion,
		scope:      DefaultScope,
		cred:       cred,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		retry:      resilience.DefaultRetryConfig(),
		logger:     slog.Default(),
		tracer:     otel.Tracer("secopilot/copilot"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger.Info("security copilot client initialized", "base_url", c.baseURL, "region", c.region)
	return c, nil
}

// Token requests an access token for the API scope.
func (c *Client) Token(ctx context.Context) (string, error) {
	tok, err := c.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{c.scope}})
	if err != nil {
		return "", errors.New(errors.CodeUnauthorized, "failed to acquire security copilot token", err)
	}
	return tok.Token, nil
}

type request struct {
	op          string
	method      string
	path        string
	contentType string
	body        []byte
}

func jsonRequest(op, method, path string, payload any) (request, error) {
	r := request{op: op, method: method, path: path, contentType: "application/json"}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return r, errors.New(errors.CodeInternal, "encode request", err)
		}
		r.body = data
	}
	return r, nil
}

// do sends r with retries and decodes the JSON response into out.
// POST requests create remote state and are retried only when throttled.
func (c *Client) do(ctx context.Context, r request, out any) error {
	ctx, span := c.tracer.Start(ctx, "Copilot."+r.op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.RemoteAttributes(serviceName, r.op)...),
	)
	defer span.End()
	start := time.Now()

	rc := c.retry
	if r.method == http.MethodPost {
		rc = rc.WithIsRecoverable(throttled)
	}
	err := rc.WithOnRetry(func(attempt int, err error) {
		c.logger.Warn("security copilot retry", "operation", r.op, "attempt", attempt, "error", err)
	}).Do(ctx, func() error {
		return c.doOnce(ctx, r, out)
	})

	c.metrics.RecordRemoteCall(ctx, serviceName, r.op, time.Since(start).Seconds(), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, r request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.New(errors.CodeContextLost, "rate limiter wait", err)
		}
	}
	token, err := c.Token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return errors.New(errors.CodeInternal, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	c.logger.Debug("security copilot request", "method", r.method, "path", r.path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if stderrors.Is(err, context.Canceled) {
			return errors.New(errors.CodeContextLost, "request canceled", err)
		}
		return errors.Remote(serviceName, 0, err).WithContext("operation", r.op)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("security copilot request failed", "operation", r.op, "status", resp.StatusCode, "body", string(data))
		return statusError(r, resp.StatusCode, data)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Remote(serviceName, resp.StatusCode, err).WithContext("operation", r.op)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.New(errors.CodeRemote, "decode "+r.op+" response", err).WithContext("service", serviceName)
	}
	return nil
}

// throttled reports whether err is a 429 answer, which the service sends
// before doing any work.
func throttled(err error) bool {
	var e *errors.Error
	if !stderrors.As(err, &e) {
		return false
	}
	return e.Code == errors.CodeRemote && e.StatusCode == http.StatusTooManyRequests
}

func statusError(r request, status int, body []byte) error {
	cause := fmt.Errorf("%s %s: %d %s", r.method, r.path, status, strings.TrimSpace(string(body)))
	e := errors.Remote(serviceName, status, cause).WithContext("operation", r.op)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Code = errors.CodeUnauthorized
	case http.StatusNotFound:
		e.Code = errors.CodeNotFound
	}
	return e
}
