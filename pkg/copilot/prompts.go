// SPDX-License-Identifier: Apache-2.0
package copilot

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/secopilot/pkg/errors"
	"github.com/jllopis/secopilot/pkg/telemetry"
)

// PromptType selects between free-form prompts and skill invocations.
type PromptType string

const (
	PromptTypePrompt PromptType = "Prompt"
	PromptTypeSkill  PromptType = "Skill"
)

// StateCompleted is the evaluation state that ends polling.
const StateCompleted = "Completed"

// Prompt defaults.
const (
	DefaultSessionName     = "Security Copilot Session"
	DefaultPollingInterval = 2 * time.Second
	DefaultMaxAttempts     = 30
)

// PromptRequest describes one prompt or skill run.
type PromptRequest struct {
	Type      PromptType
	Content   string
	SkillName string
	Inputs    map[string]string

	SessionName     string
	PollingInterval time.Duration
	MaxAttempts     int
}

// Validate checks the fields required by the prompt type.
func (r PromptRequest) Validate() error {
	switch r.Type {
	case PromptTypePrompt:
		if strings.TrimSpace(r.Content) == "" {
			return errors.Missing("content").WithContext("prompt_type", string(r.Type))
		}
	case PromptTypeSkill:
		if strings.TrimSpace(r.SkillName) == "" {
			return errors.Missing("skill_name").WithContext("prompt_type", string(r.Type))
		}
	default:
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("prompt_type must be %q or %q, got %q", PromptTypePrompt, PromptTypeSkill, r.Type), nil)
	}
	return nil
}

func (r PromptRequest) withDefaults() PromptRequest {
	if r.Type == "" {
		r.Type = PromptTypePrompt
	}
	if r.SessionName == "" {
		r.SessionName = DefaultSessionName
	}
	if r.PollingInterval <= 0 {
		r.PollingInterval = DefaultPollingInterval
	}
	if r.MaxAttempts < 1 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	return r
}

// PromptRun is the outcome of ProcessPrompt. Result is the last evaluation
// document polled; State is Completed unless polling gave up.
type PromptRun struct {
	SessionID    string         `json:"session_id"`
	PromptID     string         `json:"prompt_id"`
	EvaluationID string         `json:"evaluation_id"`
	State        string         `json:"state"`
	Result       map[string]any `json:"result"`
}

// Completed reports whether the evaluation finished.
func (p *PromptRun) Completed() bool {
	return p != nil && p.State == StateCompleted
}

// CreateSession opens a session and returns its id.
func (c *Client) CreateSession(ctx context.Context, name string) (string, error) {
	if name == "" {
		name = DefaultSessionName
	}
	r, err := jsonRequest("create_session", http.MethodPost, "/sessions", map[string]string{"name": name})
	if err != nil {
		return "", err
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, r, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", errors.New(errors.CodeRemote, "failed to create session: no sessionId in response", nil)
	}
	return resp.SessionID, nil
}

// CreatePrompt adds a prompt to a session and returns its id.
func (c *Client) CreatePrompt(ctx context.Context, sessionID string, req PromptRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	payload := map[string]any{"PromptType": string(req.Type)}
	if req.Type == PromptTypePrompt {
		payload["Content"] = req.Content
	} else {
		inputs := req.Inputs
		if inputs == nil {
			inputs = map[string]string{}
		}
		payload["SkillName"] = req.SkillName
		payload["Inputs"] = inputs
	}
	r, err := jsonRequest("create_prompt", http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/prompts", payload)
	if err != nil {
		return "", err
	}
	var resp struct {
		PromptID string `json:"promptId"`
	}
	if err := c.do(ctx, r, &resp); err != nil {
		return "", err
	}
	if resp.PromptID == "" {
		return "", errors.New(errors.CodeRemote, "failed to create prompt: no promptId in response", nil)
	}
	return resp.PromptID, nil
}

// CreateEvaluation starts evaluating a prompt and returns the evaluation id.
func (c *Client) CreateEvaluation(ctx context.Context, sessionID, promptID string) (string, error) {
	r, err := jsonRequest("create_evaluation", http.MethodPost, c.promptPath(sessionID, promptID)+"/evaluations", map[string]any{})
	if err != nil {
		return "", err
	}
	var resp struct {
		Evaluation struct {
			EvaluationID string `json:"evaluationId"`
		} `json:"evaluation"`
	}
	if err := c.do(ctx, r, &resp); err != nil {
		return "", err
	}
	if resp.Evaluation.EvaluationID == "" {
		return "", errors.New(errors.CodeRemote, "failed to create evaluation: no evaluationId in response", nil)
	}
	return resp.Evaluation.EvaluationID, nil
}

// PollEvaluation fetches the evaluation every interval until its state is
// Completed or maxAttempts polls were made, and returns the last document.
// Failed polls are logged and polling goes on; an error is returned only if
// no poll succeeded or ctx ends.
func (c *Client) PollEvaluation(ctx context.Context, sessionID, promptID, evaluationID string, interval time.Duration, maxAttempts int) (map[string]any, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	r := request{
		op:     "get_evaluation",
		method: http.MethodGet,
		path:   c.promptPath(sessionID, promptID) + "/evaluations/" + url.PathEscape(evaluationID),
	}

	var (
		last    map[string]any
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var doc map[string]any
		if err := c.doOnce(ctx, r, &doc); err != nil {
			if errors.HasCode(err, errors.CodeContextLost) || ctx.Err() != nil {
				return last, errors.New(errors.CodeContextLost, "evaluation polling canceled", ctx.Err())
			}
			lastErr = err
			c.logger.Error("error polling evaluation", "evaluation_id", evaluationID, "attempt", attempt, "error", err)
		} else {
			last = doc
			state := evaluationState(doc)
			c.logger.Debug("evaluation state", "evaluation_id", evaluationID, "attempt", attempt, "state", state)
			if state == StateCompleted {
				c.logger.Info("evaluation completed", "evaluation_id", evaluationID, "attempts", attempt)
				return doc, nil
			}
		}
		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, errors.New(errors.CodeContextLost, "evaluation polling canceled", ctx.Err())
		case <-timer.C:
		}
	}

	if last == nil && lastErr != nil {
		return nil, lastErr
	}
	c.logger.Warn("max polling attempts reached without completion", "evaluation_id", evaluationID, "max_attempts", maxAttempts)
	return last, nil
}

// ProcessPrompt runs the full sequence: session, prompt, evaluation, poll.
func (c *Client) ProcessPrompt(ctx context.Context, req PromptRequest) (*PromptRun, error) {
	req = req.withDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "Copilot.ProcessPrompt",
		trace.WithAttributes(
			attribute.String(telemetry.AttrPromptType, string(req.Type)),
			attribute.String(telemetry.AttrSkillName, req.SkillName),
		),
	)
	defer span.End()

	c.logger.Info("processing prompt", "prompt_type", req.Type, "skill", req.SkillName, "session_name", req.SessionName)

	run := &PromptRun{}
	var err error
	if run.SessionID, err = c.CreateSession(ctx, req.SessionName); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String(telemetry.AttrSessionID, run.SessionID))
	if run.PromptID, err = c.CreatePrompt(ctx, run.SessionID, req); err != nil {
		return nil, err
	}
	if run.EvaluationID, err = c.CreateEvaluation(ctx, run.SessionID, run.PromptID); err != nil {
		return nil, err
	}
	if run.Result, err = c.PollEvaluation(ctx, run.SessionID, run.PromptID, run.EvaluationID, req.PollingInterval, req.MaxAttempts); err != nil {
		return nil, err
	}
	run.State = evaluationState(run.Result)
	c.logger.Info("prompt processing finished", "session_id", run.SessionID, "state", run.State)
	return run, nil
}

func (c *Client) promptPath(sessionID, promptID string) string {
	return "/sessions/" + url.PathEscape(sessionID) + "/prompts/" + url.PathEscape(promptID)
}

func evaluationState(doc map[string]any) string {
	state, _ := doc["state"].(string)
	return state
}
