// Package workflow runs the skill test cycle: extract the skill's query, run
// it, validate the result, deploy the skill and exercise it.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/secopilot/pkg/copilot"
	"github.com/jllopis/secopilot/pkg/errors"
	"github.com/jllopis/secopilot/pkg/sentinel"
	"github.com/jllopis/secopilot/pkg/skills"
	"github.com/jllopis/secopilot/pkg/telemetry"
)

// QueryExecutor runs a query against the data lake.
type QueryExecutor interface {
	Query(ctx context.Context, query string) (*sentinel.QueryResult, error)
}

// SkillUploader deploys a skillset document.
type SkillUploader interface {
	UploadSkillset(ctx context.Context, document string, createIfNotExists bool) (*copilot.UploadResult, error)
}

// SkillRunner runs a prompt or skill.
type SkillRunner interface {
	ProcessPrompt(ctx context.Context, req copilot.PromptRequest) (*copilot.PromptRun, error)
}

// Request describes one test cycle.
type Request struct {
	// Document is the raw skillset YAML.
	Document string
	// SkillName selects the skill; empty selects the first KQL skill.
	SkillName string
	Inputs    map[string]string

	// Validator overrides the default judgement built from MinRows and
	// ExpectedColumns.
	Validator       Validator
	MinRows         int
	ExpectedColumns []string
}

// PromptDefaults configure the skill run step.
type PromptDefaults struct {
	SessionName     string
	PollingInterval time.Duration
	MaxAttempts     int
}

// Runner executes test cycles. Steps run strictly in order and the cycle
// halts at the first failure.
type Runner struct {
	query    QueryExecutor
	uploader SkillUploader
	skills   SkillRunner
	audit    AuditStore
	prompt   PromptDefaults
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithAuditStore sets where step events are recorded.
func WithAuditStore(store AuditStore) Option {
	return func(r *Runner) {
		if store != nil {
			r.audit = store
		}
	}
}

// WithPromptDefaults sets the session name and polling of the run step.
func WithPromptDefaults(p PromptDefaults) Option {
	return func(r *Runner) {
		r.prompt = p
	}
}

// WithMetrics records workflow run metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a runner over the remote collaborators.
func NewRunner(q QueryExecutor, u SkillUploader, s SkillRunner, opts ...Option) (*Runner, error) {
	if q == nil || u == nil || s == nil {
		return nil, errors.New(errors.CodeInvalidInput, "workflow requires a query executor, an uploader and a skill runner", nil)
	}
	r := &Runner{
		query:    q,
		uploader: u,
		skills:   s,
		audit:    NewMemoryAuditStore(0),
		logger:   slog.Default(),
		tracer:   otel.Tracer("secopilot/workflow"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// AuditStore returns the store step events are recorded to.
func (r *Runner) AuditStore() AuditStore {
	return r.audit
}

// state is shared by the steps of one run.
type state struct {
	req    Request
	set    *skills.Skillset
	skill  *skills.Skill
	inputs map[string]string
	query  string
	result *sentinel.QueryResult
	report *Report
}

type stepFunc func(ctx context.Context, st *state) (any, error)

// Run executes the test cycle. Invalid documents and missing or misplaced
// inputs are returned as errors before anything remote is called. Remote
// failures and validation failures halt the cycle and are reported in the
// returned Report.
func (r *Runner) Run(ctx context.Context, req Request) (*Report, error) {
	runID := r.newID()
	ctx, span := r.tracer.Start(ctx, "Workflow.Run",
		trace.WithAttributes(attribute.String(telemetry.AttrWorkflowRunID, runID)),
	)
	defer span.End()

	st := &state{req: req, report: newReport(runID, r.now().UTC())}
	if _, err := r.step(ctx, st, StepParse, r.parse); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.RecordWorkflowRun(ctx, string(StepParse), false)
		return nil, err
	}
	span.SetAttributes(
		attribute.String(telemetry.AttrSkillsetName, st.set.Name()),
		attribute.String(telemetry.AttrSkillName, st.skill.Name),
	)

	steps := []struct {
		name Step
		fn   stepFunc
	}{
		{StepQuery, r.execQuery},
		{StepValidate, r.validate},
		{StepUpload, r.upload},
		{StepRun, r.run},
	}
	last := StepParse
	for _, s := range steps {
		last = s.name
		if _, err := r.step(ctx, st, s.name, s.fn); err != nil {
			st.report.HaltedAt = s.name
			r.logger.Warn("skill test halted", "run_id", runID, "skill", st.skill.Name, "step", s.name, "error", err)
			break
		}
	}

	rep := st.report
	rep.FinishedAt = r.now().UTC()
	rep.Success = rep.HaltedAt == ""
	span.SetAttributes(attribute.Bool(telemetry.AttrWorkflowSuccess, rep.Success))
	if !rep.Success {
		span.SetStatus(codes.Error, "halted at "+string(rep.HaltedAt))
	}
	r.metrics.RecordWorkflowRun(ctx, string(last), rep.Success)
	r.logger.Info("skill test finished", "run_id", runID, "skill", rep.Skill, "success", rep.Success, "halted_at", rep.HaltedAt)
	return rep, nil
}

// step runs fn in its own span and records an audit event.
func (r *Runner) step(ctx context.Context, st *state, name Step, fn stepFunc) (any, error) {
	stepCtx, span := r.tracer.Start(ctx, "Workflow.Step",
		trace.WithAttributes(
			attribute.String(telemetry.AttrWorkflowRunID, st.report.RunID),
			attribute.String(telemetry.AttrWorkflowStep, string(name)),
		),
	)
	started := r.now().UTC()
	output, err := fn(stepCtx, st)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	event := AuditEvent{
		RunID:      st.report.RunID,
		Skillset:   st.report.Skillset,
		Skill:      st.report.Skill,
		Step:       name,
		Status:     StatusPassed,
		Output:     output,
		StartedAt:  started,
		FinishedAt: r.now().UTC(),
	}
	if err != nil {
		event.Status = StatusFailed
		event.Error = err.Error()
	}
	if auditErr := r.audit.Record(ctx, event); auditErr != nil {
		r.logger.Error("failed to record audit event", "run_id", event.RunID, "step", name, "error", auditErr)
	}
	return output, err
}

func (r *Runner) parse(_ context.Context, st *state) (any, error) {
	set, err := skills.Parse([]byte(st.req.Document))
	if err != nil {
		return nil, err
	}
	skill, err := set.Skill(st.req.SkillName)
	if err != nil {
		return nil, err
	}
	st.report.Skillset = set.Name()
	st.report.Skill = skill.Name

	inputs, err := skill.ResolveInputs(st.req.Inputs)
	if err != nil {
		return nil, err
	}
	query, err := skill.RenderQuery(inputs)
	if err != nil {
		return nil, err
	}
	st.set, st.skill, st.inputs, st.query = set, skill, inputs, query
	st.report.Inputs = inputs
	st.report.Query.Query = query
	return map[string]any{"skillset": set.Name(), "skill": skill.Name, "target": skill.Target()}, nil
}

func (r *Runner) execQuery(ctx context.Context, st *state) (any, error) {
	out := &st.report.Query
	res, err := r.query.Query(ctx, st.query)
	if err != nil {
		out.Status, out.Error = StatusFailed, errors.As(err)
		return nil, err
	}
	st.result = res
	out.Status = StatusPassed
	out.QueryStatus = res.Status
	out.Rows = res.RowCount()
	out.Columns = res.Columns
	for i := 0; i < len(res.Rows) && i < 3; i++ {
		out.Sample = append(out.Sample, res.Rows[i])
	}
	return map[string]any{"status": res.Status, "rows": res.RowCount()}, nil
}

func (r *Runner) validate(ctx context.Context, st *state) (any, error) {
	v := st.req.Validator
	if v == nil {
		v = DefaultValidator{MinRows: st.req.MinRows, ExpectedColumns: st.req.ExpectedColumns}
	}
	verdict := v.Validate(ctx, st.skill, st.result)
	out := &st.report.Validation
	out.Verdict = &verdict
	if !verdict.Consistent {
		err := errors.New(errors.CodeValidation, "query result is not consistent with the skill", nil).
			WithContext("reasons", verdict.Reasons)
		out.Status, out.Error = StatusFailed, err
		return verdict, err
	}
	out.Status = StatusPassed
	return verdict, nil
}

func (r *Runner) upload(ctx context.Context, st *state) (any, error) {
	out := &st.report.Deployment
	res, err := r.uploader.UploadSkillset(ctx, st.set.Raw, true)
	if err == nil && res.Status == copilot.UploadNotFound {
		err = errors.New(errors.CodeNotFound, fmt.Sprintf("skillset %q was not deployed", res.Name), nil)
	}
	out.Upload = res
	if err != nil {
		out.Status, out.Error = StatusFailed, errors.As(err)
		return res, err
	}
	out.Status = StatusPassed
	return res, nil
}

func (r *Runner) run(ctx context.Context, st *state) (any, error) {
	out := &st.report.PromptRun
	run, err := r.skills.ProcessPrompt(ctx, copilot.PromptRequest{
		Type:            copilot.PromptTypeSkill,
		SkillName:       st.skill.Name,
		Inputs:          st.inputs,
		SessionName:     r.prompt.SessionName,
		PollingInterval: r.prompt.PollingInterval,
		MaxAttempts:     r.prompt.MaxAttempts,
	})
	out.Run = run
	if err == nil && !run.Completed() {
		err = errors.New(errors.CodeTimeout, "skill evaluation did not complete", nil).
			WithContext("state", run.State)
	}
	if err != nil {
		out.Status, out.Error = StatusFailed, errors.As(err)
		return nil, err
	}
	out.Status = StatusPassed
	return map[string]any{"session_id": run.SessionID, "evaluation_id": run.EvaluationID, "state": run.State}, nil
}
