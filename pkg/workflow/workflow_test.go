package workflow

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/secopilot/pkg/copilot"
	"github.com/jllopis/secopilot/pkg/errors"
	"github.com/jllopis/secopilot/pkg/sentinel"
	"github.com/jllopis/secopilot/pkg/skills"
)

const signInSkill = `Descriptor:
  Name: EntraSignIns
SkillGroups:
  - Format: KQL
    Skills:
      - Name: GetAbnormalSignIns
        Description: Users with unusual sign-in properties
        Inputs:
          - Name: Threshold
            Required: true
          - Name: Period
            Required: true
            DefaultValue: 24h
        Settings:
          Target: Sentinel
          TenantId: tenant
          Template: SigninLogs | where TimeGenerated > ago({{Period}}) | where Props > {{Threshold}}
`

type fakeQuery struct {
	queries []string
	result  *sentinel.QueryResult
	err     error
}

func (f *fakeQuery) Query(_ context.Context, q string) (*sentinel.QueryResult, error) {
	f.queries = append(f.queries, q)
	return f.result, f.err
}

type fakeUploader struct {
	documents []string
	err       error
}

func (f *fakeUploader) UploadSkillset(_ context.Context, doc string, create bool) (*copilot.UploadResult, error) {
	f.documents = append(f.documents, doc)
	if f.err != nil {
		return nil, f.err
	}
	return &copilot.UploadResult{Status: copilot.UploadCreated, Name: "EntraSignIns"}, nil
}

type fakeRunner struct {
	requests []copilot.PromptRequest
	state    string
	err      error
}

func (f *fakeRunner) ProcessPrompt(_ context.Context, req copilot.PromptRequest) (*copilot.PromptRun, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	state := f.state
	if state == "" {
		state = copilot.StateCompleted
	}
	return &copilot.PromptRun{SessionID: "s", PromptID: "p", EvaluationID: "e", State: state}, nil
}

func rows(n int) *sentinel.QueryResult {
	res := &sentinel.QueryResult{Status: sentinel.StatusSuccess, Columns: []string{"UserPrincipalName", "Props"}}
	for i := 0; i < n; i++ {
		res.Rows = append(res.Rows, map[string]any{"UserPrincipalName": "u", "Props": i + 4})
	}
	return res
}

type fixture struct {
	query    *fakeQuery
	uploader *fakeUploader
	runner   *fakeRunner
	audit    *MemoryAuditStore
	wf       *Runner
}

func newFixture(t *testing.T, result *sentinel.QueryResult) *fixture {
	t.Helper()
	f := &fixture{
		query:    &fakeQuery{result: result},
		uploader: &fakeUploader{},
		runner:   &fakeRunner{},
		audit:    NewMemoryAuditStore(0),
	}
	wf, err := NewRunner(f.query, f.uploader, f.runner,
		WithAuditStore(f.audit),
		WithPromptDefaults(PromptDefaults{SessionName: "skill test", PollingInterval: time.Millisecond, MaxAttempts: 2}),
	)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	wf.newID = func() string { return "run-1" }
	f.wf = wf
	return f
}

func TestRunFullCycle(t *testing.T) {
	f := newFixture(t, rows(2))
	rep, err := f.wf.Run(context.Background(), Request{
		Document: signInSkill,
		Inputs:   map[string]string{"Threshold": "3"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !rep.Success || rep.HaltedAt != "" {
		t.Fatalf("expected success, got %+v", rep)
	}
	for name, status := range map[string]string{
		"validation": rep.Validation.Status,
		"deployment": rep.Deployment.Status,
		"prompt run": rep.PromptRun.Status,
	} {
		if status != StatusPassed {
			t.Fatalf("%s outcome: expected passed, got %s", name, status)
		}
	}
	if rep.Deployment.Upload == nil || rep.PromptRun.Run == nil || rep.Validation.Verdict == nil {
		t.Fatalf("report must carry all three outcomes: %+v", rep)
	}

	if got := f.query.queries[0]; got != "SigninLogs | where TimeGenerated > ago(24h) | where Props > 3" {
		t.Fatalf("unexpected rendered query %q", got)
	}
	if len(f.uploader.documents) != 1 || f.uploader.documents[0] != signInSkill {
		t.Fatal("the raw document must be uploaded verbatim")
	}
	req := f.runner.requests[0]
	if req.Type != copilot.PromptTypeSkill || req.SkillName != "GetAbnormalSignIns" || req.SessionName != "skill test" {
		t.Fatalf("unexpected prompt request %+v", req)
	}
	if req.Inputs["Threshold"] != "3" || req.Inputs["Period"] != "24h" {
		t.Fatalf("inputs not forwarded with defaults: %v", req.Inputs)
	}
	if _, ok := req.Inputs["TenantId"]; ok {
		t.Fatal("settings must not be sent as inputs")
	}

	events, _ := f.audit.List(context.Background(), AuditFilter{RunID: "run-1"})
	var steps []string
	for _, ev := range events {
		steps = append(steps, string(ev.Step))
	}
	if strings.Join(steps, ",") != "parse,query,validate,upload,run" {
		t.Fatalf("unexpected audit trail %v", steps)
	}
}

func TestRunDoesNotUploadWithoutValidation(t *testing.T) {
	tests := []struct {
		name   string
		result *sentinel.QueryResult
		req    Request
	}{
		{"no rows", rows(0), Request{}},
		{"partial", &sentinel.QueryResult{Status: sentinel.StatusPartial, Columns: []string{"A"}, Rows: []map[string]any{{"A": 1}}}, Request{}},
		{"missing column", rows(3), Request{ExpectedColumns: []string{"IPAddress"}}},
		{"below min rows", rows(3), Request{MinRows: 5}},
		{"custom validator", rows(3), Request{Validator: ValidatorFunc(func(context.Context, *skills.Skill, *sentinel.QueryResult) Verdict {
			return Verdict{Reasons: []string{"agent judged inconsistent"}}
		})}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.result)
			req := tc.req
			req.Document = signInSkill
			req.Inputs = map[string]string{"Threshold": "3"}
			rep, err := f.wf.Run(context.Background(), req)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if rep.Success || rep.HaltedAt != StepValidate {
				t.Fatalf("expected halt at validate, got %+v", rep)
			}
			if len(f.uploader.documents) != 0 || len(f.runner.requests) != 0 {
				t.Fatal("upload and run must not happen after a failed validation")
			}
			if rep.Validation.Status != StatusFailed || !errors.HasCode(rep.Validation.Error, errors.CodeValidation) {
				t.Fatalf("unexpected validation outcome %+v", rep.Validation)
			}
			if rep.Deployment.Status != StatusSkipped || rep.PromptRun.Status != StatusSkipped {
				t.Fatalf("later outcomes must be skipped: %+v %+v", rep.Deployment, rep.PromptRun)
			}
		})
	}
}

func TestRunRequiresInputsBeforeQuery(t *testing.T) {
	f := newFixture(t, rows(1))
	_, err := f.wf.Run(context.Background(), Request{Document: signInSkill})
	if !errors.HasCode(err, errors.CodeMissingInput) {
		t.Fatalf("expected MISSING_INPUT, got %v", err)
	}
	if errors.As(err).Context["parameter"] != "Threshold" {
		t.Fatalf("missing input not named: %v", err)
	}
	if len(f.query.queries) != 0 {
		t.Fatal("no query may run before required inputs are supplied")
	}
}

func TestRunRejectsSettingsAsInputs(t *testing.T) {
	f := newFixture(t, rows(1))
	_, err := f.wf.Run(context.Background(), Request{
		Document: signInSkill,
		Inputs:   map[string]string{"Threshold": "3", "TenantId": "other"},
	})
	if !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	events, _ := f.audit.List(context.Background(), AuditFilter{Step: StepParse, Status: StatusFailed})
	if len(events) != 1 {
		t.Fatalf("expected failed parse event, got %v", events)
	}
}

func TestRunRemoteFailuresHalt(t *testing.T) {
	boom := errors.Remote("copilot", 500, stderrors.New("boom"))

	t.Run("query", func(t *testing.T) {
		f := newFixture(t, nil)
		f.query.err = errors.Remote("sentinel", 400, stderrors.New("syntax error"))
		rep, err := f.wf.Run(context.Background(), Request{Document: signInSkill, Inputs: map[string]string{"Threshold": "3"}})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if rep.HaltedAt != StepQuery || rep.Query.Status != StatusFailed || rep.Validation.Status != StatusSkipped {
			t.Fatalf("unexpected report %+v", rep)
		}
	})

	t.Run("upload", func(t *testing.T) {
		f := newFixture(t, rows(1))
		f.uploader.err = boom
		rep, _ := f.wf.Run(context.Background(), Request{Document: signInSkill, Inputs: map[string]string{"Threshold": "3"}})
		if rep.HaltedAt != StepUpload || !errors.HasCode(rep.Deployment.Error, errors.CodeRemote) {
			t.Fatalf("unexpected report %+v", rep)
		}
		if rep.Validation.Status != StatusPassed || rep.PromptRun.Status != StatusSkipped {
			t.Fatalf("unexpected outcomes %+v", rep)
		}
		if len(f.runner.requests) != 0 {
			t.Fatal("skill must not run after a failed upload")
		}
	})

	t.Run("run incomplete", func(t *testing.T) {
		f := newFixture(t, rows(1))
		f.runner.state = "Running"
		rep, _ := f.wf.Run(context.Background(), Request{Document: signInSkill, Inputs: map[string]string{"Threshold": "3"}})
		if rep.HaltedAt != StepRun || !errors.HasCode(rep.PromptRun.Error, errors.CodeTimeout) {
			t.Fatalf("unexpected report %+v", rep)
		}
		if rep.PromptRun.Run == nil {
			t.Fatal("the incomplete run should still be reported")
		}
	})
}

func TestRunInvalidDocument(t *testing.T) {
	f := newFixture(t, rows(1))
	if _, err := f.wf.Run(context.Background(), Request{Document: "Descriptor: ["}); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	if _, err := f.wf.Run(context.Background(), Request{Document: signInSkill, SkillName: "Nope"}); !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestNewRunnerRequiresCollaborators(t *testing.T) {
	if _, err := NewRunner(nil, &fakeUploader{}, &fakeRunner{}); err == nil {
		t.Fatal("expected error")
	}
}
