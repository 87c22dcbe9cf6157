package workflow

import (
	"time"

	"github.com/jllopis/secopilot/pkg/copilot"
	"github.com/jllopis/secopilot/pkg/errors"
)

// Step names a stage of the test cycle.
type Step string

const (
	StepParse    Step = "parse"
	StepQuery    Step = "query"
	StepValidate Step = "validate"
	StepUpload   Step = "upload"
	StepRun      Step = "run"
)

// Outcome statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Outcome is the result of one step in a report.
type Outcome struct {
	Status string        `json:"status"`
	Error  *errors.Error `json:"error,omitempty"`
}

func skipped() Outcome { return Outcome{Status: StatusSkipped} }

// QueryOutcome summarizes the query execution.
type QueryOutcome struct {
	Outcome
	Query       string   `json:"query"`
	QueryStatus string   `json:"query_status,omitempty"`
	Rows        int      `json:"rows"`
	Columns     []string `json:"columns,omitempty"`
	Sample      []any    `json:"sample,omitempty"`
}

// ValidationOutcome carries the validator's verdict.
type ValidationOutcome struct {
	Outcome
	Verdict *Verdict `json:"verdict,omitempty"`
}

// DeploymentOutcome carries the upload result.
type DeploymentOutcome struct {
	Outcome
	Upload *copilot.UploadResult `json:"upload,omitempty"`
}

// PromptRunOutcome carries the skill run.
type PromptRunOutcome struct {
	Outcome
	Run *copilot.PromptRun `json:"run,omitempty"`
}

// Report is the outcome of one test cycle.
type Report struct {
	RunID      string            `json:"run_id"`
	Skillset   string            `json:"skillset"`
	Skill      string            `json:"skill"`
	Inputs     map[string]string `json:"inputs"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Success    bool              `json:"success"`
	HaltedAt   Step              `json:"halted_at,omitempty"`

	Query      QueryOutcome      `json:"query"`
	Validation ValidationOutcome `json:"validation"`
	Deployment DeploymentOutcome `json:"deployment"`
	PromptRun  PromptRunOutcome  `json:"prompt_run"`
}

func newReport(runID string, started time.Time) *Report {
	return &Report{
		RunID:      runID,
		StartedAt:  started,
		Query:      QueryOutcome{Outcome: skipped()},
		Validation: ValidationOutcome{Outcome: skipped()},
		Deployment: DeploymentOutcome{Outcome: skipped()},
		PromptRun:  PromptRunOutcome{Outcome: skipped()},
	}
}
