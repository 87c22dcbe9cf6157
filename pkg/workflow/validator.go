package workflow

import (
	"context"
	"fmt"

	"github.com/jllopis/secopilot/pkg/sentinel"
	"github.com/jllopis/secopilot/pkg/skills"
)

// Verdict is the judgement of a query result against the skill it came from.
type Verdict struct {
	Consistent bool     `json:"consistent"`
	Reasons    []string `json:"reasons,omitempty"`
}

// Validator decides whether a query result matches the skill's intent.
type Validator interface {
	Validate(ctx context.Context, skill *skills.Skill, result *sentinel.QueryResult) Verdict
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, skill *skills.Skill, result *sentinel.QueryResult) Verdict

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, skill *skills.Skill, result *sentinel.QueryResult) Verdict {
	return f(ctx, skill, result)
}

// DefaultValidator accepts a complete result with at least MinRows rows and
// every column in ExpectedColumns. Partial results are rejected.
type DefaultValidator struct {
	MinRows         int
	ExpectedColumns []string
}

// Validate implements Validator.
func (v DefaultValidator) Validate(_ context.Context, _ *skills.Skill, result *sentinel.QueryResult) Verdict {
	if result == nil {
		return Verdict{Reasons: []string{"no query result"}}
	}
	var reasons []string
	if result.Status != sentinel.StatusSuccess {
		msg := fmt.Sprintf("query status is %q, not %q", result.Status, sentinel.StatusSuccess)
		if result.Message != "" {
			msg += ": " + result.Message
		}
		reasons = append(reasons, msg)
	}
	minRows := v.MinRows
	if minRows < 1 {
		minRows = 1
	}
	if n := result.RowCount(); n < minRows {
		reasons = append(reasons, fmt.Sprintf("query returned %d rows, expected at least %d", n, minRows))
	}
	for _, col := range v.ExpectedColumns {
		if !result.HasColumn(col) {
			reasons = append(reasons, fmt.Sprintf("expected column %q is missing", col))
		}
	}
	return Verdict{Consistent: len(reasons) == 0, Reasons: reasons}
}
