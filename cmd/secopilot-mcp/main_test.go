// SPDX-License-Identifier: Apache-2.0
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/jllopis/secopilot/pkg/copilot"
	"github.com/jllopis/secopilot/pkg/errors"
	"github.com/jllopis/secopilot/pkg/mcp"
	"github.com/jllopis/secopilot/pkg/sentinel"
	"github.com/jllopis/secopilot/pkg/workflow"
)

type fakeBackend struct {
	queryErr error
	prompts  []copilot.PromptRequest
}

func (f *fakeBackend) Query(_ context.Context, q string) (*sentinel.QueryResult, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &sentinel.QueryResult{
		Status:  sentinel.StatusSuccess,
		Columns: []string{"DataType"},
		Rows:    []map[string]any{{"DataType": "SigninLogs"}},
	}, nil
}

func (f *fakeBackend) ListSkillsets(_ context.Context, filter string, full bool) (*copilot.SkillsetList, error) {
	return &copilot.SkillsetList{Count: 1, Skillsets: []map[string]any{{"name": "EntraID"}}}, nil
}

func (f *fakeBackend) UploadSkillset(_ context.Context, doc string, create bool) (*copilot.UploadResult, error) {
	return &copilot.UploadResult{Status: copilot.UploadUpdated}, nil
}

func (f *fakeBackend) ProcessPrompt(_ context.Context, req copilot.PromptRequest) (*copilot.PromptRun, error) {
	f.prompts = append(f.prompts, req)
	return &copilot.PromptRun{SessionID: "s1", PromptID: "p1", EvaluationID: "e1", State: copilot.StateCompleted}, nil
}

func (f *fakeBackend) Run(context.Context, workflow.Request) (*workflow.Report, error) {
	return &workflow.Report{Success: true}, nil
}

func newTestGateway(b *fakeBackend) *mcp.Gateway {
	return mcp.NewGateway("secopilot-test", "0.0.0", b, b, b, mcp.WithLogger(discardLogger()))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunSelfTestsAllPass(t *testing.T) {
	b := &fakeBackend{}
	results := runSelfTests(context.Background(), newTestGateway(b), discardLogger())
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if got := countPassed(results); got != 4 {
		t.Fatalf("expected every check to pass, got %d: %+v", got, results)
	}
	if len(b.prompts) != 2 {
		t.Fatalf("expected a prompt and a skill run, got %d", len(b.prompts))
	}
	skill := b.prompts[1]
	if skill.Type != copilot.PromptTypeSkill || skill.SkillName != "GetAbnormalSignIns" {
		t.Fatalf("unexpected skill request %+v", skill)
	}
	want := map[string]string{"UniquePropertiesThreshold": "3", "Period": "24h", "Limit": "10"}
	if !reflect.DeepEqual(skill.Inputs, want) {
		t.Fatalf("expected inputs %v, got %v", want, skill.Inputs)
	}
}

func TestRunSelfTestsReportsFailures(t *testing.T) {
	b := &fakeBackend{queryErr: errors.Remote("sentinel", 500, nil)}
	results := runSelfTests(context.Background(), newTestGateway(b), discardLogger())
	if got := countPassed(results); got != 3 {
		t.Fatalf("expected 3 passing checks, got %d", got)
	}
	if results[0].Passed || results[0].Err == nil {
		t.Fatalf("expected the query check to fail with an error, got %+v", results[0])
	}
}

func TestRunSelfTestsCustomCheck(t *testing.T) {
	tc := selfTest{
		Name:  "empty filter",
		Tool:  mcp.ToolGetSkillsets,
		Args:  map[string]any{},
		Check: func(raw map[string]any) bool { return raw["count"] == float64(2) },
	}
	results := runSelfTests(context.Background(), newTestGateway(&fakeBackend{}), discardLogger(), tc)
	if len(results) != 1 || results[0].Passed {
		t.Fatalf("expected one failing check, got %+v", results)
	}
}

func TestOverrides(t *testing.T) {
	opts, _, err := parseFlags([]string{
		"--set", "copilot.region=westeurope",
		"--transport", "stdio",
		"--addr", ":9000",
		"--log-level", "debug",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	want := []string{
		"copilot.region=westeurope",
		"server.transport=stdio",
		"server.addr=:9000",
		"log.level=debug",
	}
	if got := opts.overrides(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--version"}, &out, io.Discard); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "secopilot-mcp ") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	err := run(context.Background(), []string{"deploy"}, io.Discard, io.Discard)
	if err == nil {
		t.Fatal("expected an error")
	}
	if code := exitCode(err); code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
}

func TestRunBadFlag(t *testing.T) {
	err := run(context.Background(), []string{"--no-such-flag"}, io.Discard, io.Discard)
	if !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

const describeDoc = `
Descriptor:
  Name: AbnormalSignIns
SkillGroups:
  - Format: KQL
    Skills:
      - Name: GetAbnormalSignIns
        Inputs:
          - Name: Period
            Required: true
        Settings:
          Target: Sentinel
          Template: SigninLogs | where TimeGenerated > ago({{Period}})
`

func TestRunDescribe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skillset.yaml")
	if err := os.WriteFile(path, []byte(describeDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := run(context.Background(), []string{"describe", path, "--skill", "GetAbnormalSignIns"}, &out, io.Discard); err != nil {
		t.Fatalf("describe: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got["skill"] != "GetAbnormalSignIns" || got["target"] != "Sentinel" {
		t.Fatalf("unexpected description %v", got)
	}
}

func TestRunDescribeMissingFile(t *testing.T) {
	err := run(context.Background(), []string{"describe"}, io.Discard, io.Discard)
	if !errors.HasCode(err, errors.CodeMissingInput) {
		t.Fatalf("expected missing input, got %v", err)
	}
}

func TestPrintError(t *testing.T) {
	var buf bytes.Buffer
	printError(&buf, newCLIError(errors.Missing("FILE"), "pass a file"))
	out := buf.String()
	if !strings.Contains(out, "Error [Missing Input]") || !strings.Contains(out, "Hint: pass a file") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestUnconfiguredQuery(t *testing.T) {
	_, err := unconfiguredQuery{}.Query(context.Background(), "Usage")
	if !errors.HasCode(err, errors.CodeMissingInput) {
		t.Fatalf("expected missing input, got %v", err)
	}
}
