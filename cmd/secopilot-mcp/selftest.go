// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/jllopis/secopilot/pkg/copilot"
	"github.com/jllopis/secopilot/pkg/mcp"
	"github.com/jllopis/secopilot/pkg/sentinel"
)

const selfTestTimeout = 5 * time.Minute

// selfTest is one smoke check run through the MCP tool surface.
type selfTest struct {
	Name string
	Tool string
	Args map[string]any
	// Check inspects the decoded tool result.
	Check func(raw map[string]any) bool
}

type selfTestResult struct {
	Name   string
	Passed bool
	Err    error
}

func defaultSelfTests() []selfTest {
	return []selfTest{
		{
			Name: "sentinel query",
			Tool: mcp.ToolRunSentinelQuery,
			Args: map[string]any{"query": "Usage | project DataType | take 10"},
			Check: func(raw map[string]any) bool {
				return raw["status"] == sentinel.StatusSuccess
			},
		},
		{
			Name: "copilot prompt",
			Tool: mcp.ToolRunPrompt,
			Args: map[string]any{
				"prompt_type": string(copilot.PromptTypePrompt),
				"content":     "What is the most common alert type in defender for the last 24 hours?",
			},
			Check: hasRunIDs,
		},
		{
			Name: "copilot skill",
			Tool: mcp.ToolRunPrompt,
			Args: map[string]any{
				"prompt_type": string(copilot.PromptTypeSkill),
				"skill_name":  "GetAbnormalSignIns",
				"inputs": map[string]any{
					"UniquePropertiesThreshold": "3",
					"Period":                    "24h",
					"Limit":                     "10",
				},
			},
			Check: hasRunIDs,
		},
		{
			Name: "list skillsets",
			Tool: mcp.ToolGetSkillsets,
			Args: map[string]any{"filter_name": "Entra", "full_response": false},
			Check: func(raw map[string]any) bool {
				n, _ := raw["count"].(float64)
				return n > 0
			},
		},
	}
}

func hasRunIDs(raw map[string]any) bool {
	for _, k := range []string{"session_id", "prompt_id", "evaluation_id"} {
		if s, _ := raw[k].(string); s == "" {
			return false
		}
	}
	return true
}

// runSelfTests calls every check through an in-process MCP client and logs
// the outcome. Failures never stop the server from starting.
func runSelfTests(ctx context.Context, g *mcp.Gateway, logger *slog.Logger, tests ...selfTest) []selfTestResult {
	if len(tests) == 0 {
		tests = defaultSelfTests()
	}
	ctx, cancel := context.WithTimeout(ctx, selfTestTimeout)
	defer cancel()

	cli, err := mcp.NewInProcessClient(ctx, g)
	if err != nil {
		logger.Error("smoke tests skipped", "error", err)
		return nil
	}
	defer cli.Close()

	results := make([]selfTestResult, 0, len(tests))
	for _, tc := range tests {
		var raw map[string]any
		res := selfTestResult{Name: tc.Name}
		if err := cli.CallToolJSON(ctx, tc.Tool, tc.Args, &raw); err != nil {
			res.Err = err
		} else {
			res.Passed = tc.Check(raw)
		}
		if res.Passed {
			logger.Info("smoke test passed", "test", tc.Name, "tool", tc.Tool)
		} else {
			logger.Warn("smoke test failed", "test", tc.Name, "tool", tc.Tool, "error", res.Err)
		}
		results = append(results, res)
	}
	return results
}

func countPassed(results []selfTestResult) int {
	n := 0
	for _, r := range results {
		if r.Passed {
			n++
		}
	}
	return n
}
