package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/secopilot/pkg/copilot"
	"github.com/jllopis/secopilot/pkg/errors"
	"github.com/jllopis/secopilot/pkg/skills"
	"github.com/jllopis/secopilot/pkg/workflow"
)

const pluginDescription = "Full Security Copilot skillset (plugin) YAML, with Descriptor and SkillGroups."

func (g *Gateway) registerTools() {
	g.register(mcp.NewTool(ToolRunSentinelQuery,
		mcp.WithDescription("Run a KQL query against the Microsoft Sentinel workspace and return its rows."),
		mcp.WithString("query", mcp.Required(), mcp.Description("KQL query text.")),
	), g.runSentinelQuery)

	g.register(mcp.NewTool(ToolGetSkillsets,
		mcp.WithDescription("List Security Copilot skillsets (plugins), optionally with their skills."),
		mcp.WithString("filter_name", mcp.Description("Case-insensitive substring the skillset name must contain.")),
		mcp.WithBoolean("full_response", mcp.DefaultBool(true), mcp.Description("Also fetch the skills of every skillset.")),
	), g.getSkillsets)

	g.register(mcp.NewTool(ToolUploadPlugin,
		mcp.WithDescription("Upload a skillset to Security Copilot, updating it when it already exists."),
		mcp.WithString("plugin_yaml_content", mcp.Required(), mcp.Description(pluginDescription)),
		mcp.WithBoolean("create_if_not_exists", mcp.DefaultBool(true), mcp.Description("Create the skillset when it is not deployed yet.")),
	), g.uploadPlugin)

	g.register(mcp.NewTool(ToolRunPrompt,
		mcp.WithDescription("Run a free-form prompt or a deployed skill in a new Security Copilot session and wait for the evaluation."),
		mcp.WithString("prompt_type", mcp.DefaultString(string(copilot.PromptTypePrompt)), mcp.Enum(string(copilot.PromptTypePrompt), string(copilot.PromptTypeSkill)),
			mcp.Description("Prompt runs content; Skill runs skill_name with inputs.")),
		mcp.WithString("content", mcp.Description("Prompt text. Required for prompt_type Prompt.")),
		mcp.WithString("skill_name", mcp.Description("Skill to run. Required for prompt_type Skill.")),
		mcp.WithObject("inputs", mcp.Description("Skill inputs as name to text value. Only the skill's Inputs, never its Settings.")),
		mcp.WithString("session_name", mcp.Description("Name of the new session.")),
		mcp.WithNumber("polling_interval", mcp.Description("Seconds between evaluation polls.")),
		mcp.WithNumber("max_attempts", mcp.Description("Maximum number of evaluation polls.")),
	), g.runPrompt)

	g.register(mcp.NewTool(ToolTestSkill,
		mcp.WithDescription("Test a skill end to end: run its KQL query, validate the result, deploy the skillset only if the result is consistent, run the deployed skill and return a test report."),
		mcp.WithString("plugin_yaml_content", mcp.Required(), mcp.Description(pluginDescription)),
		mcp.WithString("skill_name", mcp.Description("Skill to test. Defaults to the first KQL skill.")),
		mcp.WithObject("inputs", mcp.Description("Values for the skill's Inputs. Every required input must be supplied.")),
		mcp.WithArray("expected_columns", mcp.Items(map[string]any{"type": "string"}),
			mcp.Description("Columns the query result must contain.")),
		mcp.WithNumber("min_rows", mcp.Description("Minimum number of rows for the result to be consistent. Defaults to 1.")),
	), g.testSkill)

	g.register(mcp.NewTool(ToolDescribeSkill,
		mcp.WithDescription("Describe a skill: the inputs to ask the user for, the settings never to ask for, its format, target and query."),
		mcp.WithString("plugin_yaml_content", mcp.Required(), mcp.Description(pluginDescription)),
		mcp.WithString("skill_name", mcp.Description("Skill to describe. Defaults to the first KQL skill.")),
	), g.describeSkill)
}

func (g *Gateway) runSentinelQuery(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	query, err := requireString(req, "query")
	if err != nil {
		return nil, err
	}
	return g.query.Query(ctx, query)
}

func (g *Gateway) getSkillsets(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return g.copilot.ListSkillsets(ctx, req.GetString("filter_name", ""), req.GetBool("full_response", true))
}

func (g *Gateway) uploadPlugin(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	doc, err := requireString(req, "plugin_yaml_content")
	if err != nil {
		return nil, err
	}
	return g.copilot.UploadSkillset(ctx, doc, req.GetBool("create_if_not_exists", true))
}

func (g *Gateway) runPrompt(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	inputs, err := stringMap(req, "inputs")
	if err != nil {
		return nil, err
	}
	p := copilot.PromptRequest{
		Type:            copilot.PromptType(req.GetString("prompt_type", string(copilot.PromptTypePrompt))),
		Content:         req.GetString("content", ""),
		SkillName:       req.GetString("skill_name", ""),
		Inputs:          inputs,
		SessionName:     req.GetString("session_name", g.prompt.SessionName),
		PollingInterval: g.prompt.PollingInterval,
		MaxAttempts:     req.GetInt("max_attempts", g.prompt.MaxAttempts),
	}
	if secs := req.GetFloat("polling_interval", 0); secs > 0 {
		p.PollingInterval = time.Duration(secs * float64(time.Second))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return g.copilot.ProcessPrompt(ctx, p)
}

func (g *Gateway) testSkill(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	doc, err := requireString(req, "plugin_yaml_content")
	if err != nil {
		return nil, err
	}
	inputs, err := stringMap(req, "inputs")
	if err != nil {
		return nil, err
	}
	return g.tester.Run(ctx, workflow.Request{
		Document:        doc,
		SkillName:       req.GetString("skill_name", ""),
		Inputs:          inputs,
		ExpectedColumns: req.GetStringSlice("expected_columns", nil),
		MinRows:         req.GetInt("min_rows", 0),
	})
}

func (g *Gateway) describeSkill(_ context.Context, req mcp.CallToolRequest) (any, error) {
	doc, err := requireString(req, "plugin_yaml_content")
	if err != nil {
		return nil, err
	}
	set, err := skills.Parse([]byte(doc))
	if err != nil {
		return nil, err
	}
	return set.Describe(req.GetString("skill_name", ""))
}

func requireString(req mcp.CallToolRequest, name string) (string, error) {
	v := req.GetString(name, "")
	if strings.TrimSpace(v) == "" {
		return "", errors.Missing(name)
	}
	return v, nil
}

// stringMap reads an object argument as text values. A JSON-encoded object
// string is accepted too.
func stringMap(req mcp.CallToolRequest, name string) (map[string]string, error) {
	raw, ok := req.GetArguments()[name]
	if !ok || raw == nil {
		return nil, nil
	}
	if s, ok := raw.(string); ok {
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("%s must be an object", name), err).
				WithContext("parameter", name)
		}
		raw = decoded
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("%s must be an object", name), nil).
			WithContext("parameter", name)
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}
