// SPDX-License-Identifier: Apache-2.0
package copilot

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/jllopis/secopilot/pkg/errors"
	"github.com/jllopis/secopilot/pkg/skills"
)

// Upload outcomes.
const (
	UploadCreated  = "created"
	UploadUpdated  = "updated"
	UploadNotFound = "not_found"
)

const uploadQuery = "?scope=Tenant&skillsetFormat=SkillsetYaml"

// SkillsetList is the result of listing skillsets. Each skillset is the
// object returned by the service; with a full listing it also carries a
// "skills" array.
type SkillsetList struct {
	Count     int              `json:"count"`
	Skillsets []map[string]any `json:"skillsets"`
}

// UploadResult reports how an upload was applied.
type UploadResult struct {
	Status   string `json:"status"`
	Name     string `json:"name"`
	Response any    `json:"response,omitempty"`
}

type valueList struct {
	Value []map[string]any `json:"value"`
}

func (c *Client) skillsetsPath() string {
	return "/geo/" + url.PathEscape(c.region) + "/skillsets"
}

// ListSkillsets returns the skillsets whose name contains filter, ignoring
// case. With full set, the skills of every skillset are fetched as well;
// a skillset whose skills cannot be fetched gets an empty list.
func (c *Client) ListSkillsets(ctx context.Context, filter string, full bool) (*SkillsetList, error) {
	all, err := c.listSkillsets(ctx)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(filter))
	out := &SkillsetList{Skillsets: make([]map[string]any, 0, len(all))}
	for _, set := range all {
		if needle != "" && !strings.Contains(strings.ToLower(skillsetName(set)), needle) {
			continue
		}
		if full {
			list, err := c.ListSkills(ctx, skillsetName(set))
			if err != nil {
				c.logger.Warn("could not list skills", "skillset", skillsetName(set), "error", err)
				list = []map[string]any{}
			}
			set["skills"] = list
		}
		out.Skillsets = append(out.Skillsets, set)
	}
	out.Count = len(out.Skillsets)
	return out, nil
}

// ListSkills returns the skills of one skillset.
func (c *Client) ListSkills(ctx context.Context, skillset string) ([]map[string]any, error) {
	if strings.TrimSpace(skillset) == "" {
		return nil, errors.Missing("skillset")
	}
	r := request{op: "list_skills", method: http.MethodGet, path: c.skillsetsPath() + "/" + url.PathEscape(skillset) + "/skills"}
	var list valueList
	if err := c.do(ctx, r, &list); err != nil {
		return nil, err
	}
	if list.Value == nil {
		list.Value = []map[string]any{}
	}
	return list.Value, nil
}

// SkillsetExists reports whether a skillset with exactly this name is deployed.
func (c *Client) SkillsetExists(ctx context.Context, name string) (bool, error) {
	all, err := c.listSkillsets(ctx)
	if err != nil {
		return false, err
	}
	for _, set := range all {
		if skillsetName(set) == name {
			return true, nil
		}
	}
	return false, nil
}

// UploadSkillset deploys a skillset document. The name is taken from
// Descriptor.Name; an existing skillset is replaced, a missing one is created
// only when createIfNotExists is set.
func (c *Client) UploadSkillset(ctx context.Context, document string, createIfNotExists bool) (*UploadResult, error) {
	if strings.TrimSpace(document) == "" {
		return nil, errors.Missing("plugin_yaml_content")
	}
	set, err := skills.Parse([]byte(document))
	if err != nil {
		return nil, err
	}
	name := set.Name()

	exists, err := c.SkillsetExists(ctx, name)
	if err != nil {
		return nil, err
	}

	result := &UploadResult{Name: name}
	r := request{contentType: "application/yaml", body: []byte(document)}
	switch {
	case exists:
		r.op, r.method, r.path = "update_skillset", http.MethodPut, c.skillsetsPath()+"/"+url.PathEscape(name)+uploadQuery
		result.Status = UploadUpdated
	case createIfNotExists:
		r.op, r.method, r.path = "create_skillset", http.MethodPost, c.skillsetsPath()+uploadQuery
		result.Status = UploadCreated
	default:
		result.Status = UploadNotFound
		return result, nil
	}

	var resp any
	if err := c.do(ctx, r, &resp); err != nil {
		return nil, errors.As(err).WithContext("skillset", name)
	}
	result.Response = resp
	c.logger.Info("skillset uploaded", "skillset", name, "status", result.Status)
	return result, nil
}

func (c *Client) listSkillsets(ctx context.Context) ([]map[string]any, error) {
	r := request{op: "list_skillsets", method: http.MethodGet, path: c.skillsetsPath()}
	var list valueList
	if err := c.do(ctx, r, &list); err != nil {
		return nil, err
	}
	return list.Value, nil
}

func skillsetName(set map[string]any) string {
	name, _ := set["name"].(string)
	return name
}
