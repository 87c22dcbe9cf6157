package skills

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jllopis/secopilot/pkg/errors"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// ResolveInputs checks supplied values against the skill's Inputs and returns
// the complete input set with defaults applied.
//
// A required input with neither a supplied value nor a default yields a
// MISSING_INPUT error naming it. Supplying a Settings parameter is rejected:
// settings are pre-configured, never user-supplied.
func (sk *Skill) ResolveInputs(supplied map[string]string) (map[string]string, error) {
	settings := make(map[string]bool)
	for _, name := range sk.SettingNames() {
		settings[strings.ToLower(name)] = true
	}
	declared := make(map[string]Input, len(sk.Inputs))
	for _, in := range sk.Inputs {
		declared[in.Name] = in
	}

	for _, key := range sortedKeys(supplied) {
		if _, ok := declared[key]; ok {
			continue
		}
		if settings[strings.ToLower(key)] {
			return nil, errors.New(errors.CodeInvalidInput,
				fmt.Sprintf("%q is a pre-configured setting of skill %q and cannot be supplied as an input", key, sk.Name), nil).
				WithContext("parameter", key)
		}
		return nil, errors.New(errors.CodeInvalidInput,
			fmt.Sprintf("skill %q has no input %q", sk.Name, key), nil).
			WithContext("parameter", key)
	}

	resolved := make(map[string]string, len(sk.Inputs))
	for _, in := range sk.Inputs {
		value, ok := supplied[in.Name]
		if ok && strings.TrimSpace(value) != "" {
			resolved[in.Name] = value
			continue
		}
		if in.DefaultValue != "" {
			resolved[in.Name] = in.DefaultValue
			continue
		}
		if in.Required {
			return nil, errors.Missing(in.Name).WithContext("skill", sk.Name)
		}
	}
	return resolved, nil
}

// MissingInputs lists the required inputs that have no supplied value and
// no default, in declaration order.
func (sk *Skill) MissingInputs(supplied map[string]string) []string {
	var missing []string
	for _, in := range sk.Inputs {
		if !in.Required || in.DefaultValue != "" {
			continue
		}
		if strings.TrimSpace(supplied[in.Name]) == "" {
			missing = append(missing, in.Name)
		}
	}
	return missing
}

// RenderQuery substitutes {{Name}} placeholders in the skill query with
// resolved inputs, then with string settings. Unknown placeholders are kept.
func (sk *Skill) RenderQuery(inputs map[string]string) (string, error) {
	query, err := sk.Query()
	if err != nil {
		return "", err
	}
	return placeholder.ReplaceAllStringFunc(query, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		if v, ok := inputs[name]; ok {
			return v
		}
		if name != TemplateSetting {
			if v, ok := sk.Settings[name].(string); ok {
				return v
			}
		}
		return match
	}), nil
}

// Description is what a caller needs to run a skill: the inputs to ask the
// user for and the settings never to ask for.
type Description struct {
	Skillset       string   `json:"skillset"`
	Skill          string   `json:"skill"`
	DisplayName    string   `json:"display_name,omitempty"`
	Description    string   `json:"description,omitempty"`
	Format         string   `json:"format"`
	Target         string   `json:"target,omitempty"`
	RequiredInputs []Input  `json:"required_inputs"`
	OptionalInputs []Input  `json:"optional_inputs"`
	Settings       []string `json:"settings"`
	Query          string   `json:"query,omitempty"`
}

// Describe summarizes a skill of the skillset.
func (s *Skillset) Describe(skillName string) (*Description, error) {
	sk, err := s.Skill(skillName)
	if err != nil {
		return nil, err
	}
	d := &Description{
		Skillset:       s.Name(),
		Skill:          sk.Name,
		DisplayName:    sk.DisplayName,
		Description:    sk.Description,
		Format:         sk.Format,
		Target:         sk.Target(),
		RequiredInputs: []Input{},
		OptionalInputs: []Input{},
		Settings:       sk.SettingNames(),
	}
	for _, in := range sk.Inputs {
		if in.Required && in.DefaultValue == "" {
			d.RequiredInputs = append(d.RequiredInputs, in)
		} else {
			d.OptionalInputs = append(d.OptionalInputs, in)
		}
	}
	if q, err := sk.Query(); err == nil {
		d.Query = q
	}
	return d, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
