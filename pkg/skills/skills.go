// Package skills parses Security Copilot skillset (plugin) definitions.
package skills

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/secopilot/pkg/errors"
)

// FormatKQL is the skill group format whose skills embed a KQL query.
const FormatKQL = "KQL"

// TemplateSetting is the skill setting holding the embedded query text.
const TemplateSetting = "Template"

// Skillset is one deployable plugin document.
type Skillset struct {
	Descriptor  Descriptor   `yaml:"Descriptor"`
	SkillGroups []SkillGroup `yaml:"SkillGroups"`

	// Raw is the document as supplied; it is uploaded verbatim.
	Raw string `yaml:"-"`
}

// Descriptor identifies the skillset.
type Descriptor struct {
	Name                string       `yaml:"Name"`
	DisplayName         string       `yaml:"DisplayName"`
	Description         string       `yaml:"Description"`
	DescriptionForModel string       `yaml:"DescriptionForModel"`
	Category            string       `yaml:"Category"`
	Settings            []SettingDef `yaml:"Settings"`
}

// SettingDef declares a skillset-wide pre-configured setting.
type SettingDef struct {
	Name        string `yaml:"Name"`
	Label       string `yaml:"Label"`
	Description string `yaml:"Description"`
	Required    bool   `yaml:"Required"`
}

// SkillGroup is a set of skills sharing a Format.
type SkillGroup struct {
	Format string  `yaml:"Format"`
	Skills []Skill `yaml:"Skills"`
}

// Skill is one analysis capability.
type Skill struct {
	Name                string         `yaml:"Name"`
	DisplayName         string         `yaml:"DisplayName"`
	Description         string         `yaml:"Description"`
	DescriptionForModel string         `yaml:"DescriptionForModel"`
	Inputs              []Input        `yaml:"Inputs"`
	Settings            map[string]any `yaml:"Settings"`

	// Format is copied from the enclosing group.
	Format string `yaml:"-"`
	// descriptorSettings are the skillset-wide setting names.
	descriptorSettings []string
}

// Input is a user-supplied parameter. Values are text.
type Input struct {
	Name         string `yaml:"Name" json:"name"`
	Description  string `yaml:"Description" json:"description,omitempty"`
	Required     bool   `yaml:"Required" json:"required"`
	DefaultValue string `yaml:"DefaultValue" json:"default_value,omitempty"`
}

// Parse decodes and validates a skillset document.
func Parse(data []byte) (*Skillset, error) {
	var set Skillset
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "failed to parse skillset YAML", err)
	}
	set.Raw = string(data)

	descriptorSettings := make([]string, 0, len(set.Descriptor.Settings))
	for _, s := range set.Descriptor.Settings {
		descriptorSettings = append(descriptorSettings, s.Name)
	}
	for gi := range set.SkillGroups {
		group := &set.SkillGroups[gi]
		for si := range group.Skills {
			group.Skills[si].Format = group.Format
			group.Skills[si].descriptorSettings = descriptorSettings
		}
	}

	if err := validate(&set); err != nil {
		return nil, err
	}
	return &set, nil
}

// LoadFile reads and parses a skillset file.
func LoadFile(path string) (*Skillset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Name returns the skillset name used as its remote identifier.
func (s *Skillset) Name() string {
	return strings.TrimSpace(s.Descriptor.Name)
}

// Skills returns every skill across groups, in document order.
func (s *Skillset) Skills() []*Skill {
	var out []*Skill
	for gi := range s.SkillGroups {
		for si := range s.SkillGroups[gi].Skills {
			out = append(out, &s.SkillGroups[gi].Skills[si])
		}
	}
	return out
}

// Skill returns the named skill. An empty name selects the first KQL skill.
func (s *Skillset) Skill(name string) (*Skill, error) {
	all := s.Skills()
	if name == "" {
		for _, skill := range all {
			if strings.EqualFold(skill.Format, FormatKQL) {
				return skill, nil
			}
		}
		return nil, errors.New(errors.CodeNotFound, "skillset has no KQL skill", nil).
			WithContext("skillset", s.Name())
	}
	for _, skill := range all {
		if skill.Name == name {
			return skill, nil
		}
	}
	for _, skill := range all {
		if strings.EqualFold(skill.Name, name) {
			return skill, nil
		}
	}
	return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("skill %q not found", name), nil).
		WithContext("skillset", s.Name())
}

// Query returns the embedded query text of a KQL skill.
func (sk *Skill) Query() (string, error) {
	if !strings.EqualFold(sk.Format, FormatKQL) {
		return "", errors.New(errors.CodeInvalidInput, fmt.Sprintf("skill %q has format %q, not KQL", sk.Name, sk.Format), nil)
	}
	template, _ := sk.Settings[TemplateSetting].(string)
	if strings.TrimSpace(template) == "" {
		return "", errors.New(errors.CodeInvalidInput, fmt.Sprintf("skill %q has no %s setting", sk.Name, TemplateSetting), nil)
	}
	return strings.TrimSpace(template), nil
}

// Target returns the Target setting, e.g. Sentinel or Defender.
func (sk *Skill) Target() string {
	target, _ := sk.Settings["Target"].(string)
	return target
}

// SettingNames lists the pre-configured parameters of the skill, skill-level
// first, then skillset-wide. These are never requested from the user.
func (sk *Skill) SettingNames() []string {
	names := make([]string, 0, len(sk.Settings)+len(sk.descriptorSettings))
	seen := make(map[string]bool)
	for _, key := range sortedKeys(sk.Settings) {
		seen[key] = true
		names = append(names, key)
	}
	for _, name := range sk.descriptorSettings {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

func validate(set *Skillset) error {
	name := set.Name()
	if name == "" {
		return errors.New(errors.CodeInvalidInput, "Descriptor.Name is required", nil)
	}
	if strings.ContainsAny(name, " \t/\\?#") {
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("Descriptor.Name %q must not contain whitespace or URL delimiters", name), nil)
	}
	seen := make(map[string]bool)
	for _, skill := range set.Skills() {
		if strings.TrimSpace(skill.Name) == "" {
			return errors.New(errors.CodeInvalidInput, "every skill needs a Name", nil)
		}
		if seen[skill.Name] {
			return errors.New(errors.CodeInvalidInput, fmt.Sprintf("duplicate skill name %q", skill.Name), nil)
		}
		seen[skill.Name] = true
		inputs := make(map[string]bool, len(skill.Inputs))
		for _, in := range skill.Inputs {
			if strings.TrimSpace(in.Name) == "" {
				return errors.New(errors.CodeInvalidInput, fmt.Sprintf("skill %q has an input without Name", skill.Name), nil)
			}
			if inputs[in.Name] {
				return errors.New(errors.CodeInvalidInput, fmt.Sprintf("skill %q declares input %q twice", skill.Name, in.Name), nil)
			}
			inputs[in.Name] = true
		}
	}
	return nil
}
