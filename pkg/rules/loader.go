package rules

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk rule configuration.
type RuleFile struct {
	UnmatchedMode string     `yaml:"unmatched_mode"`
	Rules         []RuleSpec `yaml:"rules"`
}

type RuleSpec struct {
	ID                  string   `yaml:"id"`
	Pattern             string   `yaml:"pattern"`
	Methods             []string `yaml:"methods"`
	AllowedRoles        []string `yaml:"allowed_roles"`
	AllowedServiceRoles []string `yaml:"allowed_service_roles"`
	RequiredPermissions []string `yaml:"required_permissions"`
	RequireAuth         bool     `yaml:"require_auth"`
	RequireTenant       bool     `yaml:"require_tenant"`
	RatePerMinute       int      `yaml:"rate_per_minute"`
	Burst               int      `yaml:"burst"`
}

func (s RuleSpec) toRule() Rule {
	return Rule{
		ID:                  s.ID,
		Pattern:             s.Pattern,
		Methods:             s.Methods,
		AllowedRoles:        s.AllowedRoles,
		AllowedServiceRoles: s.AllowedServiceRoles,
		RequiredPermissions: s.RequiredPermissions,
		RequireAuth:         s.RequireAuth,
		RequireTenant:       s.RequireTenant,
		RatePerMinute:       s.RatePerMinute,
		Burst:               s.Burst,
	}
}

// ParseFile decodes and validates a YAML rule file.
func ParseFile(path string) (*RuleFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*RuleFile, error) {
	var file RuleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}
	switch UnmatchedMode(strings.ToLower(strings.TrimSpace(file.UnmatchedMode))) {
	case UnmatchedAllow, UnmatchedDeny, "":
	default:
		return nil, fmt.Errorf("unmatched_mode %q: must be allow or deny", file.UnmatchedMode)
	}
	for i, spec := range file.Rules {
		rule := spec.toRule()
		if err := rule.compile(); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return &file, nil
}

// LoadInto registers every rule from the file, first registration winning.
func LoadInto(reg *Registry, file *RuleFile) error {
	for i, spec := range file.Rules {
		if err := reg.Register(spec.toRule()); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return nil
}
