package rules

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// UnmatchedMode names the posture for paths no rule matches. Allowing by
// default is the platform's historical behavior for unclassified internal
// paths; deployments can flip to deny.
type UnmatchedMode string

const (
	UnmatchedAllow UnmatchedMode = "allow"
	UnmatchedDeny  UnmatchedMode = "deny"
)

// Rule binds a path pattern to authentication, authorization, and
// rate-limit requirements. Pattern globs: `*` matches one path segment,
// `**` matches any remaining suffix; matching is case-insensitive.
type Rule struct {
	ID                  string
	Pattern             string
	Methods             []string
	AllowedRoles        []string
	AllowedServiceRoles []string
	RequiredPermissions []string
	RequireAuth         bool
	RequireTenant       bool
	RatePerMinute       int
	Burst               int

	matcher *matcher
	methods map[string]struct{}
}

func (r *Rule) compile() error {
	m, err := compileGlob(r.Pattern)
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	r.matcher = m
	r.methods = map[string]struct{}{}
	for _, method := range r.Methods {
		method = strings.ToUpper(strings.TrimSpace(method))
		if method != "" {
			r.methods[method] = struct{}{}
		}
	}
	return nil
}

// Matches reports whether the rule applies to the given path and method.
// An empty method set means any method.
func (r *Rule) Matches(path, method string) bool {
	if r.matcher == nil {
		return false
	}
	if len(r.methods) > 0 {
		if _, ok := r.methods[strings.ToUpper(strings.TrimSpace(method))]; !ok {
			return false
		}
	}
	return r.matcher.match(path)
}

// Registry is the ordered endpoint-rule store owned by the enforcement
// pipeline. Registration order is evaluation order. Rules are append or
// replace-by-pattern only; the first registration of a pattern wins and a
// duplicate is logged rather than silently shadowing.
type Registry struct {
	mu        sync.RWMutex
	ordered   []*Rule
	byPattern map[string]int
	mode      UnmatchedMode
	logf      func(format string, args ...any)
}

func NewRegistry(mode UnmatchedMode) *Registry {
	switch UnmatchedMode(strings.ToLower(strings.TrimSpace(string(mode)))) {
	case UnmatchedDeny:
		mode = UnmatchedDeny
	default:
		mode = UnmatchedAllow
	}
	return &Registry{
		byPattern: map[string]int{},
		mode:      mode,
		logf:      log.Printf,
	}
}

func (reg *Registry) Mode() UnmatchedMode {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.mode
}

// Register appends a rule. A duplicate pattern keeps the earlier rule.
func (reg *Registry) Register(rule Rule) error {
	if strings.TrimSpace(rule.Pattern) == "" {
		return fmt.Errorf("rule %s: pattern is required", rule.ID)
	}
	if strings.TrimSpace(rule.ID) == "" {
		rule.ID = patternKey(rule.Pattern)
	}
	if err := rule.compile(); err != nil {
		return err
	}
	key := patternKey(rule.Pattern)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if idx, exists := reg.byPattern[key]; exists {
		reg.logf("rules: duplicate registration for pattern %q ignored (kept rule %s)", rule.Pattern, reg.ordered[idx].ID)
		return nil
	}
	reg.byPattern[key] = len(reg.ordered)
	reg.ordered = append(reg.ordered, &rule)
	return nil
}

// Replace swaps the rule registered under the same pattern key, keeping its
// position in evaluation order. Unknown patterns are appended.
func (reg *Registry) Replace(rule Rule) error {
	if strings.TrimSpace(rule.Pattern) == "" {
		return fmt.Errorf("rule %s: pattern is required", rule.ID)
	}
	if strings.TrimSpace(rule.ID) == "" {
		rule.ID = patternKey(rule.Pattern)
	}
	if err := rule.compile(); err != nil {
		return err
	}
	key := patternKey(rule.Pattern)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if idx, exists := reg.byPattern[key]; exists {
		reg.ordered[idx] = &rule
		return nil
	}
	reg.byPattern[key] = len(reg.ordered)
	reg.ordered = append(reg.ordered, &rule)
	return nil
}

// Match returns every rule applicable to the path and method, in
// registration order.
func (reg *Registry) Match(path, method string) []*Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	var out []*Rule
	for _, rule := range reg.ordered {
		if rule.Matches(path, method) {
			out = append(out, rule)
		}
	}
	return out
}

// Snapshot returns the registered rules in evaluation order.
func (reg *Registry) Snapshot() []Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]Rule, 0, len(reg.ordered))
	for _, rule := range reg.ordered {
		out = append(out, *rule)
	}
	return out
}

// Patterns lists the registered pattern keys, sorted.
func (reg *Registry) Patterns() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]string, 0, len(reg.byPattern))
	for key := range reg.byPattern {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func patternKey(pattern string) string {
	return strings.ToLower(strings.TrimSpace(pattern))
}
