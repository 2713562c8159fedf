package rules

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleRuleYAML = `
unmatched_mode: deny
rules:
  - id: transmission
    pattern: /api/v1/transmission/**
    methods: [POST]
    allowed_roles: [access_point_provider, hybrid]
    required_permissions: [transmission.access]
    require_auth: true
    require_tenant: true
    rate_per_minute: 60
  - id: public-auth
    pattern: /api/v1/auth/**
`

func TestParseAndLoad(t *testing.T) {
	file, err := Parse([]byte(sampleRuleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if file.UnmatchedMode != "deny" {
		t.Fatalf("UnmatchedMode=%q", file.UnmatchedMode)
	}
	reg := NewRegistry(UnmatchedMode(file.UnmatchedMode))
	if err := LoadInto(reg, file); err != nil {
		t.Fatal(err)
	}
	matched := reg.Match("/api/v1/transmission/submit", "POST")
	if len(matched) != 1 {
		t.Fatalf("matched %d rules", len(matched))
	}
	rule := matched[0]
	if !rule.RequireAuth || !rule.RequireTenant || rule.RatePerMinute != 60 {
		t.Fatalf("rule=%+v", rule)
	}
	if len(reg.Match("/api/v1/transmission/submit", "GET")) != 0 {
		t.Fatal("GET should not match the POST-only rule")
	}
}

func TestParseRejectsBadMode(t *testing.T) {
	if _, err := Parse([]byte("unmatched_mode: maybe\nrules: []\n")); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseAcceptsUppercaseMode(t *testing.T) {
	file, err := Parse([]byte("unmatched_mode: DENY\nrules: []\n"))
	if err != nil {
		t.Fatal(err)
	}
	if mode := NewRegistry(UnmatchedMode(file.UnmatchedMode)).Mode(); mode != UnmatchedDeny {
		t.Fatalf("mode=%q want deny", mode)
	}
}

func TestParseRejectsBadPattern(t *testing.T) {
	raw := "rules:\n  - id: bad\n    pattern: /a/**/b\n"
	if _, err := Parse([]byte(raw)); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	if _, err := Parse([]byte("rules: [")); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRuleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	file, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(file.Rules) != 2 {
		t.Fatalf("rules=%d", len(file.Rules))
	}
	if _, err := ParseFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
