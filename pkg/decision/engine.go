package decision

import (
	"strings"
	"time"

	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/classify"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/routectx"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/rules"
)

// Reason codes attached to every routing decision.
const (
	ReasonAllow               = "ALLOW"
	ReasonDefaultAllow        = "DEFAULT_ALLOW"
	ReasonDefaultDeny         = "DEFAULT_DENY"
	ReasonAuthRequired        = "AUTH_REQUIRED"
	ReasonPermissionDenied    = "PERMISSION_DENIED"
	ReasonRateLimited         = "RATE_LIMITED"
	ReasonMalformedCredential = "MALFORMED_CREDENTIAL"
	ReasonInternalError       = "INTERNAL_ERROR"
)

// Named sub-checks recorded per rule.
const (
	CheckRole        = "role"
	CheckServiceRole = "service_role"
	CheckPermissions = "permissions"
	CheckAuth        = "authentication"
	CheckTenant      = "tenant_context"
)

// RuleEvaluation is the per-check outcome for one considered rule, kept
// even for rules ultimately rejected so denials can be attributed exactly.
type RuleEvaluation struct {
	RuleID string          `json:"rule_id"`
	Checks map[string]bool `json:"checks"`
	Passed bool            `json:"passed"`
}

// Decision is the outcome for one request. Created fresh per request and
// discarded after the audit write.
type Decision struct {
	Allowed       bool             `json:"allowed"`
	Reason        string           `json:"reason"`
	RuleID        string           `json:"rule_id,omitempty"`
	HandlerGroup  string           `json:"handler_group"`
	Considered    []string         `json:"considered,omitempty"`
	Evaluations   []RuleEvaluation `json:"evaluations,omitempty"`
	RatePerMinute int              `json:"-"`
	Burst         int              `json:"-"`
	Elapsed       time.Duration    `json:"-"`
}

// Engine evaluates matched rules against a routing context.
type Engine struct {
	mode rules.UnmatchedMode
}

func NewEngine(mode rules.UnmatchedMode) *Engine {
	if mode != rules.UnmatchedDeny {
		mode = rules.UnmatchedAllow
	}
	return &Engine{mode: mode}
}

// Evaluate walks the matched rules in registration order and takes the
// first rule for which every applicable check passes. No re-entry: once a
// rule allows, evaluation stops. authenticated means a usable credential
// was detected; classification confidence plays no part here.
func (e *Engine) Evaluate(rc *routectx.Context, authenticated bool, matched []*rules.Rule) Decision {
	start := time.Now()
	if len(matched) == 0 {
		return e.unmatched(rc, start)
	}

	dec := Decision{HandlerGroup: rc.ServiceRole}
	sawAuthRequirement := false
	for _, rule := range matched {
		checks := map[string]bool{
			CheckAuth:        !rule.RequireAuth || authenticated,
			CheckRole:        roleAllowed(rc.Role, rule.AllowedRoles),
			CheckServiceRole: roleAllowed(rc.ServiceRole, rule.AllowedServiceRoles) || rc.Role == classify.RoleAdmin,
			CheckPermissions: rc.HasPermissions(rule.RequiredPermissions),
			CheckTenant:      !rule.RequireTenant || rc.TenantID != "" || rc.OrganizationID != "",
		}
		passed := true
		for _, ok := range checks {
			if !ok {
				passed = false
				break
			}
		}
		if rule.RequireAuth {
			sawAuthRequirement = true
		}
		dec.Considered = append(dec.Considered, rule.ID)
		dec.Evaluations = append(dec.Evaluations, RuleEvaluation{RuleID: rule.ID, Checks: checks, Passed: passed})
		if passed {
			dec.Allowed = true
			dec.Reason = ReasonAllow
			dec.RuleID = rule.ID
			dec.RatePerMinute = rule.RatePerMinute
			dec.Burst = rule.Burst
			dec.Elapsed = time.Since(start)
			return dec
		}
	}

	// Every rule rejected: missing credential where one was required is an
	// authentication failure, anything else is a permission failure.
	if !authenticated && sawAuthRequirement {
		dec.Reason = ReasonAuthRequired
	} else {
		dec.Reason = ReasonPermissionDenied
	}
	dec.Elapsed = time.Since(start)
	return dec
}

func (e *Engine) unmatched(rc *routectx.Context, start time.Time) Decision {
	dec := Decision{HandlerGroup: rc.ServiceRole, Elapsed: time.Since(start)}
	if e.mode == rules.UnmatchedDeny {
		dec.Reason = ReasonDefaultDeny
		return dec
	}
	dec.Allowed = true
	dec.Reason = ReasonDefaultAllow
	return dec
}

func roleAllowed(role string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	if role == classify.RoleAdmin {
		return true
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if strings.EqualFold(a, role) {
			return true
		}
		// A hybrid principal serves both tenant surfaces.
		if role == classify.RoleHybrid && (a == classify.RoleSI || a == classify.RoleAPP) {
			return true
		}
		if role == classify.ServiceHybrid && (a == classify.ServiceSI || a == classify.ServiceAPP) {
			return true
		}
	}
	return false
}
