package classify

import (
	"sort"
	"strings"
)

// Route types resolved by the classifier.
const (
	RouteSIOnly  = "si_only"
	RouteAPPOnly = "app_only"
	RouteMulti   = "multi_role"
	RouteAdmin   = "admin"
	RoutePublic  = "public"
)

// Result is an immutable classification of one request. A valid Result is
// advisory input to authorization, not proof of legitimacy.
type Result struct {
	Roles       []string
	Primary     string
	RouteType   string
	Permissions []string
	Confidence  float64
}

// Classifier aggregates a SignalSet into a Result.
type Classifier struct {
	extractor *Extractor
}

func NewClassifier(e *Extractor) *Classifier {
	if e == nil {
		e = DefaultExtractor()
	}
	return &Classifier{extractor: e}
}

// Confidence scoring weights. Each indicator contributes up to the cap;
// authentication and a path-pattern match add fixed bonuses.
const (
	indicatorWeight    = 0.15
	indicatorCap       = 5
	authBonus          = 0.15
	pathBonus          = 0.10
	lowConfidenceFloor = 0.05
)

var routePermissions = map[string][]string{
	RouteSIOnly:  {"integration.access"},
	RouteAPPOnly: {"transmission.access"},
	RouteMulti:   {"integration.access", "transmission.access"},
	RouteAdmin:   {"platform.admin"},
	RoutePublic:  nil,
}

// Classify resolves the best-fit platform role for a SignalSet. The
// administrative role wins whenever it scores above zero; otherwise the two
// tenant roles are compared by raw indicator count, and zero indicators fall
// through to the default user role.
func (c *Classifier) Classify(set *SignalSet) Result {
	counts := map[string]int{}
	for role, tags := range set.PathMatches {
		counts[role] += len(tags)
	}
	for role, names := range set.HeaderMatches {
		counts[role] += len(names)
	}
	for role, names := range set.QueryMatches {
		counts[role] += len(names)
	}
	if set.Claims != nil {
		if role, ok := claimRole(set.Claims.Role); ok {
			// A hybrid claim indicates both tenant surfaces at once.
			if role == RoleHybrid {
				counts[RoleSI]++
				counts[RoleAPP]++
			} else {
				counts[role]++
			}
		}
	}
	if set.APIKey != "" {
		if role, ok := c.extractor.keyPrefixRole(set.APIKey); ok {
			counts[role]++
		}
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	primary, routeType := resolve(counts)

	roles := make([]string, 0, len(counts))
	for role, n := range counts {
		if n > 0 {
			roles = append(roles, role)
		}
	}
	sort.Slice(roles, func(i, j int) bool {
		if counts[roles[i]] != counts[roles[j]] {
			return counts[roles[i]] > counts[roles[j]]
		}
		return roles[i] < roles[j]
	})
	if len(roles) == 0 {
		roles = []string{RoleUser}
	}

	return Result{
		Roles:       roles,
		Primary:     primary,
		RouteType:   routeType,
		Permissions: routePermissions[routeType],
		Confidence:  confidence(total, set),
	}
}

func resolve(counts map[string]int) (string, string) {
	si := counts[RoleSI]
	app := counts[RoleAPP]
	admin := counts[RoleAdmin]
	switch {
	case admin > 0:
		return RoleAdmin, RouteAdmin
	case si > 0 && app > 0:
		if si > app {
			return RoleSI, RouteMulti
		}
		if app > si {
			return RoleAPP, RouteMulti
		}
		return RoleHybrid, RouteMulti
	case si > 0:
		return RoleSI, RouteSIOnly
	case app > 0:
		return RoleAPP, RouteAPPOnly
	default:
		return RoleUser, RoutePublic
	}
}

func confidence(indicators int, set *SignalSet) float64 {
	capped := indicators
	if capped > indicatorCap {
		capped = indicatorCap
	}
	score := float64(capped) * indicatorWeight
	if set.AuthMethod != AuthNone {
		score += authBonus
	}
	if len(set.PathMatches) > 0 {
		score += pathBonus
	}
	if score < lowConfidenceFloor {
		score = lowConfidenceFloor
	}
	if score > 1 {
		score = 1
	}
	return score
}

// claimRole normalizes a token role claim to a platform role.
func claimRole(raw string) (string, bool) {
	role := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case role == "":
		return "", false
	case role == RoleSI || strings.Contains(role, "si_") || strings.Contains(role, "integrator"):
		return RoleSI, true
	case role == RoleAPP || strings.Contains(role, "app_") || strings.Contains(role, "access_point"):
		return RoleAPP, true
	case strings.Contains(role, "admin"):
		return RoleAdmin, true
	case strings.Contains(role, "hybrid"):
		return RoleHybrid, true
	default:
		return "", false
	}
}

// ServiceRole maps a platform role to the handler group that serves it.
func ServiceRole(role string) string {
	switch role {
	case RoleSI:
		return ServiceSI
	case RoleAPP:
		return ServiceAPP
	case RoleHybrid:
		return ServiceHybrid
	case RoleAdmin:
		return ServiceAdmin
	default:
		return ServiceCore
	}
}
