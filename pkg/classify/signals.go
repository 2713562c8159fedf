package classify

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
)

// Platform roles a request can classify into.
const (
	RoleSI     = "system_integrator"
	RoleAPP    = "access_point_provider"
	RoleHybrid = "hybrid"
	RoleAdmin  = "platform_admin"
	RoleUser   = "user"
)

// Service roles select the downstream handler group.
const (
	ServiceSI     = "si_services"
	ServiceAPP    = "app_services"
	ServiceHybrid = "hybrid_services"
	ServiceAdmin  = "admin_services"
	ServiceCore   = "core_services"
)

// AuthMethod values detected during extraction.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthAPIKey = "api_key"
)

const FlagTokenDecodeError = "token-decode-error"

// SignalSet holds every role indicator harvested from one request.
// Built per request and discarded; never shared across requests.
type SignalSet struct {
	PathMatches   map[string][]string
	HeaderMatches map[string][]string
	QueryMatches  map[string][]string
	AuthMethod    string
	Claims        *TokenClaims
	APIKey        string
	SecurityFlags []string
}

// TokenClaims are the advisory fields peeked from an unverified bearer token.
// They are classification input only, never authenticated identity.
type TokenClaims struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	OrgID       string   `json:"org_id"`
}

// rolePatterns is one role's indicator library.
type rolePatterns struct {
	paths   []*regexp.Regexp
	headers []string
	queries []string
}

// Extractor pulls role signals out of a request. The zero value is not
// usable; construct with NewExtractor.
type Extractor struct {
	roles     map[string]*rolePatterns
	keyPrefix map[string]string
}

// DefaultExtractor returns an extractor loaded with the platform's built-in
// indicator libraries. Concrete patterns are configuration data; these
// defaults cover the SI, APP, and admin surfaces of the gateway.
func DefaultExtractor() *Extractor {
	e := NewExtractor()
	e.AddPathPatterns(RoleSI,
		`/si/`, `/integration`, `/erp`, `/certificates`, `/organizations/.*/mappings`, `/invoice-generation`)
	e.AddPathPatterns(RoleAPP,
		`/app/`, `/transmission`, `/taxpayers`, `/compliance`, `/reporting`, `/validation-batch`)
	e.AddPathPatterns(RoleAdmin,
		`/admin/`, `/platform/`, `/internal/`)
	e.AddHeaders(RoleSI, "x-integration-id", "x-erp-system", "x-si-workflow")
	e.AddHeaders(RoleAPP, "x-transmission-id", "x-taxpayer-tin", "x-app-environment")
	e.AddHeaders(RoleAdmin, "x-admin-scope")
	e.AddQueryParams(RoleSI, "integration_id", "erp_type", "mapping_id")
	e.AddQueryParams(RoleAPP, "transmission_id", "submission_id", "irn")
	e.AddQueryParams(RoleAdmin, "tenant_override")
	e.SetKeyPrefix(RoleSI, "si_")
	e.SetKeyPrefix(RoleAPP, "app_")
	e.SetKeyPrefix(RoleAdmin, "adm_")
	return e
}

func NewExtractor() *Extractor {
	return &Extractor{
		roles:     map[string]*rolePatterns{},
		keyPrefix: map[string]string{},
	}
}

func (e *Extractor) role(name string) *rolePatterns {
	rp, ok := e.roles[name]
	if !ok {
		rp = &rolePatterns{}
		e.roles[name] = rp
	}
	return rp
}

// AddPathPatterns registers case-insensitive path regexps for a role.
// Invalid patterns are skipped.
func (e *Extractor) AddPathPatterns(role string, patterns ...string) {
	rp := e.role(role)
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		rp.paths = append(rp.paths, re)
	}
}

func (e *Extractor) AddHeaders(role string, names ...string) {
	rp := e.role(role)
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			rp.headers = append(rp.headers, n)
		}
	}
}

func (e *Extractor) AddQueryParams(role string, names ...string) {
	rp := e.role(role)
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			rp.queries = append(rp.queries, n)
		}
	}
}

func (e *Extractor) SetKeyPrefix(role, prefix string) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix != "" {
		e.keyPrefix[role] = prefix
	}
}

// Extract populates a SignalSet from the request. It never rejects: decode
// failures degrade to a security flag and the affected signal is dropped.
func (e *Extractor) Extract(r *http.Request) *SignalSet {
	set := &SignalSet{
		PathMatches:   map[string][]string{},
		HeaderMatches: map[string][]string{},
		QueryMatches:  map[string][]string{},
		AuthMethod:    AuthNone,
	}
	path := r.URL.Path
	query := r.URL.Query()
	for role, rp := range e.roles {
		for _, re := range rp.paths {
			if re.MatchString(path) {
				set.PathMatches[role] = append(set.PathMatches[role], re.String())
			}
		}
		for _, h := range rp.headers {
			if r.Header.Get(h) != "" {
				set.HeaderMatches[role] = append(set.HeaderMatches[role], h)
			}
		}
		for _, q := range rp.queries {
			if query.Has(q) {
				set.QueryMatches[role] = append(set.QueryMatches[role], q)
			}
		}
	}

	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		set.AuthMethod = AuthBearer
		token := strings.TrimSpace(authz[len("Bearer "):])
		claims, err := PeekClaims(token)
		if err != nil {
			set.SecurityFlags = append(set.SecurityFlags, FlagTokenDecodeError)
		} else {
			set.Claims = claims
		}
	}

	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		set.APIKey = key
		if set.AuthMethod == AuthNone {
			set.AuthMethod = AuthAPIKey
		}
	}
	return set
}

// PeekClaims decodes the payload segment of a bearer token as padded
// standard base64 JSON. It performs no signature verification: the result
// is an advisory classification signal, not authenticated identity.
func PeekClaims(token string) (*TokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errInvalidToken
	}
	segment := parts[1]
	if pad := len(segment) % 4; pad != 0 {
		segment += strings.Repeat("=", 4-pad)
	}
	raw, err := base64.StdEncoding.DecodeString(segment)
	if err != nil {
		return nil, err
	}
	var claims TokenClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

// keyPrefixRole reports the role whose API-key prefix matches, if any.
func (e *Extractor) keyPrefixRole(key string) (string, bool) {
	lower := strings.ToLower(key)
	for role, prefix := range e.keyPrefix {
		if strings.HasPrefix(lower, prefix) {
			return role, true
		}
	}
	return "", false
}

type tokenError string

func (t tokenError) Error() string { return string(t) }

const errInvalidToken = tokenError("invalid token format")
