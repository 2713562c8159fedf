package routectx

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/classify"
)

// Context is the per-request bundle of identity, role, and permission data
// handed to every downstream stage. It is read-mostly after Build: only the
// Metadata map may receive additive annotations later in the pipeline.
type Context struct {
	RequestID      string
	CorrelationID  string
	UserID         string
	OrganizationID string
	TenantID       string
	SessionID      string
	APIKey         string
	ClientIP       string
	UserAgent      string
	Role           string
	ServiceRole    string
	Permissions    []string
	Metadata       map[string]string
}

type contextKey string

const routingContextKey contextKey = "taxpoynt.routing_context"

// Build merges a classification result with header-derived identity into a
// Routing Context. Pure function: no I/O, fresh request id per call.
// Missing identity headers degrade to empty fields; only a structurally
// unusable input fails.
func Build(r *http.Request, result classify.Result, set *classify.SignalSet) (*Context, error) {
	if r == nil || set == nil {
		return nil, errors.New("routectx: request and signal set are required")
	}
	correlationID := strings.TrimSpace(r.Header.Get("x-correlation-id"))
	if correlationID == "" {
		correlationID = strings.TrimSpace(r.Header.Get("x-request-id"))
	}
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	orgID := strings.TrimSpace(r.Header.Get("x-organization-id"))
	if orgID == "" && set.Claims != nil {
		orgID = set.Claims.OrgID
	}
	permissions := result.Permissions
	if set.Claims != nil && len(set.Claims.Permissions) > 0 {
		permissions = set.Claims.Permissions
	}
	ctx := &Context{
		RequestID:      uuid.New().String(),
		CorrelationID:  correlationID,
		UserID:         strings.TrimSpace(r.Header.Get("x-user-id")),
		OrganizationID: orgID,
		TenantID:       strings.TrimSpace(r.Header.Get("x-tenant-id")),
		SessionID:      strings.TrimSpace(r.Header.Get("x-session-id")),
		APIKey:         set.APIKey,
		ClientIP:       ClientIP(r),
		UserAgent:      r.UserAgent(),
		Role:           result.Primary,
		ServiceRole:    classify.ServiceRole(result.Primary),
		Permissions:    permissions,
		Metadata: map[string]string{
			"route_type":  result.RouteType,
			"auth_method": set.AuthMethod,
		},
	}
	if group := endpointGroup(r.URL.Path); group != "" {
		ctx.Metadata["endpoint_group"] = group
	}
	if version := apiVersion(r.URL.Path); version != "" {
		ctx.Metadata["api_version"] = version
	}
	return ctx, nil
}

// Annotate adds a metadata tag. Later writes win; all other Context fields
// stay untouched for the request's lifetime.
func (c *Context) Annotate(key, value string) {
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	c.Metadata[key] = value
}

// HasPermissions reports whether the context's permission set is a superset
// of required.
func (c *Context) HasPermissions(required []string) bool {
	if len(required) == 0 {
		return true
	}
	held := make(map[string]struct{}, len(c.Permissions))
	for _, p := range c.Permissions {
		held[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	for _, p := range required {
		if _, ok := held[strings.ToLower(strings.TrimSpace(p))]; !ok {
			return false
		}
	}
	return true
}

// RateKey resolves the rate-limit bucket key: user id when known, else
// client ip.
func (c *Context) RateKey() string {
	if c.UserID != "" {
		return "user:" + c.UserID
	}
	return "ip:" + c.ClientIP
}

func WithContext(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, routingContextKey, rc)
}

func FromContext(ctx context.Context) (*Context, bool) {
	rc, ok := ctx.Value(routingContextKey).(*Context)
	return rc, ok && rc != nil
}

// ClientIP resolves the caller address, preferring forwarding headers.
func ClientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// apiVersion pulls the "v1" style segment from /api/v1/... paths.
func apiVersion(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for _, seg := range segments {
		if len(seg) >= 2 && (seg[0] == 'v' || seg[0] == 'V') {
			rest := seg[1:]
			digits := true
			for _, c := range rest {
				if c < '0' || c > '9' {
					digits = false
					break
				}
			}
			if digits {
				return strings.ToLower(seg)
			}
		}
	}
	return ""
}

// endpointGroup is the first meaningful path segment after the api prefix.
func endpointGroup(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for _, seg := range segments {
		if seg == "" || strings.EqualFold(seg, "api") || apiVersion("/"+seg) != "" {
			continue
		}
		return strings.ToLower(seg)
	}
	return ""
}
