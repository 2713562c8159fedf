package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/audit"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/classify"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/decision"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/metrics"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/ratelimit"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/routectx"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/rules"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/stream"
)

type captureSink struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (c *captureSink) Append(ctx context.Context, rec audit.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *captureSink) last(t *testing.T) audit.Record {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recs) == 0 {
		t.Fatal("no audit records written")
	}
	return c.recs[len(c.recs)-1]
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func testRegistry(t *testing.T, mode rules.UnmatchedMode) *rules.Registry {
	t.Helper()
	reg := rules.NewRegistry(mode)
	specs := []rules.Rule{
		{
			ID:                  "transmission",
			Pattern:             "/api/v1/transmission/**",
			Methods:             []string{"POST"},
			AllowedRoles:        []string{classify.RoleAPP, classify.RoleHybrid, classify.RoleAdmin},
			RequiredPermissions: []string{"transmission.access"},
			RequireAuth:         true,
			RequireTenant:       true,
			RatePerMinute:       3,
		},
		{
			ID:           "si",
			Pattern:      "/api/v1/si/**",
			AllowedRoles: []string{classify.RoleSI, classify.RoleHybrid, classify.RoleAdmin},
			RequireAuth:  true,
		},
		{ID: "auth-public", Pattern: "/api/v1/auth/**"},
	}
	for _, rule := range specs {
		if err := reg.Register(rule); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func testPipeline(t *testing.T, mode rules.UnmatchedMode) (*Pipeline, *captureSink) {
	t.Helper()
	p := New(testRegistry(t, mode))
	sink := &captureSink{}
	p.Audit = sink
	p.Metrics = metrics.NewRegistry()
	p.Limiter = ratelimit.NewSliding(time.Minute, 100)
	p.Logf = func(string, ...any) {}
	return p, sink
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func bearerToken(payload string) string {
	header := base64.RawStdEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	body := base64.RawStdEncoding.EncodeToString([]byte(payload))
	return header + "." + body + ".sig"
}

func appRequest(method, target string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	r.Header.Set("Authorization", "Bearer "+bearerToken(`{"role":"access_point_provider","org_id":"org-1","permissions":["transmission.access"]}`))
	r.Header.Set("X-Tenant-ID", "tenant-1")
	r.Header.Set("X-User-ID", "user-1")
	return r
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid failure payload %q: %v", w.Body.String(), err)
	}
	if payload["error"] == "" {
		t.Fatalf("payload missing error: %v", payload)
	}
	if _, err := time.Parse(time.RFC3339, payload["timestamp"]); err != nil {
		t.Fatalf("payload timestamp %q: %v", payload["timestamp"], err)
	}
	return payload
}

func TestUnauthenticatedSubmissionRejected(t *testing.T) {
	p, sink := testPipeline(t, rules.UnmatchedDeny)
	handler := p.Middleware(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/transmission/submit", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", w.Code)
	}
	decodeEnvelope(t, w)
	rec := sink.last(t)
	if rec.Allowed {
		t.Fatal("audit record marked allowed")
	}
	if rec.Reason != decision.ReasonAuthRequired {
		t.Fatalf("audit reason=%q want %q", rec.Reason, decision.ReasonAuthRequired)
	}
	if rec.Path != "/api/v1/transmission/submit" || rec.Method != "POST" {
		t.Fatalf("audit record=%+v", rec)
	}
}

func TestMalformedCredentialDistinguishedInAudit(t *testing.T) {
	p, sink := testPipeline(t, rules.UnmatchedDeny)
	handler := p.Middleware(okHandler())

	r := httptest.NewRequest("POST", "/api/v1/transmission/submit", nil)
	r.Header.Set("Authorization", "Bearer not-a-token")
	r.Header.Set("X-Tenant-ID", "tenant-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", w.Code)
	}
	if rec := sink.last(t); rec.Reason != decision.ReasonMalformedCredential {
		t.Fatalf("audit reason=%q want %q", rec.Reason, decision.ReasonMalformedCredential)
	}
}

func TestAllowedRequestReachesHandler(t *testing.T) {
	p, sink := testPipeline(t, rules.UnmatchedDeny)
	var got *routectx.Context
	handler := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = routectx.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, appRequest("POST", "/api/v1/transmission/submit"))

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if got == nil {
		t.Fatal("handler did not receive a routing context")
	}
	if got.Role != classify.RoleAPP || got.ServiceRole != classify.ServiceAPP {
		t.Fatalf("context roles %q/%q", got.Role, got.ServiceRole)
	}
	if w.Header().Get("X-Request-ID") != got.RequestID {
		t.Fatal("X-Request-ID header missing or mismatched")
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("X-Correlation-ID header missing")
	}
	rec := sink.last(t)
	if !rec.Allowed || rec.Reason != decision.ReasonAllow {
		t.Fatalf("audit record=%+v", rec)
	}
	if rec.TenantID != "tenant-1" || rec.UserID != "user-1" {
		t.Fatalf("audit identity: %+v", rec)
	}
}

func TestWrongRoleForbidden(t *testing.T) {
	p, sink := testPipeline(t, rules.UnmatchedDeny)
	handler := p.Middleware(okHandler())

	// SI credential against the APP-only transmission surface.
	r := httptest.NewRequest("POST", "/api/v1/transmission/submit", nil)
	r.Header.Set("Authorization", "Bearer "+bearerToken(`{"role":"system_integrator"}`))
	r.Header.Set("X-API-Key", "si_k1")
	r.Header.Set("X-Tenant-ID", "tenant-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status=%d want 403", w.Code)
	}
	if rec := sink.last(t); rec.Reason != decision.ReasonPermissionDenied {
		t.Fatalf("audit reason=%q", rec.Reason)
	}
}

func TestRateLimitCeiling(t *testing.T) {
	p, sink := testPipeline(t, rules.UnmatchedDeny)
	handler := p.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, appRequest("POST", "/api/v1/transmission/submit"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status=%d body=%s", i+1, w.Code, w.Body.String())
		}
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, appRequest("POST", "/api/v1/transmission/submit"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
	payload := decodeEnvelope(t, w)
	if !strings.Contains(payload["error"], "3 requests per minute") {
		t.Fatalf("error=%q should state the ceiling", payload["error"])
	}
	if rec := sink.last(t); rec.Reason != decision.ReasonRateLimited || rec.Allowed {
		t.Fatalf("audit record=%+v", rec)
	}
}

func TestRateLimitKeyIsolation(t *testing.T) {
	p, _ := testPipeline(t, rules.UnmatchedDeny)
	handler := p.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, appRequest("POST", "/api/v1/transmission/submit"))
		if w.Code != http.StatusOK {
			t.Fatalf("setup request %d: status=%d", i+1, w.Code)
		}
	}
	other := appRequest("POST", "/api/v1/transmission/submit")
	other.Header.Set("X-User-ID", "user-2")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, other)
	if w.Code != http.StatusOK {
		t.Fatalf("second user's request rejected: %d", w.Code)
	}
}

func TestUnmatchedDefaultModes(t *testing.T) {
	p, sink := testPipeline(t, rules.UnmatchedAllow)
	handler := p.Middleware(okHandler())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/unlisted", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("allow mode: status=%d", w.Code)
	}
	if rec := sink.last(t); rec.Reason != decision.ReasonDefaultAllow {
		t.Fatalf("audit reason=%q", rec.Reason)
	}

	p, sink = testPipeline(t, rules.UnmatchedDeny)
	handler = p.Middleware(okHandler())
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/unlisted", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("deny mode: status=%d", w.Code)
	}
	if rec := sink.last(t); rec.Reason != decision.ReasonDefaultDeny {
		t.Fatalf("audit reason=%q", rec.Reason)
	}
}

func TestPanicRecoveredAsGenericError(t *testing.T) {
	p, sink := testPipeline(t, rules.UnmatchedAllow)
	handler := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/auth/login", nil))
	payload := decodeEnvelope(t, w)
	if strings.Contains(payload["error"], "boom") {
		t.Fatalf("panic detail leaked: %q", payload["error"])
	}
	if rec := sink.last(t); rec.Reason != decision.ReasonInternalError {
		t.Fatalf("audit reason=%q", rec.Reason)
	}
}

func TestSecurityHeadersOnEveryResponse(t *testing.T) {
	p, _ := testPipeline(t, rules.UnmatchedDeny)
	handler := p.Middleware(okHandler())

	for _, r := range []*http.Request{
		httptest.NewRequest("POST", "/api/v1/transmission/submit", nil),
		appRequest("POST", "/api/v1/transmission/submit"),
	} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("missing nosniff on %d response", w.Code)
		}
		if w.Header().Get("X-Frame-Options") != "DENY" {
			t.Fatalf("missing frame options on %d response", w.Code)
		}
	}
}

func TestOneAuditRecordPerRequest(t *testing.T) {
	p, sink := testPipeline(t, rules.UnmatchedDeny)
	handler := p.Middleware(okHandler())

	requests := []*http.Request{
		appRequest("POST", "/api/v1/transmission/submit"),
		httptest.NewRequest("POST", "/api/v1/transmission/submit", nil),
		httptest.NewRequest("GET", "/api/v1/auth/login", nil),
		httptest.NewRequest("GET", "/api/v1/unlisted", nil),
	}
	for _, r := range requests {
		handler.ServeHTTP(httptest.NewRecorder(), r)
	}
	if got := sink.count(); got != len(requests) {
		t.Fatalf("audit records=%d want %d", got, len(requests))
	}
}

func TestCrossRoleAnnotation(t *testing.T) {
	p, _ := testPipeline(t, rules.UnmatchedAllow)
	var got *routectx.Context
	handler := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = routectx.FromContext(r.Context())
	}))

	// One SI indicator and one APP indicator classify as multi-role.
	r := httptest.NewRequest("GET", "/api/v1/taxpayers?integration_id=int-1", nil)
	handler.ServeHTTP(httptest.NewRecorder(), r)
	if got == nil {
		t.Fatal("handler not reached")
	}
	if got.Metadata["operation_type"] != "cross_role" {
		t.Fatalf("metadata=%v", got.Metadata)
	}
}

func TestDecisionMetricsCounted(t *testing.T) {
	p, _ := testPipeline(t, rules.UnmatchedDeny)
	handler := p.Middleware(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), appRequest("POST", "/api/v1/transmission/submit"))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/v1/transmission/submit", nil))

	snap := p.Metrics.Snapshot()
	if snap.Outcomes["allowed"] != 1 || snap.Outcomes["denied"] != 1 {
		t.Fatalf("outcomes=%v", snap.Outcomes)
	}
	if snap.Reasons[decision.ReasonAuthRequired] != 1 {
		t.Fatalf("reasons=%v", snap.Reasons)
	}
	if snap.Roles[classify.RoleAPP] == 0 {
		t.Fatalf("roles=%v", snap.Roles)
	}
}

func TestRuleReplacementDuringTraffic(t *testing.T) {
	p, _ := testPipeline(t, rules.UnmatchedDeny)
	p.DefaultRatePerMinute = 100000
	p.Limiter = ratelimit.NewSliding(time.Minute, 100000)
	handler := p.Middleware(okHandler())

	// Registries are built up front so the swapping goroutine never touches t.
	replacements := []*rules.Registry{
		testRegistry(t, rules.UnmatchedDeny),
		testRegistry(t, rules.UnmatchedAllow),
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			p.ReplaceRules(replacements[i%len(replacements)])
		}
	}()

	var wg sync.WaitGroup
	var failures atomic.Int32
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				w := httptest.NewRecorder()
				handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/auth/login", nil))
				// The public auth rule is in every replacement set, so a
				// request must never observe a half-swapped rule state.
				if w.Code != http.StatusOK {
					failures.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-done

	if n := failures.Load(); n != 0 {
		t.Fatalf("%d requests failed during rule replacement", n)
	}
	if p.Registry() != replacements[0] && p.Registry() != replacements[1] {
		t.Fatal("registry is not one of the replacement sets")
	}
}

func TestDecisionEventPublished(t *testing.T) {
	p, _ := testPipeline(t, rules.UnmatchedDeny)
	p.Events = stream.NewHub()
	sub := p.Events.Subscribe(4)
	defer p.Events.Unsubscribe(sub)
	handler := p.Middleware(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), appRequest("POST", "/api/v1/transmission/submit"))
	select {
	case evt := <-sub:
		if evt.Type != "decision" {
			t.Fatalf("event type=%q", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no decision event published")
	}
}
