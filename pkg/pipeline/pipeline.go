package pipeline

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/audit"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/classify"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/decision"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/httpx"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/metrics"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/ratelimit"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/routectx"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/rules"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/stream"
)

// Pipeline is the single admission path every inbound request crosses:
// signal extraction, role classification, routing-context construction,
// rule matching, the allow/deny decision, and rate limiting, in that order.
// A rejection at any step short-circuits; the downstream handler only runs
// on success. One audit record is written per request either way.
type Pipeline struct {
	Extractor            *classify.Extractor
	Classifier           *classify.Classifier
	Limiter              ratelimit.Limiter
	DefaultRatePerMinute int
	Audit                audit.Sink
	Metrics              *metrics.Registry
	Events               *stream.Hub
	Logf                 func(format string, args ...any)

	admission atomic.Pointer[admission]
}

// admission pairs the rule registry with the engine built for its
// unmatched-path mode. Requests load the pair in one atomic read, so a
// runtime rule replacement never exposes a registry from one set with an
// engine from another.
type admission struct {
	rules  *rules.Registry
	engine *decision.Engine
}

func New(reg *rules.Registry) *Pipeline {
	extractor := classify.DefaultExtractor()
	p := &Pipeline{
		Extractor:            extractor,
		Classifier:           classify.NewClassifier(extractor),
		DefaultRatePerMinute: 60,
		Audit:                audit.NewLogSink(),
		Logf:                 log.Printf,
	}
	p.ReplaceRules(reg)
	return p
}

// ReplaceRules swaps the active rule set and its engine in one step. Safe
// to call while requests are in flight.
func (p *Pipeline) ReplaceRules(reg *rules.Registry) {
	p.admission.Store(&admission{rules: reg, engine: decision.NewEngine(reg.Mode())})
}

// Registry returns the rule set requests are currently evaluated against.
func (p *Pipeline) Registry() *rules.Registry {
	return p.admission.Load().rules
}

// Middleware wires the pipeline in front of the business handler.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.handle(w, r, next)
	})
}

func (p *Pipeline) handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	start := time.Now()
	httpx.SetSecurityHeaders(w.Header())

	var rc *routectx.Context
	defer func() {
		if rec := recover(); rec != nil {
			p.logf("pipeline: panic serving %s %s: %v", r.Method, r.URL.Path, rec)
			httpx.Error(w, http.StatusInternalServerError, "internal server error")
			p.finish(r, rc, decision.Decision{Reason: decision.ReasonInternalError}, start)
		}
	}()

	set := p.Extractor.Extract(r)
	result := p.Classifier.Classify(set)
	rc, err := routectx.Build(r, result, set)
	if err != nil {
		p.logf("pipeline: context build failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "internal server error")
		p.finish(r, nil, decision.Decision{Reason: decision.ReasonInternalError}, start)
		return
	}
	w.Header().Set("X-Correlation-ID", rc.CorrelationID)
	w.Header().Set("X-Request-ID", rc.RequestID)

	adm := p.admission.Load()
	matched := adm.rules.Match(r.URL.Path, r.Method)
	dec := adm.engine.Evaluate(rc, credentialPresent(set), matched)
	if result.RouteType == classify.RouteMulti {
		rc.Annotate("operation_type", "cross_role")
	}

	if !dec.Allowed {
		reason := dec.Reason
		if reason == decision.ReasonAuthRequired && hasFlag(set, classify.FlagTokenDecodeError) {
			reason = decision.ReasonMalformedCredential
		}
		dec.Reason = reason
		httpx.Error(w, denialStatus(reason), denialMessage(reason, dec))
		p.finish(r, rc, dec, start)
		return
	}

	if limit := p.ceiling(dec); p.Limiter != nil && limit > 0 {
		rl := p.Limiter.Allow(rc.RateKey(), limit)
		if !rl.Allowed {
			dec.Allowed = false
			dec.Reason = decision.ReasonRateLimited
			retryAfter := int(time.Until(rl.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			httpx.Error(w, http.StatusTooManyRequests,
				fmt.Sprintf("rate limit exceeded: %d requests per minute", rl.Limit))
			p.finish(r, rc, dec, start)
			return
		}
	}

	next.ServeHTTP(w, r.WithContext(routectx.WithContext(r.Context(), rc)))
	p.finish(r, rc, dec, start)
}

// ceiling resolves the rate ceiling: the matched rule's configured value,
// else the process-wide default.
func (p *Pipeline) ceiling(dec decision.Decision) int {
	if dec.RatePerMinute > 0 {
		return dec.RatePerMinute
	}
	return p.DefaultRatePerMinute
}

// finish runs regardless of outcome: audit, counters, event fan-out. The
// request's own context may already be gone if the caller hung up, so the
// audit write is detached from cancellation.
func (p *Pipeline) finish(r *http.Request, rc *routectx.Context, dec decision.Decision, start time.Time) {
	elapsed := time.Since(start)
	rec := audit.Record{
		Role:        classify.RoleUser,
		ServiceRole: classify.ServiceCore,
		Path:        r.URL.Path,
		Method:      r.Method,
		ClientIP:    routectx.ClientIP(r),
		Allowed:     dec.Allowed,
		Reason:      dec.Reason,
		LatencyMS:   elapsed.Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	if rc != nil {
		rec.RequestID = rc.RequestID
		rec.CorrelationID = rc.CorrelationID
		rec.TenantID = rc.TenantID
		rec.UserID = rc.UserID
		rec.Role = rc.Role
		rec.ServiceRole = rc.ServiceRole
	}
	if p.Audit != nil {
		if err := p.Audit.Append(context.WithoutCancel(r.Context()), rec); err != nil {
			p.logf("pipeline: audit append failed: %v", err)
		}
	}
	if p.Metrics != nil {
		p.Metrics.IncDecision(dec.Allowed, dec.Reason, rec.Role)
	}
	if p.Events != nil {
		p.Events.Publish(stream.NewEvent("decision", rec))
	}
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.Logf != nil {
		p.Logf(format, args...)
	}
}

// credentialPresent reports whether a usable credential accompanied the
// request: a decodable bearer token or an API key. A bearer token that
// failed to decode is not usable.
func credentialPresent(set *classify.SignalSet) bool {
	switch set.AuthMethod {
	case classify.AuthBearer:
		return set.Claims != nil || set.APIKey != ""
	case classify.AuthAPIKey:
		return set.APIKey != ""
	default:
		return false
	}
}

func hasFlag(set *classify.SignalSet, flag string) bool {
	for _, f := range set.SecurityFlags {
		if f == flag {
			return true
		}
	}
	return false
}

func denialStatus(reason string) int {
	switch reason {
	case decision.ReasonAuthRequired, decision.ReasonMalformedCredential:
		return http.StatusUnauthorized
	case decision.ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

func denialMessage(reason string, dec decision.Decision) string {
	switch reason {
	case decision.ReasonAuthRequired:
		return "authentication required"
	case decision.ReasonMalformedCredential:
		return "authentication required: credential unreadable"
	case decision.ReasonDefaultDeny:
		return "no route rule permits this path"
	default:
		return "insufficient permissions"
	}
}
