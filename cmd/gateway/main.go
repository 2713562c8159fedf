package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/audit"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/auth"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/classify"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/hardening"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/httpx"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/metrics"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/pipeline"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/ratelimit"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/rules"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/store"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/stream"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/telemetry"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/upstream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Cache               store.Cache
	Redis               *redis.Client
	HTTPClient          *http.Client
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Audit               auditStore
	Rules               *rules.Registry
	Pipeline            *pipeline.Pipeline
	Limiter             ratelimit.Limiter
	Forwarder           *upstream.Forwarder
	AuthMode            string
	AuthSecret          string
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	RulesSyncInterval   time.Duration
	MaxRequestBodyBytes int64

	rulesMu   sync.Mutex
	rulesHash string
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, requestID, tenant string) (audit.Record, error)
}

const rulesCacheKey = "gateway:rules:v1"

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

func openPostgres(ctx context.Context) (gatewayDBCloser, error) {
	return store.NewPostgresPool(ctx)
}

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = openPostgres
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.sweepLoop(context.Background())
		go s.rulesSyncLoop(context.Background())
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	reg, err := loadRules(env("RULES_FILE", ""))
	if err != nil {
		return fmt.Errorf("rules: %w", err)
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	authMode := env("AUTH_MODE", "hs256")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		UnmatchedRouteMode:    env("UNMATCHED_ROUTE_MODE", string(reg.Mode())),
		AuthMode:              authMode,
		RequiredSecrets: []hardening.EnvRequirement{
			{Name: "AUTH_HS256_SECRET", Value: env("AUTH_HS256_SECRET", "")},
		},
	}); err != nil {
		return err
	}

	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	auditWriter := &audit.Writer{
		DB:       pool,
		HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
		Redact:   strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true"),
	}
	if _, err := pool.Exec(ctx, audit.Schema); err != nil {
		return fmt.Errorf("audit schema: %w", err)
	}
	var auditSink audit.Sink = auditWriter
	if brokers := env("AUDIT_KAFKA_BROKERS", ""); brokers != "" {
		kafkaSink, err := audit.NewKafkaSink(audit.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("AUDIT_KAFKA_TOPIC", "gateway-audit"),
		})
		if err != nil {
			return fmt.Errorf("audit kafka: %w", err)
		}
		defer kafkaSink.Close()
		auditSink = audit.Fanout(auditWriter, kafkaSink)
	}

	s := &Server{
		Cache:               cache,
		Redis:               redisClient,
		HTTPClient:          telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 3000))}),
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Audit:               auditWriter,
		Rules:               reg,
		AuthMode:            authMode,
		AuthSecret:          env("AUTH_HS256_SECRET", ""),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 60),
		RateLimitWindow:     rateLimitWindow,
		RulesSyncInterval:   time.Second * time.Duration(envInt("RULES_SYNC_INTERVAL_SEC", 15)),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.Limiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.Limiter = ratelimit.NewSliding(rateLimitWindow, ratelimit.DefaultCapacity)
		}
	}
	s.Forwarder = &upstream.Forwarder{
		Client: s.HTTPClient,
		Targets: map[string]string{
			classify.ServiceSI:     env("SI_SERVICES_URL", "http://localhost:8001"),
			classify.ServiceAPP:    env("APP_SERVICES_URL", "http://localhost:8002"),
			classify.ServiceHybrid: env("HYBRID_SERVICES_URL", "http://localhost:8003"),
			classify.ServiceAdmin:  env("ADMIN_SERVICES_URL", "http://localhost:8004"),
			classify.ServiceCore:   env("CORE_SERVICES_URL", "http://localhost:8005"),
		},
		Retries:      envInt("UPSTREAM_RETRIES", 1),
		RetryDelay:   time.Millisecond * time.Duration(envInt("UPSTREAM_RETRY_DELAY_MS", 50)),
		MaxBodyBytes: maxRequestBodyBytes,
	}
	s.Pipeline = pipeline.New(reg)
	s.Pipeline.Limiter = s.Limiter
	s.Pipeline.DefaultRatePerMinute = s.RateLimitPerMinute
	s.Pipeline.Audit = auditSink
	s.Pipeline.Metrics = s.Metrics
	s.Pipeline.Events = s.Events

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	adminRouter := chi.NewRouter()
	adminRouter.Use(auth.Middleware(s.AuthMode, s.AuthSecret))
	adminRouter.Get("/metrics", s.withRoles(s.Metrics.Handler(), classify.RoleAdmin))
	adminRouter.Get("/metrics/prometheus", s.withRoles(s.Metrics.PrometheusHandler(), classify.RoleAdmin))
	adminRouter.Get("/v1/rules", s.withRoles(s.getRules, classify.RoleAdmin))
	adminRouter.Put("/v1/rules", s.withRoles(s.putRules, classify.RoleAdmin))
	adminRouter.Get("/v1/audit/{request_id}", s.withRoles(s.getAudit, classify.RoleAdmin))
	adminRouter.Get("/v1/stream", s.withRoles(s.streamEvents, classify.RoleAdmin))
	r.Mount("/gateway", adminRouter)

	r.Handle("/*", s.Pipeline.Middleware(s.Forwarder))

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// loadRules builds the registry from RULES_FILE when set, else the built-in
// role-partitioned defaults.
func loadRules(path string) (*rules.Registry, error) {
	file := defaultRuleFile()
	if path != "" {
		parsed, err := rules.ParseFile(path)
		if err != nil {
			return nil, err
		}
		file = parsed
	}
	mode := rules.UnmatchedMode(env("UNMATCHED_ROUTE_MODE", file.UnmatchedMode))
	if mode == "" {
		mode = rules.UnmatchedAllow
	}
	reg := rules.NewRegistry(mode)
	if err := rules.LoadInto(reg, file); err != nil {
		return nil, err
	}
	return reg, nil
}

func defaultRuleFile() *rules.RuleFile {
	return &rules.RuleFile{
		UnmatchedMode: string(rules.UnmatchedAllow),
		Rules: []rules.RuleSpec{
			{ID: "health", Pattern: "/health"},
			{ID: "auth-public", Pattern: "/api/v1/auth/**"},
			{ID: "docs-public", Pattern: "/api/v1/docs/**", Methods: []string{"GET"}},
			{
				ID: "si-services", Pattern: "/api/v1/si/**",
				AllowedRoles:  []string{classify.RoleSI, classify.RoleHybrid, classify.RoleAdmin},
				RequireAuth:   true,
				RequireTenant: true,
			},
			{
				ID: "app-services", Pattern: "/api/v1/app/**",
				AllowedRoles:  []string{classify.RoleAPP, classify.RoleHybrid, classify.RoleAdmin},
				RequireAuth:   true,
				RequireTenant: true,
			},
			{
				ID: "transmission", Pattern: "/api/v1/transmission/**",
				AllowedRoles:        []string{classify.RoleAPP, classify.RoleHybrid, classify.RoleAdmin},
				RequiredPermissions: []string{"transmission.access"},
				RequireAuth:         true,
				RequireTenant:       true,
				RatePerMinute:       60,
			},
			{
				ID: "hybrid-services", Pattern: "/api/v1/hybrid/**",
				AllowedRoles:  []string{classify.RoleHybrid, classify.RoleAdmin},
				RequireAuth:   true,
				RequireTenant: true,
			},
			{
				ID: "admin-services", Pattern: "/api/v1/admin/**",
				AllowedRoles: []string{classify.RoleAdmin},
				RequireAuth:  true,
			},
		},
	}
}

func (s *Server) getRules(w http.ResponseWriter, r *http.Request) {
	s.rulesMu.Lock()
	snapshot := s.Rules.Snapshot()
	mode := s.Rules.Mode()
	s.rulesMu.Unlock()
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"unmatched_mode": string(mode),
		"rules":          snapshot,
	})
}

// putRules replaces the whole rule set. The payload is the same YAML document
// RULES_FILE uses; it is validated in full before anything is swapped, and
// the accepted document is pushed to the shared cache so sibling replicas
// converge on it.
func (s *Server) putRules(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	file, err := rules.Parse(body)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	if err := s.applyRules(file, body); err != nil {
		httpx.Error(w, 500, "failed to apply rules")
		return
	}
	if err := s.Cache.Set(r.Context(), rulesCacheKey, string(body), 24*time.Hour); err != nil {
		log.Printf("rules cache publish failed: %v", err)
	}
	s.Events.Publish(stream.NewEvent("rules_updated", map[string]int{"count": len(file.Rules)}))
	httpx.WriteJSON(w, 200, map[string]interface{}{"loaded": len(file.Rules)})
}

func (s *Server) applyRules(file *rules.RuleFile, raw []byte) error {
	mode := rules.UnmatchedMode(file.UnmatchedMode)
	if mode == "" {
		mode = s.Rules.Mode()
	}
	reg := rules.NewRegistry(mode)
	if err := rules.LoadInto(reg, file); err != nil {
		return err
	}
	s.rulesMu.Lock()
	s.Rules = reg
	s.Pipeline.ReplaceRules(reg)
	s.rulesHash = hashBytes(raw)
	s.rulesMu.Unlock()
	return nil
}

// rulesSyncLoop follows rule sets published by sibling replicas.
func (s *Server) rulesSyncLoop(ctx context.Context) {
	if s.RulesSyncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.RulesSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			raw, err := s.Cache.Get(ctx, rulesCacheKey)
			if err != nil || raw == "" {
				continue
			}
			s.rulesMu.Lock()
			current := s.rulesHash
			s.rulesMu.Unlock()
			if hashBytes([]byte(raw)) == current {
				continue
			}
			file, err := rules.Parse([]byte(raw))
			if err != nil {
				log.Printf("rules sync: invalid published rule set: %v", err)
				continue
			}
			if err := s.applyRules(file, []byte(raw)); err != nil {
				log.Printf("rules sync: apply failed: %v", err)
				continue
			}
			log.Printf("rules sync: applied %d rules", len(file.Rules))
		}
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	sl, ok := s.Limiter.(*ratelimit.SlidingLimiter)
	if !ok {
		return
	}
	ticker := time.NewTicker(s.RateLimitWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sl.Sweep()
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics()
		}
	}
}

func (s *Server) updateOperationalMetrics() {
	if s.Metrics == nil {
		return
	}
	s.rulesMu.Lock()
	ruleCount := len(s.Rules.Patterns())
	s.rulesMu.Unlock()
	s.Metrics.SetGauge("rules_loaded", float64(ruleCount))
	if sl, ok := s.Limiter.(*ratelimit.SlidingLimiter); ok {
		s.Metrics.SetGauge("rate_limit_keys", float64(sl.Keys()))
	}
	if s.Events != nil {
		s.Metrics.SetGauge("stream_subscribers", float64(s.Events.SubscriberCount()))
	}
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	principal, _ := auth.PrincipalFromContext(r.Context())
	rec, err := s.Audit.Get(r.Context(), requestID, principal.Tenant)
	if err != nil {
		httpx.Error(w, 404, "not found")
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func hashBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum[:])
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
