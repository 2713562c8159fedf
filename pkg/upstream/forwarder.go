package upstream

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/httpx"
	"github.com/mukhtar-github/taxpoynt-platform-sub000/pkg/routectx"
)

// Forwarder relays an admitted request to the business-handler group its
// routing context resolved to. The gateway never reshapes the business
// response: status, content type, and body pass through untouched.
type Forwarder struct {
	Client       *http.Client
	Targets      map[string]string
	Retries      int
	RetryDelay   time.Duration
	MaxBodyBytes int64
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc, ok := routectx.FromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusInternalServerError, "routing context missing")
		return
	}
	base := strings.TrimRight(f.Targets[rc.ServiceRole], "/")
	if base == "" {
		httpx.Error(w, http.StatusBadGateway, "no upstream configured for "+rc.ServiceRole)
		return
	}
	maxBody := f.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	url := base + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	retries := f.Retries
	if retries < 0 {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		req, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(body))
		if err != nil {
			httpx.Error(w, http.StatusInternalServerError, "failed to build upstream request")
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		if authz := r.Header.Get("Authorization"); authz != "" {
			req.Header.Set("Authorization", authz)
		}
		setIdentityHeaders(req.Header, rc)

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < retries {
				time.Sleep(f.RetryDelay)
				continue
			}
			break
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt < retries {
				time.Sleep(f.RetryDelay)
				continue
			}
			break
		}
		if resp.StatusCode >= 500 && attempt < retries {
			time.Sleep(f.RetryDelay)
			continue
		}
		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(respBody)
		return
	}
	log.Printf("upstream: forward failed url=%s err=%v", url, lastErr)
	httpx.Error(w, http.StatusBadGateway, "upstream unavailable")
}

// setIdentityHeaders stamps the routing context onto the upstream request
// so the business handler can read identity without re-deriving it.
func setIdentityHeaders(h http.Header, rc *routectx.Context) {
	h.Set("X-Request-ID", rc.RequestID)
	h.Set("X-Correlation-ID", rc.CorrelationID)
	h.Set("X-Platform-Role", rc.Role)
	h.Set("X-Service-Role", rc.ServiceRole)
	if rc.UserID != "" {
		h.Set("X-User-ID", rc.UserID)
	}
	if rc.OrganizationID != "" {
		h.Set("X-Organization-ID", rc.OrganizationID)
	}
	if rc.TenantID != "" {
		h.Set("X-Tenant-ID", rc.TenantID)
	}
	if len(rc.Permissions) > 0 {
		h.Set("X-Permissions", strings.Join(rc.Permissions, ","))
	}
}
