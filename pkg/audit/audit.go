package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Record is the audit entry written once per request, success or failure.
type Record struct {
	RequestID     string    `json:"request_id"`
	CorrelationID string    `json:"correlation_id"`
	TenantID      string    `json:"tenant_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	Role          string    `json:"role"`
	ServiceRole   string    `json:"service_role"`
	Path          string    `json:"path"`
	Method        string    `json:"method"`
	ClientIP      string    `json:"client_ip"`
	Allowed       bool      `json:"allowed"`
	Reason        string    `json:"reason"`
	LatencyMS     int64     `json:"latency_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// Sink is the append-only audit collaborator.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer persists audit records to Postgres.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

const Schema = `
CREATE TABLE IF NOT EXISTS gateway_audit (
	request_id     TEXT PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	tenant_id      TEXT NOT NULL DEFAULT '',
	user_id        TEXT NOT NULL DEFAULT '',
	role           TEXT NOT NULL,
	service_role   TEXT NOT NULL,
	path           TEXT NOT NULL,
	method         TEXT NOT NULL,
	client_ip      TEXT NOT NULL,
	allowed        BOOLEAN NOT NULL,
	reason         TEXT NOT NULL,
	latency_ms     BIGINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
)`

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO gateway_audit
		(request_id, correlation_id, tenant_id, user_id, role, service_role, path, method, client_ip, allowed, reason, latency_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, rec.RequestID, rec.CorrelationID, rec.TenantID, rec.UserID, rec.Role, rec.ServiceRole,
		rec.Path, rec.Method, rec.ClientIP, rec.Allowed, rec.Reason, rec.LatencyMS, rec.CreatedAt)
	return err
}

// Get fetches one record. A non-empty tenant scopes the lookup so tenants
// cannot read each other's audit trail.
func (w *Writer) Get(ctx context.Context, requestID, tenant string) (Record, error) {
	query := `
		SELECT request_id, correlation_id, tenant_id, user_id, role, service_role, path, method, client_ip, allowed, reason, latency_ms, created_at
		FROM gateway_audit WHERE request_id=$1`
	args := []any{requestID}
	if tenant != "" {
		query += ` AND tenant_id=$2`
		args = append(args, tenant)
	}
	var rec Record
	row := w.DB.QueryRow(ctx, query, args...)
	err := row.Scan(&rec.RequestID, &rec.CorrelationID, &rec.TenantID, &rec.UserID, &rec.Role,
		&rec.ServiceRole, &rec.Path, &rec.Method, &rec.ClientIP, &rec.Allowed, &rec.Reason,
		&rec.LatencyMS, &rec.CreatedAt)
	return rec, err
}
