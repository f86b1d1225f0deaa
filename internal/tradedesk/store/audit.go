package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bdobrica/tradedesk/common/redact"
	"github.com/bdobrica/tradedesk/common/trace"
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// AuditEntry represents an audit log entry
type AuditEntry struct {
	ID           int64
	Timestamp    time.Time
	TraceID      string
	SessionID    string
	Actor        string
	Action       string
	Target       sql.NullString
	PayloadJSON  sql.NullString
	Result       string
	ErrorMessage sql.NullString
}

// AuditPayload is a helper for structured audit payloads. String values are
// passed through redact.Map before being stored.
type AuditPayload map[string]any

// AuditRecord is the input to AppendAudit. TraceID and SessionID default to
// the values carried by the context.
type AuditRecord struct {
	TraceID   string
	SessionID string
	Actor     string
	Action    string
	Target    string
	Result    string
	Payload   AuditPayload
	Error     string
}

// AppendAudit inserts rec using ex, which may be the caller's transaction so
// the audit row commits or rolls back with the state change it describes.
func AppendAudit(ctx context.Context, ex Execer, rec AuditRecord) error {
	if rec.TraceID == "" {
		rec.TraceID = trace.FromContext(ctx)
	}
	if rec.SessionID == "" {
		rec.SessionID = trace.SessionFromContext(ctx)
	}
	if rec.Result == "" {
		rec.Result = ResultSuccess
	}

	var payloadJSON sql.NullString
	if rec.Payload != nil {
		b, err := json.Marshal(redact.Map(rec.Payload))
		if err != nil {
			return fmt.Errorf("failed to marshal audit payload: %w", err)
		}
		payloadJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO audit_log (ts, trace_id, session_id, actor, action, target, payload_json, result, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, time.Now().UTC(), rec.TraceID, rec.SessionID, rec.Actor, rec.Action,
		nullString(rec.Target), payloadJSON, rec.Result, nullString(rec.Error))
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// WriteAudit logs an audit entry outside any transaction.
func (s *Store) WriteAudit(ctx context.Context, rec AuditRecord) error {
	return AppendAudit(ctx, s.db, rec)
}

// GetAuditLog retrieves the most recent audit entries.
func (s *Store) GetAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAudit(ctx, `
		SELECT id, ts, trace_id, session_id, actor, action, target, payload_json, result, error_message
		FROM audit_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
}

// GetAuditByTrace retrieves all audit entries for a trace ID in insertion order.
func (s *Store) GetAuditByTrace(ctx context.Context, traceID string) ([]*AuditEntry, error) {
	return s.queryAudit(ctx, `
		SELECT id, ts, trace_id, session_id, actor, action, target, payload_json, result, error_message
		FROM audit_log
		WHERE trace_id = ?
		ORDER BY id ASC
	`, traceID)
}

// GetAuditByTarget retrieves the history of a single intent or draft.
func (s *Store) GetAuditByTarget(ctx context.Context, target string) ([]*AuditEntry, error) {
	return s.queryAudit(ctx, `
		SELECT id, ts, trace_id, session_id, actor, action, target, payload_json, result, error_message
		FROM audit_log
		WHERE target = ?
		ORDER BY id ASC
	`, target)
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...any) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.TraceID, &e.SessionID, &e.Actor,
			&e.Action, &e.Target, &e.PayloadJSON, &e.Result, &e.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
