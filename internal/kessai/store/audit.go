package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry is one row of the security audit log.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	TraceID   string
	EventKind string
	Outcome   string
	Module    string
	Service   string
	Actor     string
	CAID      string
	CaseID    string
	Details   map[string]any
}

// WriteAudit appends an entry. Timestamp defaults to now.
func (s *Store) WriteAudit(ctx context.Context, e *AuditEntry) error {
	var details sql.NullString
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.Rebind(`
		INSERT INTO audit_log (id, ts, trace_id, event_kind, outcome, module, service, actor, ca_id, case_id, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), e.ID, Stamp(ts), e.TraceID, e.EventKind, e.Outcome, e.Module, e.Service, e.Actor, e.CAID, e.CaseID, details)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

const auditColumns = `id, ts, trace_id, event_kind, outcome, module, service, actor, ca_id, case_id, details_json`

// GetAuditLog returns the newest entries first.
func (s *Store) GetAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.Rebind(`
		SELECT `+auditColumns+`
		FROM audit_log
		ORDER BY ts DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	return scanAudit(rows)
}

// GetAuditByCase returns every entry recorded for a case, oldest first.
func (s *Store) GetAuditByCase(ctx context.Context, caseID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.Rebind(`
		SELECT `+auditColumns+`
		FROM audit_log
		WHERE case_id = ?
		ORDER BY ts ASC
	`), caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log by case: %w", err)
	}
	return scanAudit(rows)
}

// GetAuditByTrace returns every entry of one request, oldest first.
func (s *Store) GetAuditByTrace(ctx context.Context, traceID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.Rebind(`
		SELECT `+auditColumns+`
		FROM audit_log
		WHERE trace_id = ?
		ORDER BY ts ASC
	`), traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log by trace: %w", err)
	}
	return scanAudit(rows)
}

func scanAudit(rows *sql.Rows) ([]*AuditEntry, error) {
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			e       AuditEntry
			ts      int64
			details sql.NullString
		)
		err := rows.Scan(&e.ID, &ts, &e.TraceID, &e.EventKind, &e.Outcome,
			&e.Module, &e.Service, &e.Actor, &e.CAID, &e.CaseID, &details)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = UnixNano(ts)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}
