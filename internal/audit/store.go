package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// PostgresStore is the long-retention sink: full events keyed by audit
// id and indexed by date for operator queries.
type PostgresStore struct {
	db            *sql.DB
	retentionDays int
}

// NewPostgresStore creates the store. retentionDays zero means 90.
func NewPostgresStore(db *sql.DB, retentionDays int) *PostgresStore {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &PostgresStore{db: db, retentionDays: retentionDays}
}

func (s *PostgresStore) Name() string { return "store" }

// Write persists one event. Duplicate audit ids are ignored so sink
// retries stay idempotent.
func (s *PostgresStore) Write(ctx context.Context, event *Event) error {
	payload, err := marshalEvent(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	const q = `
		INSERT INTO audit_events (audit_id, event_type, severity, principal_id, resource_id, client_ip, outcome, threat_level, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (audit_id) DO NOTHING`
	_, err = s.db.ExecContext(ctx, q,
		event.AuditID,
		string(event.EventType),
		string(event.Severity),
		event.PrincipalID,
		nullable(event.ResourceID),
		nullable(event.ClientIP),
		event.Outcome,
		event.ThreatLevel,
		event.Timestamp,
		payload,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Get fetches one event by audit id.
func (s *PostgresStore) Get(ctx context.Context, auditID string) (*Event, error) {
	const q = `SELECT payload FROM audit_events WHERE audit_id = $1`
	var payload []byte
	if err := s.db.QueryRowContext(ctx, q, auditID).Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query audit event: %w", err)
	}
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode audit event %s: %w", auditID, err)
	}
	return &event, nil
}

// QueryFilter narrows a Query call. Zero values mean "any".
type QueryFilter struct {
	PrincipalID string
	Severity    Severity
	Since       time.Time
	Until       time.Time
	Limit       int
}

// Query returns events matching the filter, newest first.
func (s *PostgresStore) Query(ctx context.Context, filter QueryFilter) ([]*Event, error) {
	q := `SELECT payload FROM audit_events WHERE 1=1`
	args := make([]any, 0, 5)

	if filter.PrincipalID != "" {
		args = append(args, filter.PrincipalID)
		q += fmt.Sprintf(" AND principal_id = $%d", len(args))
	}
	if filter.Severity != "" {
		args = append(args, string(filter.Severity))
		q += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		q += fmt.Sprintf(" AND occurred_at >= $%d", len(args))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		q += fmt.Sprintf(" AND occurred_at < $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// Prune deletes events older than the retention window. Wired as a
// background loop.
func (s *PostgresStore) Prune(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE occurred_at < $1`, cutoff); err != nil {
		return fmt.Errorf("prune audit events: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
