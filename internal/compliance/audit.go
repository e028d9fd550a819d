// Package compliance keeps an append-only record of operator actions.
package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEventType names an audited action.
type AuditEventType string

const (
	// EventJobTriggered is logged when an operator runs a background job by hand.
	EventJobTriggered AuditEventType = "admin.job_triggered"
	// EventJobRejected is logged when a manual run is refused because one is in flight.
	EventJobRejected AuditEventType = "admin.job_rejected"
)

// AuditEvent is an immutable audit record.
type AuditEvent struct {
	ID        string          `json:"id"`
	EventType AuditEventType  `json:"event_type"`
	Actor     string          `json:"actor"`
	Subject   string          `json:"subject,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditFilter narrows QueryEvents.
type AuditFilter struct {
	Actor     string
	EventType AuditEventType
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// AuditService writes audit events to Postgres.
type AuditService struct {
	db  *sql.DB
	now func() time.Time
}

func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db, now: time.Now}
}

// LogEvent records an audit event, filling in the id and timestamp.
func (s *AuditService) LogEvent(ctx context.Context, event AuditEvent) error {
	if s == nil || s.db == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}
	details := event.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, event_type, actor, subject, request_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID,
		string(event.EventType),
		event.Actor,
		nullString(event.Subject),
		nullString(event.RequestID),
		[]byte(details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: log audit event: %w", err)
	}
	return nil
}

// LogJobRun records a manual job trigger and its outcome. result is stored
// as the event details.
func (s *AuditService) LogJobRun(ctx context.Context, actor, requestID, job string, rejected bool, result any) error {
	eventType := EventJobTriggered
	if rejected {
		eventType = EventJobRejected
	}
	var details json.RawMessage
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("compliance: marshal job result: %w", err)
		}
		details = raw
	}
	return s.LogEvent(ctx, AuditEvent{
		EventType: eventType,
		Actor:     actor,
		Subject:   job,
		RequestID: requestID,
		Details:   details,
	})
}

// QueryEvents returns matching events, newest first.
func (s *AuditService) QueryEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `
		SELECT id, event_type, actor, subject, request_id, details, created_at
		FROM audit_events
		WHERE 1 = 1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}
	if filter.Actor != "" {
		add("actor = $%d", filter.Actor)
	}
	if filter.EventType != "" {
		add("event_type = $%d", string(filter.EventType))
	}
	if !filter.StartTime.IsZero() {
		add("created_at >= $%d", filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		add("created_at <= $%d", filter.EndTime)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance: query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			e                  AuditEvent
			eventType          string
			subject, requestID sql.NullString
			details            []byte
		)
		if err := rows.Scan(&e.ID, &eventType, &e.Actor, &subject, &requestID, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("compliance: scan audit event: %w", err)
		}
		e.EventType = AuditEventType(eventType)
		e.Subject = subject.String
		e.RequestID = requestID.String
		e.Details = details
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
