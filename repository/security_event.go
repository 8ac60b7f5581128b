package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/localdirectory/guardian/audit"
	"github.com/localdirectory/guardian/models"
)

// SecurityEventRepository is the durable archive of the audit log.
type SecurityEventRepository struct {
	db *sql.DB
}

func NewSecurityEventRepository(db *sql.DB) *SecurityEventRepository {
	return &SecurityEventRepository{db: db}
}

// Create is idempotent on event id so redelivered messages are harmless.
func (r *SecurityEventRepository) Create(ctx context.Context, ev *models.SecurityEvent) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode event metadata: %w", err)
	}

	query := `INSERT INTO security_events (id, event_type, severity, description, metadata, user_id, ip_address, user_agent, resolved, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			  ON CONFLICT (id) DO NOTHING`
	_, err = r.db.ExecContext(ctx, query, ev.ID, string(ev.EventType), string(ev.Severity), ev.Description, meta,
		nullString(ev.UserID), nullString(ev.IPAddress), nullString(ev.UserAgent), ev.Resolved, ev.Timestamp)
	return err
}

// Publish lets the repository act as the engine's event sink directly.
func (r *SecurityEventRepository) Publish(ctx context.Context, ev *models.SecurityEvent) error {
	return r.Create(ctx, ev)
}

func (r *SecurityEventRepository) Resolve(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE security_events SET resolved = true WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res, audit.ErrEventNotFound)
}

// ListRecent returns archived events newest first.
func (r *SecurityEventRepository) ListRecent(ctx context.Context, since time.Time, limit int) ([]models.SecurityEvent, error) {
	query := `SELECT id, event_type, severity, description, metadata, user_id, ip_address, user_agent, resolved, created_at
			  FROM security_events WHERE created_at >= $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.SecurityEvent
	for rows.Next() {
		var (
			ev                  models.SecurityEvent
			eventType, severity string
			meta                []byte
			userID, ip, ua      sql.NullString
		)
		if err := rows.Scan(&ev.ID, &eventType, &severity, &ev.Description, &meta,
			&userID, &ip, &ua, &ev.Resolved, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.EventType = models.EventType(eventType)
		ev.Severity = models.Severity(severity)
		ev.UserID = userID.String
		ev.IPAddress = ip.String
		ev.UserAgent = ua.String
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of event %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
