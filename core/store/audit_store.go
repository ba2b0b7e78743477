package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type AuditEntry struct {
	ID         string          `json:"id"`
	UserID     *string         `json:"user_id,omitempty"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   *string         `json:"entity_id,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	IPAddress  *string         `json:"ip_address,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type AuditFilter struct {
	Action     string
	EntityType string
	EntityID   string
	UserID     string
	Since      *time.Time
	Limit      int
	Offset     int
}

func NewAuditEntry(userID, action, entityType, entityID string, details any) *AuditEntry {
	e := &AuditEntry{Action: action, EntityType: entityType}
	if userID != "" {
		e.UserID = &userID
	}
	if entityID != "" {
		e.EntityID = &entityID
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			e.Details = raw
		}
	}
	return e
}

func (e *AuditEntry) WithIP(ip string) *AuditEntry {
	if ip != "" {
		e.IPAddress = &ip
	}
	return e
}

// AuditStore is append-only: there is no update or delete.
type AuditStore interface {
	Append(ctx context.Context, e *AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type auditStore struct {
	db *DB
}

func NewAuditStore(db *DB) AuditStore {
	return &auditStore{db: db}
}

func (s *auditStore) Append(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs(id, user_id, action, entity_type, entity_id, details, ip_address, created_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		e.ID, nullableStringPtr(e.UserID), e.Action, e.EntityType, nullableStringPtr(e.EntityID),
		rawJSONArg(e.Details), nullableStringPtr(e.IPAddress), e.CreatedAt.UTC())
	return err
}

func (s *auditStore) List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	query := `SELECT id, user_id, action, entity_type, entity_id, details, ip_address, created_at FROM audit_logs WHERE 1=1`
	var args []any
	if filter.Action != "" {
		query += " AND action=?"
		args = append(args, filter.Action)
	}
	if filter.EntityType != "" {
		query += " AND entity_type=?"
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		query += " AND entity_id=?"
		args = append(args, filter.EntityID)
	}
	if filter.UserID != "" {
		query += " AND user_id=?"
		args = append(args, filter.UserID)
	}
	if filter.Since != nil {
		query += " AND created_at>=?"
		args = append(args, filter.Since.UTC())
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var userID, entityID, details, ip sql.NullString
		if err := rows.Scan(&e.ID, &userID, &e.Action, &e.EntityType, &entityID, &details, &ip, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.UserID = stringPtr(userID)
		e.EntityID = stringPtr(entityID)
		e.IPAddress = stringPtr(ip)
		if details.Valid && details.String != "" {
			e.Details = json.RawMessage(details.String)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		res = append(res, e)
	}
	return res, rows.Err()
}
