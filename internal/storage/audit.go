package storage

import (
	"fmt"
	"time"

	"github.com/singura/singura/internal/models"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// InsertAuditLog writes one audit row. Timestamp is the event time supplied
// by the caller; created_at is stamped here at insertion. The two columns
// are never conflated.
func (s *Store) InsertAuditLog(entry *models.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.CreatedAt = time.Now()

	details := string(entry.Details)
	if details == "" {
		details = "{}"
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_logs (id, organization_id, user_id, action, timestamp, created_at, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OrganizationID, entry.UserID, entry.Action,
		entry.Timestamp.Unix(), entry.CreatedAt.Unix(), details)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	log.Debug().
		Str("auditID", entry.ID).
		Str("organizationID", entry.OrganizationID).
		Str("action", entry.Action).
		Msg("Audit log written")
	return nil
}

// ListAuditLogs returns an organization's audit rows, newest event first.
func (s *Store) ListAuditLogs(organizationID string, limit int) ([]*models.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, organization_id, user_id, action, timestamp, created_at, details
		FROM audit_logs WHERE organization_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?`, organizationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		var ts, createdAt int64
		var details string
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.UserID, &e.Action, &ts, &createdAt, &details); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0)
		e.CreatedAt = time.Unix(createdAt, 0)
		e.Details = []byte(details)
		out = append(out, &e)
	}
	return out, rows.Err()
}
