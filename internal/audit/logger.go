// Package audit records business-level actions to the audit log table and
// mirrors them to the structured log. Rows are written after the business
// change has committed, never inside its transaction.
package audit

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/singura/singura/internal/models"
)

// Sink is the persistence surface; the sqlite store implements it.
type Sink interface {
	InsertAuditLog(entry *models.AuditLogEntry) error
}

// Logger writes audit entries. Timestamp is the caller's event time; the
// row time is stamped by the sink at insert.
type Logger struct {
	sink Sink
}

func NewLogger(sink Sink) *Logger {
	return &Logger{sink: sink}
}

// Record writes one entry. Details marshal to JSON; a marshal failure
// drops the details but never the entry.
func (l *Logger) Record(organizationID, userID, action string, eventTime time.Time, details any) error {
	var raw json.RawMessage
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			raw = data
		} else {
			log.Warn().Err(err).Str("action", action).Msg("Audit details not serializable, dropping details")
		}
	}

	entry := &models.AuditLogEntry{
		OrganizationID: organizationID,
		UserID:         userID,
		Action:         action,
		Timestamp:      eventTime,
		Details:        raw,
	}
	if err := l.sink.InsertAuditLog(entry); err != nil {
		return err
	}
	log.Info().
		Str("organizationID", organizationID).
		Str("action", action).
		Time("eventTime", eventTime).
		Msg("Audit entry recorded")
	return nil
}
