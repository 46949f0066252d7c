package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	apperrors "github.com/singura/singura/internal/errors"
	"github.com/singura/singura/internal/models"
)

// UpsertAutomation inserts or updates an automation by its identity
// (organization, connection, external id). On update, name, metadata and
// lastTriggeredAt change; firstDiscoveredAt and risk history never do.
// Returns true when a new row was created.
func (s *Store) UpsertAutomation(a *models.DiscoveredAutomation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	platformMeta := string(a.PlatformMetadata)
	if platformMeta == "" {
		platformMeta = "{}"
	}
	detectionMeta, err := json.Marshal(a.DetectionMetadata)
	if err != nil {
		return false, fmt.Errorf("failed to marshal detection metadata: %w", err)
	}
	permissions, err := json.Marshal(a.PermissionsRequired)
	if err != nil {
		return false, fmt.Errorf("failed to marshal permissions: %w", err)
	}

	var lastTriggered any
	if a.LastTriggeredAt != nil {
		lastTriggered = a.LastTriggeredAt.Unix()
	}

	// Resolve existing identity first so the caller keeps the canonical UUID.
	var existingID string
	var existingDetectionMeta string
	err = s.db.QueryRow(`
		SELECT id, detection_metadata FROM discovered_automations
		WHERE organization_id = ? AND platform_connection_id = ? AND external_id = ?`,
		a.OrganizationID, a.PlatformConnectionID, a.ExternalID).Scan(&existingID, &existingDetectionMeta)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.FirstDiscoveredAt.IsZero() {
			a.FirstDiscoveredAt = time.Now()
		}
		_, err = s.db.Exec(`
			INSERT INTO discovered_automations
				(id, organization_id, platform_connection_id, discovery_run_id, external_id, name, description,
				 automation_type, platform_metadata, detection_metadata, permissions_required, first_discovered_at, last_triggered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.OrganizationID, a.PlatformConnectionID, a.DiscoveryRunID, a.ExternalID,
			a.Name, a.Description, a.AutomationType, platformMeta, string(detectionMeta),
			string(permissions), a.FirstDiscoveredAt.Unix(), lastTriggered)
		if err != nil {
			return false, fmt.Errorf("failed to insert automation: %w", err)
		}
		return true, nil

	case err != nil:
		return false, err

	default:
		a.ID = existingID

		// A freshly listed record carries no detection results yet; keep
		// the stored patterns and AI identity instead of wiping them.
		var stored models.DetectionMetadata
		if err := json.Unmarshal([]byte(existingDetectionMeta), &stored); err == nil {
			if len(a.DetectionMetadata.DetectionPatterns) == 0 {
				a.DetectionMetadata.DetectionPatterns = stored.DetectionPatterns
			}
			if a.DetectionMetadata.AIProvider == "" {
				a.DetectionMetadata.AIProvider = stored.AIProvider
			}
			if a.DetectionMetadata.AIProviderFingerprint == "" {
				a.DetectionMetadata.AIProviderFingerprint = stored.AIProviderFingerprint
			}
			if detectionMeta, err = json.Marshal(a.DetectionMetadata); err != nil {
				return false, fmt.Errorf("failed to marshal detection metadata: %w", err)
			}
		}

		_, err = s.db.Exec(`
			UPDATE discovered_automations SET
				name = ?, description = ?, platform_metadata = ?, detection_metadata = ?,
				permissions_required = ?, last_triggered_at = ?
			WHERE id = ?`,
			a.Name, a.Description, platformMeta, string(detectionMeta),
			string(permissions), lastTriggered, existingID)
		if err != nil {
			return false, fmt.Errorf("failed to update automation: %w", err)
		}
		return false, nil
	}
}

// UpdateDetectionMetadata persists the detection pipeline's verdict for one
// automation without touching the rest of the row.
func (s *Store) UpdateDetectionMetadata(automationID string, meta models.DetectionMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal detection metadata: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE discovered_automations SET detection_metadata = ? WHERE id = ?`,
		string(encoded), automationID)
	if err != nil {
		return fmt.Errorf("failed to update detection metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.KindNotFound, "update_detection_metadata", "", apperrors.ErrNotFound)
	}
	return nil
}

// GetAutomation loads one automation by UUID, including risk history.
func (s *Store) GetAutomation(organizationID, id string) (*models.DiscoveredAutomation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := s.scanAutomation(s.db.QueryRow(automationSelect+`
		WHERE organization_id = ? AND id = ?`, organizationID, id))
	if err != nil {
		return nil, err
	}
	a.RiskScoreHistory, err = s.riskHistoryLocked(a.ID)
	return a, err
}

// GetAutomationByIdentity loads one automation by its platform identity.
func (s *Store) GetAutomationByIdentity(organizationID, connectionID, externalID string) (*models.DiscoveredAutomation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := s.scanAutomation(s.db.QueryRow(automationSelect+`
		WHERE organization_id = ? AND platform_connection_id = ? AND external_id = ?`,
		organizationID, connectionID, externalID))
	if err != nil {
		return nil, err
	}
	a.RiskScoreHistory, err = s.riskHistoryLocked(a.ID)
	return a, err
}

// ListAutomations returns all automations for an organization with their
// risk histories attached, newest first.
func (s *Store) ListAutomations(organizationID string) ([]*models.DiscoveredAutomation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(automationSelect+`
		WHERE organization_id = ? ORDER BY first_discovered_at DESC`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.DiscoveredAutomation
	for rows.Next() {
		a, err := s.scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range out {
		if a.RiskScoreHistory, err = s.riskHistoryLocked(a.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListAutomationsAcrossOrgs returns every automation in the system. The
// correlator uses this to look for cross-platform links; everything else
// stays organization scoped.
func (s *Store) ListAutomationsAcrossOrgs() ([]*models.DiscoveredAutomation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(automationSelect + ` ORDER BY organization_id, first_discovered_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.DiscoveredAutomation
	for rows.Next() {
		a, err := s.scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range out {
		if a.RiskScoreHistory, err = s.riskHistoryLocked(a.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AppendRiskEntry appends one entry to an automation's risk history.
// Timestamps must be monotone per automation; an entry older than the
// current head is rejected.
func (s *Store) AppendRiskEntry(automationID string, entry *models.RiskScoreEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	var latest sql.NullInt64
	if err := s.db.QueryRow(`
		SELECT MAX(timestamp) FROM risk_score_entries WHERE automation_id = ?`,
		automationID).Scan(&latest); err != nil {
		return err
	}
	if latest.Valid && entry.Timestamp.Unix() < latest.Int64 {
		return fmt.Errorf("risk history for %s is append-only: entry at %d precedes head %d",
			automationID, entry.Timestamp.Unix(), latest.Int64)
	}

	factors, err := json.Marshal(entry.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal risk factors: %w", err)
	}

	rapid := 0
	if entry.RapidChange {
		rapid = 1
	}
	_, err = s.db.Exec(`
		INSERT INTO risk_score_entries (id, automation_id, timestamp, score, level, factors, "trigger", rapid_change)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, automationID, entry.Timestamp.Unix(), entry.Score, entry.Level,
		string(factors), entry.Trigger, rapid)
	if err != nil {
		return fmt.Errorf("failed to insert risk entry: %w", err)
	}
	return nil
}

// RiskHistory returns an automation's risk entries in chronological order.
func (s *Store) RiskHistory(automationID string) ([]models.RiskScoreEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.riskHistoryLocked(automationID)
}

func (s *Store) riskHistoryLocked(automationID string) ([]models.RiskScoreEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, score, level, factors, "trigger", rapid_change
		FROM risk_score_entries WHERE automation_id = ?
		ORDER BY timestamp, id`, automationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []models.RiskScoreEntry
	for rows.Next() {
		var e models.RiskScoreEntry
		var ts int64
		var factors string
		var rapid int
		if err := rows.Scan(&e.ID, &ts, &e.Score, &e.Level, &factors, &e.Trigger, &rapid); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0)
		e.RapidChange = rapid != 0
		if err := json.Unmarshal([]byte(factors), &e.Factors); err != nil {
			return nil, fmt.Errorf("corrupt risk factors for %s: %w", automationID, err)
		}
		history = append(history, e)
	}
	return history, rows.Err()
}

const automationSelect = `
	SELECT id, organization_id, platform_connection_id, discovery_run_id, external_id, name, description,
	       automation_type, platform_metadata, detection_metadata, permissions_required,
	       first_discovered_at, last_triggered_at
	FROM discovered_automations`

func (s *Store) scanAutomation(row rowScanner) (*models.DiscoveredAutomation, error) {
	var a models.DiscoveredAutomation
	var platformMeta, detectionMeta, permissions string
	var firstDiscovered int64
	var lastTriggered sql.NullInt64

	err := row.Scan(&a.ID, &a.OrganizationID, &a.PlatformConnectionID, &a.DiscoveryRunID,
		&a.ExternalID, &a.Name, &a.Description, &a.AutomationType,
		&platformMeta, &detectionMeta, &permissions, &firstDiscovered, &lastTriggered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindNotFound, "get_automation", "", apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	a.PlatformMetadata = json.RawMessage(platformMeta)
	if err := json.Unmarshal([]byte(detectionMeta), &a.DetectionMetadata); err != nil {
		return nil, fmt.Errorf("corrupt detection metadata for %s: %w", a.ID, err)
	}
	if strings.TrimSpace(permissions) != "" {
		if err := json.Unmarshal([]byte(permissions), &a.PermissionsRequired); err != nil {
			return nil, fmt.Errorf("corrupt permissions for %s: %w", a.ID, err)
		}
	}
	a.FirstDiscoveredAt = time.Unix(firstDiscovered, 0)
	if lastTriggered.Valid {
		t := time.Unix(lastTriggered.Int64, 0)
		a.LastTriggeredAt = &t
	}
	return &a, nil
}
