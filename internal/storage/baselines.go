package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/singura/singura/internal/models"
	"github.com/oklog/ulid/v2"
)

const maxBaselinesPerDetector = 10

// SaveBaseline records a detector baseline and prunes the oldest rows so at
// most ten remain per detector.
func (s *Store) SaveBaseline(b *models.DetectorBaseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == "" {
		b.ID = ulid.Make().String()
	}
	if b.Timestamp.IsZero() {
		b.Timestamp = time.Now()
	}

	provisional := 0
	if b.Provisional {
		provisional = 1
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO detector_baselines (id, detector_name, version, precision, recall, f1, sample_size, provisional, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.DetectorName, b.Version, b.Precision, b.Recall, b.F1, b.SampleSize, provisional, b.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert baseline: %w", err)
	}

	_, err = tx.Exec(`
		DELETE FROM detector_baselines WHERE detector_name = ? AND id NOT IN (
			SELECT id FROM detector_baselines WHERE detector_name = ?
			ORDER BY timestamp DESC, id DESC LIMIT ?)`,
		b.DetectorName, b.DetectorName, maxBaselinesPerDetector)
	if err != nil {
		return fmt.Errorf("failed to prune baselines: %w", err)
	}

	return tx.Commit()
}

// ListBaselines returns a detector's baselines, most recent first.
func (s *Store) ListBaselines(detectorName string) ([]*models.DetectorBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, detector_name, version, precision, recall, f1, sample_size, provisional, timestamp
		FROM detector_baselines WHERE detector_name = ?
		ORDER BY timestamp DESC, id DESC`, detectorName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.DetectorBaseline
	for rows.Next() {
		var b models.DetectorBaseline
		var provisional int
		var ts int64
		if err := rows.Scan(&b.ID, &b.DetectorName, &b.Version, &b.Precision, &b.Recall,
			&b.F1, &b.SampleSize, &provisional, &ts); err != nil {
			return nil, err
		}
		b.Provisional = provisional != 0
		b.Timestamp = time.Unix(ts, 0)
		out = append(out, &b)
	}
	return out, rows.Err()
}

// LatestBaseline returns the most recent baseline for a detector, or nil.
func (s *Store) LatestBaseline(detectorName string) (*models.DetectorBaseline, error) {
	baselines, err := s.ListBaselines(detectorName)
	if err != nil {
		return nil, err
	}
	if len(baselines) == 0 {
		return nil, nil
	}
	return baselines[0], nil
}

// SaveCorrelationLink inserts or refreshes a correlation link, keyed by
// (organization, fingerprint).
func (s *Store) SaveCorrelationLink(link *models.CorrelationLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if link.ID == "" {
		link.ID = ulid.Make().String()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now()
	}

	ids, err := json.Marshal(link.AutomationIDs)
	if err != nil {
		return err
	}
	signals, err := json.Marshal(link.Signals)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO correlation_links (id, organization_id, fingerprint, automation_ids, signals, confidence, aggregate_risk, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(organization_id, fingerprint) DO UPDATE SET
			automation_ids = excluded.automation_ids,
			signals = excluded.signals,
			confidence = excluded.confidence,
			aggregate_risk = excluded.aggregate_risk`,
		link.ID, link.OrganizationID, link.Fingerprint, string(ids), string(signals),
		link.Confidence, link.AggregateRisk, link.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save correlation link: %w", err)
	}
	return nil
}

// ListCorrelationLinks returns all links for an organization.
func (s *Store) ListCorrelationLinks(organizationID string) ([]*models.CorrelationLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, organization_id, fingerprint, automation_ids, signals, confidence, aggregate_risk, created_at
		FROM correlation_links WHERE organization_id = ? ORDER BY created_at DESC`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.CorrelationLink
	for rows.Next() {
		var link models.CorrelationLink
		var ids, signals string
		var createdAt int64
		if err := rows.Scan(&link.ID, &link.OrganizationID, &link.Fingerprint, &ids,
			&signals, &link.Confidence, &link.AggregateRisk, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ids), &link.AutomationIDs); err != nil {
			return nil, fmt.Errorf("corrupt automation ids for link %s: %w", link.ID, err)
		}
		if err := json.Unmarshal([]byte(signals), &link.Signals); err != nil {
			return nil, fmt.Errorf("corrupt signals for link %s: %w", link.ID, err)
		}
		link.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &link)
	}
	return out, rows.Err()
}
