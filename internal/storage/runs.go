package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/singura/singura/internal/errors"
	"github.com/singura/singura/internal/models"
)

// CreateRun inserts a discovery run in the queued state.
func (s *Store) CreateRun(run *models.DiscoveryRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = models.RunQueued
	}

	_, err := s.db.Exec(`
		INSERT INTO discovery_runs (id, organization_id, platform_connection_id, status, started_at, items_found, error)
		VALUES (?, ?, ?, ?, ?, 0, '')`,
		run.ID, run.OrganizationID, run.PlatformConnectionID, run.Status, run.StartedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert discovery run: %w", err)
	}
	return nil
}

// TransitionRun moves a run to a non-terminal state (queued -> running).
// Terminal states are immutable; use FinishRun for those.
func (s *Store) TransitionRun(id string, status models.RunStatus) error {
	if status.Terminal() {
		return fmt.Errorf("use FinishRun for terminal status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE discovery_runs SET status = ?
		WHERE id = ? AND status NOT IN ('succeeded','failed','partial')`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found or already terminal", id)
	}
	return nil
}

// FinishRun moves a run to a terminal state. A terminal run is never updated
// again; a second call is a no-op error.
func (s *Store) FinishRun(id string, status models.RunStatus, itemsFound int, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("FinishRun requires a terminal status, got %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE discovery_runs SET status = ?, finished_at = ?, items_found = ?, error = ?
		WHERE id = ? AND status NOT IN ('succeeded','failed','partial')`,
		status, time.Now().Unix(), itemsFound, errMsg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found or already terminal", id)
	}
	return nil
}

// GetRun loads one discovery run.
func (s *Store) GetRun(id string) (*models.DiscoveryRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var run models.DiscoveryRun
	var startedAt int64
	var finishedAt sql.NullInt64
	err := s.db.QueryRow(`
		SELECT id, organization_id, platform_connection_id, status, started_at, finished_at, items_found, error
		FROM discovery_runs WHERE id = ?`, id).
		Scan(&run.ID, &run.OrganizationID, &run.PlatformConnectionID, &run.Status,
			&startedAt, &finishedAt, &run.ItemsFound, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindNotFound, "get_run", "", apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0)
		run.FinishedAt = &t
	}
	return &run, nil
}

// LastCompletedRunTime returns the start time of the most recent terminal run
// for a connection. Used to bound the activity window of the next run.
func (s *Store) LastCompletedRunTime(connectionID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var startedAt int64
	err := s.db.QueryRow(`
		SELECT started_at FROM discovery_runs
		WHERE platform_connection_id = ? AND status IN ('succeeded','partial')
		ORDER BY started_at DESC LIMIT 1`, connectionID).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(startedAt, 0), true, nil
}
