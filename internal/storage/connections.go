package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/singura/singura/internal/errors"
	"github.com/singura/singura/internal/models"
)

// CreateOrganization inserts a new organization.
func (s *Store) CreateOrganization(org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO organizations (id, name, domain, plan_tier, max_connections, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		org.ID, org.Name, org.Domain, org.PlanTier, org.MaxConnections, org.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert organization: %w", err)
	}
	return nil
}

// GetOrganization loads an organization by id.
func (s *Store) GetOrganization(id string) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var org models.Organization
	var createdAt int64
	err := s.db.QueryRow(`
		SELECT id, name, domain, plan_tier, max_connections, created_at
		FROM organizations WHERE id = ?`, id).
		Scan(&org.ID, &org.Name, &org.Domain, &org.PlanTier, &org.MaxConnections, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindNotFound, "get_organization", "", apperrors.ErrOrganizationMissing)
	}
	if err != nil {
		return nil, err
	}
	org.CreatedAt = time.Unix(createdAt, 0)
	return &org, nil
}

// CreateConnection inserts a new platform connection.
func (s *Store) CreateConnection(conn *models.PlatformConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now
	if conn.Status == "" {
		conn.Status = models.ConnectionActive
	}

	_, err := s.db.Exec(`
		INSERT INTO platform_connections
			(id, organization_id, platform_type, platform_user_id, workspace_id, display_name, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.OrganizationID, conn.PlatformType, conn.PlatformUserID, conn.WorkspaceID,
		conn.DisplayName, conn.Status, conn.LastError, conn.CreatedAt.Unix(), conn.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	return nil
}

// GetConnection loads one connection by id.
func (s *Store) GetConnection(id string) (*models.PlatformConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanConnection(s.db.QueryRow(`
		SELECT id, organization_id, platform_type, platform_user_id, workspace_id, display_name, status, last_error, created_at, updated_at
		FROM platform_connections WHERE id = ?`, id))
}

// ListConnections returns all connections for an organization.
func (s *Store) ListConnections(organizationID string) ([]*models.PlatformConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, organization_id, platform_type, platform_user_id, workspace_id, display_name, status, last_error, created_at, updated_at
		FROM platform_connections WHERE organization_id = ? ORDER BY created_at`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*models.PlatformConnection
	for rows.Next() {
		conn, err := s.scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// UpdateConnectionStatus transitions a connection's status and error message.
func (s *Store) UpdateConnectionStatus(id string, status models.ConnectionStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE platform_connections SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, status, lastError, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.KindNotFound, "update_connection_status", id, apperrors.ErrConnectionNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanConnection(row rowScanner) (*models.PlatformConnection, error) {
	var conn models.PlatformConnection
	var createdAt, updatedAt int64
	err := row.Scan(&conn.ID, &conn.OrganizationID, &conn.PlatformType, &conn.PlatformUserID,
		&conn.WorkspaceID, &conn.DisplayName, &conn.Status, &conn.LastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindNotFound, "get_connection", "", apperrors.ErrConnectionNotFound)
	}
	if err != nil {
		return nil, err
	}
	conn.CreatedAt = time.Unix(createdAt, 0)
	conn.UpdatedAt = time.Unix(updatedAt, 0)
	return &conn, nil
}

// SaveCredentialRow stores an encrypted credential envelope for a connection,
// replacing any previous row. Only the credential store calls this.
func (s *Store) SaveCredentialRow(connectionID string, ciphertext, iv, tag []byte, keyVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO encrypted_credentials (platform_connection_id, ciphertext, iv, tag, key_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform_connection_id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			iv = excluded.iv,
			tag = excluded.tag,
			key_version = excluded.key_version,
			created_at = excluded.created_at`,
		connectionID, ciphertext, iv, tag, keyVersion, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// GetCredentialRow loads the encrypted envelope for a connection.
// Returns sql.ErrNoRows via apperrors.ErrCredentialsMissing when absent.
func (s *Store) GetCredentialRow(connectionID string) (ciphertext, iv, tag []byte, keyVersion int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`
		SELECT ciphertext, iv, tag, key_version FROM encrypted_credentials
		WHERE platform_connection_id = ?`, connectionID).
		Scan(&ciphertext, &iv, &tag, &keyVersion)
	if errors.Is(err, sql.ErrNoRows) {
		err = apperrors.New(apperrors.KindCredentials, "get_credentials", connectionID, apperrors.ErrCredentialsMissing)
	}
	return
}

// DeleteCredentialRow erases the encrypted credentials for a connection.
func (s *Store) DeleteCredentialRow(connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM encrypted_credentials WHERE platform_connection_id = ?`, connectionID)
	return err
}
