// Package storage is the SQL persistence layer for the Singura core.
// SQLite via modernc.org/sqlite (no CGO), WAL mode, single writer connection.
// All reads are scoped by organization id; identity constraints live in the
// schema so replayed discovery runs cannot create duplicates.
package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and initializes
// the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Pragmas in the DSN so every pool connection is configured
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("dbPath", path).Msg("Database opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS organizations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		domain TEXT NOT NULL DEFAULT '',
		plan_tier TEXT NOT NULL DEFAULT 'free',
		max_connections INTEGER NOT NULL DEFAULT 5,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS platform_connections (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		platform_type TEXT NOT NULL,
		platform_user_id TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_connections_org ON platform_connections(organization_id);

	CREATE TABLE IF NOT EXISTS encrypted_credentials (
		platform_connection_id TEXT PRIMARY KEY REFERENCES platform_connections(id),
		ciphertext BLOB NOT NULL,
		iv BLOB NOT NULL,
		tag BLOB NOT NULL,
		key_version INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS discovery_runs (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		platform_connection_id TEXT NOT NULL REFERENCES platform_connections(id),
		status TEXT NOT NULL DEFAULT 'queued',
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		items_found INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_connection ON discovery_runs(platform_connection_id, started_at);

	CREATE TABLE IF NOT EXISTS discovered_automations (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		platform_connection_id TEXT NOT NULL REFERENCES platform_connections(id),
		discovery_run_id TEXT NOT NULL REFERENCES discovery_runs(id),
		external_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		automation_type TEXT NOT NULL,
		platform_metadata TEXT NOT NULL DEFAULT '{}',
		detection_metadata TEXT NOT NULL DEFAULT '{}',
		permissions_required TEXT NOT NULL DEFAULT '[]',
		first_discovered_at INTEGER NOT NULL,
		last_triggered_at INTEGER,
		UNIQUE(organization_id, platform_connection_id, external_id)
	);
	CREATE INDEX IF NOT EXISTS idx_automations_org ON discovered_automations(organization_id);

	CREATE TABLE IF NOT EXISTS risk_score_entries (
		id TEXT PRIMARY KEY,
		automation_id TEXT NOT NULL REFERENCES discovered_automations(id),
		timestamp INTEGER NOT NULL,
		score REAL NOT NULL,
		level TEXT NOT NULL,
		factors TEXT NOT NULL DEFAULT '[]',
		"trigger" TEXT NOT NULL,
		rapid_change INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_risk_automation ON risk_score_entries(automation_id, timestamp);

	CREATE TABLE IF NOT EXISTS correlation_links (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		fingerprint TEXT NOT NULL,
		automation_ids TEXT NOT NULL,
		signals TEXT NOT NULL,
		confidence REAL NOT NULL,
		aggregate_risk REAL NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(organization_id, fingerprint)
	);

	CREATE TABLE IF NOT EXISTS detector_baselines (
		id TEXT PRIMARY KEY,
		detector_name TEXT NOT NULL,
		version INTEGER NOT NULL,
		precision REAL NOT NULL,
		recall REAL NOT NULL,
		f1 REAL NOT NULL,
		sample_size INTEGER NOT NULL,
		provisional INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_baselines_detector ON detector_baselines(detector_name, timestamp);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		user_id TEXT,
		action TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		details TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_audit_org ON audit_logs(organization_id, timestamp);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, strftime('%s','now'))`)
	return err
}
