package storage

import (
	"fmt"

	apperrors "github.com/singura/singura/internal/errors"
	"github.com/rs/zerolog/log"
)

// requiredColumns lists the tables and columns the core cannot run without.
// The audit log's timestamp/created_at split is load-bearing: timestamp is
// event time, created_at is row time, and both must exist.
var requiredColumns = map[string][]string{
	"organizations":          {"id", "name", "domain", "plan_tier", "max_connections"},
	"platform_connections":   {"id", "organization_id", "platform_type", "status", "last_error"},
	"encrypted_credentials":  {"platform_connection_id", "ciphertext", "iv", "tag", "key_version"},
	"discovery_runs":         {"id", "organization_id", "platform_connection_id", "status", "started_at"},
	"discovered_automations": {"id", "organization_id", "platform_connection_id", "discovery_run_id", "external_id", "first_discovered_at"},
	"risk_score_entries":     {"id", "automation_id", "timestamp", "score", "level", "trigger"},
	"correlation_links":      {"id", "organization_id", "fingerprint", "automation_ids", "confidence"},
	"detector_baselines":     {"id", "detector_name", "precision", "recall", "f1", "sample_size"},
	"audit_logs":             {"id", "organization_id", "action", "timestamp", "created_at", "details"},
}

// VerifyMigrations asserts that every required table and column exists.
// Called at startup; a failure aborts the process with a remediation hint.
func (s *Store) VerifyMigrations() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for table, columns := range requiredColumns {
		present, err := s.tableColumns(table)
		if err != nil {
			return err
		}
		if len(present) == 0 {
			return apperrors.New(apperrors.KindMigration, "verify_migrations", "",
				fmt.Errorf("%w: table %q does not exist; run `singura migrate` to create the schema",
					apperrors.ErrMigrationMissing, table))
		}
		for _, col := range columns {
			if !present[col] {
				return apperrors.New(apperrors.KindMigration, "verify_migrations", "",
					fmt.Errorf("%w: table %q is missing column %q; run `singura migrate` to upgrade the schema",
						apperrors.ErrMigrationMissing, table, col))
			}
		}
	}

	log.Info().Int("tables", len(requiredColumns)).Msg("Schema verification passed")
	return nil
}

func (s *Store) tableColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		columns[name] = true
	}
	return columns, rows.Err()
}
