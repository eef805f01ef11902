package metastore

import (
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step. Migrations never run
// backward; if the stored schema_version is higher than len(migrations)
// the store refuses to open (spec.md §4.B: "If schema is newer than the
// binary understands, fail with a clear diagnostic").
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS meta (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS branches (
				branch_id        TEXT PRIMARY KEY,
				name             TEXT NOT NULL,
				parent_branch_id TEXT,
				created_at       INTEGER NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_branches_name ON branches(name)`,
			`CREATE TABLE IF NOT EXISTS versions (
				version_hash        TEXT PRIMARY KEY,
				file_path           TEXT NOT NULL,
				blob_hash           TEXT NOT NULL,
				timestamp           INTEGER NOT NULL,
				parent_version_hash TEXT,
				branch_id           TEXT NOT NULL,
				annotation          TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_versions_path_branch_ts
				ON versions(file_path, branch_id, timestamp DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_versions_blob_hash ON versions(blob_hash)`,
			`CREATE TABLE IF NOT EXISTS file_heads (
				file_path    TEXT NOT NULL,
				branch_id    TEXT NOT NULL,
				version_hash TEXT NOT NULL,
				PRIMARY KEY (file_path, branch_id)
			)`,
			`CREATE TABLE IF NOT EXISTS tags (
				tag_name     TEXT PRIMARY KEY,
				version_hash TEXT NOT NULL,
				created_at   INTEGER NOT NULL,
				description  TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS ignore_rules_snapshot (
				seq     INTEGER PRIMARY KEY AUTOINCREMENT,
				pattern TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS search_terms (
				version_hash TEXT NOT NULL,
				file_path    TEXT NOT NULL,
				token        TEXT NOT NULL,
				positions    TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_search_terms_token ON search_terms(token)`,
			`CREATE INDEX IF NOT EXISTS idx_search_terms_version ON search_terms(version_hash, file_path)`,
		},
	},
}

const currentSchemaVersion = 1

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("metastore: bootstrapping meta table: %w", err)
	}

	stored, err := s.schemaVersion()
	if err != nil {
		return err
	}

	if stored > currentSchemaVersion {
		return fmt.Errorf("metastore: schema version %d is newer than this binary understands (max %d)", stored, currentSchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= stored {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("metastore: beginning migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("metastore: applying migration %d: %w", m.version, err)
			}
		}
		if err := s.setSchemaVersion(tx, m.version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("metastore: committing migration %d: %w", m.version, err)
		}
	}

	return nil
}

func (s *Store) schemaVersion() (int, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("metastore: reading schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(value, "%d", &v); err != nil {
		return 0, fmt.Errorf("metastore: parsing schema version: %w", err)
	}
	return v, nil
}

func (s *Store) setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", version))
	if err != nil {
		return fmt.Errorf("metastore: writing schema version: %w", err)
	}
	return nil
}

// GetMeta / SetMeta expose the meta table's free-form key/value rows,
// used for the HEAD branch pointer (internal/refs).
func (s *Store) GetMeta(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("metastore: reading meta %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) SetMetaTx(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("metastore: writing meta %q: %w", key, err)
	}
	return nil
}
