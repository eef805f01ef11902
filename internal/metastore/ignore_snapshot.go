package metastore

import "fmt"

// ReplaceIgnoreSnapshot persists the compiled ignore rule list so a
// reopened repository can audit what was in effect at a given time,
// without needing to re-read .chronologignore off disk.
func (s *Store) ReplaceIgnoreSnapshot(patterns []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("metastore: beginning ignore snapshot update: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM ignore_rules_snapshot`); err != nil {
		tx.Rollback()
		return fmt.Errorf("metastore: clearing ignore snapshot: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO ignore_rules_snapshot (pattern) VALUES (?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("metastore: preparing ignore snapshot insert: %w", err)
	}
	for _, p := range patterns {
		if _, err := stmt.Exec(p); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("metastore: inserting ignore pattern: %w", err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

func (s *Store) IgnoreSnapshot() ([]string, error) {
	rows, err := s.db.Query(`SELECT pattern FROM ignore_rules_snapshot ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("metastore: reading ignore snapshot: %w", err)
	}
	defer rows.Close()

	var patterns []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("metastore: scanning ignore pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}
