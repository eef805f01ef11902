package metastore

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// SearchTerm is a logical row (version_hash, file_path, token,
// positions) per spec.md §3: derived data, reproducible from Versions
// + Blobs via reindex.
type SearchTerm struct {
	VersionHash string
	FilePath    string
	Token       string
	Positions   []int
}

// InsertSearchTermsTx bulk-inserts tokens for one version inside the
// caller's ingest or reindex transaction.
func (s *Store) InsertSearchTermsTx(tx *sql.Tx, terms []SearchTerm) error {
	stmt, err := tx.Prepare(`INSERT INTO search_terms (version_hash, file_path, token, positions) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("metastore: preparing search term insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range terms {
		positions, err := json.Marshal(t.Positions)
		if err != nil {
			return fmt.Errorf("metastore: encoding positions: %w", err)
		}
		if _, err := stmt.Exec(t.VersionHash, t.FilePath, t.Token, string(positions)); err != nil {
			return fmt.Errorf("metastore: inserting search term: %w", err)
		}
	}
	return nil
}

// RemoveSearchTermsForVersionTx deletes every indexed token belonging to
// the prior version of (path, branch) — spec.md §4.E step 5: "remove
// tokens attributed to the prior version." versionHash identifies the
// version being superseded, scoped by file_path since multiple
// branches may reuse hashes distinctly attributed per version row.
func (s *Store) RemoveSearchTermsForVersionTx(tx *sql.Tx, versionHash, filePath string) error {
	_, err := tx.Exec(`DELETE FROM search_terms WHERE version_hash = ? AND file_path = ?`, versionHash, filePath)
	if err != nil {
		return fmt.Errorf("metastore: removing search terms: %w", err)
	}
	return nil
}

// ClearSearchTerms truncates the whole table, the first step of
// reindex_all (spec.md §4.H: "drop the search-terms table").
func (s *Store) ClearSearchTerms() error {
	if _, err := s.db.Exec(`DELETE FROM search_terms`); err != nil {
		return fmt.Errorf("metastore: clearing search terms: %w", err)
	}
	return nil
}

// SearchCandidateRow is one (version, file, token, positions) hit
// narrowed by the SQL layer; internal/search applies regex/whole-word/
// case-sensitivity filtering on top in Go.
type SearchCandidateRow struct {
	VersionHash string
	FilePath    string
	Timestamp   int64
	Annotation  string
	Token       string
	Positions   []int
}

// QueryCandidates runs the SQL half of a search: a LIKE-based
// substring pre-filter plus optional file-type glob and recency-window
// narrowing, mirroring the base_query construction in the original
// searcher.py before its REGEXP/whole-word refinement.
func (s *Store) QueryCandidates(likePattern string, filePathGlob string, sinceUnixMillis int64, limit int) ([]SearchCandidateRow, error) {
	query := `SELECT st.version_hash, st.file_path, v.timestamp, v.annotation, st.token, st.positions
		FROM search_terms st
		JOIN versions v ON st.version_hash = v.version_hash
		WHERE st.token LIKE ?`
	args := []any{likePattern}

	if filePathGlob != "" {
		query += ` AND st.file_path GLOB ?`
		args = append(args, filePathGlob)
	}
	if sinceUnixMillis > 0 {
		query += ` AND v.timestamp >= ?`
		args = append(args, sinceUnixMillis)
	}
	query += ` ORDER BY v.timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("metastore: querying search candidates: %w", err)
	}
	defer rows.Close()

	var out []SearchCandidateRow
	for rows.Next() {
		var r SearchCandidateRow
		var annotation sql.NullString
		var positionsJSON string
		if err := rows.Scan(&r.VersionHash, &r.FilePath, &r.Timestamp, &annotation, &r.Token, &positionsJSON); err != nil {
			return nil, fmt.Errorf("metastore: scanning search candidate: %w", err)
		}
		r.Annotation = annotation.String
		if err := json.Unmarshal([]byte(positionsJSON), &r.Positions); err != nil {
			return nil, fmt.Errorf("metastore: decoding positions: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchStats mirrors searcher.py's get_search_stats.
type SearchStats struct {
	IndexedVersions int
	TotalVersions   int
}

func (s *Store) SearchStats() (SearchStats, error) {
	var stats SearchStats
	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT version_hash) FROM search_terms`).Scan(&stats.IndexedVersions); err != nil {
		return stats, fmt.Errorf("metastore: counting indexed versions: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM versions`).Scan(&stats.TotalVersions); err != nil {
		return stats, fmt.Errorf("metastore: counting versions: %w", err)
	}
	return stats, nil
}
