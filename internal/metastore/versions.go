package metastore

import (
	"database/sql"
	"fmt"
	"time"
)

// Version is a row of the versions table (spec.md §3: "A record
// (version_hash, file_path, blob_hash, timestamp, parent_version_hash?,
// branch_id, annotation?)").
type Version struct {
	VersionHash       string
	FilePath          string
	BlobHash          string
	Timestamp         time.Time
	ParentVersionHash string // empty if this is the first version
	BranchID          string
	Annotation        string
}

// InsertVersion writes one versions row and must run inside the same
// transaction as the FileHead update and search-term refresh (spec.md
// §4.E step 5).
func (s *Store) InsertVersion(tx *sql.Tx, v Version) error {
	_, err := tx.Exec(`INSERT INTO versions
		(version_hash, file_path, blob_hash, timestamp, parent_version_hash, branch_id, annotation)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''))`,
		v.VersionHash, v.FilePath, v.BlobHash, unixMillis(v.Timestamp),
		v.ParentVersionHash, v.BranchID, v.Annotation)
	if err != nil {
		return fmt.Errorf("metastore: inserting version: %w", err)
	}
	return nil
}

func scanVersion(row interface{ Scan(...any) error }) (Version, error) {
	var v Version
	var parent, annotation sql.NullString
	var ts int64
	if err := row.Scan(&v.VersionHash, &v.FilePath, &v.BlobHash, &ts, &parent, &v.BranchID, &annotation); err != nil {
		return Version{}, err
	}
	v.Timestamp = fromUnixMillis(ts)
	v.ParentVersionHash = parent.String
	v.Annotation = annotation.String
	return v, nil
}

const versionColumns = `version_hash, file_path, blob_hash, timestamp, parent_version_hash, branch_id, annotation`

// GetVersion resolves a full 64-hex version hash.
func (s *Store) GetVersion(hash string) (*Version, error) {
	row := s.db.QueryRow(`SELECT `+versionColumns+` FROM versions WHERE version_hash = ?`, hash)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: getting version: %w", err)
	}
	return &v, nil
}

// ResolveHash resolves a short hash (≥4 hex chars) or a full hash to
// exactly one version_hash. Returns an empty hash with zero count on no
// match, and an empty hash with a count > 1 on ambiguity (spec.md §4.G, §8 scenario 3).
func (s *Store) ResolveHash(prefix string) (hash string, matchCount int, err error) {
	rows, err := s.db.Query(`SELECT version_hash FROM versions WHERE version_hash LIKE ? LIMIT 2`, prefix+"%")
	if err != nil {
		return "", 0, fmt.Errorf("metastore: resolving hash prefix: %w", err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return "", 0, fmt.Errorf("metastore: scanning hash match: %w", err)
		}
		matches = append(matches, h)
	}
	if err := rows.Err(); err != nil {
		return "", 0, err
	}

	if len(matches) == 0 {
		return "", 0, nil
	}
	// A LIMIT 2 result of exactly one row still needs a real count when
	// the prefix equals a full hash that happens to also prefix another.
	if len(matches) == 1 {
		var total int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM versions WHERE version_hash LIKE ?`, prefix+"%").Scan(&total); err != nil {
			return "", 0, fmt.Errorf("metastore: counting hash matches: %w", err)
		}
		if total > 1 {
			return "", total, nil
		}
		return matches[0], 1, nil
	}
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM versions WHERE version_hash LIKE ?`, prefix+"%").Scan(&total); err != nil {
		return "", 0, fmt.Errorf("metastore: counting hash matches: %w", err)
	}
	return "", total, nil
}

// GetFileHead returns the current tip version for (path, branchID), or
// nil if the file has no FileHead there.
func (s *Store) GetFileHead(path, branchID string) (*Version, error) {
	var versionHash string
	err := s.db.QueryRow(`SELECT version_hash FROM file_heads WHERE file_path = ? AND branch_id = ?`,
		path, branchID).Scan(&versionHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: getting file head: %w", err)
	}
	return s.GetVersion(versionHash)
}

// SetFileHead upserts the (path, branchID) -> versionHash pointer.
func (s *Store) SetFileHead(tx *sql.Tx, path, branchID, versionHash string) error {
	_, err := tx.Exec(`INSERT INTO file_heads (file_path, branch_id, version_hash) VALUES (?, ?, ?)
		ON CONFLICT(file_path, branch_id) DO UPDATE SET version_hash = excluded.version_hash`,
		path, branchID, versionHash)
	if err != nil {
		return fmt.Errorf("metastore: setting file head: %w", err)
	}
	return nil
}

// ListFileHeads returns every (path -> version_hash) pointer on a
// branch, used by branch_create to seed a new branch's FileHeads.
func (s *Store) ListFileHeads(branchID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT file_path, version_hash FROM file_heads WHERE branch_id = ?`, branchID)
	if err != nil {
		return nil, fmt.Errorf("metastore: listing file heads: %w", err)
	}
	defer rows.Close()

	heads := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, fmt.Errorf("metastore: scanning file head: %w", err)
		}
		heads[path] = hash
	}
	return heads, rows.Err()
}

// History lists the versions recorded on (path, branchID), newest
// first by timestamp, via the (file_path, branch_id, timestamp DESC)
// index. It does not follow parent_version_hash pointers, so versions
// a branch inherited from its source branch are not included.
func (s *Store) History(path, branchID string, limit int) ([]Version, error) {
	query := `SELECT ` + versionColumns + ` FROM versions
		WHERE file_path = ? AND branch_id = ? ORDER BY timestamp DESC`
	args := []any{path, branchID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("metastore: querying history: %w", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("metastore: scanning history row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AllVersionsOldestFirst supports reindex_all's requirement (spec.md
// §4.H) that a crash mid-reindex still leaves a consistent prefix.
func (s *Store) AllVersionsOldestFirst() ([]Version, error) {
	rows, err := s.db.Query(`SELECT ` + versionColumns + ` FROM versions ORDER BY timestamp ASC`)
	if err != nil {
		return nil, fmt.Errorf("metastore: listing all versions: %w", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("metastore: scanning version row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountVersionsReferencingBlob supports GC's "prove no live version
// references this blob" requirement (spec.md §4.A, §3).
func (s *Store) CountVersionsReferencingBlob(blobHash string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM versions WHERE blob_hash = ?`, blobHash).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("metastore: counting blob references: %w", err)
	}
	return n, nil
}
