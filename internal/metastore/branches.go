package metastore

import (
	"database/sql"
	"fmt"
	"time"
)

// Branch is a row of the branches table (spec.md §3).
type Branch struct {
	BranchID       string
	Name           string
	ParentBranchID string
	CreatedAt      time.Time
}

func (s *Store) CreateBranchTx(tx *sql.Tx, b Branch) error {
	_, err := tx.Exec(`INSERT INTO branches (branch_id, name, parent_branch_id, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?)`,
		b.BranchID, b.Name, b.ParentBranchID, unixMillis(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("metastore: creating branch: %w", err)
	}
	return nil
}

func scanBranch(row interface{ Scan(...any) error }) (Branch, error) {
	var b Branch
	var parent sql.NullString
	var ts int64
	if err := row.Scan(&b.BranchID, &b.Name, &parent, &ts); err != nil {
		return Branch{}, err
	}
	b.ParentBranchID = parent.String
	b.CreatedAt = fromUnixMillis(ts)
	return b, nil
}

const branchColumns = `branch_id, name, parent_branch_id, created_at`

func (s *Store) GetBranchByName(name string) (*Branch, error) {
	row := s.db.QueryRow(`SELECT `+branchColumns+` FROM branches WHERE name = ?`, name)
	b, err := scanBranch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: getting branch: %w", err)
	}
	return &b, nil
}

func (s *Store) GetBranchByID(id string) (*Branch, error) {
	row := s.db.QueryRow(`SELECT `+branchColumns+` FROM branches WHERE branch_id = ?`, id)
	b, err := scanBranch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: getting branch: %w", err)
	}
	return &b, nil
}

func (s *Store) ListBranches() ([]Branch, error) {
	rows, err := s.db.Query(`SELECT ` + branchColumns + ` FROM branches ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("metastore: listing branches: %w", err)
	}
	defer rows.Close()

	var out []Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("metastore: scanning branch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) DeleteBranchTx(tx *sql.Tx, branchID string) error {
	if _, err := tx.Exec(`DELETE FROM branches WHERE branch_id = ?`, branchID); err != nil {
		return fmt.Errorf("metastore: deleting branch: %w", err)
	}
	// FileHeads on a deleted branch are intentionally left in place:
	// their versions remain, only unreachable via the branch name
	// (spec.md §4.F: "versions created on that branch remain but
	// become unreachable via branch name").
	return nil
}

// CopyFileHeadsTx seeds a new branch's FileHeads from its source
// branch, inside the same transaction as the branch row insert
// (spec.md §4.F: "creates a new branch pointing initially at the
// source branch's latest versions").
func (s *Store) CopyFileHeadsTx(tx *sql.Tx, fromBranchID, toBranchID string) error {
	_, err := tx.Exec(`INSERT INTO file_heads (file_path, branch_id, version_hash)
		SELECT file_path, ?, version_hash FROM file_heads WHERE branch_id = ?`,
		toBranchID, fromBranchID)
	if err != nil {
		return fmt.Errorf("metastore: copying file heads: %w", err)
	}
	return nil
}

// Tag is a row of the tags table (spec.md §3): a weak reference whose
// deletion never deletes the version it points at.
type Tag struct {
	Name        string
	VersionHash string
	CreatedAt   time.Time
	Description string
}

func (s *Store) CreateTagTx(tx *sql.Tx, t Tag) error {
	_, err := tx.Exec(`INSERT INTO tags (tag_name, version_hash, created_at, description)
		VALUES (?, ?, ?, NULLIF(?, ''))`,
		t.Name, t.VersionHash, unixMillis(t.CreatedAt), t.Description)
	if err != nil {
		return fmt.Errorf("metastore: creating tag: %w", err)
	}
	return nil
}

func scanTag(row interface{ Scan(...any) error }) (Tag, error) {
	var t Tag
	var desc sql.NullString
	var ts int64
	if err := row.Scan(&t.Name, &t.VersionHash, &ts, &desc); err != nil {
		return Tag{}, err
	}
	t.CreatedAt = fromUnixMillis(ts)
	t.Description = desc.String
	return t, nil
}

const tagColumns = `tag_name, version_hash, created_at, description`

func (s *Store) GetTag(name string) (*Tag, error) {
	row := s.db.QueryRow(`SELECT `+tagColumns+` FROM tags WHERE tag_name = ?`, name)
	t, err := scanTag(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: getting tag: %w", err)
	}
	return &t, nil
}

func (s *Store) ListTags() ([]Tag, error) {
	rows, err := s.db.Query(`SELECT ` + tagColumns + ` FROM tags ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("metastore: listing tags: %w", err)
	}
	defer rows.Close()

	var out []Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("metastore: scanning tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTagTx(tx *sql.Tx, name string) error {
	if _, err := tx.Exec(`DELETE FROM tags WHERE tag_name = ?`, name); err != nil {
		return fmt.Errorf("metastore: deleting tag: %w", err)
	}
	return nil
}
