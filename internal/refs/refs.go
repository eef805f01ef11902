// Package refs manages branches, tags, and HEAD — spec.md §4.F —
// grounded on the teacher's Stream/Box CRUD pattern
// (internal/stream, internal/stream/storage/store.go) and the
// Intent store's tag-like CRUD (internal/intent/storage/store.go),
// generalized from an in-process Box interface to transactions against
// internal/metastore.
package refs

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"chronolog/internal/chronoerr"
	"chronolog/internal/metastore"
)

const headMetaKey = "head_branch"

// DefaultBranchName is the branch Init creates and switches to.
const DefaultBranchName = "main"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,127}$`)

// Manager is the façade internal/repo uses for every branch/tag/HEAD
// operation.
type Manager struct {
	meta *metastore.Store
}

func New(meta *metastore.Store) *Manager {
	return &Manager{meta: meta}
}

func validateName(kind, name string) error {
	if !namePattern.MatchString(name) {
		return chronoerr.UserInput(chronoerr.CodeNotTracked, fmt.Sprintf("invalid %s name %q: must start with an alphanumeric and contain only letters, digits, '.', '_', '-', '/'", kind, name))
	}
	return nil
}

// Bootstrap creates the default branch and points HEAD at it; called
// once by repo.Init.
func (m *Manager) Bootstrap() (metastore.Branch, error) {
	branch := metastore.Branch{
		BranchID:  uuid.NewString(),
		Name:      DefaultBranchName,
		CreatedAt: time.Now().UTC(),
	}
	tx, err := m.meta.DB().Begin()
	if err != nil {
		return metastore.Branch{}, fmt.Errorf("refs: beginning bootstrap tx: %w", err)
	}
	if err := m.meta.CreateBranchTx(tx, branch); err != nil {
		tx.Rollback()
		return metastore.Branch{}, err
	}
	if err := m.meta.SetMetaTx(tx, headMetaKey, branch.Name); err != nil {
		tx.Rollback()
		return metastore.Branch{}, err
	}
	if err := tx.Commit(); err != nil {
		return metastore.Branch{}, fmt.Errorf("refs: committing bootstrap tx: %w", err)
	}
	return branch, nil
}

// Head returns the branch HEAD currently points at.
func (m *Manager) Head() (*metastore.Branch, error) {
	name, ok, err := m.meta.GetMeta(headMetaKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, chronoerr.State(chronoerr.CodeNotARepository, "HEAD is unset; repository was never initialized")
	}
	return m.meta.GetBranchByName(name)
}

// CreateBranch creates a new branch seeded from fromBranch's current
// FileHeads (spec.md §4.F: "points initially at the source branch's
// latest versions").
func (m *Manager) CreateBranch(name, fromBranch string) (*metastore.Branch, error) {
	if err := validateName("branch", name); err != nil {
		return nil, err
	}
	if existing, err := m.meta.GetBranchByName(name); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, chronoerr.UserInput(chronoerr.CodeExists, fmt.Sprintf("branch %q already exists", name))
	}

	source, err := m.meta.GetBranchByName(fromBranch)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, chronoerr.UserInput(chronoerr.CodeMissing, fmt.Sprintf("source branch %q does not exist", fromBranch))
	}

	branch := metastore.Branch{
		BranchID:       uuid.NewString(),
		Name:           name,
		ParentBranchID: source.BranchID,
		CreatedAt:      time.Now().UTC(),
	}

	tx, err := m.meta.DB().Begin()
	if err != nil {
		return nil, fmt.Errorf("refs: beginning branch-create tx: %w", err)
	}
	if err := m.meta.CreateBranchTx(tx, branch); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := m.meta.CopyFileHeadsTx(tx, source.BranchID, branch.BranchID); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("refs: committing branch-create tx: %w", err)
	}
	return &branch, nil
}

// SwitchBranch points HEAD at an existing branch.
func (m *Manager) SwitchBranch(name string) (*metastore.Branch, error) {
	branch, err := m.meta.GetBranchByName(name)
	if err != nil {
		return nil, err
	}
	if branch == nil {
		return nil, chronoerr.UserInput(chronoerr.CodeMissing, fmt.Sprintf("branch %q does not exist", name))
	}

	tx, err := m.meta.DB().Begin()
	if err != nil {
		return nil, fmt.Errorf("refs: beginning switch tx: %w", err)
	}
	if err := m.meta.SetMetaTx(tx, headMetaKey, name); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("refs: committing switch tx: %w", err)
	}
	return branch, nil
}

// DeleteBranch removes a branch. Its FileHeads are left in place
// (spec.md §4.F) and it cannot be the branch HEAD currently points at.
func (m *Manager) DeleteBranch(name string) error {
	head, err := m.Head()
	if err != nil {
		return err
	}
	if head != nil && head.Name == name {
		return chronoerr.UserInput(chronoerr.CodeIsHEAD, fmt.Sprintf("cannot delete %q: it is the current branch", name))
	}

	branch, err := m.meta.GetBranchByName(name)
	if err != nil {
		return err
	}
	if branch == nil {
		return chronoerr.UserInput(chronoerr.CodeMissing, fmt.Sprintf("branch %q does not exist", name))
	}

	tx, err := m.meta.DB().Begin()
	if err != nil {
		return fmt.Errorf("refs: beginning branch-delete tx: %w", err)
	}
	if err := m.meta.DeleteBranchTx(tx, branch.BranchID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Manager) ListBranches() ([]metastore.Branch, error) {
	return m.meta.ListBranches()
}

// CreateTag points a named, weak reference at a resolved version hash
// (spec.md §4.F: "deletion never deletes the version it points at").
func (m *Manager) CreateTag(name, hashOrPrefix, description string) (*metastore.Tag, error) {
	if err := validateName("tag", name); err != nil {
		return nil, err
	}
	if existing, err := m.meta.GetTag(name); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, chronoerr.UserInput(chronoerr.CodeExists, fmt.Sprintf("tag %q already exists", name))
	}

	hash, err := m.resolveHash(hashOrPrefix)
	if err != nil {
		return nil, err
	}

	tag := metastore.Tag{Name: name, VersionHash: hash, CreatedAt: time.Now().UTC(), Description: description}
	tx, err := m.meta.DB().Begin()
	if err != nil {
		return nil, fmt.Errorf("refs: beginning tag-create tx: %w", err)
	}
	if err := m.meta.CreateTagTx(tx, tag); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("refs: committing tag-create tx: %w", err)
	}
	return &tag, nil
}

func (m *Manager) DeleteTag(name string) error {
	if existing, err := m.meta.GetTag(name); err != nil {
		return err
	} else if existing == nil {
		return chronoerr.UserInput(chronoerr.CodeMissing, fmt.Sprintf("tag %q does not exist", name))
	}

	tx, err := m.meta.DB().Begin()
	if err != nil {
		return fmt.Errorf("refs: beginning tag-delete tx: %w", err)
	}
	if err := m.meta.DeleteTagTx(tx, name); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Manager) ListTags() ([]metastore.Tag, error) {
	return m.meta.ListTags()
}

func (m *Manager) GetTag(name string) (*metastore.Tag, error) {
	return m.meta.GetTag(name)
}

// resolveHash resolves a (possibly short) hash, surfacing ambiguity
// and unknown-hash as typed chronoerr errors (spec.md §8 scenario 3).
func (m *Manager) resolveHash(hashOrPrefix string) (string, error) {
	hash, count, err := m.meta.ResolveHash(hashOrPrefix)
	if err != nil {
		return "", err
	}
	switch {
	case count == 0:
		return "", chronoerr.UserInput(chronoerr.CodeHashUnknown, fmt.Sprintf("no version matches hash %q", hashOrPrefix))
	case count > 1:
		return "", chronoerr.UserInput(chronoerr.CodeHashAmbiguous, fmt.Sprintf("hash %q matches %d versions, add more characters", hashOrPrefix, count))
	default:
		return hash, nil
	}
}

// ResolveHash is exported for internal/repo operations (show/diff/
// checkout) that need the same disambiguation without creating a tag.
func (m *Manager) ResolveHash(hashOrPrefix string) (string, error) {
	return m.resolveHash(hashOrPrefix)
}
