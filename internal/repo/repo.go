// Package repo wires the object store, metadata store, ignore filter,
// watcher, ingest pipeline, ref manager, diff engine, merge engine, and
// search index into the stable in-process API spec.md §6 describes —
// grounded on internal/parcel/parcel.go's New/Initialize/Close shape
// and internal/workspace/local.go's FindRoot.
package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"chronolog/internal/chronoerr"
	"chronolog/internal/config"
	"chronolog/internal/diffengine"
	"chronolog/internal/ignore"
	"chronolog/internal/ingest"
	"chronolog/internal/merge"
	"chronolog/internal/metastore"
	"chronolog/internal/objectstore"
	"chronolog/internal/refs"
	"chronolog/internal/search"
	"chronolog/internal/watcher"
)

// MetaDirName is the repository's hidden metadata directory name
// (spec.md §6 layout).
const MetaDirName = ".chronolog"

// Repository is a single open working tree's handle onto every
// component spec.md §2 lists.
type Repository struct {
	Root string

	db      *badger.DB
	objects *objectstore.Store
	meta    *metastore.Store
	ignoreF *ignore.Filter
	refs    *refs.Manager
	search  *search.Index
	ingest  *ingest.Pipeline
	watch   *watcher.Watcher
	cfg     *config.Config
	log     *zap.Logger
}

func metaDir(root string) string   { return filepath.Join(root, MetaDirName) }
func headFilePath(root string) string { return filepath.Join(metaDir(root), "HEAD") }
func pidFilePath(root string) string  { return filepath.Join(metaDir(root), "daemon.pid") }

// FindRoot walks up from startDir looking for a .chronolog directory,
// the way workspace.FindRoot walks up looking for .tig.
func FindRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(metaDir(dir)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", chronoerr.State(chronoerr.CodeNotARepository, "no .chronolog directory found above "+startDir)
}

// Init lays out a fresh repository at root: the metadata directory
// tree, a default config.json, a default .chronologignore, and an
// initial "main" branch/HEAD (spec.md §6: init → Ok / AlreadyInitialized).
func Init(root string, log *zap.Logger) (*Repository, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("repo: resolving root: %w", err)
	}

	if _, err := os.Stat(metaDir(absRoot)); err == nil {
		return nil, chronoerr.State(chronoerr.CodeAlreadyInitialized, absRoot+" is already a chronolog repository")
	}

	for _, dir := range []string{
		filepath.Join(metaDir(absRoot), "objects"),
		filepath.Join(metaDir(absRoot), "objects", "tmp"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("repo: creating %s: %w", dir, err)
		}
	}

	if err := config.Save(config.Path(metaDir(absRoot)), config.Default()); err != nil {
		return nil, fmt.Errorf("repo: writing config: %w", err)
	}
	if err := ignore.WriteDefaultIgnoreFile(absRoot); err != nil {
		return nil, fmt.Errorf("repo: writing default ignore file: %w", err)
	}

	r, err := open(absRoot, log)
	if err != nil {
		return nil, err
	}

	if _, err := r.refs.Bootstrap(); err != nil {
		r.Close()
		return nil, fmt.Errorf("repo: bootstrapping main branch: %w", err)
	}
	if err := r.syncHeadFile(); err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

// Open attaches to an existing repository (spec.md §6: open(root) →
// Ok(handle) / NotARepository).
func Open(root string, log *zap.Logger) (*Repository, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("repo: resolving root: %w", err)
	}
	if _, err := os.Stat(metaDir(absRoot)); err != nil {
		return nil, chronoerr.State(chronoerr.CodeNotARepository, absRoot+" is not a chronolog repository")
	}
	return open(absRoot, log)
}

func open(root string, log *zap.Logger) (*Repository, error) {
	if log == nil {
		log = zap.NewNop()
	}

	cfg, err := config.Load(config.Path(metaDir(root)))
	if err != nil {
		return nil, fmt.Errorf("repo: loading config: %w", err)
	}

	db, err := badger.Open(badger.DefaultOptions(filepath.Join(metaDir(root), "objects-side")).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("repo: opening object side table: %w", err)
	}

	objects, err := objectstore.New(db, objectstore.Options{
		Root:      filepath.Join(metaDir(root), "objects"),
		CacheSize: 1000,
	}, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("repo: opening object store: %w", err)
	}

	meta, err := metastore.Open(filepath.Join(metaDir(root), "history.db"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("repo: opening metadata store: %w", err)
	}

	ignoreF, err := ignore.New(root)
	if err != nil {
		meta.Close()
		db.Close()
		return nil, fmt.Errorf("repo: compiling ignore patterns: %w", err)
	}
	ignoreF.SetOnReload(func(patterns []string) {
		if err := meta.ReplaceIgnoreSnapshot(patterns); err != nil {
			log.Warn("repo: persisting ignore snapshot", zap.Error(err))
		}
	})
	if err := meta.ReplaceIgnoreSnapshot(ignoreF.Patterns()); err != nil {
		meta.Close()
		db.Close()
		return nil, fmt.Errorf("repo: persisting initial ignore snapshot: %w", err)
	}

	refManager := refs.New(meta)
	searchIdx := search.New(meta, objects, log)
	ingestPipeline := ingest.NewPipeline(root, objects, meta, searchIdx, refManager, cfg.Ingest, log)

	return &Repository{
		Root:    root,
		db:      db,
		objects: objects,
		meta:    meta,
		ignoreF: ignoreF,
		refs:    refManager,
		search:  searchIdx,
		ingest:  ingestPipeline,
		cfg:     cfg,
		log:     log,
	}, nil
}

func (r *Repository) syncHeadFile() error {
	head, err := r.refs.Head()
	if err != nil {
		return fmt.Errorf("repo: resolving HEAD: %w", err)
	}
	if err := os.WriteFile(headFilePath(r.Root), []byte(head.Name+"\n"), 0o644); err != nil {
		return fmt.Errorf("repo: writing HEAD file: %w", err)
	}
	return nil
}

// Close releases every resource open handles, in the reverse order
// they were acquired.
func (r *Repository) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.watch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.watch.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping watcher: %w", err))
		}
		cancel()
		r.watch = nil
	}
	if r.meta != nil {
		if err := r.meta.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing metadata store: %w", err))
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing object side table: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("repo: closing: %v", errs)
	}
	return nil
}

// LogEntry is one history.log entry (spec.md §4.G).
type LogEntry struct {
	VersionHash string
	ShortHash   string
	Timestamp   time.Time
	Size        int
	Annotation  string
}

// Log walks FileHead backward via parent_version_hash, newest first
// (spec.md §4.G). A path with no FileHead yields an empty, non-error
// result.
func (r *Repository) Log(path string, limit int) ([]LogEntry, error) {
	head, err := r.refs.Head()
	if err != nil {
		return nil, err
	}
	var versions []metastore.Version
	v, err := r.meta.GetFileHead(path, head.BranchID)
	for err == nil && v != nil && (limit <= 0 || len(versions) < limit) {
		versions = append(versions, *v)
		if v.ParentVersionHash == "" {
			break
		}
		v, err = r.meta.GetVersion(v.ParentVersionHash)
	}
	if err != nil {
		return nil, fmt.Errorf("repo: walking history: %w", err)
	}
	entries := make([]LogEntry, len(versions))
	for i, v := range versions {
		size := 0
		if blob, err := r.objects.Get(v.BlobHash); err == nil {
			size = len(blob)
		}
		entries[i] = LogEntry{
			VersionHash: v.VersionHash,
			ShortHash:   shortHash(v.VersionHash),
			Timestamp:   v.Timestamp,
			Size:        size,
			Annotation:  v.Annotation,
		}
	}
	return entries, nil
}

func shortHash(hash string) string {
	if len(hash) < 8 {
		return hash
	}
	return hash[:8]
}

// Show resolves a possibly-abbreviated version hash (spec.md §4.G) and
// returns its blob content.
func (r *Repository) Show(hashOrPrefix string) ([]byte, error) {
	hash, err := r.refs.ResolveHash(hashOrPrefix)
	if err != nil {
		return nil, err
	}
	v, err := r.meta.GetVersion(hash)
	if err != nil {
		return nil, fmt.Errorf("repo: loading version: %w", err)
	}
	if v == nil {
		return nil, chronoerr.UserInput(chronoerr.CodeHashUnknown, "resolved version not found: "+hash)
	}
	content, err := r.objects.Get(v.BlobHash)
	if err != nil {
		return nil, fmt.Errorf("repo: reading blob: %w", err)
	}
	return content, nil
}

// Diff produces a unified line diff between two resolvable refs.
// "current" means the working tree content of path. Returns
// diffengine.ErrBinary if either side is binary (spec.md §4.G).
func (r *Repository) Diff(path, a, b string, contextLines int) (*diffengine.Result, error) {
	oldContent, err := r.resolveDiffSide(path, a)
	if err != nil {
		return nil, err
	}
	newContent, err := r.resolveDiffSide(path, b)
	if err != nil {
		return nil, err
	}

	if contextLines <= 0 {
		contextLines = 3
	}
	return diffengine.NewEngine(contextLines).Diff(oldContent, newContent)
}

func (r *Repository) resolveDiffSide(path, ref string) ([]byte, error) {
	if ref == "current" || ref == "" {
		return os.ReadFile(filepath.Join(r.Root, path))
	}
	return r.Show(ref)
}

// Checkout writes the resolved version's bytes into the working tree
// at path atomically, then routes the write through the ordinary
// ingest pipeline so the revert is itself a new, annotated version
// (spec.md §4.G, §8 scenario 4).
func (r *Repository) Checkout(hashOrPrefix, path string) (string, error) {
	hash, err := r.refs.ResolveHash(hashOrPrefix)
	if err != nil {
		return "", err
	}
	v, err := r.meta.GetVersion(hash)
	if err != nil {
		return "", fmt.Errorf("repo: loading version: %w", err)
	}
	if v == nil {
		return "", chronoerr.UserInput(chronoerr.CodeHashUnknown, "resolved version not found: "+hash)
	}
	content, err := r.objects.Get(v.BlobHash)
	if err != nil {
		return "", fmt.Errorf("repo: reading blob: %w", err)
	}

	dest := filepath.Join(r.Root, path)
	tmp := dest + ".chronolog-checkout.tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", chronoerr.IO("", err, "writing checkout temp file")
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", chronoerr.IO("", err, "renaming checkout file into place")
	}

	head, err := r.refs.Head()
	if err != nil {
		return "", err
	}
	newVersionHash, err := r.ingest.CheckoutCommit(path, head.BranchID, content, "checkout:"+hash)
	if err != nil {
		return "", fmt.Errorf("repo: recording checkout: %w", err)
	}
	return newVersionHash, nil
}

// Branch operations delegate straight to internal/refs.
func (r *Repository) BranchCreate(name, from string) (*metastore.Branch, error) {
	return r.refs.CreateBranch(name, from)
}
func (r *Repository) BranchList() ([]metastore.Branch, error) { return r.refs.ListBranches() }
func (r *Repository) BranchSwitch(name string) (*metastore.Branch, error) {
	b, err := r.refs.SwitchBranch(name)
	if err != nil {
		return nil, err
	}
	return b, r.syncHeadFile()
}
func (r *Repository) BranchDelete(name string) error { return r.refs.DeleteBranch(name) }

// Tag operations delegate straight to internal/refs.
func (r *Repository) TagCreate(name, hashOrPrefix, description string) (*metastore.Tag, error) {
	return r.refs.CreateTag(name, hashOrPrefix, description)
}
func (r *Repository) TagList() ([]metastore.Tag, error) { return r.refs.ListTags() }
func (r *Repository) TagDelete(name string) error       { return r.refs.DeleteTag(name) }

// Search delegates to internal/search.
func (r *Repository) Search(opts search.QueryOptions) ([]search.Result, error) {
	return r.search.Search(opts)
}

// SearchByContentChange exposes the §4.H --added/--removed change
// query, diffing each version against its immediate predecessor and
// reporting the ones that introduced or dropped a matching line.
func (r *Repository) SearchByContentChange(addedText, removedText string) ([]search.ChangeResult, error) {
	return r.search.SearchByContentChange(addedText, removedText)
}

// Reindex rebuilds the search index from Versions + Blobs (spec.md
// §4.H) and reports final indexed/total counts.
func (r *Repository) Reindex(progress func(done, total int)) (indexed, total int, err error) {
	return r.search.ReindexAll(progress)
}

// Merge delegates to internal/merge against three resolvable refs.
// Under PolicyAuto a conflicted result is returned together with a
// MergeConflict error.
func (r *Repository) Merge(base, ours, theirs string, policy merge.Policy) (*merge.Result, error) {
	baseContent, err := r.Show(base)
	if err != nil {
		return nil, err
	}
	oursContent, err := r.Show(ours)
	if err != nil {
		return nil, err
	}
	theirsContent, err := r.Show(theirs)
	if err != nil {
		return nil, err
	}
	result, err := merge.ThreeWayMerge(baseContent, oursContent, theirsContent, policy)
	if err == nil && policy == merge.PolicyAuto && result.Conflicted {
		return result, chronoerr.MergeConflict(fmt.Sprintf("%d conflicting region(s)", len(result.Conflicts)))
	}
	return result, err
}

// DaemonStart begins watching the working tree and feeding debounced
// changes into the ingest pipeline, writing a pidfile so
// DaemonStatus/DaemonStop can find it (spec.md §6: daemon_{start,stop,status}).
func (r *Repository) DaemonStart() error {
	if _, err := os.Stat(pidFilePath(r.Root)); err == nil {
		return chronoerr.State(chronoerr.CodeExists, "daemon already running for "+r.Root)
	}

	w, err := watcher.New(r.Root, r.ignoreF, r.cfg.DebounceWindow(), r.cfg.Watcher.QueueCapacity, r.log)
	if err != nil {
		return fmt.Errorf("repo: creating watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("repo: starting watcher: %w", err)
	}
	r.watch = w
	go r.ingest.Run(w.Events())

	if err := os.WriteFile(pidFilePath(r.Root), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("repo: writing pidfile: %w", err)
	}
	return nil
}

// DaemonStop stops the watcher with a bounded grace period (spec.md
// §5: default 5s) and removes the pidfile.
func (r *Repository) DaemonStop(gracePeriod time.Duration) error {
	if r.watch == nil {
		return chronoerr.State(chronoerr.CodeStopped, "daemon is not running in this handle")
	}
	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracePeriod)
	defer cancel()
	if err := r.watch.Stop(ctx); err != nil {
		return fmt.Errorf("repo: stopping watcher: %w", err)
	}
	r.watch = nil
	if err := os.Remove(pidFilePath(r.Root)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("repo: removing pidfile: %w", err)
	}
	return nil
}

// DaemonStatus reports the running PID recorded in the pidfile, or
// CodeStopped if none is present.
func (r *Repository) DaemonStatus() (pid int, err error) {
	data, err := os.ReadFile(pidFilePath(r.Root))
	if errors.Is(err, os.ErrNotExist) {
		return 0, chronoerr.State(chronoerr.CodeStopped, "daemon is not running")
	}
	if err != nil {
		return 0, fmt.Errorf("repo: reading pidfile: %w", err)
	}
	pid, convErr := strconv.Atoi(string(trimNewline(data)))
	if convErr != nil {
		return 0, fmt.Errorf("repo: parsing pidfile: %w", convErr)
	}
	return pid, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
