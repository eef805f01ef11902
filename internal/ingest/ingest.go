// Package ingest turns one debounced watcher.Event into an append-only
// version — spec.md §4.E — grounded on internal/change/auto_tracker.go's
// gateFile/storeChangeSet commit path and
// _examples/original_source/chronolog/watcher/watcher.py's
// _commit_file.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"chronolog/internal/config"
	"chronolog/internal/diffengine"
	"chronolog/internal/metastore"
	"chronolog/internal/objectstore"
	"chronolog/internal/refs"
	"chronolog/internal/search"
	"chronolog/internal/watcher"
)

// deletedAnnotation marks a tombstone version — spec.md §4.D: "Delete
// event → emit delete marker; do not debounce."
const deletedAnnotation = "deleted"

// CommitEvent is published after a successful ingest transaction for
// the hook subsystem (out of scope here, per spec.md §9) to observe.
type CommitEvent struct {
	VersionHash string
	FilePath    string
	BranchID    string
	Deleted     bool
}

// Pipeline is the single ingest worker spec.md §4.E requires: only one
// ingest transaction executes against the metadata store at a time.
type Pipeline struct {
	root    string
	objects *objectstore.Store
	meta    *metastore.Store
	search  *search.Index
	refs    *refs.Manager
	cfg     config.IngestConfig
	log     *zap.Logger

	commits chan CommitEvent
}

func NewPipeline(root string, objects *objectstore.Store, meta *metastore.Store, idx *search.Index, refManager *refs.Manager, cfg config.IngestConfig, log *zap.Logger) *Pipeline {
	return &Pipeline{
		root:    root,
		objects: objects,
		meta:    meta,
		search:  idx,
		refs:    refManager,
		cfg:     cfg,
		log:     log,
		commits: make(chan CommitEvent, 256),
	}
}

// Commits exposes post-commit notifications; a full channel drops the
// event and logs a warning rather than blocking ingest.
func (p *Pipeline) Commits() <-chan CommitEvent { return p.commits }

// Run drains events until the channel closes (the watcher's Stop
// closes it after graceful drain), ingesting one at a time.
func (p *Pipeline) Run(events <-chan watcher.Event) {
	for ev := range events {
		if err := p.Ingest(ev); err != nil {
			p.log.Warn("ingest: skipping path", zap.String("path", ev.Path), zap.Error(err))
		}
	}
}

// Ingest processes a single debounced event against HEAD.
func (p *Pipeline) Ingest(ev watcher.Event) error {
	head, err := p.refs.Head()
	if err != nil {
		return fmt.Errorf("ingest: resolving HEAD: %w", err)
	}

	switch ev.Op {
	case watcher.OpRemove:
		return p.ingestTombstone(ev.Path, head.BranchID)
	default:
		return p.ingestWrite(ev.Path, head.BranchID)
	}
}

func (p *Pipeline) ingestWrite(relPath, branchID string) error {
	content, err := p.stableRead(relPath)
	if err != nil {
		return err
	}

	sniffLen := p.cfg.BinaryDetectionBytes
	if sniffLen <= 0 {
		sniffLen = diffengine.BinarySniffBytes
	}
	if sniffLen > len(content) {
		sniffLen = len(content)
	}
	if bytes.IndexByte(content[:sniffLen], 0) != -1 && !p.cfg.AllowBinary {
		return fmt.Errorf("ingest: %s is binary and binary content is disabled", relPath)
	}

	blobHash, err := p.objects.PutHint(relPath, content)
	if err != nil {
		return fmt.Errorf("ingest: storing blob: %w", err)
	}

	priorHead, err := p.meta.GetFileHead(relPath, branchID)
	if err != nil {
		return fmt.Errorf("ingest: looking up file head: %w", err)
	}
	if priorHead != nil && priorHead.BlobHash == blobHash {
		// No-op save (spec.md §4.E step 4).
		return nil
	}

	_, err = p.commit(relPath, branchID, blobHash, content, priorHead, "")
	return err
}

// CheckoutCommit records a checkout's resulting content as an
// ordinary version, annotated with the source hash it was restored
// from (spec.md §4.G: "records the resulting save through the
// ordinary ingest pipeline so that the revert itself is a new version
// with annotation noting the source hash"). Unlike ingestWrite, a
// checkout that reproduces the current FileHead's content still
// records a new version rather than a no-op skip (DESIGN.md Open
// Question decision 1), so it bypasses ingestWrite's equality check
// and calls commit directly.
func (p *Pipeline) CheckoutCommit(relPath, branchID string, content []byte, annotation string) (string, error) {
	blobHash, err := p.objects.PutHint(relPath, content)
	if err != nil {
		return "", fmt.Errorf("ingest: storing checkout blob: %w", err)
	}
	priorHead, err := p.meta.GetFileHead(relPath, branchID)
	if err != nil {
		return "", fmt.Errorf("ingest: looking up file head: %w", err)
	}
	return p.commit(relPath, branchID, blobHash, content, priorHead, annotation)
}

func (p *Pipeline) ingestTombstone(relPath, branchID string) error {
	priorHead, err := p.meta.GetFileHead(relPath, branchID)
	if err != nil {
		return fmt.Errorf("ingest: looking up file head: %w", err)
	}
	if priorHead == nil {
		// Already untracked or never seen; nothing to tombstone.
		return nil
	}

	emptyBlob, err := p.objects.Put(nil)
	if err != nil {
		return fmt.Errorf("ingest: storing tombstone blob: %w", err)
	}
	_, err = p.commit(relPath, branchID, emptyBlob, nil, priorHead, deletedAnnotation)
	return err
}

// stableRead re-stats the file before and after reading to guard
// against editors that write via rename-over (spec.md §4.E step 1).
func (p *Pipeline) stableRead(relPath string) ([]byte, error) {
	path := p.root + string(os.PathSeparator) + relPath

	retries := p.cfg.MaxReadRetries
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		before, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("ingest: stat before read: %w", err)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		after, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("ingest: stat after read: %w", err)
		}
		if before.Size() == after.Size() && before.ModTime().Equal(after.ModTime()) {
			return content, nil
		}
		lastErr = fmt.Errorf("file size/mtime changed mid-read")
	}
	return nil, fmt.Errorf("ingest: %s did not stabilize after %d attempts: %w", relPath, retries, lastErr)
}

// commit writes the blob (already written by callers), inserts the
// version row, updates FileHead, refreshes the search index, and
// commits all in one metadata transaction (spec.md §4.E step 5).
func (p *Pipeline) commit(relPath, branchID, blobHash string, content []byte, priorHead *metastore.Version, annotation string) (string, error) {
	now := time.Now().UTC()
	var parentHash string
	if priorHead != nil {
		parentHash = priorHead.VersionHash
	}
	versionHash := canonicalVersionHash(blobHash, parentHash, now, branchID, relPath)

	tx, err := p.meta.DB().Begin()
	if err != nil {
		return "", fmt.Errorf("ingest: beginning transaction: %w", err)
	}

	v := metastore.Version{
		VersionHash:       versionHash,
		FilePath:          relPath,
		BlobHash:          blobHash,
		Timestamp:         now,
		ParentVersionHash: parentHash,
		BranchID:          branchID,
		Annotation:        annotation,
	}
	if err := p.meta.InsertVersion(tx, v); err != nil {
		tx.Rollback()
		return "", fmt.Errorf("ingest: inserting version: %w", err)
	}
	if err := p.meta.SetFileHead(tx, relPath, branchID, versionHash); err != nil {
		tx.Rollback()
		return "", fmt.Errorf("ingest: updating file head: %w", err)
	}
	if priorHead != nil {
		if err := p.meta.RemoveSearchTermsForVersionTx(tx, priorHead.VersionHash, relPath); err != nil {
			tx.Rollback()
			return "", fmt.Errorf("ingest: clearing prior search terms: %w", err)
		}
	}
	if annotation != deletedAnnotation {
		if err := p.search.IndexVersion(tx, versionHash, relPath, content); err != nil {
			tx.Rollback()
			return "", fmt.Errorf("ingest: indexing version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("ingest: committing transaction: %w", err)
	}

	p.notify(CommitEvent{VersionHash: versionHash, FilePath: relPath, BranchID: branchID, Deleted: annotation == deletedAnnotation})
	return versionHash, nil
}

func (p *Pipeline) notify(ev CommitEvent) {
	select {
	case p.commits <- ev:
	default:
		p.log.Warn("ingest: commit notification channel full, dropping event", zap.String("version", ev.VersionHash))
	}
}

// canonicalVersionHash implements spec.md §4.E step 5's uniqueness
// guarantee: hash of (blob_hash, parent_version_hash, timestamp,
// branch_id, path) serialized canonically with \x00 separators.
func canonicalVersionHash(blobHash, parentVersionHash string, ts time.Time, branchID, path string) string {
	h := sha256.New()
	h.Write([]byte(blobHash))
	h.Write([]byte{0})
	h.Write([]byte(parentVersionHash))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(ts.UnixNano(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(branchID))
	h.Write([]byte{0})
	h.Write([]byte(path))
	return hex.EncodeToString(h.Sum(nil))
}
