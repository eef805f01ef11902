// Package objectstore implements the content-addressed blob store
// described in spec.md §4.A: put/get/has/delete over SHA-256 hashes,
// fan-out on the first two hex characters, per-blob compression behind
// a one-byte algorithm header, and crash-safe atomic writes.
package objectstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("object store: blob not found")
	ErrInvalidHash   = errors.New("object store: invalid hash")
	ErrHashMismatch  = errors.New("object store: computed hash does not match requested hash")
)

// Algo is the one-byte compression algorithm header prefixed to every
// on-disk object.
type Algo byte

const (
	AlgoRaw  Algo = 0x00
	AlgoZlib Algo = 0x01
	AlgoLzma Algo = 0x02
	AlgoBz2  Algo = 0x03
)

// meta mirrors the teacher's ContentMeta, tracked in a Badger side
// table keyed by hash; it is bookkeeping for GC and does not
// participate in the relational metadata store.
type meta struct {
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	RefCount   uint32    `json:"ref_count"`
	Algo       Algo      `json:"algo"`
	CreatedAt  time.Time `json:"created_at"`
	AccessedAt time.Time `json:"accessed_at"`
}

// Options configures a Store.
type Options struct {
	Root      string // objects/ directory
	CacheSize int    // blob LRU entries
	Compress  CompressOptions
}

// Store is the content-addressed blob store. It is safe for
// concurrent use: put is idempotent and writes land via
// temp-file-then-rename, and gets of already-written objects never
// block each other.
type Store struct {
	root  string
	side  *sideTable
	cache *lru.Cache[string, []byte]
	comp  *compressor
	log   *zap.Logger
	mu    sync.Mutex // guards directory creation races only
}

// New opens (creating if necessary) the object store rooted at
// opts.Root, sweeping any leftover .tmp files from a prior crash.
func New(db *badger.DB, opts Options, log *zap.Logger) (*Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("object store: root directory is required")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("object store: creating root: %w", err)
	}
	tmpDir := filepath.Join(opts.Root, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("object store: creating tmp dir: %w", err)
	}

	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("object store: creating cache: %w", err)
	}

	comp, err := newCompressor(opts.Compress)
	if err != nil {
		return nil, fmt.Errorf("object store: creating compressor: %w", err)
	}

	s := &Store{
		root:  opts.Root,
		side:  newSideTable(db),
		cache: cache,
		comp:  comp,
		log:   log,
	}

	if err := s.sweepTmp(tmpDir); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) sweepTmp(tmpDir string) error {
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return fmt.Errorf("object store: reading tmp dir: %w", err)
	}
	for _, e := range entries {
		path := filepath.Join(tmpDir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("sweeping stale tmp object", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

func hashOf(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

func isValidHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.root, hash[:2], hash[2:])
}

// Put stores content and returns its hash. Idempotent: if the hash
// already exists, no bytes are written and the existing object's
// reference count is incremented.
func (s *Store) Put(content []byte) (string, error) {
	return s.PutHint("", content)
}

// PutHint is Put with a logical path hint used only to decide whether
// to skip compression for this blob's extension (the object store
// itself stays path-agnostic on disk).
func (s *Store) PutHint(pathHint string, content []byte) (string, error) {
	hash := hashOf(content)

	exists, err := s.Has(hash)
	if err != nil {
		return "", err
	}
	if exists {
		if err := s.side.incrementRefCount(hash); err != nil {
			return "", fmt.Errorf("object store: incrementing ref count: %w", err)
		}
		return hash, nil
	}

	dir := filepath.Dir(s.blobPath(hash))
	s.mu.Lock()
	err = os.MkdirAll(dir, 0o755)
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("object store: creating blob directory: %w", err)
	}

	algo, payload, err := s.comp.compress(pathHint, content)
	if err != nil {
		return "", fmt.Errorf("object store: compressing blob: %w", err)
	}

	if err := s.writeAtomic(hash, algo, payload); err != nil {
		return "", err
	}

	m := meta{
		Hash:       hash,
		Size:       int64(len(content)),
		RefCount:   1,
		Algo:       algo,
		CreatedAt:  time.Now(),
		AccessedAt: time.Now(),
	}
	if err := s.side.put(m); err != nil {
		os.Remove(s.blobPath(hash))
		return "", fmt.Errorf("object store: storing side metadata: %w", err)
	}

	s.cache.Add(hash, content)
	return hash, nil
}

func (s *Store) writeAtomic(hash string, algo Algo, payload []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "obj-*.tmp")
	if err != nil {
		return fmt.Errorf("object store: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	header := []byte{byte(algo)}
	if _, err := tmp.Write(header); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("object store: writing header: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("object store: writing payload: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("object store: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("object store: closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.blobPath(hash)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("object store: renaming into place: %w", err)
	}
	return nil
}

// Get retrieves content by hash, decompressing according to the
// on-disk algorithm header and quarantining the object if its computed
// hash disagrees with the requested one (spec.md §7).
func (s *Store) Get(hash string) ([]byte, error) {
	if !isValidHash(hash) {
		return nil, ErrInvalidHash
	}

	if content, ok := s.cache.Get(hash); ok {
		return content, nil
	}

	raw, err := os.ReadFile(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("object store: reading blob: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("object store: empty blob file for %s", hash)
	}

	algo := Algo(raw[0])
	content, err := s.comp.decompress(algo, raw[1:])
	if err != nil {
		return nil, fmt.Errorf("object store: decompressing blob: %w", err)
	}

	if hashOf(content) != hash {
		s.quarantine(hash)
		return nil, ErrHashMismatch
	}

	s.cache.Add(hash, content)
	if m, err := s.side.get(hash); err == nil {
		m.AccessedAt = time.Now()
		_ = s.side.put(m)
	}

	return content, nil
}

func (s *Store) quarantine(hash string) {
	qDir := filepath.Join(s.root, "quarantine")
	if err := os.MkdirAll(qDir, 0o755); err != nil {
		s.log.Warn("creating quarantine directory", zap.Error(err))
		return
	}
	dst := filepath.Join(qDir, hash)
	if err := os.Rename(s.blobPath(hash), dst); err != nil {
		s.log.Warn("quarantining corrupted blob", zap.String("hash", hash), zap.Error(err))
	}
}

// Has reports whether a blob with the given hash exists.
func (s *Store) Has(hash string) (bool, error) {
	if !isValidHash(hash) {
		return false, ErrInvalidHash
	}
	if s.cache.Contains(hash) {
		return true, nil
	}
	_, err := s.side.get(hash)
	if errors.Is(err, errSideNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a blob. Only ever called by GC after the caller has
// proven no live version references it (spec.md §4.A); ingest never
// calls this.
func (s *Store) Delete(hash string) error {
	if !isValidHash(hash) {
		return ErrInvalidHash
	}
	if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("object store: removing blob file: %w", err)
	}
	if err := s.side.delete(hash); err != nil {
		return fmt.Errorf("object store: removing side metadata: %w", err)
	}
	s.cache.Remove(hash)
	return nil
}

// Verify re-reads and re-hashes a blob, returning ErrHashMismatch if it
// has been corrupted on disk.
func (s *Store) Verify(hash string) error {
	_, err := s.Get(hash)
	return err
}

// CopyTo writes a blob's decompressed bytes to w. It reads through Get,
// so the blob passes through (and is added to) the in-memory cache.
func (s *Store) CopyTo(w io.Writer, hash string) error {
	content, err := s.Get(hash)
	if err != nil {
		return err
	}
	_, err = w.Write(content)
	return err
}
