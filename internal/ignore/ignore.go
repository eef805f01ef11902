// Package ignore compiles gitignore-style patterns (spec.md §4.C,
// §6 "Ignore file grammar") into a matcher, hot-swapped under a lock
// so concurrent watcher events never observe a torn view.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// IgnoreFileName is the repository's pattern file, read from the
// working tree root (spec.md §6 layout).
const IgnoreFileName = ".chronologignore"

// defaultPatterns are always in effect regardless of the user's
// .chronologignore, mirroring the original implementation's
// default_patterns list (ignore.py) extended with this engine's own
// metadata directory name.
var defaultPatterns = []string{
	".chronolog/",
	".git/",
	"*.pyc",
	"__pycache__/",
	".DS_Store",
	"Thumbs.db",
	"*.swp",
	"*.swo",
	"*~",
	".#*",
	"#*#",
}

// Filter is a compiled, swappable matcher. Zero value is not usable;
// construct with New.
type Filter struct {
	root string

	mu       sync.RWMutex
	matcher  gitignore.Matcher
	raw      []string
	onReload func([]string)
}

// SetOnReload registers a callback invoked with the freshly compiled
// pattern list at the end of every successful Reload — internal/repo
// uses this to keep the metastore's ignore_rules_snapshot in sync
// without this package needing to know about storage.
func (f *Filter) SetOnReload(fn func([]string)) {
	f.mu.Lock()
	f.onReload = fn
	f.mu.Unlock()
}

// New compiles the default patterns plus the repository's
// .chronologignore (if present) and returns a ready Filter.
func New(root string) (*Filter, error) {
	f := &Filter{root: root}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload recompiles the matcher from disk. Safe to call concurrently
// with Matches: readers see either the entirely old or entirely new
// compiled form (spec.md §4.C).
func (f *Filter) Reload() error {
	lines := append([]string{}, defaultPatterns...)

	path := filepath.Join(f.root, IgnoreFileName)
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			lines = append(lines, line)
		}
		if err := scanner.Err(); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	var patterns []gitignore.Pattern
	for _, line := range lines {
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	matcher := gitignore.NewMatcher(patterns)

	f.mu.Lock()
	f.matcher = matcher
	f.raw = lines
	cb := f.onReload
	f.mu.Unlock()

	if cb != nil {
		cb(append([]string{}, lines...))
	}
	return nil
}

// Matches reports whether a path relative to the repository root
// should be ignored. Directory-ness affects trailing-slash patterns,
// so callers pass isDir for the path's own type, not its ancestors.
func (f *Filter) Matches(relPath string, isDir bool) bool {
	f.mu.RLock()
	m := f.matcher
	f.mu.RUnlock()

	segments := strings.Split(filepath.ToSlash(relPath), "/")
	return m.Match(segments, isDir)
}

// IsIgnoreFile reports whether path (relative to root) is the
// .chronologignore file itself — the watcher treats a write to it as
// a synchronous recompile trigger rather than an ordinary ingest
// candidate (grounded on watcher.py's special case for the same
// filename).
func (f *Filter) IsIgnoreFile(relPath string) bool {
	return filepath.Base(relPath) == IgnoreFileName
}

// Patterns returns the currently compiled pattern lines, in order, for
// persisting a snapshot via internal/metastore.
func (f *Filter) Patterns() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.raw))
	copy(out, f.raw)
	return out
}

// WriteDefaultIgnoreFile creates a starter .chronologignore at root if
// one doesn't already exist, the Go equivalent of
// IgnorePatterns.create_default_ignore_file in the original
// implementation.
func WriteDefaultIgnoreFile(root string) error {
	path := filepath.Join(root, IgnoreFileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	const content = `# ChronoLog ignore patterns
# gitignore-style syntax: '#' comments, '!' negation, trailing '/' for
# directories, '**' for any number of path segments.

.chronolog/
.git/
node_modules/
__pycache__/
*.pyc
.DS_Store
Thumbs.db
*.swp
*~
dist/
build/
*.log
`
	return os.WriteFile(path, []byte(content), 0o644)
}
