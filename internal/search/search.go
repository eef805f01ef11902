// Package search implements the full-text index spec.md §4.H
// describes: a SQL LIKE pre-filter narrows candidates to the tokens a
// version actually contains, then a Go regexp/whole-word/case-sensitive
// pass over the real blob content decides what actually matches,
// grounded on
// _examples/original_source/chronolog/search/searcher.py.
package search

import (
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"chronolog/internal/diffengine"
	"chronolog/internal/metastore"
	"chronolog/internal/objectstore"
)

const snippetRadius = 50

// Index wires the metastore's token table to the objectstore's blob
// content for the post-filter pass.
type Index struct {
	meta    *metastore.Store
	objects *objectstore.Store
	log     *zap.Logger
}

func New(meta *metastore.Store, objects *objectstore.Store, log *zap.Logger) *Index {
	return &Index{meta: meta, objects: objects, log: log}
}

// QueryOptions mirrors searcher.py's SearchFilter.
type QueryOptions struct {
	Query         string
	Regex         bool
	WholeWord     bool
	CaseSensitive bool
	FilePathGlob  string // e.g. "*.go"; empty means no filter
	Since         time.Time
	MaxResults    int
}

// Result is one matched (version, file) pair with a highlighted
// snippet, equivalent to the rows searcher.py.search returns.
type Result struct {
	VersionHash string
	FilePath    string
	Timestamp   time.Time
	Annotation  string
	Snippet     string
}

// Search runs the hybrid SQL/regexp query described in spec.md §4.H.
func (idx *Index) Search(opts QueryOptions) ([]Result, error) {
	if opts.Query == "" {
		return nil, nil
	}

	matcher, err := buildMatcher(opts)
	if err != nil {
		return nil, fmt.Errorf("search: compiling query: %w", err)
	}

	likePattern := "%" + strings.ToLower(opts.Query) + "%"
	if opts.Regex {
		// A regex query has no reliable literal substring to pre-filter
		// on; fall back to scanning every indexed token for this file
		// scope and let the Go matcher do all the work.
		likePattern = "%"
	}

	var sinceMillis int64
	if !opts.Since.IsZero() {
		sinceMillis = opts.Since.UnixMilli()
	}

	fetchLimit := 0
	if opts.MaxResults > 0 {
		fetchLimit = opts.MaxResults * 8 // overfetch: many token rows collapse to one (version, file)
	}

	candidates, err := idx.meta.QueryCandidates(likePattern, opts.FilePathGlob, sinceMillis, fetchLimit)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(candidates))
	var results []Result
	for _, c := range candidates {
		key := c.VersionHash + "\x00" + c.FilePath
		if seen[key] {
			continue
		}
		seen[key] = true

		version, err := idx.meta.GetVersion(c.VersionHash)
		if err != nil || version == nil {
			continue
		}
		content, err := idx.objects.Get(version.BlobHash)
		if err != nil || diffengine.LooksBinary(content) {
			continue
		}

		text := string(content)
		loc := matcher(text)
		if loc == nil {
			continue
		}

		results = append(results, Result{
			VersionHash: c.VersionHash,
			FilePath:    c.FilePath,
			Timestamp:   time.UnixMilli(c.Timestamp).UTC(),
			Annotation:  c.Annotation,
			Snippet:     snippet(text, loc[0], loc[1]),
		})
		if opts.MaxResults > 0 && len(results) >= opts.MaxResults {
			break
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Timestamp.After(results[j].Timestamp) })
	return results, nil
}

// buildMatcher returns a function that locates the query in a blob's
// full text (not just its tokens), applying the regex/whole-word/
// case-sensitivity options. A nil return means no match.
func buildMatcher(opts QueryOptions) (func(text string) []int, error) {
	if opts.Regex {
		pattern := opts.Query
		if !opts.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		return func(text string) []int { return re.FindStringIndex(text) }, nil
	}

	if opts.WholeWord {
		pattern := `\b` + regexp.QuoteMeta(opts.Query) + `\b`
		if !opts.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		return func(text string) []int { return re.FindStringIndex(text) }, nil
	}

	query := opts.Query
	return func(text string) []int {
		haystack, needle := text, query
		if !opts.CaseSensitive {
			haystack, needle = strings.ToLower(text), strings.ToLower(query)
		}
		idx := strings.Index(haystack, needle)
		if idx < 0 {
			return nil
		}
		return []int{idx, idx + len(needle)}
	}, nil
}

// snippet extracts snippetRadius characters of context on either side
// of a match and marks it, the Go equivalent of searcher.py's
// sqlite snippet() call.
func snippet(text string, start, end int) string {
	lo := start - snippetRadius
	prefix := "..."
	if lo <= 0 {
		lo = 0
		prefix = ""
	}
	hi := end + snippetRadius
	suffix := "..."
	if hi >= len(text) {
		hi = len(text)
		suffix = ""
	}
	return prefix + text[lo:start] + "<mark>" + text[start:end] + "</mark>" + text[end:hi] + suffix
}

// ChangeResult is one version where addedText or removedText entered
// or left the file relative to its immediate predecessor.
type ChangeResult struct {
	VersionHash string
	FilePath    string
	Timestamp   time.Time
	Annotation  string
	ChangeType  string // "added" or "removed"
	ChangeText  string
}

// SearchByContentChange finds versions whose diff against their
// immediate predecessor added or removed a line containing addedText
// or removedText, grounded on searcher.py's search_by_content_change
// but matching spec.md §4.H's "core/diff sign filtering" semantics
// (diffengine.Addition/Deletion lines) rather than whole-file
// substring presence, which would also flag lines that merely moved
// unchanged between versions.
func (idx *Index) SearchByContentChange(addedText, removedText string) ([]ChangeResult, error) {
	if addedText == "" && removedText == "" {
		return nil, nil
	}

	versions, err := idx.meta.AllVersionsOldestFirst()
	if err != nil {
		return nil, err
	}

	var order []string
	groups := make(map[string][]metastore.Version)
	for _, v := range versions {
		key := v.BranchID + "\x00" + v.FilePath
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], v)
	}

	engine := diffengine.NewEngine(0)
	var results []ChangeResult
	for _, key := range order {
		history := groups[key]
		for i := 1; i < len(history); i++ {
			prev, curr := history[i-1], history[i]

			prevContent, err := idx.objects.Get(prev.BlobHash)
			if err != nil {
				continue
			}
			currContent, err := idx.objects.Get(curr.BlobHash)
			if err != nil {
				continue
			}

			diff, err := engine.Diff(prevContent, currContent)
			if err != nil {
				// Binary pair: no line-level additions/deletions to scan.
				continue
			}

			addedMatch, removedMatch := false, false
			for _, hunk := range diff.Hunks {
				for _, line := range hunk.Lines {
					switch line.Type {
					case diffengine.Addition:
						if addedText != "" && strings.Contains(line.Content, addedText) {
							addedMatch = true
						}
					case diffengine.Deletion:
						if removedText != "" && strings.Contains(line.Content, removedText) {
							removedMatch = true
						}
					}
				}
			}

			if addedMatch {
				results = append(results, ChangeResult{
					VersionHash: curr.VersionHash, FilePath: curr.FilePath,
					Timestamp: curr.Timestamp, Annotation: curr.Annotation,
					ChangeType: "added", ChangeText: addedText,
				})
			}
			if removedMatch {
				results = append(results, ChangeResult{
					VersionHash: curr.VersionHash, FilePath: curr.FilePath,
					Timestamp: curr.Timestamp, Annotation: curr.Annotation,
					ChangeType: "removed", ChangeText: removedText,
				})
			}
		}
	}
	return results, nil
}

// IndexVersion tokenizes content and stores its terms, skipping binary
// content entirely (spec.md §4.H: "the index only ever holds text").
// Must run inside the same transaction as the version/file_head write.
func (idx *Index) IndexVersion(tx *sql.Tx, versionHash, filePath string, content []byte) error {
	if diffengine.LooksBinary(content) {
		return nil
	}
	tokens := Tokenize(string(content))
	terms := make([]metastore.SearchTerm, 0, len(tokens))
	for _, t := range tokens {
		terms = append(terms, metastore.SearchTerm{
			VersionHash: versionHash,
			FilePath:    filePath,
			Token:       t.Text,
			Positions:   t.Positions,
		})
	}
	if len(terms) == 0 {
		return nil
	}
	return idx.meta.InsertSearchTermsTx(tx, terms)
}

// ReindexAll rebuilds the whole token table from the object store,
// oldest version first so a crash mid-run still leaves a consistent
// prefix indexed (spec.md §4.H).
func (idx *Index) ReindexAll(progress func(done, total int)) (indexed, total int, err error) {
	if err := idx.meta.ClearSearchTerms(); err != nil {
		return 0, 0, err
	}

	versions, err := idx.meta.AllVersionsOldestFirst()
	if err != nil {
		return 0, 0, err
	}
	total = len(versions)

	for i, v := range versions {
		content, err := idx.objects.Get(v.BlobHash)
		if err == nil {
			tx, txErr := idx.meta.DB().Begin()
			if txErr == nil {
				// As in ingest, a version's terms replace those of the
				// version it supersedes on the same path.
				if v.ParentVersionHash != "" {
					err = idx.meta.RemoveSearchTermsForVersionTx(tx, v.ParentVersionHash, v.FilePath)
				}
				if err == nil {
					err = idx.IndexVersion(tx, v.VersionHash, v.FilePath, content)
				}
				if err == nil {
					if err := tx.Commit(); err == nil {
						indexed++
					} else {
						idx.log.Warn("reindex: commit failed", zap.String("version", v.VersionHash), zap.Error(err))
					}
				} else {
					tx.Rollback()
				}
			}
		}
		if progress != nil {
			progress(i+1, total)
		}
	}
	return indexed, total, nil
}

// Stats reports index coverage and the most common indexed file
// extensions, the Go equivalent of get_search_stats.
type Stats struct {
	IndexedVersions int
	TotalVersions   int
	CoveragePercent float64
	TopFileTypes    []FileTypeCount
}

type FileTypeCount struct {
	Extension string
	Count     int
}

func (idx *Index) Stats() (Stats, error) {
	base, err := idx.meta.SearchStats()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{IndexedVersions: base.IndexedVersions, TotalVersions: base.TotalVersions}
	if base.TotalVersions > 0 {
		stats.CoveragePercent = float64(base.IndexedVersions) / float64(base.TotalVersions) * 100
	}

	rows, err := idx.meta.DB().Query(`SELECT DISTINCT file_path FROM search_terms`)
	if err != nil {
		return stats, fmt.Errorf("search: listing indexed paths: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return stats, err
		}
		counts[extensionOf(path)]++
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	for ext, n := range counts {
		stats.TopFileTypes = append(stats.TopFileTypes, FileTypeCount{Extension: ext, Count: n})
	}
	sort.Slice(stats.TopFileTypes, func(i, j int) bool { return stats.TopFileTypes[i].Count > stats.TopFileTypes[j].Count })
	if len(stats.TopFileTypes) > 10 {
		stats.TopFileTypes = stats.TopFileTypes[:10]
	}
	return stats, nil
}

func extensionOf(path string) string {
	dot := strings.LastIndexByte(path, '.')
	if dot < 0 {
		return ""
	}
	return path[dot:]
}
