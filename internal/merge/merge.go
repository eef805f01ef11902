// Package merge implements the three-way line merge spec.md §4.I
// describes, grounded on the original implementation's MergeEngine
// (merge_engine.py) but reworked around internal/diffengine's LCS
// matrix instead of re-parsing unified-diff text.
package merge

import (
	"bytes"
	"fmt"

	"chronolog/internal/diffengine"
)

// Policy selects how divergent regions are resolved.
type Policy string

const (
	// PolicyAuto applies non-conflicting changes from both sides and
	// marks only genuinely divergent regions as conflicts.
	PolicyAuto Policy = "auto"
	// PolicyOurs always takes our whole content, no conflicts possible.
	PolicyOurs Policy = "ours"
	// PolicyTheirs always takes their whole content, no conflicts possible.
	PolicyTheirs Policy = "theirs"
	// PolicyManual behaves like PolicyAuto but never silently resolves
	// a region both sides touched, even when they made the identical
	// change, forcing the caller to confirm every divergence.
	PolicyManual Policy = "manual"
)

const (
	markerOursStart = "<<<<<<< ours"
	markerSeparator = "======="
	markerTheirsEnd = ">>>>>>> theirs"
)

// ConflictRegion is one unresolved divergence, in base line coordinates.
type ConflictRegion struct {
	StartLine int
	EndLine   int
	BaseLines []string
	OurLines  []string
	TheirLines []string
}

// Result is the outcome of a merge attempt.
type Result struct {
	Content    []byte
	Conflicted bool
	Conflicts  []ConflictRegion
	Resolution string
}

// ThreeWayMerge reconciles ours and theirs against their common base.
func ThreeWayMerge(base, ours, theirs []byte, policy Policy) (*Result, error) {
	switch policy {
	case PolicyOurs:
		return &Result{Content: ours, Resolution: "ours_forced"}, nil
	case PolicyTheirs:
		return &Result{Content: theirs, Resolution: "theirs_forced"}, nil
	}

	if diffengine.LooksBinary(base) || diffengine.LooksBinary(ours) || diffengine.LooksBinary(theirs) {
		return mergeBinary(base, ours, theirs)
	}

	return mergeText(base, ours, theirs, policy == PolicyManual)
}

func mergeBinary(base, ours, theirs []byte) (*Result, error) {
	switch {
	case bytes.Equal(ours, theirs):
		return &Result{Content: ours, Resolution: "identical_changes"}, nil
	case bytes.Equal(ours, base):
		return &Result{Content: theirs, Resolution: "theirs_only_changed"}, nil
	case bytes.Equal(theirs, base):
		return &Result{Content: ours, Resolution: "ours_only_changed"}, nil
	default:
		return &Result{
			Conflicted: true,
			Resolution: "binary_conflict",
		}, nil
	}
}

// opKind mirrors difflib's opcode vocabulary: a base range is either
// left alone, replaced, deleted outright, or has content inserted at
// its (zero-length) position.
type opKind int

const (
	opEqual opKind = iota
	opReplace
	opDelete
	opInsert
)

type op struct {
	kind           opKind
	baseStart, baseEnd   int
	otherStart, otherEnd int
}

func (o op) overlapsBase(start, end int) bool {
	return o.baseStart < end && start < o.baseEnd
}

// opcodes aligns base against other using the shared LCS matrix and
// coalesces runs of inserts/deletes into replace/delete/insert blocks,
// the same grouping difflib.SequenceMatcher.get_opcodes performs.
func opcodes(base, other [][]byte) []op {
	lcs := diffengine.LCSMatrix(base, other)

	type step struct {
		equal bool
		// for equal: consumes one base line and one other line.
		// for non-equal: exactly one of isInsert/isDelete is true.
		isInsert bool
	}
	var steps []step

	i, j := len(base), len(other)
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && bytes.Equal(base[i-1], other[j-1]):
			steps = append(steps, step{equal: true})
			i--
			j--
		case j > 0 && (i == 0 || lcs[i][j-1] >= lcs[i-1][j]):
			steps = append(steps, step{isInsert: true})
			j--
		default:
			steps = append(steps, step{isInsert: false})
			i--
		}
	}
	// steps was built walking backwards from the end; reverse it.
	for l, r := 0, len(steps)-1; l < r; l, r = l+1, r-1 {
		steps[l], steps[r] = steps[r], steps[l]
	}

	var ops []op
	baseIdx, otherIdx := 0, 0
	pendingDeletes, pendingInserts := 0, 0
	blockBaseStart, blockOtherStart := 0, 0

	flush := func() {
		if pendingDeletes == 0 && pendingInserts == 0 {
			return
		}
		kind := opReplace
		switch {
		case pendingInserts == 0:
			kind = opDelete
		case pendingDeletes == 0:
			kind = opInsert
		}
		ops = append(ops, op{
			kind:       kind,
			baseStart:  blockBaseStart,
			baseEnd:    blockBaseStart + pendingDeletes,
			otherStart: blockOtherStart,
			otherEnd:   blockOtherStart + pendingInserts,
		})
		pendingDeletes, pendingInserts = 0, 0
	}

	for _, st := range steps {
		if st.equal {
			flush()
			ops = append(ops, op{
				kind:       opEqual,
				baseStart:  baseIdx,
				baseEnd:    baseIdx + 1,
				otherStart: otherIdx,
				otherEnd:   otherIdx + 1,
			})
			baseIdx++
			otherIdx++
			continue
		}
		if pendingDeletes == 0 && pendingInserts == 0 {
			blockBaseStart, blockOtherStart = baseIdx, otherIdx
		}
		if st.isInsert {
			pendingInserts++
			otherIdx++
		} else {
			pendingDeletes++
			baseIdx++
		}
	}
	flush()

	return coalesceEqualRuns(ops)
}

// coalesceEqualRuns merges adjacent opEqual entries produced one line
// at a time into single ranges.
func coalesceEqualRuns(ops []op) []op {
	var out []op
	for _, o := range ops {
		if o.kind == opEqual && len(out) > 0 && out[len(out)-1].kind == opEqual {
			last := &out[len(out)-1]
			last.baseEnd = o.baseEnd
			last.otherEnd = o.otherEnd
			continue
		}
		out = append(out, o)
	}
	return out
}

func linesToStrings(lines [][]byte, start, end int) []string {
	out := make([]string, 0, end-start)
	for _, l := range lines[start:end] {
		out = append(out, string(l))
	}
	return out
}

type replacement struct {
	start, end int
	lines      []string
}

func mergeText(base, ours, theirs []byte, forceManualReview bool) (*Result, error) {
	baseLines := diffengine.SplitLines(base)
	oursLines := diffengine.SplitLines(ours)
	theirsLines := diffengine.SplitLines(theirs)

	oursOps := opcodes(baseLines, oursLines)
	theirsOps := opcodes(baseLines, theirsLines)

	var conflicts []ConflictRegion
	conflictedOurs := map[int]bool{}
	conflictedTheirs := map[int]bool{}

	for oi, oOp := range oursOps {
		if oOp.kind == opEqual {
			continue
		}
		for ti, tOp := range theirsOps {
			if tOp.kind == opEqual {
				continue
			}
			if !oOp.overlapsBase(tOp.baseStart, tOp.baseEnd) {
				continue
			}
			identical := sameContent(oursLines[oOp.otherStart:oOp.otherEnd], theirsLines[tOp.otherStart:tOp.otherEnd])
			if identical && !forceManualReview {
				// Both sides made the same change: not a conflict,
				// apply once via the ours side and suppress theirs.
				conflictedTheirs[ti] = true
				continue
			}

			start := min(oOp.baseStart, tOp.baseStart)
			end := max(oOp.baseEnd, tOp.baseEnd)
			conflicts = append(conflicts, ConflictRegion{
				StartLine:  start,
				EndLine:    end,
				BaseLines:  linesToStrings(baseLines, start, end),
				OurLines:   linesToStrings(oursLines, oOp.otherStart, oOp.otherEnd),
				TheirLines: linesToStrings(theirsLines, tOp.otherStart, tOp.otherEnd),
			})
			conflictedOurs[oi] = true
			conflictedTheirs[ti] = true
		}
	}

	conflicts = mergeOverlappingConflicts(conflicts)

	var replacements []replacement
	for i, o := range oursOps {
		if o.kind == opEqual || conflictedOurs[i] || rangeInConflicts(o.baseStart, o.baseEnd, conflicts) {
			continue
		}
		replacements = append(replacements, replacement{o.baseStart, o.baseEnd, linesToStrings(oursLines, o.otherStart, o.otherEnd)})
	}
	for i, o := range theirsOps {
		if o.kind == opEqual || conflictedTheirs[i] || rangeInConflicts(o.baseStart, o.baseEnd, conflicts) {
			continue
		}
		replacements = append(replacements, replacement{o.baseStart, o.baseEnd, linesToStrings(theirsLines, o.otherStart, o.otherEnd)})
	}
	for _, c := range conflicts {
		block := make([]string, 0, len(c.OurLines)+len(c.TheirLines)+3)
		block = append(block, markerOursStart)
		block = append(block, c.OurLines...)
		block = append(block, markerSeparator)
		block = append(block, c.TheirLines...)
		block = append(block, markerTheirsEnd)
		replacements = append(replacements, replacement{c.StartLine, c.EndLine, block})
	}

	merged := applyReplacements(linesToStrings(baseLines, 0, len(baseLines)), replacements)

	content := joinLines(merged)
	if len(merged) > 0 && hadTrailingNewline(base, ours, theirs) {
		content += "\n"
	}

	result := &Result{
		Content:    []byte(content),
		Conflicted: len(conflicts) > 0,
		Conflicts:  conflicts,
	}
	if result.Conflicted {
		result.Resolution = fmt.Sprintf("%d_conflicts", len(conflicts))
	} else {
		result.Resolution = "auto_merged"
	}
	return result, nil
}

func sameContent(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func rangeInConflicts(start, end int, conflicts []ConflictRegion) bool {
	for _, c := range conflicts {
		if start < c.EndLine && c.StartLine < end {
			return true
		}
	}
	return false
}

// mergeOverlappingConflicts repeatedly folds overlapping regions
// together so applyReplacements never sees two replacements touching
// the same base line.
func mergeOverlappingConflicts(conflicts []ConflictRegion) []ConflictRegion {
	if len(conflicts) < 2 {
		return conflicts
	}
	changed := true
	for changed {
		changed = false
		for i := 0; i < len(conflicts); i++ {
			for k := i + 1; k < len(conflicts); k++ {
				a, b := conflicts[i], conflicts[k]
				if a.StartLine < b.EndLine && b.StartLine < a.EndLine {
					merged := ConflictRegion{
						StartLine:  min(a.StartLine, b.StartLine),
						EndLine:    max(a.EndLine, b.EndLine),
						OurLines:   append(append([]string{}, a.OurLines...), b.OurLines...),
						TheirLines: append(append([]string{}, a.TheirLines...), b.TheirLines...),
					}
					conflicts[i] = merged
					conflicts = append(conflicts[:k], conflicts[k+1:]...)
					changed = true
					break
				}
			}
			if changed {
				break
			}
		}
	}
	return conflicts
}

// applyReplacements splices disjoint [start,end) regions, processed
// from the bottom up so earlier indices stay valid.
func applyReplacements(base []string, replacements []replacement) []string {
	ordered := append([]replacement{}, replacements...)
	for i := 0; i < len(ordered); i++ {
		for k := i + 1; k < len(ordered); k++ {
			if ordered[k].start > ordered[i].start {
				ordered[i], ordered[k] = ordered[k], ordered[i]
			}
		}
	}

	result := base
	for _, r := range ordered {
		tail := append([]string{}, result[r.end:]...)
		result = append(result[:r.start:r.start], r.lines...)
		result = append(result, tail...)
	}
	return result
}

// hadTrailingNewline reports whether any of the three merge inputs was
// newline-terminated; SplitLines trims that trailing newline before
// diffing, so mergeText has to restore it itself.
func hadTrailingNewline(base, ours, theirs []byte) bool {
	nl := []byte{'\n'}
	return bytes.HasSuffix(base, nl) || bytes.HasSuffix(ours, nl) || bytes.HasSuffix(theirs, nl)
}

func joinLines(lines []string) string {
	var buf bytes.Buffer
	for i, l := range lines {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(l)
	}
	return buf.String()
}

// HasConflictMarkers reports whether content still contains unresolved
// conflict markers.
func HasConflictMarkers(content []byte) bool {
	return bytes.Contains(content, []byte(markerOursStart)) ||
		bytes.Contains(content, []byte(markerSeparator)) ||
		bytes.Contains(content, []byte(markerTheirsEnd))
}

// Side selects which half of a conflict block to keep.
type Side string

const (
	SideOurs   Side = "ours"
	SideTheirs Side = "theirs"
	SideBoth   Side = "both"
)

// StripMarkers resolves every conflict block in content by keeping the
// requested side (or both), the Go counterpart of resolve_conflict.
func StripMarkers(content []byte, side Side) []byte {
	lines := diffengine.SplitLines(content)
	var out []string
	var ourBuf, theirBuf []string
	inConflict := false
	inTheirs := false

	for _, raw := range lines {
		line := string(raw)
		switch line {
		case markerOursStart:
			inConflict = true
			inTheirs = false
			ourBuf, theirBuf = nil, nil
			continue
		case markerSeparator:
			if inConflict {
				inTheirs = true
				continue
			}
		case markerTheirsEnd:
			if inConflict {
				switch side {
				case SideOurs:
					out = append(out, ourBuf...)
				case SideTheirs:
					out = append(out, theirBuf...)
				case SideBoth:
					out = append(out, ourBuf...)
					out = append(out, theirBuf...)
				}
				inConflict = false
				continue
			}
		}

		if inConflict {
			if inTheirs {
				theirBuf = append(theirBuf, line)
			} else {
				ourBuf = append(ourBuf, line)
			}
			continue
		}
		out = append(out, line)
	}

	return []byte(joinLines(out))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
