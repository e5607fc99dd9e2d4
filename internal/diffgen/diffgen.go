// Package diffgen produces unified-diff hunk lists for Write/Edit tool
// invocations, grounded on github.com/sergi/go-diff's line-mode diff recipe.
package diffgen

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// FileReader reads the current contents of a file, returning ("", nil) if
// the file does not yet exist.
type FileReader func(path string) (string, error)

// Hunk is one contiguous block of changed (and a little surrounding
// unchanged) lines, in the shape of a standard unified-diff hunk.
type Hunk struct {
	OldStart int      `json:"oldStart"`
	OldLines int      `json:"oldLines"`
	NewStart int      `json:"newStart"`
	NewLines int      `json:"newLines"`
	Lines    []string `json:"lines"` // each prefixed with ' ', '+', or '-'
}

// Diff is the structured result of generating a diff for a tool call.
type Diff struct {
	FilePath    string `json:"filePath"`
	Hunks       []Hunk `json:"hunks"`
	Additions   int    `json:"additions"`
	Deletions   int    `json:"deletions"`
	IsBinary    bool   `json:"isBinary"`
	IsTruncated bool   `json:"isTruncated"`
}

var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".ico": true, ".pdf": true, ".zip": true, ".tar": true, ".gz": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true,
	".woff": true, ".woff2": true, ".ttf": true, ".mp4": true, ".mov": true,
}

const contextLines = 3

// Generate returns a Diff for tool/input, or nil when the tool is not
// Write/Edit, required inputs are missing, or Edit's old_string is absent.
func Generate(tool string, input map[string]any, maxBytes int, read FileReader) (*Diff, error) {
	t := strings.ToLower(strings.TrimSpace(tool))
	if t != "write" && t != "edit" {
		return nil, nil
	}

	path, _ := input["file_path"].(string)
	if path == "" {
		return nil, nil
	}

	current, err := read(path)
	if err != nil {
		return nil, fmt.Errorf("read current contents of %s: %w", path, err)
	}

	var newContent string
	switch t {
	case "write":
		content, ok := input["content"].(string)
		if !ok {
			return nil, nil
		}
		newContent = content
	case "edit":
		oldStr, ok := input["old_string"].(string)
		if !ok || oldStr == "" {
			return nil, nil
		}
		newStr, _ := input["new_string"].(string)
		replaceAll, _ := input["replace_all"].(bool)
		if replaceAll {
			newContent = strings.ReplaceAll(current, oldStr, newStr)
		} else {
			idx := strings.Index(current, oldStr)
			if idx < 0 {
				newContent = current
			} else {
				newContent = current[:idx] + newStr + current[idx+len(oldStr):]
			}
		}
	}

	if isBinaryPath(path) || len(current)+len(newContent) > maxBytes {
		return &Diff{FilePath: path, IsBinary: true}, nil
	}

	return buildUnifiedDiff(path, current, newContent, maxBytes), nil
}

func isBinaryPath(path string) bool {
	return binaryExtensions[strings.ToLower(filepath.Ext(path))]
}

func buildUnifiedDiff(path, oldContent, newContent string, maxBytes int) *Diff {
	lineDiffs := lineLevelDiff(oldContent, newContent)
	hunks, additions, deletions, truncated := groupHunks(lineDiffs, maxBytes)

	return &Diff{
		FilePath:    path,
		Hunks:       hunks,
		Additions:   additions,
		Deletions:   deletions,
		IsTruncated: truncated,
	}
}

type lineOp struct {
	op   diffmatchpatch.Operation
	line string
}

// lineLevelDiff runs the project's documented "line mode" diff recipe and
// flattens the result into one entry per line so hunk grouping can reason
// about individual old/new line numbers.
func lineLevelDiff(oldContent, newContent string) []lineOp {
	dmp := diffmatchpatch.New()
	oldChars, newChars, lineArray := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffMain(oldChars, newChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var ops []lineOp
	for _, d := range diffs {
		text := strings.TrimSuffix(d.Text, "\n")
		if text == "" {
			continue
		}
		for _, line := range strings.Split(text, "\n") {
			ops = append(ops, lineOp{op: d.Type, line: line})
		}
	}
	return ops
}

// groupHunks walks the flattened per-line diff and emits unified-diff style
// hunks with contextLines of surrounding unchanged context, truncating once
// the accumulated hunk byte size passes maxBytes.
func groupHunks(ops []lineOp, maxBytes int) ([]Hunk, int, int, bool) {
	var hunks []Hunk
	var additions, deletions int
	oldLine, newLine := 1, 1
	truncated := false
	accumulated := 0

	i := 0
	for i < len(ops) {
		if ops[i].op == diffmatchpatch.DiffEqual {
			oldLine++
			newLine++
			i++
			continue
		}

		// Found the start of a change block. Back up to include leading context.
		start := i
		ctxStart := start
		for k := 0; k < contextLines && ctxStart > 0 && ops[ctxStart-1].op == diffmatchpatch.DiffEqual; k++ {
			ctxStart--
		}
		leadingCtx := start - ctxStart

		hunkOldStart := oldLine - leadingCtx
		hunkNewStart := newLine - leadingCtx
		if hunkOldStart < 1 {
			hunkOldStart = 1
		}
		if hunkNewStart < 1 {
			hunkNewStart = 1
		}

		var lines []string
		for k := ctxStart; k < start; k++ {
			lines = append(lines, " "+ops[k].line)
		}

		oldCount, newCount := leadingCtx, leadingCtx
		trailingEqualRun := 0
		j := start
		for j < len(ops) {
			switch ops[j].op {
			case diffmatchpatch.DiffDelete:
				lines = append(lines, "-"+ops[j].line)
				oldCount++
				oldLine++
				deletions++
				trailingEqualRun = 0
			case diffmatchpatch.DiffInsert:
				lines = append(lines, "+"+ops[j].line)
				newCount++
				newLine++
				additions++
				trailingEqualRun = 0
			case diffmatchpatch.DiffEqual:
				if trailingEqualRun >= contextLines {
					// Check if the next change is close enough to merge into this hunk.
					if !hasChangeWithin(ops, j, contextLines) {
						goto hunkDone
					}
				}
				lines = append(lines, " "+ops[j].line)
				oldCount++
				newCount++
				oldLine++
				newLine++
				trailingEqualRun++
			}
			j++
		}
	hunkDone:
		hunkBytes := 0
		for _, l := range lines {
			hunkBytes += len(l) + 1
		}
		accumulated += hunkBytes
		if accumulated > maxBytes {
			truncated = true
			break
		}

		hunks = append(hunks, Hunk{
			OldStart: hunkOldStart,
			OldLines: oldCount,
			NewStart: hunkNewStart,
			NewLines: newCount,
			Lines:    lines,
		})
		i = j
	}

	return hunks, additions, deletions, truncated
}

// hasChangeWithin reports whether a Delete/Insert op occurs within the next
// window equal-run entries of ops starting at idx, used to decide whether
// two nearby change blocks should merge into a single hunk.
func hasChangeWithin(ops []lineOp, idx, window int) bool {
	for k := idx; k < len(ops) && k < idx+window; k++ {
		if ops[k].op != diffmatchpatch.DiffEqual {
			return true
		}
	}
	return false
}
