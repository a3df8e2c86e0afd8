package fsops

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/MirkoSon/SohnBot/pkg/models"
)

// PatchResult is the result of ApplyPatch.
type PatchResult struct {
	Path         string `json:"path"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
}

// ApplyPatch validates a single-file unified diff and applies it in place.
// Multi-file patches are rejected outright: normalizing every header to one
// filename would otherwise apply foreign hunks to the target. Creating or
// deleting files via /dev/null headers is not permitted.
func ApplyPatch(path, patchText string, maxSizeKB int) (*PatchResult, error) {
	maxBytes := maxSizeKB * 1024
	if len(patchText) > maxBytes {
		return nil, models.NewError(models.CodePatchTooLarge,
			fmt.Sprintf("Patch exceeds %dKB limit", maxSizeKB)).
			WithDetails(map[string]any{
				"size_bytes":     len(patchText),
				"max_size_bytes": maxBytes,
			})
	}

	if !strings.Contains(patchText, "---") ||
		!strings.Contains(patchText, "+++") ||
		!strings.Contains(patchText, "@@") {
		return nil, models.NewError(models.CodeInvalidPatchFormat,
			"Patch must be valid unified diff format (missing ---, +++, or @@ markers)").
			WithDetails(map[string]any{"patch_preview": preview(patchText)})
	}

	sourceFiles := countSourceFiles(patchText)
	if sourceFiles > 1 {
		return nil, models.NewError(models.CodeInvalidPatchFormat,
			fmt.Sprintf("Patch targets %d files but apply_patch accepts only single-file patches", sourceFiles)).
			WithDetails(map[string]any{"source_file_count": sourceFiles})
	}

	if hasDevNullHeader(patchText) {
		return nil, models.NewError(models.CodePatchApplyFailed,
			"Patches may not create or delete files").
			WithDetails(map[string]any{"path": path})
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, models.NewError(models.CodePathNotFound, "Path not found").
			WithDetails(map[string]any{"path": path})
	}

	added, removed := countDiffLines(patchText)

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewError(models.CodePathNotFound, "Path not found").
			WithDetails(map[string]any{"path": path})
	}

	patched, applyErr := applyUnifiedDiff(string(content), patchText)
	if applyErr != nil {
		return nil, models.NewError(models.CodePatchApplyFailed,
			"Patch application failed (hunk mismatch or conflict)").
			WithDetails(map[string]any{"path": path, "error": applyErr.Error()})
	}

	if err := os.WriteFile(path, []byte(patched), info.Mode().Perm()); err != nil {
		return nil, models.NewError(models.CodePatchApplyFailed, "Failed to write patched file").
			WithDetails(map[string]any{"path": path, "error": err.Error()})
	}

	slog.Info("patch_applied", "path", path, "lines_added", added, "lines_removed", removed)
	return &PatchResult{Path: path, LinesAdded: added, LinesRemoved: removed}, nil
}

func preview(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

// countSourceFiles counts distinct `--- <path>` headers, excluding
// /dev/null and bare `---` separators.
func countSourceFiles(patchText string) int {
	seen := map[string]bool{}
	for _, line := range strings.Split(patchText, "\n") {
		if !strings.HasPrefix(line, "--- ") {
			continue
		}
		pathPart := strings.TrimSpace(strings.SplitN(line[4:], "\t", 2)[0])
		if pathPart != "" && pathPart != "/dev/null" {
			seen[pathPart] = true
		}
	}
	return len(seen)
}

func hasDevNullHeader(patchText string) bool {
	for _, line := range strings.Split(patchText, "\n") {
		if strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ ") {
			pathPart := strings.TrimSpace(strings.SplitN(line[4:], "\t", 2)[0])
			if pathPart == "/dev/null" {
				return true
			}
		}
	}
	return false
}

// countDiffLines counts +/- content lines, ignoring the +++/--- headers.
func countDiffLines(patchText string) (added, removed int) {
	for _, line := range strings.Split(patchText, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}

var hunkHeaderPattern = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

type hunk struct {
	oldStart int
	oldCount int
	newCount int
	lines    []string
}

// applyUnifiedDiff applies patchText to content line by line: context lines
// must match, `-` lines are dropped, `+` lines are inserted, and
// `\ No newline at end of file` markers are skipped. Headers are ignored;
// single-file validation happened upstream.
func applyUnifiedDiff(content, patchText string) (string, error) {
	hunks, err := parseHunks(patchText)
	if err != nil {
		return "", err
	}
	if len(hunks) == 0 {
		return "", fmt.Errorf("patch contains no hunks")
	}

	srcLines := strings.Split(content, "\n")
	trailingNewline := strings.HasSuffix(content, "\n")
	if trailingNewline {
		srcLines = srcLines[:len(srcLines)-1]
	}

	var out []string
	cursor := 0
	for _, h := range hunks {
		idx := h.oldStart - 1
		if h.oldCount == 0 {
			// pure insertion positions after the named line
			idx = h.oldStart
		}
		if idx < cursor || idx > len(srcLines) {
			return "", fmt.Errorf("hunk at line %d overlaps or exceeds file", h.oldStart)
		}
		out = append(out, srcLines[cursor:idx]...)
		cursor = idx

		for _, line := range h.lines {
			if strings.HasPrefix(line, `\`) {
				continue
			}
			marker := byte(' ')
			text := line
			if len(line) > 0 {
				marker = line[0]
				text = line[1:]
			} else {
				text = ""
			}
			switch marker {
			case ' ':
				if cursor >= len(srcLines) || srcLines[cursor] != text {
					return "", fmt.Errorf("context mismatch at line %d", cursor+1)
				}
				out = append(out, text)
				cursor++
			case '-':
				if cursor >= len(srcLines) || srcLines[cursor] != text {
					return "", fmt.Errorf("removed line mismatch at line %d", cursor+1)
				}
				cursor++
			case '+':
				out = append(out, text)
			default:
				return "", fmt.Errorf("unexpected hunk line %q", line)
			}
		}
	}
	out = append(out, srcLines[cursor:]...)

	result := strings.Join(out, "\n")
	if trailingNewline {
		result += "\n"
	}
	return result, nil
}

// parseHunks collects hunks by consuming exactly the line counts declared in
// each @@ header, so stray blank lines between hunks are never misread as
// content.
func parseHunks(patchText string) ([]hunk, error) {
	var hunks []hunk
	var current *hunk
	oldLeft, newLeft := 0, 0

	for _, line := range strings.Split(patchText, "\n") {
		if m := hunkHeaderPattern.FindStringSubmatch(line); m != nil {
			if current != nil && (oldLeft > 0 || newLeft > 0) {
				return nil, fmt.Errorf("hunk starting at line %d is truncated", current.oldStart)
			}
			oldStart, _ := strconv.Atoi(m[1])
			oldCount, newCount := 1, 1
			if m[2] != "" {
				oldCount, _ = strconv.Atoi(m[2])
			}
			if m[4] != "" {
				newCount, _ = strconv.Atoi(m[4])
			}
			hunks = append(hunks, hunk{oldStart: oldStart, oldCount: oldCount, newCount: newCount})
			current = &hunks[len(hunks)-1]
			oldLeft, newLeft = oldCount, newCount
			continue
		}
		if current == nil || (oldLeft == 0 && newLeft == 0) {
			continue
		}
		if strings.HasPrefix(line, `\`) {
			current.lines = append(current.lines, line)
			continue
		}

		marker := byte(' ')
		if len(line) > 0 {
			marker = line[0]
		}
		switch marker {
		case ' ':
			oldLeft--
			newLeft--
		case '-':
			oldLeft--
		case '+':
			newLeft--
		default:
			return nil, fmt.Errorf("unexpected line %q inside hunk", line)
		}
		if oldLeft < 0 || newLeft < 0 {
			return nil, fmt.Errorf("hunk starting at line %d overruns its declared counts", current.oldStart)
		}
		current.lines = append(current.lines, line)
	}
	if current != nil && (oldLeft > 0 || newLeft > 0) {
		return nil, fmt.Errorf("hunk starting at line %d is truncated", current.oldStart)
	}
	return hunks, nil
}
