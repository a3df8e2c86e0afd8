// Package fsops implements the filesystem capability: pruned directory
// walks, bounded UTF-8 reads, deadline-bounded external search, and
// single-file unified diff patching.
package fsops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MirkoSon/SohnBot/pkg/models"
)

// excludedDirs are pruned from every recursive traversal.
var excludedDirs = map[string]bool{
	".git":         true,
	".venv":        true,
	"node_modules": true,
}

// FileInfo describes one listed file.
type FileInfo struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	ModifiedAt int64  `json:"modified_at"`
}

// ListResult is the result of List.
type ListResult struct {
	Files []FileInfo `json:"files"`
	Count int        `json:"count"`
}

// List walks path recursively, pruning excluded directory names at every
// level, and returns file metadata.
func List(path string) (*ListResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, models.NewError(models.CodePathNotFound, "Path not found").
			WithDetails(map[string]any{"path": path})
	}
	if !info.IsDir() {
		return nil, models.NewError(models.CodeInvalidDirectory, "Path must be a directory").
			WithDetails(map[string]any{"path": path})
	}

	result := &ListResult{Files: []FileInfo{}}
	err = filepath.WalkDir(path, func(entryPath string, entry os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			if entryPath != path && excludedDirs[entry.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		stat, err := entry.Info()
		if err != nil {
			return err
		}
		result.Files = append(result.Files, FileInfo{
			Path:       entryPath,
			Size:       stat.Size(),
			ModifiedAt: stat.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, models.NewError(models.CodeInvalidDirectory, "Directory walk failed").
			WithDetails(map[string]any{"path": path, "error": err.Error()})
	}
	result.Count = len(result.Files)
	return result, nil
}

// ReadResult is the result of Read.
type ReadResult struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	ModifiedAt int64  `json:"modified_at"`
	Content    string `json:"content"`
}

// Read returns the UTF-8 content of a regular file, refusing binary data
// (NUL byte in the first 4 KiB or invalid UTF-8) and files larger than
// maxSizeMB.
func Read(path string, maxSizeMB int) (*ReadResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, models.NewError(models.CodePathNotFound, "Path not found").
			WithDetails(map[string]any{"path": path})
	}
	if !info.Mode().IsRegular() {
		return nil, models.NewError(models.CodeInvalidFile, "Path must be a file").
			WithDetails(map[string]any{"path": path})
	}

	maxBytes := int64(maxSizeMB) * 1024 * 1024
	if info.Size() > maxBytes {
		return nil, models.NewError(models.CodeFileTooLarge,
			fmt.Sprintf("File exceeds %dMB limit", maxSizeMB)).
			WithDetails(map[string]any{
				"path":           path,
				"size_bytes":     info.Size(),
				"max_size_bytes": maxBytes,
			})
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewError(models.CodePathNotFound, "Path not found").
			WithDetails(map[string]any{"path": path})
	}

	sample := content
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return nil, models.NewError(models.CodeBinaryNotSupported, "Binary files not supported").
			WithDetails(map[string]any{"path": path})
	}
	if !utf8.Valid(content) {
		return nil, models.NewError(models.CodeBinaryNotSupported, "Binary files not supported").
			WithDetails(map[string]any{"path": path})
	}

	return &ReadResult{
		Path:       path,
		Size:       info.Size(),
		ModifiedAt: info.ModTime().Unix(),
		Content:    string(content),
	}, nil
}

// SearchMatch is one matched line.
type SearchMatch struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// SearchResult is the result of Search.
type SearchResult struct {
	Matches []SearchMatch `json:"matches"`
	Count   int           `json:"count"`
}

// Search runs ripgrep under a wall-clock deadline with the excluded-dir
// globs applied. Exit code 1 (no matches) is an empty success; malformed
// output lines are skipped, not fatal.
func Search(ctx context.Context, path, pattern string, timeout time.Duration) (*SearchResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, models.NewError(models.CodePathNotFound, "Path not found").
			WithDetails(map[string]any{"path": path})
	}
	if !info.IsDir() {
		return nil, models.NewError(models.CodeInvalidDirectory, "Path must be a directory").
			WithDetails(map[string]any{"path": path})
	}
	if pattern == "" {
		return nil, models.NewError(models.CodeInvalidPattern, "Search pattern must not be empty").
			WithDetails(map[string]any{"path": path})
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "rg",
		"--line-number",
		"--with-filename",
		"--no-heading",
		"--color", "never",
		"--glob", "!.git/**",
		"--glob", "!.venv/**",
		"--glob", "!node_modules/**",
		pattern,
		path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if cctx.Err() != nil {
		return nil, models.NewRetryableError(models.CodeSearchTimeout,
			fmt.Sprintf("Search timed out after %s", timeout)).
			WithDetails(map[string]any{"path": path, "pattern": pattern})
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// ripgrep exits 1 for "no matches"
			if exitErr.ExitCode() == 1 {
				return &SearchResult{Matches: []SearchMatch{}, Count: 0}, nil
			}
			return nil, models.NewError(models.CodeSearchError, "Search failed").
				WithDetails(map[string]any{
					"path":    path,
					"pattern": pattern,
					"stderr":  strings.TrimSpace(stderr.String()),
				})
		}
		if errors.Is(runErr, exec.ErrNotFound) {
			return nil, models.NewError(models.CodeRgNotFound,
				"ripgrep (rg) is required for search operations").
				WithDetails(map[string]any{"path": path})
		}
		return nil, models.NewError(models.CodeSearchError, "Search failed").
			WithDetails(map[string]any{"path": path, "error": runErr.Error()})
	}

	result := &SearchResult{Matches: []SearchMatch{}}
	for _, line := range strings.Split(stdout.String(), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		lineNo, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		result.Matches = append(result.Matches, SearchMatch{
			Path:    parts[0],
			Line:    lineNo,
			Content: parts[2],
		})
	}
	result.Count = len(result.Matches)
	return result, nil
}
