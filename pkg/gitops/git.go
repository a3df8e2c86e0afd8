// Package gitops implements the git capability: status, diff, checkout,
// commit, and the snapshot branch lifecycle. Every command runs as
// `git -C <repo> ...` under a wall-clock deadline.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MirkoSon/SohnBot/pkg/models"
)

// runResult captures one finished (or killed) git invocation.
type runResult struct {
	stdout   string
	stderr   string
	exitCode int
	timedOut bool
}

func (r runResult) ok() bool { return !r.timedOut && r.exitCode == 0 }

// runGit executes git with the given arguments, killing the process when the
// deadline expires. A missing git binary surfaces as git_not_found; exit
// codes and timeouts are returned in the result for the caller to classify.
func runGit(ctx context.Context, timeout time.Duration, args ...string) (runResult, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := runResult{stdout: stdout.String(), stderr: stderr.String()}
	if cctx.Err() != nil {
		res.timedOut = true
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.exitCode = exitErr.ExitCode()
			return res, nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			return res, models.NewError(models.CodeGitNotFound, "git executable not found on PATH")
		}
		return res, fmt.Errorf("failed to run git: %w", err)
	}
	return res, nil
}

// StatusResult is the parsed porcelain v2 status.
type StatusResult struct {
	Branch    string   `json:"branch"`
	Ahead     int      `json:"ahead"`
	Behind    int      `json:"behind"`
	Modified  []string `json:"modified"`
	Staged    []string `json:"staged"`
	Untracked []string `json:"untracked"`
}

// Status runs `git status --porcelain=v2 --branch` and parses the output.
func Status(ctx context.Context, repoPath string, timeout time.Duration) (*StatusResult, error) {
	res, err := runGit(ctx, timeout, "-C", repoPath, "status", "--porcelain=v2", "--branch")
	if err != nil {
		return nil, err
	}
	if res.timedOut {
		return nil, models.NewRetryableError(models.CodeGitStatusTimeout, "git status timed out")
	}
	if res.exitCode != 0 {
		if strings.Contains(res.stderr, "not a git repository") {
			return nil, models.NewError(models.CodeNotAGitRepo,
				fmt.Sprintf("%s is not inside a git repository", repoPath))
		}
		return nil, gitCommandFailed(repoPath, res.stderr)
	}
	return parsePorcelainV2(res.stdout), nil
}

// parsePorcelainV2 parses `git status --porcelain=v2 --branch` output.
// Rename records report the destination path.
func parsePorcelainV2(output string) *StatusResult {
	status := &StatusResult{
		Branch:    "HEAD",
		Modified:  []string{},
		Staged:    []string{},
		Untracked: []string{},
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "# branch.head "):
			status.Branch = strings.TrimSpace(strings.TrimPrefix(line, "# branch.head "))
		case strings.HasPrefix(line, "# branch.ab "):
			for _, part := range strings.Fields(strings.TrimPrefix(line, "# branch.ab ")) {
				if n, err := strconv.Atoi(part); err == nil {
					if strings.HasPrefix(part, "-") {
						status.Behind = -n
					} else {
						status.Ahead = n
					}
				}
			}
		case strings.HasPrefix(line, "? "):
			status.Untracked = append(status.Untracked, strings.TrimSpace(line[2:]))
		case strings.HasPrefix(line, "1 "), strings.HasPrefix(line, "2 "):
			fields := strings.SplitN(line, " ", 3)
			if len(fields) < 3 || len(fields[1]) < 2 {
				continue
			}
			xy := fields[1]
			path := extractStatusPath(line)
			if path == "" {
				continue
			}
			if xy[0] != '.' && !contains(status.Staged, path) {
				status.Staged = append(status.Staged, path)
			}
			if xy[1] != '.' && !contains(status.Modified, path) {
				status.Modified = append(status.Modified, path)
			}
		}
	}
	return status
}

// extractStatusPath pulls the path out of a porcelain v2 change record.
// Paths are tab-delimited after the metadata; rename records carry
// "new\told" and the destination wins.
func extractStatusPath(line string) string {
	if idx := strings.Index(line, "\t"); idx >= 0 {
		block := line[idx+1:]
		if strings.Contains(block, "\t") {
			parts := strings.Split(block, "\t")
			return strings.TrimSpace(parts[len(parts)-1])
		}
		return strings.TrimSpace(block)
	}
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return ""
	}
	if tokens[0] == "1" && len(tokens) >= 9 {
		return tokens[8]
	}
	if tokens[0] == "2" && len(tokens) >= 10 {
		return tokens[9]
	}
	return tokens[len(tokens)-1]
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// DiffResult carries a raw unified diff.
type DiffResult struct {
	RepoPath   string   `json:"repo_path"`
	DiffType   string   `json:"diff_type"`
	FilePath   string   `json:"file_path,omitempty"`
	CommitRefs []string `json:"commit_refs,omitempty"`
	Diff       string   `json:"diff"`
}

// Diff runs git diff in one of three modes: working_tree, staged (--cached),
// or commit (two refs passed positionally). An optional file path is
// appended after `--`.
func Diff(ctx context.Context, repoPath, diffType, filePath string, commitRefs []string, timeout time.Duration) (*DiffResult, error) {
	args := []string{"-C", repoPath, "diff"}
	switch diffType {
	case "working_tree":
	case "staged":
		args = append(args, "--cached")
	case "commit":
		if len(commitRefs) != 2 {
			return nil, models.NewError(models.CodeInvalidDiffArgs,
				"commit diff requires exactly two commit refs").
				WithDetails(map[string]any{"diff_type": diffType, "commit_refs": commitRefs})
		}
		args = append(args, commitRefs[0], commitRefs[1])
	default:
		return nil, models.NewError(models.CodeInvalidDiffType,
			"diff_type must be one of: working_tree, staged, commit").
			WithDetails(map[string]any{"diff_type": diffType})
	}
	if filePath != "" {
		args = append(args, "--", filePath)
	}

	res, err := runGit(ctx, timeout, args...)
	if err != nil {
		return nil, err
	}
	if res.timedOut {
		return nil, models.NewRetryableError(models.CodeGitDiffTimeout, "git diff timed out")
	}
	if res.exitCode != 0 {
		if strings.Contains(res.stderr, "not a git repository") {
			return nil, models.NewError(models.CodeNotAGitRepo,
				fmt.Sprintf("%s is not inside a git repository", repoPath))
		}
		return nil, gitCommandFailed(repoPath, res.stderr)
	}
	return &DiffResult{
		RepoPath:   repoPath,
		DiffType:   diffType,
		FilePath:   filePath,
		CommitRefs: commitRefs,
		Diff:       res.stdout,
	}, nil
}

var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_/-]*$`)

// validateLocalBranch rejects remote refs, traversal, and revision syntax so
// checkout can only target plain local branch names.
func validateLocalBranch(branch string) error {
	for _, prefix := range []string{"origin/", "remotes/", "refs/remotes/"} {
		if strings.HasPrefix(branch, prefix) {
			return models.NewError(models.CodeInvalidBranch,
				"branch checkout restricted to local branches only").
				WithDetails(map[string]any{"branch": branch})
		}
	}
	if strings.Contains(branch, "../") || strings.Contains(branch, "..\\") {
		return models.NewError(models.CodeInvalidBranch, "branch name must not contain path traversal").
			WithDetails(map[string]any{"branch": branch})
	}
	if strings.ContainsAny(branch, "~^") || strings.Contains(branch, "@{") {
		return models.NewError(models.CodeInvalidBranch, "branch name must not contain revision syntax").
			WithDetails(map[string]any{"branch": branch})
	}
	if strings.HasPrefix(branch, "/") || strings.HasPrefix(branch, "-") {
		return models.NewError(models.CodeInvalidBranch, "branch name must not start with '/' or '-'").
			WithDetails(map[string]any{"branch": branch})
	}
	if !branchNamePattern.MatchString(branch) {
		return models.NewError(models.CodeInvalidBranch, "branch name contains invalid characters").
			WithDetails(map[string]any{"branch": branch})
	}
	return nil
}

// CheckoutResult reports the branch switched to and the new HEAD.
type CheckoutResult struct {
	Branch     string `json:"branch"`
	CommitHash string `json:"commit_hash"`
}

// Checkout validates the branch name and runs `git switch -- <branch>`.
func Checkout(ctx context.Context, repoPath, branch string, timeout time.Duration) (*CheckoutResult, error) {
	if err := validateLocalBranch(branch); err != nil {
		return nil, err
	}

	res, err := runGit(ctx, timeout, "-C", repoPath, "switch", "--", branch)
	if err != nil {
		return nil, err
	}
	if res.timedOut {
		return nil, models.NewRetryableError(models.CodeCheckoutTimeout, "git switch timed out")
	}
	if res.exitCode != 0 {
		for _, marker := range []string{"pathspec", "did not match any file", "invalid reference"} {
			if strings.Contains(res.stderr, marker) {
				return nil, models.NewError(models.CodeCheckoutFailed,
					fmt.Sprintf("branch %q not found", branch)).
					WithDetails(map[string]any{"branch": branch, "stderr": res.stderr})
			}
		}
		return nil, models.NewError(models.CodeCheckoutFailed, "git switch failed").
			WithDetails(map[string]any{"branch": branch, "stderr": res.stderr})
	}

	hash, err := shortHead(ctx, repoPath, timeout)
	if err != nil {
		return nil, err
	}
	slog.Info("branch_checked_out", "repo_path", repoPath, "branch", branch, "commit_hash", hash)
	return &CheckoutResult{Branch: branch, CommitHash: hash}, nil
}

var commitMessagePattern = regexp.MustCompile(
	`^(?:\[(Fix|Feat|Refactor|Docs|Test|Chore|Style)\]|(Fix|Feat|Refactor|Docs|Test|Chore|Style)):\s+.+`)

// validateCommitMessage enforces the conventional prefix, a 72-char subject,
// and a 4096-char total.
func validateCommitMessage(message string) error {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return models.NewError(models.CodeInvalidCommitMessage, "commit message must not be empty")
	}
	if !commitMessagePattern.MatchString(trimmed) {
		return models.NewError(models.CodeInvalidCommitMessage,
			"commit message must start with [Type] or Type: (Fix, Feat, Refactor, Docs, Test, Chore, Style)").
			WithDetails(map[string]any{"message": trimmed})
	}
	firstLine := strings.SplitN(trimmed, "\n", 2)[0]
	if len(firstLine) > 72 {
		return models.NewError(models.CodeInvalidCommitMessage,
			"commit message first line must be 72 characters or fewer").
			WithDetails(map[string]any{"first_line_length": len(firstLine)})
	}
	if len(trimmed) > 4096 {
		return models.NewError(models.CodeInvalidCommitMessage,
			"commit message must be 4096 characters or fewer").
			WithDetails(map[string]any{"length": len(trimmed)})
	}
	return nil
}

// validateCommitFilePath checks a path to be staged: non-empty, no leading
// dash, no `..` segments, and inside the repository root.
func validateCommitFilePath(repoPath, filePath string) (string, error) {
	trimmed := strings.TrimSpace(filePath)
	if trimmed == "" {
		return "", models.NewError(models.CodeInvalidCommitFile, "commit file path must not be empty")
	}
	if strings.HasPrefix(trimmed, "-") {
		return "", models.NewError(models.CodeInvalidCommitFile,
			"commit file path must not start with '-'").
			WithDetails(map[string]any{"path": trimmed})
	}
	for _, segment := range strings.Split(filepath.ToSlash(trimmed), "/") {
		if segment == ".." {
			return "", models.NewError(models.CodeInvalidCommitFile,
				"commit file path must not contain '..' segments").
				WithDetails(map[string]any{"path": trimmed})
		}
	}

	repoAbs, err := filepath.Abs(repoPath)
	if err != nil {
		return "", models.NewError(models.CodeInvalidCommitFile, "repository path could not be resolved")
	}
	target := trimmed
	if !filepath.IsAbs(target) {
		target = filepath.Join(repoAbs, target)
	}
	target = filepath.Clean(target)
	if target != repoAbs && !strings.HasPrefix(target, repoAbs+string(filepath.Separator)) {
		return "", models.NewError(models.CodeInvalidCommitFile,
			"commit file path resolves outside the repository").
			WithDetails(map[string]any{"path": trimmed})
	}
	return target, nil
}

// CommitResult reports the created commit. CommitHash is nil when there was
// nothing to commit.
type CommitResult struct {
	CommitHash   *string `json:"commit_hash"`
	Message      string  `json:"message"`
	FilesChanged int     `json:"files_changed"`
}

// Commit validates the message, stages the requested files (or tracked
// changes via `git add -u` when none are given), and commits. A clean tree
// is a success with a nil hash.
func Commit(ctx context.Context, repoPath, message string, filePaths []string, timeout time.Duration) (*CommitResult, error) {
	if err := validateCommitMessage(message); err != nil {
		return nil, err
	}

	if len(filePaths) > 0 {
		for _, filePath := range filePaths {
			staged, err := validateCommitFilePath(repoPath, filePath)
			if err != nil {
				return nil, err
			}
			res, err := runGit(ctx, timeout, "-C", repoPath, "add", "--", staged)
			if err != nil {
				return nil, err
			}
			if res.timedOut {
				return nil, models.NewRetryableError(models.CodeCommitTimeout, "git add timed out")
			}
			if res.exitCode != 0 {
				return nil, models.NewError(models.CodeCommitFailed, "git add failed").
					WithDetails(map[string]any{"path": filePath, "stderr": res.stderr})
			}
		}
	} else {
		// tracked changes only, never -A
		res, err := runGit(ctx, timeout, "-C", repoPath, "add", "-u")
		if err != nil {
			return nil, err
		}
		if res.timedOut {
			return nil, models.NewRetryableError(models.CodeCommitTimeout, "git add timed out")
		}
		if res.exitCode != 0 {
			return nil, models.NewError(models.CodeCommitFailed, "git add failed").
				WithDetails(map[string]any{"stderr": res.stderr})
		}
	}

	res, err := runGit(ctx, timeout, "-C", repoPath, "commit", "-m", strings.TrimSpace(message))
	if err != nil {
		return nil, err
	}
	if res.timedOut {
		return nil, models.NewRetryableError(models.CodeCommitTimeout, "git commit timed out")
	}
	if res.exitCode != 0 {
		combined := res.stdout + res.stderr
		if strings.Contains(combined, "nothing to commit") || strings.Contains(combined, "no changes added to commit") {
			return &CommitResult{CommitHash: nil, Message: "No changes to commit", FilesChanged: 0}, nil
		}
		return nil, models.NewError(models.CodeCommitFailed, "git commit failed").
			WithDetails(map[string]any{"stderr": res.stderr})
	}

	hash, err := shortHead(ctx, repoPath, timeout)
	if err != nil {
		return nil, err
	}
	files, err := commitFiles(ctx, repoPath, timeout)
	if err != nil {
		return nil, err
	}
	slog.Info("commit_created", "repo_path", repoPath, "commit_hash", hash, "files_changed", len(files))
	return &CommitResult{CommitHash: &hash, Message: strings.TrimSpace(message), FilesChanged: len(files)}, nil
}

// shortHead returns `git rev-parse --short HEAD`.
func shortHead(ctx context.Context, repoPath string, timeout time.Duration) (string, error) {
	res, err := runGit(ctx, timeout, "-C", repoPath, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	if !res.ok() {
		return "", gitCommandFailed(repoPath, res.stderr)
	}
	return strings.TrimSpace(res.stdout), nil
}

// commitFiles lists the files touched by HEAD via diff-tree.
func commitFiles(ctx context.Context, repoPath string, timeout time.Duration) ([]string, error) {
	res, err := runGit(ctx, timeout, "-C", repoPath, "diff-tree", "--no-commit-id", "--name-only", "-r", "HEAD")
	if err != nil {
		return nil, err
	}
	if !res.ok() {
		return nil, gitCommandFailed(repoPath, res.stderr)
	}
	var files []string
	for _, line := range strings.Split(res.stdout, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}

func gitCommandFailed(repoPath, stderr string) error {
	return models.NewError(models.CodeGitCommandFailed, "git command failed").
		WithDetails(map[string]any{"repo_path": repoPath, "stderr": stderr})
}
