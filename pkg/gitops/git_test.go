package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MirkoSon/SohnBot/pkg/models"
)

const testTimeout = 10 * time.Second

func git(t *testing.T, repo string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", repo}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cmd := exec.Command("git", "init", "-b", "main", dir)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git init: %s", out)
	git(t, dir, "config", "user.email", "test@example.com")
	git(t, dir, "config", "user.name", "Test User")

	writeFile(t, dir, "a.txt", "line1\nline2\nline3\n")
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-m", "initial")
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func opError(t *testing.T, err error) *models.OperationError {
	t.Helper()
	opErr, ok := models.AsOperationError(err)
	require.True(t, ok, "expected OperationError, got %v", err)
	return opErr
}

func TestFindRepoRoot(t *testing.T) {
	repo := initRepo(t)
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "sub", "dir"), 0o755))
	writeFile(t, repo, filepath.Join("sub", "dir", "x.txt"), "x\n")

	root, err := FindRepoRoot(filepath.Join(repo, "sub", "dir", "x.txt"))
	require.NoError(t, err)
	resolved, rErr := filepath.EvalSymlinks(repo)
	require.NoError(t, rErr)
	assert.Equal(t, resolved, root)

	_, err = FindRepoRoot(t.TempDir())
	assert.Equal(t, models.CodeNotAGitRepo, opError(t, err).Code)
}

func TestStatusParsesWorkingTreeState(t *testing.T) {
	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "line1\nchanged\nline3\n")
	writeFile(t, repo, "staged.txt", "new\n")
	git(t, repo, "add", "staged.txt")
	writeFile(t, repo, "untracked.txt", "u\n")

	status, err := Status(context.Background(), repo, testTimeout)
	require.NoError(t, err)
	assert.Equal(t, "main", status.Branch)
	assert.Contains(t, status.Modified, "a.txt")
	assert.Contains(t, status.Staged, "staged.txt")
	assert.Contains(t, status.Untracked, "untracked.txt")
}

func TestStatusOutsideRepo(t *testing.T) {
	_, err := Status(context.Background(), t.TempDir(), testTimeout)
	assert.Equal(t, models.CodeNotAGitRepo, opError(t, err).Code)
}

func TestParsePorcelainV2Rename(t *testing.T) {
	out := "# branch.head main\n" +
		"# branch.ab +2 -1\n" +
		"2 R. N... 100644 100644 100644 abc def R100 new.txt\told.txt\n" +
		"? stray.txt\n"
	status := parsePorcelainV2(out)
	assert.Equal(t, "main", status.Branch)
	assert.Equal(t, 2, status.Ahead)
	assert.Equal(t, 1, status.Behind)
	assert.Equal(t, []string{"old.txt"}, status.Staged)
	assert.Equal(t, []string{"stray.txt"}, status.Untracked)
}

func TestDiffModes(t *testing.T) {
	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "line1\nchanged\nline3\n")

	diff, err := Diff(context.Background(), repo, "working_tree", "", nil, testTimeout)
	require.NoError(t, err)
	assert.Contains(t, diff.Diff, "+changed")
	assert.Contains(t, diff.Diff, "-line2")

	git(t, repo, "add", "a.txt")
	staged, err := Diff(context.Background(), repo, "staged", "a.txt", nil, testTimeout)
	require.NoError(t, err)
	assert.Contains(t, staged.Diff, "+changed")

	_, err = Diff(context.Background(), repo, "commit", "", []string{"HEAD"}, testTimeout)
	assert.Equal(t, models.CodeInvalidDiffArgs, opError(t, err).Code)

	_, err = Diff(context.Background(), repo, "sideways", "", nil, testTimeout)
	assert.Equal(t, models.CodeInvalidDiffType, opError(t, err).Code)
}

func TestCheckoutValidBranch(t *testing.T) {
	repo := initRepo(t)
	git(t, repo, "branch", "feature/x")

	result, err := Checkout(context.Background(), repo, "feature/x", testTimeout)
	require.NoError(t, err)
	assert.Equal(t, "feature/x", result.Branch)
	assert.NotEmpty(t, result.CommitHash)
	assert.Equal(t, "feature/x", git(t, repo, "branch", "--show-current"))
}

func TestCheckoutRejectsBadBranchNames(t *testing.T) {
	tests := []struct {
		name   string
		branch string
	}{
		{"remote prefix", "origin/main"},
		{"remotes prefix", "remotes/origin/main"},
		{"refs remotes prefix", "refs/remotes/origin/main"},
		{"traversal", "../outside"},
		{"tilde", "main~1"},
		{"caret", "main^"},
		{"reflog syntax", "main@{1}"},
		{"leading slash", "/main"},
		{"leading dash", "-main"},
		{"space", "my branch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Checkout(context.Background(), t.TempDir(), tt.branch, testTimeout)
			assert.Equal(t, models.CodeInvalidBranch, opError(t, err).Code)
		})
	}
}

func TestCheckoutMissingBranch(t *testing.T) {
	repo := initRepo(t)
	_, err := Checkout(context.Background(), repo, "does-not-exist", testTimeout)
	assert.Equal(t, models.CodeCheckoutFailed, opError(t, err).Code)
}

func TestCommitStagedChange(t *testing.T) {
	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "line1\nline2\nline3\nline4\n")

	result, err := Commit(context.Background(), repo, "Fix: Add second line", nil, testTimeout)
	require.NoError(t, err)
	require.NotNil(t, result.CommitHash)
	assert.Equal(t, 1, result.FilesChanged)
	assert.Equal(t, "Fix: Add second line", git(t, repo, "log", "-1", "--format=%s"))

	// a second identical commit finds a clean tree
	again, err := Commit(context.Background(), repo, "Fix: Add second line", nil, testTimeout)
	require.NoError(t, err)
	assert.Nil(t, again.CommitHash)
	assert.Equal(t, "No changes to commit", again.Message)
	assert.Equal(t, 0, again.FilesChanged)
}

func TestCommitScopedFilePaths(t *testing.T) {
	repo := initRepo(t)
	writeFile(t, repo, "a.txt", "edited\n")
	writeFile(t, repo, "b.txt", "untracked but explicitly staged\n")

	result, err := Commit(context.Background(), repo, "[Feat] add b", []string{"b.txt"}, testTimeout)
	require.NoError(t, err)
	require.NotNil(t, result.CommitHash)
	assert.Equal(t, 1, result.FilesChanged)

	// a.txt was modified but not listed, so it stays dirty
	status, err := Status(context.Background(), repo, testTimeout)
	require.NoError(t, err)
	assert.Contains(t, status.Modified, "a.txt")
}

func TestCommitMessageValidation(t *testing.T) {
	tests := []struct {
		name    string
		message string
	}{
		{"empty", "   "},
		{"no prefix", "just some words"},
		{"wrong prefix", "Bug: broken"},
		{"subject too long", "Fix: " + strings.Repeat("x", 80)},
		{"total too long", "Fix: ok\n" + strings.Repeat("y", 5000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Commit(context.Background(), t.TempDir(), tt.message, nil, testTimeout)
			assert.Equal(t, models.CodeInvalidCommitMessage, opError(t, err).Code)
		})
	}
}

func TestCommitFilePathValidation(t *testing.T) {
	repo := initRepo(t)
	tests := []struct {
		name string
		path string
	}{
		{"empty", "  "},
		{"leading dash", "-rf"},
		{"traversal", "../outside.txt"},
		{"absolute outside", "/etc/passwd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Commit(context.Background(), repo, "Fix: stage it", []string{tt.path}, testTimeout)
			assert.Equal(t, models.CodeInvalidCommitFile, opError(t, err).Code)
		})
	}
}
