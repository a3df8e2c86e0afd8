package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MirkoSon/SohnBot/pkg/models"
)

// snapshotPrefix is the branch namespace for pre-operation snapshots.
const snapshotPrefix = "snapshot/edit-"

// snapshotTimeLayout is the UTC timestamp embedded in snapshot refs.
const snapshotTimeLayout = "2006-01-02-1504"

// FindRepoRoot walks upward from filePath until a directory containing .git
// is found.
func FindRepoRoot(filePath string) (string, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return "", models.NewError(models.CodeNotAGitRepo,
			fmt.Sprintf("cannot resolve path %s", filePath))
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		abs = filepath.Dir(abs)
	}

	for {
		if info, err := os.Stat(filepath.Join(abs, ".git")); err == nil && info.IsDir() {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", models.NewError(models.CodeNotAGitRepo,
				fmt.Sprintf("%s is not inside a git repository", filePath))
		}
		abs = parent
	}
}

// CreateSnapshot creates a snapshot branch at HEAD without switching to it.
// On a name collision the operation ID's first four characters are appended
// and the branch is created under that name instead.
func CreateSnapshot(ctx context.Context, repoPath, operationID string, timeout time.Duration) (string, error) {
	ref := snapshotPrefix + time.Now().UTC().Format(snapshotTimeLayout)

	res, err := runGit(ctx, timeout, "-C", repoPath, "branch", ref)
	if err != nil {
		return "", err
	}
	if res.timedOut {
		return "", models.NewRetryableError(models.CodeSnapshotTimeout, "snapshot creation timed out")
	}
	if res.exitCode != 0 && strings.Contains(res.stderr, "already exists") {
		suffix := operationID
		if len(suffix) > 4 {
			suffix = suffix[:4]
		}
		ref = ref + "-" + suffix
		res, err = runGit(ctx, timeout, "-C", repoPath, "branch", ref)
		if err != nil {
			return "", err
		}
		if res.timedOut {
			return "", models.NewRetryableError(models.CodeSnapshotTimeout, "snapshot creation timed out")
		}
	}
	if res.exitCode != 0 {
		return "", models.NewError(models.CodeSnapshotCreationFailed, "failed to create snapshot branch").
			WithDetails(map[string]any{"repo_path": repoPath, "ref": ref, "stderr": res.stderr})
	}

	slog.Info("snapshot_created", "repo_path", repoPath, "ref", ref, "operation_id", operationID)
	return ref, nil
}

// Snapshot describes one snapshot branch.
type Snapshot struct {
	Ref       string `json:"ref"`
	Timestamp string `json:"timestamp"` // "Unknown" when the ref does not parse
}

// ListSnapshots lists snapshot branches, newest first. Refs whose embedded
// timestamp does not parse are kept with timestamp "Unknown" so pruning
// never silently drops them.
func ListSnapshots(ctx context.Context, repoPath string, timeout time.Duration) ([]Snapshot, error) {
	res, err := runGit(ctx, timeout, "-C", repoPath, "branch", "--list", "snapshot/*")
	if err != nil {
		return nil, err
	}
	if res.timedOut {
		return nil, models.NewRetryableError(models.CodeListSnapshotsFailed, "listing snapshots timed out")
	}
	if res.exitCode != 0 {
		return nil, models.NewError(models.CodeListSnapshotsFailed, "failed to list snapshots").
			WithDetails(map[string]any{"repo_path": repoPath, "stderr": res.stderr})
	}

	type parsed struct {
		snapshot Snapshot
		when     time.Time
		known    bool
	}
	var items []parsed
	for _, line := range strings.Split(res.stdout, "\n") {
		ref := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "* "))
		if ref == "" {
			continue
		}
		when, err := parseSnapshotTime(ref)
		item := parsed{snapshot: Snapshot{Ref: ref, Timestamp: "Unknown"}}
		if err == nil {
			item.when = when
			item.known = true
			item.snapshot.Timestamp = when.Format("Jan 02, 2006 15:04 UTC")
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].known != items[j].known {
			return items[i].known
		}
		return items[i].when.After(items[j].when)
	})

	snapshots := make([]Snapshot, 0, len(items))
	for _, item := range items {
		snapshots = append(snapshots, item.snapshot)
	}
	return snapshots, nil
}

// parseSnapshotTime extracts the YYYY-MM-DD-HHMM timestamp from a snapshot
// ref, ignoring any collision suffix.
func parseSnapshotTime(ref string) (time.Time, error) {
	rest, ok := strings.CutPrefix(ref, snapshotPrefix)
	if !ok {
		return time.Time{}, fmt.Errorf("ref %q is outside the snapshot namespace", ref)
	}
	if len(rest) < len(snapshotTimeLayout) {
		return time.Time{}, fmt.Errorf("ref %q has no parseable timestamp", ref)
	}
	return time.ParseInLocation(snapshotTimeLayout, rest[:len(snapshotTimeLayout)], time.UTC)
}

// PruneResult summarizes one prune pass.
type PruneResult struct {
	Deleted       []string `json:"deleted"`
	Retained      int      `json:"retained"`
	RetentionDays int      `json:"retention_days"`
}

// PruneSnapshots deletes snapshot branches older than retentionDays under
// one global deadline. The currently checked-out branch and refs with
// unknown timestamps are always retained; per-branch failures are logged
// and counted as retained, never fatal.
func PruneSnapshots(ctx context.Context, repoPath string, retentionDays int, totalTimeout time.Duration) (*PruneResult, error) {
	if retentionDays <= 0 {
		return nil, models.NewError(models.CodeInvalidRequest, "retention_days must be positive").
			WithDetails(map[string]any{"retention_days": retentionDays})
	}

	cctx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	snapshots, err := ListSnapshots(cctx, repoPath, totalTimeout)
	if err != nil {
		if cctx.Err() != nil {
			return nil, models.NewRetryableError(models.CodePruneTimeout, "prune timed out listing snapshots")
		}
		return nil, err
	}

	currentBranch := ""
	if res, err := runGit(cctx, totalTimeout, "-C", repoPath, "branch", "--show-current"); err == nil && res.ok() {
		currentBranch = strings.TrimSpace(res.stdout)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result := &PruneResult{Deleted: []string{}, RetentionDays: retentionDays}

	for _, snapshot := range snapshots {
		if cctx.Err() != nil {
			return nil, models.NewRetryableError(models.CodePruneTimeout, "prune timed out").
				WithDetails(map[string]any{"deleted": result.Deleted, "retained": result.Retained})
		}
		if snapshot.Ref == currentBranch {
			result.Retained++
			continue
		}
		when, err := parseSnapshotTime(snapshot.Ref)
		if err != nil || !when.Before(cutoff) {
			result.Retained++
			continue
		}

		res, err := runGit(cctx, totalTimeout, "-C", repoPath, "branch", "-D", snapshot.Ref)
		if err != nil || !res.ok() {
			slog.Warn("snapshot_prune_branch_failed", "repo_path", repoPath, "ref", snapshot.Ref)
			result.Retained++
			continue
		}
		result.Deleted = append(result.Deleted, snapshot.Ref)
	}

	slog.Info("snapshots_pruned",
		"repo_path", repoPath,
		"deleted", len(result.Deleted),
		"retained", result.Retained)
	return result, nil
}

// RollbackResult reports a completed rollback commit.
type RollbackResult struct {
	SnapshotRef   string `json:"snapshot_ref"`
	CommitHash    string `json:"commit_hash"`
	FilesRestored int    `json:"files_restored"`
}

// RollbackToSnapshot restores the working tree to a snapshot ref and commits
// the restoration, so the rollback itself stays in history.
func RollbackToSnapshot(ctx context.Context, repoPath, snapshotRef, operationID string, timeout time.Duration) (*RollbackResult, error) {
	res, err := runGit(ctx, timeout, "-C", repoPath, "rev-parse", "--verify", snapshotRef)
	if err != nil {
		return nil, err
	}
	if !res.ok() {
		return nil, models.NewError(models.CodeSnapshotNotFound,
			fmt.Sprintf("snapshot %q not found", snapshotRef)).
			WithDetails(map[string]any{"repo_path": repoPath, "snapshot_ref": snapshotRef})
	}

	res, err = runGit(ctx, timeout, "-C", repoPath, "checkout", snapshotRef, "--", ".")
	if err != nil {
		return nil, err
	}
	if !res.ok() {
		return nil, models.NewError(models.CodeRollbackFailed, "failed to restore files from snapshot").
			WithDetails(map[string]any{"snapshot_ref": snapshotRef, "stderr": res.stderr})
	}

	opID := operationID
	if len(opID) > 8 {
		opID = opID[:8]
	}
	message := fmt.Sprintf("Rollback to snapshot: %s (operation: %s)", snapshotRef, opID)
	res, err = runGit(ctx, timeout, "-C", repoPath, "commit", "-a", "-m", message)
	if err != nil {
		return nil, err
	}
	if !res.ok() {
		combined := res.stdout + res.stderr
		if strings.Contains(combined, "nothing to commit") {
			hash, err := shortHead(ctx, repoPath, timeout)
			if err != nil {
				return nil, err
			}
			return &RollbackResult{SnapshotRef: snapshotRef, CommitHash: hash, FilesRestored: 0}, nil
		}
		return nil, models.NewError(models.CodeCommitFailed, "failed to commit rollback").
			WithDetails(map[string]any{"snapshot_ref": snapshotRef, "stderr": res.stderr})
	}

	hash, err := shortHead(ctx, repoPath, timeout)
	if err != nil {
		return nil, err
	}
	files, err := commitFiles(ctx, repoPath, timeout)
	if err != nil {
		return nil, err
	}
	slog.Info("rollback_completed",
		"repo_path", repoPath,
		"snapshot_ref", snapshotRef,
		"commit_hash", hash,
		"files_restored", len(files))
	return &RollbackResult{SnapshotRef: snapshotRef, CommitHash: hash, FilesRestored: len(files)}, nil
}
