package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MirkoSon/SohnBot/pkg/config"
	"github.com/MirkoSon/SohnBot/pkg/fsops"
	"github.com/MirkoSon/SohnBot/pkg/gitops"
	"github.com/MirkoSon/SohnBot/pkg/models"
	"github.com/MirkoSon/SohnBot/pkg/services"
)

// snapshotExemptActions are git snapshot-management actions that never get a
// snapshot of their own.
var snapshotExemptActions = map[string]bool{
	"rollback":        true,
	"list_snapshots":  true,
	"prune_snapshots": true,
}

// Router is the single entry point for agent-proposed operations. It owns
// tier classification, parameter and scope validation, pre-edit snapshots,
// deadline-bounded dispatch, audit logging, and outbox enqueueing.
type Router struct {
	cfg    *config.Manager
	scope  *ScopeValidator
	audit  *services.AuditService
	outbox *services.OutboxService

	mu         sync.Mutex
	startTimes map[string]time.Time

	// snapshot hooks, replaceable in tests
	findRepoRoot   func(path string) (string, error)
	createSnapshot func(ctx context.Context, repoPath, operationID string, timeout time.Duration) (string, error)
}

// NewRouter wires a router against the shared config manager, scope
// validator, and persistence services.
func NewRouter(cfg *config.Manager, scope *ScopeValidator, audit *services.AuditService, outbox *services.OutboxService) *Router {
	return &Router{
		cfg:            cfg,
		scope:          scope,
		audit:          audit,
		outbox:         outbox,
		startTimes:     make(map[string]time.Time),
		findRepoRoot:   gitops.FindRepoRoot,
		createSnapshot: gitops.CreateSnapshot,
	}
}

// Route executes one operation through the full gate. It never panics and
// never returns a nil result.
func (r *Router) Route(ctx context.Context, op models.Operation) *models.BrokerResult {
	operationID := uuid.NewString()
	r.recordStart(operationID)

	fileCount, paths := deriveFiles(op)
	tier := ClassifyTier(op.Capability, op.Action, fileCount)

	if opErr := validateParams(op); opErr != nil {
		r.dropStart(operationID)
		return &models.BrokerResult{Allowed: false, Tier: tier, Error: opErr}
	}

	normalized, opErr := r.validateScope(op, paths)
	if opErr != nil {
		r.dropStart(operationID)
		return &models.BrokerResult{Allowed: false, Tier: tier, Error: opErr}
	}
	op = rewritePaths(op, normalized)

	slog.Info("operation_started",
		"operation_id", operationID,
		"capability", op.Capability,
		"action", op.Action,
		"chat_id", op.ChatID,
		"tier", tier)

	if err := r.audit.LogOperationStart(ctx, operationID, op.Capability, op.Action, op.ChatID, tier, normalized); err != nil {
		r.dropStart(operationID)
		slog.Error("audit_start_failed", "operation_id", operationID, "error", err)
		return &models.BrokerResult{
			Allowed: false, Tier: tier,
			Error: models.NewError(models.CodeExecutionError, "Failed to record operation start"),
		}
	}

	var snapshotRef string
	if (tier == TierSingleFile || tier == TierMultiFile) &&
		!(op.Capability == "git" && snapshotExemptActions[op.Action]) {
		ref, err := r.snapshotFor(ctx, op, operationID)
		if err != nil {
			return r.finish(ctx, op, operationID, tier, "", nil, err)
		}
		snapshotRef = ref
		slog.Info("snapshot_created", "operation_id", operationID, "snapshot_ref", snapshotRef)
	}

	timeout := time.Duration(r.cfg.GetInt("broker.operation_timeout_seconds")) * time.Second
	cctx, cancel := context.WithTimeout(ctx, timeout)
	result, err := r.dispatch(cctx, op, operationID)
	deadlineHit := errors.Is(cctx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil && deadlineHit {
		err = models.NewRetryableError(models.CodeTimeout,
			fmt.Sprintf("Operation exceeded %s deadline", timeout))
	}
	return r.finish(ctx, op, operationID, tier, snapshotRef, result, err)
}

// finish writes the terminal audit row, enqueues the notification, removes
// the start-time entry, and builds the result. Outbox failures are logged,
// never propagated.
func (r *Router) finish(ctx context.Context, op models.Operation, operationID string, tier int, snapshotRef string, result any, err error) *models.BrokerResult {
	durationMs := r.elapsedMs(operationID)
	r.dropStart(operationID)

	status := services.StatusCompleted
	var opErr *models.OperationError
	if err != nil {
		var ok bool
		opErr, ok = models.AsOperationError(err)
		if !ok {
			opErr = models.NewError(models.CodeExecutionError, err.Error())
		}
		status = services.StatusFailed
		if opErr.Code == models.CodeTimeout {
			status = services.StatusTimeout
		}
	}

	var refPtr *string
	if snapshotRef != "" {
		refPtr = &snapshotRef
	}
	var errDetails *string
	if opErr != nil {
		detail := opErr.JSON()
		errDetails = &detail
	}
	if auditErr := r.audit.LogOperationEnd(ctx, operationID, status, refPtr, durationMs, errDetails); auditErr != nil {
		slog.Error("audit_end_failed", "operation_id", operationID, "error", auditErr)
	}

	if opErr != nil {
		slog.Warn("operation_failed",
			"operation_id", operationID, "status", status,
			"code", opErr.Code, "error", opErr.Message)
	} else {
		slog.Info("operation_completed",
			"operation_id", operationID, "duration_ms", durationMs)
	}

	r.enqueueNotification(ctx, op, operationID, status, snapshotRef, result)

	return &models.BrokerResult{
		Allowed:     true,
		OperationID: operationID,
		Tier:        tier,
		SnapshotRef: snapshotRef,
		Result:      result,
		Error:       opErr,
	}
}

func (r *Router) recordStart(operationID string) {
	r.mu.Lock()
	r.startTimes[operationID] = time.Now()
	r.mu.Unlock()
}

func (r *Router) dropStart(operationID string) {
	r.mu.Lock()
	delete(r.startTimes, operationID)
	r.mu.Unlock()
}

func (r *Router) elapsedMs(operationID string) int64 {
	r.mu.Lock()
	start, ok := r.startTimes[operationID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return time.Since(start).Milliseconds()
}

// deriveFiles extracts the affected paths from params: `path` counts as one
// file, `paths` as its length.
func deriveFiles(op models.Operation) (int, []string) {
	var paths []string
	if p, ok := stringParam(op.Params, "path"); ok {
		paths = append(paths, p)
	}
	for _, p := range listParam(op.Params, "paths") {
		paths = append(paths, p)
	}
	return len(paths), paths
}

// validateParams enforces the required keys per action before anything is
// persisted or executed.
func validateParams(op models.Operation) *models.OperationError {
	missing := func(key string) *models.OperationError {
		return models.NewError(models.CodeInvalidRequest,
			fmt.Sprintf("Missing or invalid required parameter: %s", key)).
			WithDetails(map[string]any{"capability": op.Capability, "action": op.Action})
	}

	switch op.Capability {
	case "fs":
		switch op.Action {
		case "read", "list", "search", "apply_patch":
			if _, ok := stringParam(op.Params, "path"); !ok {
				return missing("path")
			}
		default:
			return models.NewError(models.CodeInvalidRequest,
				fmt.Sprintf("Unknown action: fs.%s", op.Action))
		}
		if op.Action == "search" {
			if _, ok := stringParam(op.Params, "pattern"); !ok {
				return missing("pattern")
			}
		}
		if op.Action == "apply_patch" {
			if _, ok := stringParam(op.Params, "patch"); !ok {
				return missing("patch")
			}
		}
	case "git":
		switch op.Action {
		case "status", "diff", "checkout", "commit", "rollback", "list_snapshots", "prune_snapshots":
			if _, ok := stringParam(op.Params, "repo_path"); !ok {
				return missing("repo_path")
			}
		default:
			return models.NewError(models.CodeInvalidRequest,
				fmt.Sprintf("Unknown action: git.%s", op.Action))
		}
		switch op.Action {
		case "rollback":
			if _, ok := stringParam(op.Params, "snapshot_ref"); !ok {
				return missing("snapshot_ref")
			}
		case "checkout":
			if _, ok := stringParam(op.Params, "branch"); !ok {
				return missing("branch")
			}
		case "commit":
			if _, ok := stringParam(op.Params, "message"); !ok {
				return missing("message")
			}
		}
	default:
		return models.NewError(models.CodeInvalidRequest,
			fmt.Sprintf("Unknown capability: %s", op.Capability))
	}
	return nil
}

// validateScope checks every filesystem path (or the git repo path) against
// the allowed roots and returns the canonicalized forms in input order.
func (r *Router) validateScope(op models.Operation, paths []string) ([]string, *models.OperationError) {
	targets := paths
	if op.Capability == "git" {
		repoPath, _ := stringParam(op.Params, "repo_path")
		targets = []string{repoPath}
	}

	normalized := make([]string, 0, len(targets))
	for _, target := range targets {
		ok, norm, reason := r.scope.Validate(target)
		if !ok {
			slog.Warn("scope_violation_blocked",
				"capability", op.Capability,
				"action", op.Action,
				"chat_id", op.ChatID,
				"path", target,
				"normalized_path", norm,
				"reason", reason)
			return nil, models.NewError(models.CodeScopeViolation,
				fmt.Sprintf("Path is outside allowed scope: %s", target)).
				WithDetails(map[string]any{
					"path":            target,
					"normalized_path": norm,
					"allowed_roots":   r.scope.AllowedRoots(),
				})
		}
		normalized = append(normalized, norm)
	}
	return normalized, nil
}

// rewritePaths replaces the validated path params with their canonical forms
// so capabilities always operate on resolved paths.
func rewritePaths(op models.Operation, normalized []string) models.Operation {
	if len(normalized) == 0 {
		return op
	}
	params := make(map[string]any, len(op.Params))
	for k, v := range op.Params {
		params[k] = v
	}
	if op.Capability == "git" {
		params["repo_path"] = normalized[0]
	} else if _, ok := stringParam(op.Params, "path"); ok {
		params["path"] = normalized[0]
	}
	op.Params = params
	return op
}

// snapshotFor resolves the repo containing the operation's target and creates
// a pre-edit snapshot branch.
func (r *Router) snapshotFor(ctx context.Context, op models.Operation, operationID string) (string, error) {
	target, _ := stringParam(op.Params, "path")
	if op.Capability == "git" {
		target, _ = stringParam(op.Params, "repo_path")
	}
	repoRoot, err := r.findRepoRoot(target)
	if err != nil {
		return "", err
	}
	timeout := time.Duration(r.cfg.GetInt("git.operation_timeout_seconds")) * time.Second
	return r.createSnapshot(ctx, repoRoot, operationID, timeout)
}

// dispatch selects the capability implementation by (capability, action).
func (r *Router) dispatch(ctx context.Context, op models.Operation, operationID string) (any, error) {
	path, _ := stringParam(op.Params, "path")
	repoPath, _ := stringParam(op.Params, "repo_path")
	gitTimeout := time.Duration(r.cfg.GetInt("git.operation_timeout_seconds")) * time.Second

	switch [2]string{op.Capability, op.Action} {
	case [2]string{"fs", "read"}:
		return fsops.Read(path, r.cfg.GetInt("files.max_size_mb"))
	case [2]string{"fs", "list"}:
		return fsops.List(path)
	case [2]string{"fs", "search"}:
		pattern, _ := stringParam(op.Params, "pattern")
		timeout := time.Duration(r.cfg.GetInt("files.search_timeout_seconds")) * time.Second
		return fsops.Search(ctx, path, pattern, timeout)
	case [2]string{"fs", "apply_patch"}:
		patch, _ := stringParam(op.Params, "patch")
		return fsops.ApplyPatch(path, patch, r.cfg.GetInt("files.patch_max_size_kb"))
	case [2]string{"git", "status"}:
		return gitops.Status(ctx, repoPath, gitTimeout)
	case [2]string{"git", "diff"}:
		diffType, ok := stringParam(op.Params, "diff_type")
		if !ok {
			diffType = "working_tree"
		}
		filePath, _ := stringParam(op.Params, "file_path")
		return gitops.Diff(ctx, repoPath, diffType, filePath, listParam(op.Params, "commit_refs"), gitTimeout)
	case [2]string{"git", "checkout"}:
		branch, _ := stringParam(op.Params, "branch")
		return gitops.Checkout(ctx, repoPath, branch, gitTimeout)
	case [2]string{"git", "commit"}:
		message, _ := stringParam(op.Params, "message")
		return gitops.Commit(ctx, repoPath, message, listParam(op.Params, "file_paths"), gitTimeout)
	case [2]string{"git", "rollback"}:
		ref, _ := stringParam(op.Params, "snapshot_ref")
		return gitops.RollbackToSnapshot(ctx, repoPath, ref, operationID, gitTimeout)
	case [2]string{"git", "list_snapshots"}:
		return gitops.ListSnapshots(ctx, repoPath, gitTimeout)
	case [2]string{"git", "prune_snapshots"}:
		return gitops.PruneSnapshots(ctx, repoPath, r.cfg.GetInt("git.snapshot_retention_days"), gitTimeout)
	}
	return nil, models.NewError(models.CodeInvalidRequest,
		fmt.Sprintf("Unknown operation: %s.%s", op.Capability, op.Action))
}

// enqueueNotification builds the terse terminal message and enqueues it when
// the chat has notifications enabled.
func (r *Router) enqueueNotification(ctx context.Context, op models.Operation, operationID, status, snapshotRef string, result any) {
	if op.ChatID == "" {
		return
	}
	enabled, err := r.outbox.NotificationsEnabled(ctx, op.ChatID)
	if err != nil {
		slog.Warn("notification_toggle_check_failed", "operation_id", operationID, "error", err)
		return
	}
	if !enabled {
		return
	}
	text := buildNotificationText(op, status, snapshotRef, result)
	if err := r.outbox.Enqueue(ctx, operationID, op.ChatID, text); err != nil {
		slog.Warn("notification_enqueue_failed", "operation_id", operationID, "error", err)
	}
}

func buildNotificationText(op models.Operation, status, snapshotRef string, result any) string {
	emoji := "✅"
	switch status {
	case services.StatusTimeout:
		emoji = "⏱️"
	case services.StatusFailed:
		emoji = "❌"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s.%s %s", emoji, op.Capability, op.Action, status)

	_, paths := deriveFiles(op)
	if op.Capability == "git" {
		if repoPath, ok := stringParam(op.Params, "repo_path"); ok {
			paths = []string{repoPath}
		}
	}
	if len(paths) > 0 {
		fmt.Fprintf(&sb, ": %s", strings.Join(paths, ", "))
	}
	if patch, ok := result.(*fsops.PatchResult); ok {
		fmt.Fprintf(&sb, " (+%d/-%d)", patch.LinesAdded, patch.LinesRemoved)
	}
	if snapshotRef != "" {
		fmt.Fprintf(&sb, " [snapshot: %s]", snapshotRef)
	}
	return sb.String()
}

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// listParam accepts either []string or []any of strings.
func listParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
