package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Canonical error codes produced by the broker and capability layer.
const (
	// Validation
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidPatchFormat   = "invalid_patch_format"
	CodeInvalidPattern       = "invalid_pattern"
	CodeInvalidBranch        = "invalid_branch"
	CodeInvalidCommitMessage = "invalid_commit_message"
	CodeInvalidCommitFile    = "invalid_commit_file_path"
	CodeInvalidDiffArgs      = "invalid_diff_args"
	CodeInvalidDiffType      = "invalid_diff_type"

	// Scope and policy
	CodeScopeViolation = "scope_violation"

	// Resource limits
	CodeFileTooLarge       = "file_too_large"
	CodePatchTooLarge      = "patch_too_large"
	CodeBinaryNotSupported = "binary_not_supported"

	// Existence
	CodePathNotFound     = "path_not_found"
	CodeInvalidDirectory = "invalid_directory"
	CodeInvalidFile      = "invalid_file"
	CodeNotAGitRepo      = "not_a_git_repo"
	CodeSnapshotNotFound = "snapshot_not_found"

	// External prerequisites
	CodeRgNotFound  = "rg_not_found"
	CodeGitNotFound = "git_not_found"

	// Execution
	CodePatchApplyFailed       = "patch_apply_failed"
	CodeSearchError            = "search_error"
	CodeGitCommandFailed       = "git_command_failed"
	CodeCommitFailed           = "commit_failed"
	CodeCheckoutFailed         = "checkout_failed"
	CodeRollbackFailed         = "rollback_failed"
	CodeSnapshotCreationFailed = "snapshot_creation_failed"
	CodeListSnapshotsFailed    = "list_snapshots_failed"
	CodePruneFailed            = "prune_failed"
	CodeExecutionError         = "execution_error"

	// Timing
	CodeTimeout          = "timeout"
	CodeSearchTimeout    = "search_timeout"
	CodeGitStatusTimeout = "git_status_timeout"
	CodeGitDiffTimeout   = "git_diff_timeout"
	CodeCheckoutTimeout  = "checkout_timeout"
	CodeCommitTimeout    = "commit_timeout"
	CodeSnapshotTimeout  = "snapshot_timeout"
	CodePruneTimeout     = "prune_timeout"

	// Integrity
	CodeMigrationTampered = "migration_tampered"
)

// OperationError is the structured error every core failure carries:
// a canonical code, a human-readable message, optional details, and a
// retryability flag.
type OperationError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable"`
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a non-retryable OperationError.
func NewError(code, message string) *OperationError {
	return &OperationError{Code: code, Message: message}
}

// NewRetryableError creates a retryable OperationError. Used for timeouts.
func NewRetryableError(code, message string) *OperationError {
	return &OperationError{Code: code, Message: message, Retryable: true}
}

// WithDetails attaches structured context and returns the error.
func (e *OperationError) WithDetails(details map[string]any) *OperationError {
	e.Details = details
	return e
}

// AsOperationError extracts an *OperationError from any error chain.
func AsOperationError(err error) (*OperationError, bool) {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr, true
	}
	return nil, false
}

// JSON renders the error for storage in audit rows.
func (e *OperationError) JSON() string {
	encoded, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"code":%q,"message":"unencodable error"}`, e.Code)
	}
	return string(encoded)
}
