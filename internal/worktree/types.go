package worktree

import (
	"context"
	"errors"
)

var (
	// ErrInvalidKey is returned for task keys outside the allowed character set.
	ErrInvalidKey = errors.New("invalid task key")
	// ErrInvalidRef is returned for branch names or paths that are unsafe to
	// pass to the version control tool.
	ErrInvalidRef = errors.New("invalid reference")
)

// WorkspaceInfo describes a workspace registered with the VCS.
type WorkspaceInfo struct {
	Path   string // Absolute path to the workspace directory
	Branch string // Checked-out branch, e.g. "task/PROJ-12"
	Head   string // Current HEAD commit hash
}

// VCS is the narrow set of version control operations workspace
// provisioning needs. Implementations must be safe for concurrent use.
type VCS interface {
	// CreateWorkspace checks out branch at path. When newFrom is non-empty the
	// branch is created from it; otherwise the branch must already exist.
	CreateWorkspace(ctx context.Context, path, branch, newFrom string) error
	RemoveWorkspace(ctx context.Context, path string, force bool) error
	ListWorkspaces(ctx context.Context) ([]WorkspaceInfo, error)
	CurrentBranch(ctx context.Context) (string, error)
	BranchExists(ctx context.Context, branch string) (bool, error)
	IsDirty(ctx context.Context, path string) (bool, error)
}

// Workspace is the result of provisioning.
type Workspace struct {
	Key    string
	Path   string
	Branch string
	Reused bool // Already registered, or left behind by an earlier attempt
}

// ReleaseStatus is the outcome of releasing a workspace.
type ReleaseStatus string

const (
	ReleaseCleaned    ReleaseStatus = "cleaned"
	ReleaseDirty      ReleaseStatus = "dirty"
	ReleaseNotFound   ReleaseStatus = "notFound"
	ReleaseIncomplete ReleaseStatus = "incomplete"
)

// ReleaseResult reports what Release did. Err carries the underlying cause
// for dirty, incomplete and invalid-key outcomes.
type ReleaseResult struct {
	Key    string
	Status ReleaseStatus
	Path   string
	Err    error
}

// Config configures a Provisioner.
type Config struct {
	RepoPath     string // Absolute path to the repository root
	WorktreeDir  string // Directory under the repository for workspaces (default ".worktrees")
	BaseBranch   string // Branch new task branches start from; empty means the current branch
	BranchPrefix string // Prefix for task branches (default "task/")
}
