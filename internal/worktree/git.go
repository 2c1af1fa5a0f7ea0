package worktree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// GitVCS implements VCS with the git command line. Commands against the
// main repository are serialized to avoid git lock contention.
type GitVCS struct {
	repoPath string
	mu       sync.Mutex
}

// NewGitVCS creates a git-backed VCS for the repository at repoPath.
func NewGitVCS(repoPath string) *GitVCS {
	return &GitVCS{repoPath: repoPath}
}

var refPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,199}$`)

// validateRef rejects branch names git would refuse or could misread as options.
func validateRef(ref string) error {
	if !refPattern.MatchString(ref) ||
		strings.Contains(ref, "..") ||
		strings.Contains(ref, "//") ||
		strings.HasSuffix(ref, "/") ||
		strings.HasSuffix(ref, ".lock") {
		return fmt.Errorf("%w: branch %q", ErrInvalidRef, ref)
	}
	return nil
}

func validatePath(path string) error {
	if path == "" || !filepath.IsAbs(path) || strings.ContainsAny(path, "\x00\n") {
		return fmt.Errorf("%w: path %q", ErrInvalidRef, path)
	}
	return nil
}

// allowedFlags are the only option arguments run passes to git.
var allowedFlags = map[string]bool{
	"-b": true, "--force": true, "--porcelain": true, "--abbrev-ref": true,
	"--verify": true, "--quiet": true,
}

// run is the single place git is executed. Every option must be on the
// allow-list and no argument may carry control characters.
func (g *GitVCS) run(ctx context.Context, dir string, args ...string) (string, error) {
	for _, a := range args {
		if strings.ContainsAny(a, "\x00\n\r") {
			return "", fmt.Errorf("%w: argument %q", ErrInvalidRef, a)
		}
		if strings.HasPrefix(a, "-") && !allowedFlags[a] {
			return "", fmt.Errorf("%w: option %q", ErrInvalidRef, a)
		}
	}
	if dir == "" {
		dir = g.repoPath
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w (output: %s)", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// CreateWorkspace runs "git worktree add".
func (g *GitVCS) CreateWorkspace(ctx context.Context, path, branch, newFrom string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := validateRef(branch); err != nil {
		return err
	}

	args := []string{"worktree", "add"}
	if newFrom != "" {
		if err := validateRef(newFrom); err != nil {
			return err
		}
		args = append(args, "-b", branch, path, newFrom)
	} else {
		args = append(args, path, branch)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.run(ctx, "", args...); err != nil {
		return fmt.Errorf("failed to create worktree: %w", err)
	}
	return nil
}

// RemoveWorkspace runs "git worktree remove", with --force when asked.
func (g *GitVCS) RemoveWorkspace(ctx context.Context, path string, force bool) error {
	if err := validatePath(path); err != nil {
		return err
	}
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.run(ctx, "", args...); err != nil {
		return fmt.Errorf("failed to remove worktree: %w", err)
	}
	return nil
}

// ListWorkspaces parses "git worktree list --porcelain".
func (g *GitVCS) ListWorkspaces(ctx context.Context) ([]WorkspaceInfo, error) {
	g.mu.Lock()
	output, err := g.run(ctx, "", "worktree", "list", "--porcelain")
	g.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	return parseWorktreeList(output), nil
}

func parseWorktreeList(output string) []WorkspaceInfo {
	var list []WorkspaceInfo
	var current WorkspaceInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Path != "" {
				list = append(list, current)
			}
			current = WorkspaceInfo{}
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if current.Path != "" {
		list = append(list, current)
	}
	return list
}

// CurrentBranch returns the branch checked out in the main repository.
func (g *GitVCS) CurrentBranch(ctx context.Context) (string, error) {
	output, err := g.run(ctx, "", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return strings.TrimSpace(output), nil
}

// BranchExists reports whether a local branch exists.
func (g *GitVCS) BranchExists(ctx context.Context, branch string) (bool, error) {
	if err := validateRef(branch); err != nil {
		return false, err
	}
	_, err := g.run(ctx, "", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("failed to check branch: %w", err)
}

// IsDirty reports whether the workspace at path has uncommitted changes,
// untracked files included.
func (g *GitVCS) IsDirty(ctx context.Context, path string) (bool, error) {
	if err := validatePath(path); err != nil {
		return false, err
	}
	output, err := g.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to get status: %w", err)
	}
	return strings.TrimSpace(output) != "", nil
}
