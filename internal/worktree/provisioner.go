package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"golang.org/x/sync/errgroup"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateKey checks a task key before it is used in any path or branch name.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Provisioner creates and releases one isolated workspace per task key.
type Provisioner struct {
	vcs     VCS
	config  Config
	timeout time.Duration
	logger  *slog.Logger
}

// NewProvisioner creates a provisioner. A zero timeout leaves VCS calls
// bounded only by the caller's context.
func NewProvisioner(vcs VCS, cfg Config, timeout time.Duration, logger *slog.Logger) *Provisioner {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "task/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{vcs: vcs, config: cfg, timeout: timeout, logger: logger}
}

// PathFor returns the workspace directory for a task key.
func (p *Provisioner) PathFor(key string) string {
	return filepath.Join(p.config.RepoPath, p.config.WorktreeDir, key)
}

// BranchFor returns the default branch name for a task key.
func (p *Provisioner) BranchFor(key string) string {
	return p.config.BranchPrefix + key
}

func (p *Provisioner) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout > 0 {
		return context.WithTimeout(ctx, p.timeout)
	}
	return ctx, func() {}
}

// Provision returns a workspace for key on branch, creating it when needed.
// An empty branch uses BranchFor(key). A workspace already registered at the
// expected path is reused. If creation fails but the directory exists, for
// example because another process created it concurrently, that directory
// is reused; otherwise the error is returned.
func (p *Provisioner) Provision(ctx context.Context, key, branch string) (Workspace, error) {
	if err := ValidateKey(key); err != nil {
		return Workspace{}, err
	}
	if branch == "" {
		branch = p.BranchFor(key)
	}
	if err := validateRef(branch); err != nil {
		return Workspace{}, err
	}

	path := p.PathFor(key)
	ws := Workspace{Key: key, Path: path, Branch: branch}

	if info, ok := p.registered(ctx, path); ok {
		ws.Reused = true
		if info.Branch != "" {
			ws.Branch = info.Branch
		}
		return ws, nil
	}

	err := p.create(ctx, path, branch)
	if err == nil {
		return ws, nil
	}
	if dirExists(path) {
		p.logger.Warn("workspace creation failed, reusing existing directory",
			"task", key, "path", path, "error", err)
		ws.Reused = true
		return ws, nil
	}
	return Workspace{}, fmt.Errorf("provision workspace for %s: %w", key, err)
}

func (p *Provisioner) create(ctx context.Context, path, branch string) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create workspace root: %w", err)
	}

	exists, err := p.vcs.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if exists {
		return p.vcs.CreateWorkspace(ctx, path, branch, "")
	}

	base := p.config.BaseBranch
	if base == "" {
		if base, err = p.vcs.CurrentBranch(ctx); err != nil {
			return err
		}
	}
	return p.vcs.CreateWorkspace(ctx, path, branch, base)
}

// registered looks path up among the VCS workspaces. Listing failures are
// treated as "not registered".
func (p *Provisioner) registered(ctx context.Context, path string) (WorkspaceInfo, bool) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	list, err := p.vcs.ListWorkspaces(ctx)
	if err != nil {
		p.logger.Debug("listing workspaces failed", "error", err)
		return WorkspaceInfo{}, false
	}
	want := canonical(path)
	for _, ws := range list {
		if canonical(ws.Path) == want {
			return ws, true
		}
	}
	return WorkspaceInfo{}, false
}

// Release removes the workspace for key. Without force a workspace with
// uncommitted changes is left alone and reported dirty. The removal is
// verified afterwards; nothing here returns an error.
func (p *Provisioner) Release(ctx context.Context, key string, force bool) ReleaseResult {
	if err := ValidateKey(key); err != nil {
		return ReleaseResult{Key: key, Status: ReleaseNotFound, Err: err}
	}
	path := p.PathFor(key)
	res := ReleaseResult{Key: key, Path: path}

	info, ok := p.registered(ctx, path)
	if !ok {
		res.Status = ReleaseNotFound
		return res
	}
	path = info.Path

	if !force {
		dctx, cancel := p.withTimeout(ctx)
		dirty, err := p.vcs.IsDirty(dctx, path)
		cancel()
		if err != nil {
			res.Status = ReleaseIncomplete
			res.Err = err
			return res
		}
		if dirty {
			res.Status = ReleaseDirty
			res.Err = fmt.Errorf("workspace %s has uncommitted changes", path)
			return res
		}
	}

	rctx, cancel := p.withTimeout(ctx)
	err := p.vcs.RemoveWorkspace(rctx, path, force)
	cancel()
	if err != nil {
		res.Status = ReleaseIncomplete
		res.Err = err
		return res
	}

	if _, still := p.registered(ctx, path); still || dirExists(path) {
		res.Status = ReleaseIncomplete
		res.Err = fmt.Errorf("workspace %s still present after removal", path)
		return res
	}
	res.Status = ReleaseCleaned
	return res
}

// ReleaseAll releases the workspaces for keys with at most limit removals in
// flight. Results are returned in key order.
func (p *Provisioner) ReleaseAll(ctx context.Context, keys []string, force bool, limit int) []ReleaseResult {
	results := make([]ReleaseResult, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, key := range keys {
		g.Go(func() error {
			results[i] = p.Release(gctx, key, force)
			return nil
		})
	}
	g.Wait()
	return results
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// canonical resolves symlinks so paths reported by git compare equal to the
// configured ones (macOS /var vs /private/var).
func canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}
