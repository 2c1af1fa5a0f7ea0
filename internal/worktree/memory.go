package worktree

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
)

// MemoryVCS is an in-memory VCS. Workspace directories are still created
// and removed on disk so existence checks behave as with git. The exported
// fields inject failures.
type MemoryVCS struct {
	mu         sync.Mutex
	current    string
	branches   map[string]bool
	workspaces map[string]WorkspaceInfo
	dirty      map[string]bool

	CreateErr  map[string]error // Keyed by workspace path
	RemoveErr  error
	KeepOnDrop bool // Leave the directory behind on removal
	ListErr    error
}

// NewMemoryVCS creates a repository with a single branch checked out.
func NewMemoryVCS(current string) *MemoryVCS {
	return &MemoryVCS{
		current:    current,
		branches:   map[string]bool{current: true},
		workspaces: make(map[string]WorkspaceInfo),
		dirty:      make(map[string]bool),
		CreateErr:  make(map[string]error),
	}
}

// AddBranch creates a branch without a workspace.
func (m *MemoryVCS) AddBranch(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[name] = true
}

// SetDirty marks a workspace as having uncommitted changes.
func (m *MemoryVCS) SetDirty(path string, dirty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty[path] = dirty
}

// Register records an existing workspace without touching the disk.
func (m *MemoryVCS) Register(path, branch string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[branch] = true
	m.workspaces[path] = WorkspaceInfo{Path: path, Branch: branch}
}

func (m *MemoryVCS) CreateWorkspace(_ context.Context, path, branch, newFrom string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := validateRef(branch); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.CreateErr[path]; err != nil {
		return err
	}
	if _, ok := m.workspaces[path]; ok {
		return fmt.Errorf("workspace %s already exists", path)
	}
	for _, ws := range m.workspaces {
		if ws.Branch == branch {
			return fmt.Errorf("branch %s is already checked out at %s", branch, ws.Path)
		}
	}
	if newFrom != "" {
		if m.branches[branch] {
			return fmt.Errorf("branch %s already exists", branch)
		}
		if !m.branches[newFrom] {
			return fmt.Errorf("invalid reference: %s", newFrom)
		}
	} else if !m.branches[branch] {
		return fmt.Errorf("invalid reference: %s", branch)
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}
	m.branches[branch] = true
	m.workspaces[path] = WorkspaceInfo{Path: path, Branch: branch}
	return nil
}

func (m *MemoryVCS) RemoveWorkspace(_ context.Context, path string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RemoveErr != nil {
		return m.RemoveErr
	}
	if _, ok := m.workspaces[path]; !ok {
		return fmt.Errorf("%s is not a working tree", path)
	}
	if m.dirty[path] && !force {
		return fmt.Errorf("%s contains modified or untracked files, use --force to delete it", path)
	}
	if !m.KeepOnDrop {
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	}
	delete(m.workspaces, path)
	delete(m.dirty, path)
	return nil
}

func (m *MemoryVCS) ListWorkspaces(context.Context) ([]WorkspaceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListErr != nil {
		return nil, m.ListErr
	}
	list := make([]WorkspaceInfo, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		list = append(list, ws)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	return list, nil
}

func (m *MemoryVCS) CurrentBranch(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

func (m *MemoryVCS) BranchExists(_ context.Context, branch string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.branches[branch], nil
}

func (m *MemoryVCS) IsDirty(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workspaces[path]; !ok {
		return false, fmt.Errorf("%s is not a working tree", path)
	}
	return m.dirty[path], nil
}
