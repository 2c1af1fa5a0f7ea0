// Package coordstate persists the small per-orchestrator coordinator file
// recording which children have been handed to the executor.
package coordstate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// SchemaVersion is written to every state file. Files with any other
// version are discarded on load.
const SchemaVersion = "1.0"

// ChildStatus is the coordinator's view of a child. It is independent of the
// task store status.
type ChildStatus string

const (
	ChildPending   ChildStatus = "pending"
	ChildStarted   ChildStatus = "started"
	ChildCompleted ChildStatus = "completed"
	ChildFailed    ChildStatus = "failed"
)

func (s ChildStatus) valid() bool {
	switch s {
	case ChildPending, ChildStarted, ChildCompleted, ChildFailed:
		return true
	}
	return false
}

// Child is one entry of the coordinator state.
type Child struct {
	Key           string      `json:"key"`
	Status        ChildStatus `json:"status"`
	StartedAt     *time.Time  `json:"startedAt,omitempty"`
	CompletedAt   *time.Time  `json:"completedAt,omitempty"`
	WorkspacePath string      `json:"workspacePath,omitempty"`
}

// State is the coordinator file for one orchestrator.
type State struct {
	SchemaVersion  string            `json:"schemaVersion"`
	OrchestratorID string            `json:"orchestratorId"`
	Children       map[string]*Child `json:"children"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// New returns an empty state.
func New(orchestratorID string) *State {
	return &State{
		SchemaVersion:  SchemaVersion,
		OrchestratorID: orchestratorID,
		Children:       make(map[string]*Child),
	}
}

// Claimed reports whether the child was already started or finished, so a
// new plan must not start it again.
func (s *State) Claimed(taskID string) bool {
	c, ok := s.Children[taskID]
	if !ok {
		return false
	}
	return c.Status == ChildStarted || c.Status == ChildCompleted || c.Status == ChildFailed
}

// MarkStarted records a child as started.
func (s *State) MarkStarted(taskID, key, workspacePath string, at time.Time) {
	at = at.UTC()
	s.Children[taskID] = &Child{
		Key:           key,
		Status:        ChildStarted,
		StartedAt:     &at,
		WorkspacePath: workspacePath,
	}
}

// MarkFinished records a child outcome. Unknown children get a bare entry.
func (s *State) MarkFinished(taskID string, status ChildStatus, at time.Time) error {
	if status != ChildCompleted && status != ChildFailed {
		return fmt.Errorf("invalid outcome %q", status)
	}
	at = at.UTC()
	c, ok := s.Children[taskID]
	if !ok {
		c = &Child{}
		s.Children[taskID] = c
	}
	c.Status = status
	c.CompletedAt = &at
	return nil
}

// IDs returns the child ids in ascending order.
func (s *State) IDs() []string {
	ids := make([]string, 0, len(s.Children))
	for id := range s.Children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns how many children are in the given status.
func (s *State) Count(status ChildStatus) int {
	n := 0
	for _, c := range s.Children {
		if c.Status == status {
			n++
		}
	}
	return n
}

// validate reports the first structural problem in a decoded state.
func (s *State) validate() error {
	if s.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema version %q", s.SchemaVersion)
	}
	if s.Children == nil {
		return errors.New("missing children")
	}
	for id, c := range s.Children {
		if c == nil {
			return fmt.Errorf("child %q: empty entry", id)
		}
		if !c.Status.valid() {
			return fmt.Errorf("child %q: invalid status %q", id, c.Status)
		}
	}
	return nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// PathFor returns the state file path for an orchestrator key under dir.
// The key is reduced to a safe file name.
func PathFor(dir, orchestratorKey string) string {
	name := unsafeKeyChars.ReplaceAllString(orchestratorKey, "_")
	if name == "" || name == "." || name == ".." {
		name = "_"
	}
	return filepath.Join(dir, name+".json")
}

// tempPattern is the os.CreateTemp pattern for writes to path. Temp names
// start with the state file name followed by ".tmp".
func tempPattern(path string) string { return filepath.Base(path) + ".tmp*" }

// tempFiles lists leftover temp files for path.
func tempFiles(path string) []string {
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		return nil
	}
	prefix := filepath.Base(path) + ".tmp"
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			out = append(out, filepath.Join(filepath.Dir(path), e.Name()))
		}
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
