package coordstate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ORCH-1.json")
	st, reset := Load(path, "orch-1", nil)

	assert.False(t, reset)
	assert.Equal(t, SchemaVersion, st.SchemaVersion)
	assert.Equal(t, "orch-1", st.OrchestratorID)
	assert.Empty(t, st.Children)
	assert.NoFileExists(t, path, "load must not create the file")
}

func TestAtomicWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ORCH-1.json")
	st := New("orch-1")
	started := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	st.MarkStarted("c1", "C-1", "/work/C-1", started)

	require.NoError(t, AtomicWrite(path, st))
	assert.Empty(t, tempFiles(path))

	loaded, reset := Load(path, "orch-1", nil)
	assert.False(t, reset)
	require.Contains(t, loaded.Children, "c1")
	c := loaded.Children["c1"]
	assert.Equal(t, ChildStarted, c.Status)
	assert.Equal(t, "C-1", c.Key)
	assert.Equal(t, "/work/C-1", c.WorkspacePath)
	require.NotNil(t, c.StartedAt)
	assert.True(t, c.StartedAt.Equal(started))
	assert.False(t, loaded.UpdatedAt.IsZero())
	assert.True(t, loaded.Claimed("c1"))
	assert.False(t, loaded.Claimed("c2"))

	var raw map[string]any
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "1.0", raw["schemaVersion"])
	assert.Equal(t, "orch-1", raw["orchestratorId"])
}

func TestLoadRecoversFromBadContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "{not json"},
		{"wrong schema", `{"schemaVersion":"0.1","children":{}}`},
		{"missing children", `{"schemaVersion":"1.0"}`},
		{"invalid child status", `{"schemaVersion":"1.0","children":{"a":{"key":"A","status":"exploded"}}}`},
		{"null child", `{"schemaVersion":"1.0","children":{"a":null}}`},
		{"empty file", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ORCH.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			logger, buf := captureLogger()

			st, reset := Load(path, "orch", logger)
			assert.True(t, reset)
			assert.Empty(t, st.Children)
			assert.Equal(t, "orch", st.OrchestratorID)
			assert.Contains(t, buf.String(), "level=WARN")
		})
	}
}

func TestLoadRemovesLeftoverTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ORCH.json")
	require.NoError(t, os.WriteFile(path+".tmp", []byte("half written garbage"), 0644))

	st, reset := Load(path, "orch", nil)
	assert.False(t, reset)
	assert.Empty(t, st.Children)
	assert.NoFileExists(t, path+".tmp")

	// Existing state next to a stale temp file survives.
	good := New("orch")
	good.MarkStarted("c1", "C-1", "", time.Now())
	require.NoError(t, AtomicWrite(path, good))
	require.NoError(t, os.WriteFile(path+".tmp", []byte("{"), 0644))

	require.NoError(t, os.WriteFile(path+".tmp812345", []byte("{"), 0644))

	st, _ = Load(path, "orch", nil)
	assert.Contains(t, st.Children, "c1")
	assert.Empty(t, tempFiles(path))
}

func TestAtomicWriteConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ORCH.json")
	require.NoError(t, AtomicWrite(path, New("orch")))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				st := New("orch")
				for c := 0; c < 20; c++ {
					st.MarkStarted(fmt.Sprintf("w%d-c%d", w, c), "K", "/work/some/long/path", time.Now())
				}
				if err := AtomicWrite(path, st); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for reading := true; reading; {
		select {
		case <-done:
			reading = false
		default:
			_, err := Read(path, "orch")
			require.NoError(t, err, "reader saw a partial state file")
		}
	}
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st, err := Read(path, "orch")
	require.NoError(t, err)
	assert.Len(t, st.Children, 20)
	assert.Empty(t, tempFiles(path))
}

func TestMarkChild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ORCH.json")
	st := New("orch")
	st.MarkStarted("c1", "C-1", "/w/c1", time.Now())
	require.NoError(t, AtomicWrite(path, st))

	reset, err := MarkChild(path, "orch", "c1", ChildCompleted, nil)
	require.NoError(t, err)
	assert.False(t, reset)
	_, err = MarkChild(path, "orch", "c2", ChildFailed, nil)
	require.NoError(t, err)
	_, err = MarkChild(path, "orch", "c3", ChildStarted, nil)
	assert.Error(t, err)

	loaded, _ := Load(path, "orch", nil)
	assert.Equal(t, ChildCompleted, loaded.Children["c1"].Status)
	assert.NotNil(t, loaded.Children["c1"].CompletedAt)
	assert.Equal(t, "/w/c1", loaded.Children["c1"].WorkspacePath)
	assert.Equal(t, ChildFailed, loaded.Children["c2"].Status)
	assert.NotContains(t, loaded.Children, "c3")
	assert.Equal(t, 1, loaded.Count(ChildCompleted))
	assert.Equal(t, []string{"c1", "c2"}, loaded.IDs())
}

func TestMarkChildMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ORCH.json")
	_, err := MarkChild(path, "orch-1", "c1", ChildCompleted, nil)
	require.NoError(t, err)

	loaded, err := Read(path, "")
	require.NoError(t, err)
	assert.Equal(t, "orch-1", loaded.OrchestratorID)
	assert.Equal(t, ChildCompleted, loaded.Children["c1"].Status)
}

func TestMarkChildReportsDiscardedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ORCH.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

	reset, err := MarkChild(path, "orch-1", "c1", ChildCompleted, nil)
	require.NoError(t, err)
	assert.True(t, reset)

	loaded, err := Read(path, "")
	require.NoError(t, err)
	assert.Equal(t, "orch-1", loaded.OrchestratorID)
	assert.Contains(t, loaded.Children, "c1")
}

func TestPathFor(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"PROJ-12", "PROJ-12.json"},
		{"team/alpha beta", "team_alpha_beta.json"},
		{"../../etc/passwd", ".._.._etc_passwd.json"},
		{"..", "_.json"},
		{"", "_.json"},
	}
	for _, tt := range tests {
		got := PathFor("/state", tt.key)
		assert.Equal(t, filepath.Join("/state", tt.want), got, "PathFor(%q)", tt.key)
		assert.Equal(t, "/state", filepath.Dir(got))
	}
}

func TestReadLeavesTempFileAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ORCH.json")
	require.NoError(t, AtomicWrite(path, New("orch-1")))
	require.NoError(t, os.WriteFile(path+".tmp", []byte("in flight"), 0644))

	st, err := Read(path, "orch-1")
	require.NoError(t, err)
	assert.Equal(t, "orch-1", st.OrchestratorID)
	assert.FileExists(t, path+".tmp")

	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))
	_, err = Read(path, "orch-1")
	assert.ErrorContains(t, err, "corrupt state")
}
