package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stateflow/types"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	base := t.TempDir()
	return NewManager(Config{BaseDir: base}, zap.NewNop()), base
}

func requireSymlinkTo(t *testing.T, link, target string) {
	t.Helper()
	fi, err := os.Lstat(link)
	require.NoError(t, err)
	require.NotZero(t, fi.Mode()&os.ModeSymlink, "%s must be a symlink", link)

	resolvedLink, err := filepath.EvalSymlinks(link)
	require.NoError(t, err)
	resolvedTarget, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	assert.Equal(t, resolvedTarget, resolvedLink)
}

func TestManager_SetupCreatesLayout(t *testing.T) {
	m, base := newTestManager(t)

	layout, err := m.Setup("demo", []string{"alpha", "beta"})
	require.NoError(t, err)

	assert.Equal(t, "demo", layout.Workflow)
	assert.Equal(t, filepath.Join(base, "demo"), layout.Root)
	assert.Equal(t, filepath.Join(base, "demo", "collab"), layout.Collab)
	assert.Equal(t, []string{"alpha", "beta"}, layout.AgentNames())

	assert.DirExists(t, layout.Root)
	assert.DirExists(t, layout.Collab)
	for _, agent := range []string{"alpha", "beta"} {
		dir, ok := layout.AgentDir(agent)
		require.True(t, ok)
		assert.DirExists(t, dir)
		requireSymlinkTo(t, filepath.Join(dir, "collab"), layout.Collab)
	}

	assert.FileExists(t, filepath.Join(layout.Collab, ".keep"))
}

func TestManager_SetupIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)

	layout, err := m.Setup("demo", []string{"alpha"})
	require.NoError(t, err)

	// Populate the collab dir, then drop the placeholder: a re-setup must
	// preserve existing content and not restore the placeholder.
	note := filepath.Join(layout.Collab, "note.md")
	require.NoError(t, os.WriteFile(note, []byte("keep me"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(layout.Collab, ".keep")))

	again, err := m.Setup("demo", []string{"alpha"})
	require.NoError(t, err)
	assert.Equal(t, layout.Root, again.Root)

	data, err := os.ReadFile(note)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
	assert.NoFileExists(t, filepath.Join(layout.Collab, ".keep"))

	dir, _ := again.AgentDir("alpha")
	requireSymlinkTo(t, filepath.Join(dir, "collab"), again.Collab)
}

func TestManager_SetupReplacesDirectoryShadowingLink(t *testing.T) {
	m, base := newTestManager(t)

	// A real directory occupies the link location from a previous bad state.
	shadow := filepath.Join(base, "demo", "alpha", "collab")
	require.NoError(t, os.MkdirAll(shadow, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shadow, "junk.txt"), []byte("x"), 0o644))

	layout, err := m.Setup("demo", []string{"alpha"})
	require.NoError(t, err)

	dir, _ := layout.AgentDir("alpha")
	requireSymlinkTo(t, filepath.Join(dir, "collab"), layout.Collab)
}

func TestManager_SetupRequiresWorkflowName(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Setup("", []string{"alpha"})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestManager_Root(t *testing.T) {
	m, base := newTestManager(t)

	assert.Equal(t, filepath.Join(base, "demo"), m.Root("demo"))

	// Root agrees with the layout Setup produces.
	layout, err := m.Setup("demo", []string{"alpha"})
	require.NoError(t, err)
	assert.Equal(t, layout.Root, m.Root("demo"))
}

func TestManager_WorkflowOf(t *testing.T) {
	m, base := newTestManager(t)

	layout, err := m.Setup("demo", []string{"alpha"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		path     string
		want     string
		resolved bool
	}{
		{"agent dir", mustAgentDir(t, layout, "alpha"), "demo", true},
		{"collab dir", layout.Collab, "demo", true},
		{"workflow root", layout.Root, "demo", true},
		{"nested file", filepath.Join(layout.Collab, "sub", "a.md"), "demo", true},
		{"base dir itself", base, "", false},
		{"outside base", filepath.Join(base, "..", "elsewhere"), "", false},
		{"parent of base", filepath.Dir(base), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := m.WorkflowOf(tt.path)
			assert.Equal(t, tt.resolved, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func mustAgentDir(t *testing.T, layout *Layout, agent string) string {
	t.Helper()
	dir, ok := layout.AgentDir(agent)
	require.True(t, ok)
	return dir
}

func TestManager_Collect(t *testing.T) {
	m, _ := newTestManager(t)

	layout, err := m.Setup("demo", []string{"alpha"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(layout.Collab, "a.md"), []byte("hello"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(layout.Collab, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(layout.Collab, "sub", "b.txt"), []byte("world"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(layout.Collab, ".hidden"), []byte("secret"), 0o644))

	content, err := m.Collect(layout)
	require.NoError(t, err)

	expected := "=== a.md ===\nhello\n\n=== sub/b.txt ===\nworld"
	assert.Equal(t, expected, content, "hidden files and the placeholder are excluded")
}

func TestManager_CollectEmptyCollab(t *testing.T) {
	m, _ := newTestManager(t)

	layout, err := m.Setup("demo", []string{"alpha"})
	require.NoError(t, err)

	content, err := m.Collect(layout)
	require.NoError(t, err)
	assert.Empty(t, content, "a collab dir holding only the placeholder yields no artifact")
}

func TestManager_CollectFollowsLinksSkipsDangling(t *testing.T) {
	m, base := newTestManager(t)

	layout, err := m.Setup("demo", []string{"alpha"})
	require.NoError(t, err)

	real := filepath.Join(base, "outside.txt")
	require.NoError(t, os.WriteFile(real, []byte("linked"), 0o644))
	require.NoError(t, os.Symlink(real, filepath.Join(layout.Collab, "linked.txt")))
	require.NoError(t, os.Symlink(filepath.Join(base, "gone.txt"), filepath.Join(layout.Collab, "dangling.txt")))

	content, err := m.Collect(layout)
	require.NoError(t, err)
	assert.Equal(t, "=== linked.txt ===\nlinked", content)
}
