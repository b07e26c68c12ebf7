package gitsync

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func initRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "hub@test"},
		{"config", "user.name", "hub"},
	} {
		cmd := exec.Command("git", append([]string{"-C", root}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	return root
}

func TestNewDisablesOutsideRepo(t *testing.T) {
	root := t.TempDir()
	s := New(context.Background(), root, zap.NewNop())
	assert.True(t, s.Disabled)

	// All operations are no-ops when disabled.
	assert.NoError(t, s.Pull(context.Background(), root))
	assert.NoError(t, s.Commit(context.Background(), root, "msg"))
	assert.NoError(t, s.Push(context.Background(), root))
}

func TestCommit(t *testing.T) {
	root := initRepo(t)
	s := New(context.Background(), root, zap.NewNop())
	require.False(t, s.Disabled)

	require.NoError(t, os.WriteFile(filepath.Join(root, "file.txt"), []byte("hello"), 0o644))
	require.NoError(t, s.Commit(context.Background(), root, "accord: complete req-1 (billing)"))

	out, err := exec.Command("git", "-C", root, "log", "--oneline").CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "accord: complete req-1")
}

func TestCommitCleanTreeIsNoError(t *testing.T) {
	root := initRepo(t)
	s := New(context.Background(), root, zap.NewNop())

	require.NoError(t, os.WriteFile(filepath.Join(root, "file.txt"), []byte("hello"), 0o644))
	require.NoError(t, s.Commit(context.Background(), root, "first"))
	// Nothing changed since the last commit.
	assert.NoError(t, s.Commit(context.Background(), root, "second"))
}
