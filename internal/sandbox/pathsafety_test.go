package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorktree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main\n"), 0o644))
	return dir
}

func TestResolveInWorktree_AllowsRelativePaths(t *testing.T) {
	wt := newWorktree(t)

	for _, input := range []string{"src/main.go", "src", "README.md", "src/../go.mod"} {
		resolved, err := ResolveInWorktree(wt, input)
		require.NoError(t, err, input)
		assert.Equal(t, filepath.Join(wt, input), resolved)
	}
}

func TestResolveInWorktree_RejectsTraversal(t *testing.T) {
	wt := newWorktree(t)

	for _, input := range []string{"../secrets", "../../etc/passwd", "src/../../other"} {
		_, err := ResolveInWorktree(wt, input)
		assert.ErrorIs(t, err, ErrPathEscape, input)
	}
}

func TestResolveInWorktree_RejectsAbsolute(t *testing.T) {
	wt := newWorktree(t)
	_, err := ResolveInWorktree(wt, "/etc/passwd")
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestResolveInWorktree_RejectsEmpty(t *testing.T) {
	wt := newWorktree(t)
	_, err := ResolveInWorktree(wt, "")
	assert.Error(t, err)
}

func TestResolveInWorktree_RejectsGitPaths(t *testing.T) {
	wt := newWorktree(t)

	for _, input := range []string{".git", ".git/config", "src/../.git/HEAD"} {
		_, err := ResolveInWorktree(wt, input)
		assert.ErrorIs(t, err, ErrGitPath, input)
	}

	// .gitignore is not the .git directory.
	_, err := ResolveInWorktree(wt, ".gitignore")
	assert.NoError(t, err)
}

func TestResolveInWorktree_RejectsSymlinkEscape(t *testing.T) {
	wt := newWorktree(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "token"), []byte("secret"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(wt, "link")))

	_, err := ResolveInWorktree(wt, "link/token")
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestResolveInWorktree_AllowsInternalSymlink(t *testing.T) {
	wt := newWorktree(t)
	require.NoError(t, os.Symlink(filepath.Join(wt, "src"), filepath.Join(wt, "lib")))

	_, err := ResolveInWorktree(wt, "lib/main.go")
	assert.NoError(t, err)
}

func TestResolveInWorktree_NonExistentTargetStaysInside(t *testing.T) {
	wt := newWorktree(t)

	// A write target that does not exist yet still resolves, as long as the
	// resolved location is inside the worktree.
	resolved, err := ResolveInWorktree(wt, "src/new/deep/file.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wt, "src/new/deep/file.go"), resolved)
}

func TestMatchesSensitive(t *testing.T) {
	patterns := []string{".env", ".env.*", "*.pem", "id_rsa*"}

	assert.True(t, MatchesSensitive(patterns, ".env"))
	assert.True(t, MatchesSensitive(patterns, "config/.env.production"))
	assert.True(t, MatchesSensitive(patterns, "certs/server.pem"))
	assert.True(t, MatchesSensitive(patterns, "id_rsa"))
	assert.False(t, MatchesSensitive(patterns, "environment.go"))
	assert.False(t, MatchesSensitive(patterns, "src/main.go"))
}
