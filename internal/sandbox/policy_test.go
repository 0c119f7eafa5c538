package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPolicy(t *testing.T) (*Policy, string) {
	t.Helper()
	wt := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(wt, ".git"), 0o755))
	p := NewPolicy(
		[]string{".env", ".env.*", "*.pem"},
		[]string{"npm", "make", "pytest", "cargo", "go"},
	)
	return p, wt
}

func TestPolicy_AllowsPlainRead(t *testing.T) {
	p, wt := newTestPolicy(t)
	d := p.Check(Request{Tool: "read_file", Path: "src/main.go", Worktree: wt})
	assert.True(t, d.Allow)
}

func TestPolicy_BlocksEscapeBeforeAnythingElse(t *testing.T) {
	p, wt := newTestPolicy(t)
	d := p.Check(Request{Tool: "read_file", Path: "../outside.txt", Worktree: wt})
	assert.False(t, d.Allow)
	assert.Equal(t, "worktree_boundary", d.Rule)
}

func TestPolicy_BlocksGitWrite(t *testing.T) {
	p, wt := newTestPolicy(t)
	d := p.Check(Request{Tool: "write_file", Path: ".git/hooks/post-commit", Worktree: wt, IsWrite: true})
	assert.False(t, d.Allow)
	assert.Equal(t, "worktree_boundary", d.Rule)
}

func TestPolicy_SensitiveFiles(t *testing.T) {
	p, wt := newTestPolicy(t)

	d := p.Check(Request{Tool: "write_file", Path: ".env", Worktree: wt, IsWrite: true})
	assert.False(t, d.Allow)
	assert.Equal(t, "sensitive_file_write", d.Rule)

	// Reading a sensitive file is allowed; only writes are gated.
	d = p.Check(Request{Tool: "read_file", Path: ".env", Worktree: wt})
	assert.True(t, d.Allow)
}

func TestPolicy_ShellOperators(t *testing.T) {
	p, wt := newTestPolicy(t)

	blocked := [][]string{
		{"npm", "test", ";", "rm", "-rf"},
		{"make", "test", "&&", "curl", "evil"},
		{"pytest", "$(whoami)"},
		{"go", "test", "./...", ">", "out.txt"},
	}
	for _, cmd := range blocked {
		d := p.Check(Request{Tool: "run_tests", Command: cmd, Worktree: wt})
		assert.False(t, d.Allow, "%v", cmd)
		assert.Equal(t, "shell_operator", d.Rule)
	}

	d := p.Check(Request{Tool: "run_tests", Command: []string{"npm", "test"}, Worktree: wt})
	assert.True(t, d.Allow)
}

func TestPolicy_CommandAllowlist(t *testing.T) {
	p, wt := newTestPolicy(t)

	d := p.Check(Request{Tool: "run_tests", Command: []string{"bash", "-c", "anything"}, Worktree: wt})
	assert.False(t, d.Allow)
	assert.Equal(t, "command_allowlist", d.Rule)

	d = p.Check(Request{Tool: "run_tests", Command: []string{"cargo", "test"}, Worktree: wt})
	assert.True(t, d.Allow)
}
