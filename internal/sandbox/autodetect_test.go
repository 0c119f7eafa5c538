package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDetectTestCommand_PackageJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts": {"test": "jest"}}`)
	assert.Equal(t, []string{"npm", "test"}, DetectTestCommand(dir))
}

func TestDetectTestCommand_PackageJSONWithoutTestScript(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts": {"build": "tsc"}}`)
	assert.Nil(t, DetectTestCommand(dir))
}

func TestDetectTestCommand_Makefile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Makefile", "build:\n\tgo build\n\ntest:\n\tgo test ./...\n")
	assert.Equal(t, []string{"make", "test"}, DetectTestCommand(dir))
}

func TestDetectTestCommand_MakefileWithoutTestTarget(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Makefile", "build:\n\tgo build\n\ntests-helper.sh:\n\ttouch $@\n")
	assert.Nil(t, DetectTestCommand(dir))
}

func TestDetectTestCommand_Pytest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pytest.ini", "[pytest]\n")
	assert.Equal(t, []string{"pytest"}, DetectTestCommand(dir))

	dir = t.TempDir()
	writeFile(t, dir, "pyproject.toml", "[tool.pytest.ini_options]\n")
	assert.Equal(t, []string{"pytest"}, DetectTestCommand(dir))

	dir = t.TempDir()
	writeFile(t, dir, "setup.cfg", "[tool:pytest]\n")
	assert.Equal(t, []string{"pytest"}, DetectTestCommand(dir))
}

func TestDetectTestCommand_Cargo(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Cargo.toml", "[package]\nname = \"x\"\n")
	assert.Equal(t, []string{"cargo", "test"}, DetectTestCommand(dir))
}

func TestDetectTestCommand_GoMod(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/x\n")
	assert.Equal(t, []string{"go", "test", "./..."}, DetectTestCommand(dir))
}

func TestDetectTestCommand_PriorityOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module example.com/x\n")
	writeFile(t, dir, "package.json", `{"scripts": {"test": "jest"}}`)
	assert.Equal(t, []string{"npm", "test"}, DetectTestCommand(dir))
}

func TestDetectTestCommand_Nothing(t *testing.T) {
	assert.Nil(t, DetectTestCommand(t.TempDir()))
}
