package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var makefileTestTarget = regexp.MustCompile(`(?m)^test\s*:`)

// DetectTestCommand determines the test command for a worktree when the
// caller omits one. Detection runs in a fixed priority order; first match
// wins. Returns nil when nothing matches.
func DetectTestCommand(worktree string) []string {
	if hasPackageJSONTestScript(worktree) {
		return []string{"npm", "test"}
	}
	if data, err := os.ReadFile(filepath.Join(worktree, "Makefile")); err == nil {
		if makefileTestTarget.Match(data) {
			return []string{"make", "test"}
		}
	}
	if hasPytestConfig(worktree) {
		return []string{"pytest"}
	}
	if fileExists(filepath.Join(worktree, "Cargo.toml")) {
		return []string{"cargo", "test"}
	}
	if fileExists(filepath.Join(worktree, "go.mod")) {
		return []string{"go", "test", "./..."}
	}
	return nil
}

func hasPackageJSONTestScript(worktree string) bool {
	data, err := os.ReadFile(filepath.Join(worktree, "package.json"))
	if err != nil {
		return false
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false
	}
	return pkg.Scripts["test"] != ""
}

func hasPytestConfig(worktree string) bool {
	if fileExists(filepath.Join(worktree, "pytest.ini")) {
		return true
	}
	if data, err := os.ReadFile(filepath.Join(worktree, "pyproject.toml")); err == nil {
		if strings.Contains(string(data), "[tool.pytest") {
			return true
		}
	}
	if data, err := os.ReadFile(filepath.Join(worktree, "setup.cfg")); err == nil {
		if strings.Contains(string(data), "[tool:pytest]") {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
