package githubhost

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// FileCredentialProvider reads the token from a file on each resolution,
// cached briefly so a rotated token picks up without a restart. Falls back
// to the GITHUB_TOKEN environment variable when no file is configured.
type FileCredentialProvider struct {
	path string

	mu        sync.Mutex
	cached    string
	fetchedAt time.Time
}

// NewFileCredentialProvider creates a provider over a token file path.
func NewFileCredentialProvider(path string) *FileCredentialProvider {
	return &FileCredentialProvider{path: path}
}

// Token resolves a token for the given scope. Scope is advisory here; an
// installation-token provider would mint per-scope tokens.
func (p *FileCredentialProvider) Token(ctx context.Context, scope string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" && time.Since(p.fetchedAt) < time.Minute {
		return p.cached, nil
	}

	if p.path != "" {
		data, err := os.ReadFile(p.path)
		if err != nil {
			return "", fmt.Errorf("failed to read token file: %w", err)
		}
		p.cached = strings.TrimSpace(string(data))
		p.fetchedAt = time.Now()
		return p.cached, nil
	}

	if tok := os.Getenv("GITHUB_TOKEN"); tok != "" {
		p.cached = tok
		p.fetchedAt = time.Now()
		return tok, nil
	}
	return "", fmt.Errorf("no credentials configured")
}
