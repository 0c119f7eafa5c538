// Package githubhost is the wire boundary to the external host. The outbox
// depends on exactly two behaviors: idempotent writes and later readback of
// identifiers via a bounded scan.
package githubhost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/logging"
)

// ErrDefinitive wraps failures the host definitively rejected (4xx,
// validation). These never retry.
var ErrDefinitive = errors.New("definitive host failure")

// ErrAmbiguous wraps failures where the request may or may not have reached
// the host (network error after send). The caller must resolve by scanning.
var ErrAmbiguous = errors.New("ambiguous host failure")

// PR is the host's view of a pull request.
type PR struct {
	Number int    `json:"number"`
	NodeID string `json:"node_id"`
	URL    string `json:"html_url"`
	State  string `json:"state"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// Comment is the host's view of an issue/PR comment.
type Comment struct {
	ID     int64  `json:"id"`
	NodeID string `json:"node_id"`
	URL    string `json:"html_url"`
	Body   string `json:"body"`
}

// Client is the host API consumed by the outbox and recovery. Implementations
// must be safe for concurrent use.
type Client interface {
	CreatePR(ctx context.Context, repoFullName string, title, body, head, base string) (*PR, error)
	GetPR(ctx context.Context, repoFullName string, number int) (*PR, error)
	ListRecentPRs(ctx context.Context, repoFullName string, limit int) ([]*PR, error)
	PostComment(ctx context.Context, repoFullName string, issueNumber int, body string) (*Comment, error)
	ListRecentComments(ctx context.Context, repoFullName string, issueNumber, limit int) ([]*Comment, error)
	UpdateStatus(ctx context.Context, repoFullName, sha, state, description, statusContext string) error
}

// CredentialProvider resolves a short-lived token per call. Agents never see
// these tokens; only the outbox and git operations do.
type CredentialProvider interface {
	Token(ctx context.Context, scope string) (string, error)
}

// HTTPClient talks JSON to a GitHub-shaped API.
type HTTPClient struct {
	base   string
	creds  CredentialProvider
	http   *http.Client
	logger *zap.Logger
}

// NewHTTPClient creates a host client against the API base URL.
func NewHTTPClient(base string, creds CredentialProvider, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		base:   base,
		creds:  creds,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logging.OrNop(logger),
	}
}

// CreatePR opens a pull request.
func (c *HTTPClient) CreatePR(ctx context.Context, repo string, title, body, head, base string) (*PR, error) {
	var pr PR
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/pulls", repo), map[string]string{
		"title": title, "body": body, "head": head, "base": base,
	}, &pr)
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// GetPR fetches one pull request.
func (c *HTTPClient) GetPR(ctx context.Context, repo string, number int) (*PR, error) {
	var pr PR
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d", repo, number), nil, &pr)
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// ListRecentPRs lists the most recently created PRs, newest first.
func (c *HTTPClient) ListRecentPRs(ctx context.Context, repo string, limit int) ([]*PR, error) {
	var prs []*PR
	path := fmt.Sprintf("/repos/%s/pulls?state=all&sort=created&direction=desc&per_page=%d", repo, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &prs); err != nil {
		return nil, err
	}
	return prs, nil
}

// PostComment posts an issue/PR comment.
func (c *HTTPClient) PostComment(ctx context.Context, repo string, issueNumber int, body string) (*Comment, error) {
	var comment Comment
	err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/repos/%s/issues/%d/comments", repo, issueNumber),
		map[string]string{"body": body}, &comment)
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

// ListRecentComments lists the newest comments on an issue/PR, newest first.
func (c *HTTPClient) ListRecentComments(ctx context.Context, repo string, issueNumber, limit int) ([]*Comment, error) {
	var comments []*Comment
	path := fmt.Sprintf("/repos/%s/issues/%d/comments?sort=created&direction=desc&per_page=%d",
		repo, issueNumber, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

// UpdateStatus sets a commit status check.
func (c *HTTPClient) UpdateStatus(ctx context.Context, repo, sha, state, description, statusContext string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/statuses/%s", repo, sha), map[string]string{
		"state": state, "description": description, "context": statusContext,
	}, nil)
}

// do performs one request, classifying failures into definitive vs
// ambiguous. The token is attached per request and never logged.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to serialize request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.creds.Token(ctx, "api")
	if err != nil {
		return fmt.Errorf("failed to resolve credentials: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		// The request may have reached the host before the connection
		// broke. Reads are safe to call definitive; writes are not.
		if method == http.MethodGet {
			return fmt.Errorf("request failed: %w", err)
		}
		return fmt.Errorf("%w: %v", ErrAmbiguous, sanitizeNetErr(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if method == http.MethodGet {
			return fmt.Errorf("failed to read response: %w", err)
		}
		return fmt.Errorf("%w: reading response: %v", ErrAmbiguous, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429:
		return fmt.Errorf("%w: %s: %s", ErrDefinitive, resp.Status, truncateBody(data))
	default:
		// 5xx and 429 are transient from the caller's perspective.
		return fmt.Errorf("transient host error: %s: %s", resp.Status, truncateBody(data))
	}
}

func sanitizeNetErr(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return err.Error()
}

func truncateBody(data []byte) string {
	const max = 512
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
