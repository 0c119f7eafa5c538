package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Marker is the hidden provenance record embedded in every PR body and
// comment Conductor creates. The recovery scan reads it back to decide
// whether an ambiguous write actually landed: both fields must match the
// local row before the row is promoted to sent.
type Marker struct {
	GitHubWriteID string `json:"github_write_id"`
	PayloadHash   string `json:"payload_hash"`
}

const (
	markerPrefix = "<!-- conductor:write "
	markerSuffix = " -->"
)

// EmbedMarker appends the marker to a body as an HTML comment line. GitHub
// renders nothing for it.
func EmbedMarker(body string, m Marker) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to serialize marker: %w", err)
	}
	line := markerPrefix + string(raw) + markerSuffix
	if body == "" {
		return line, nil
	}
	return body + "\n\n" + line, nil
}

// ExtractMarker finds and parses the marker in a body fetched from the host.
// Returns false when no marker is present or it does not parse; a body
// without a valid marker is treated as not ours.
func ExtractMarker(body string) (Marker, bool) {
	start := strings.LastIndex(body, markerPrefix)
	if start < 0 {
		return Marker{}, false
	}
	rest := body[start+len(markerPrefix):]
	end := strings.Index(rest, markerSuffix)
	if end < 0 {
		return Marker{}, false
	}
	var m Marker
	if err := json.Unmarshal([]byte(rest[:end]), &m); err != nil {
		return Marker{}, false
	}
	if m.GitHubWriteID == "" || m.PayloadHash == "" {
		return Marker{}, false
	}
	return m, true
}
