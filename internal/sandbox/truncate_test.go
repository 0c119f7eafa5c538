package sandbox

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateRead(t *testing.T) {
	content := []byte("hello world")

	out, truncated := TruncateRead(content, 100)
	assert.False(t, truncated)
	assert.Equal(t, content, out)

	out, truncated = TruncateRead(content, 5)
	assert.True(t, truncated)
	assert.Equal(t, "hello"+TruncateMarker, string(out))
}

func TestTruncateRead_ExactBoundary(t *testing.T) {
	content := []byte("12345")
	out, truncated := TruncateRead(content, 5)
	assert.False(t, truncated)
	assert.Equal(t, content, out)
}

func TestTruncateHeadTail(t *testing.T) {
	output := []byte(strings.Repeat("a", 500) + strings.Repeat("z", 500))

	out, truncated := TruncateHeadTail(output, 100)
	assert.True(t, truncated)
	assert.True(t, bytes.HasPrefix(out, []byte(strings.Repeat("a", 50))))
	assert.True(t, bytes.HasSuffix(out, []byte(strings.Repeat("z", 50))))
	assert.Contains(t, string(out), "[900 bytes truncated]")

	out, truncated = TruncateHeadTail([]byte("short"), 100)
	assert.False(t, truncated)
	assert.Equal(t, "short", string(out))
}
