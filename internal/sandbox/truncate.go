package sandbox

import "fmt"

// TruncateMarker is appended to read outputs cut at the size threshold.
const TruncateMarker = "\n... [output truncated]"

// TruncateRead cuts content at max bytes, appending the marker. The second
// return reports whether truncation happened.
func TruncateRead(content []byte, max int) ([]byte, bool) {
	if len(content) <= max {
		return content, false
	}
	out := make([]byte, 0, max+len(TruncateMarker))
	out = append(out, content[:max]...)
	out = append(out, TruncateMarker...)
	return out, true
}

// TruncateHeadTail keeps the head and tail of oversized command output, with
// an elision marker carrying the dropped byte count in the middle.
func TruncateHeadTail(output []byte, max int) ([]byte, bool) {
	if len(output) <= max {
		return output, false
	}
	half := max / 2
	dropped := len(output) - 2*half
	marker := fmt.Sprintf("\n... [%d bytes truncated] ...\n", dropped)

	out := make([]byte, 0, 2*half+len(marker))
	out = append(out, output[:half]...)
	out = append(out, marker...)
	out = append(out, output[len(output)-half:]...)
	return out, true
}
