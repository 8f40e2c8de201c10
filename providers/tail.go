package providers

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrTailLimit caps how much process output is embedded in an error message.
const ErrTailLimit = 520

// ErrTail combines stderr and stdout and returns at most the last
// ErrTailLimit bytes, which is where CLI tools put the actual failure.
func ErrTail(stdout, stderr []byte) string {
	combined := strings.TrimSpace(string(stderr))
	if out := strings.TrimSpace(string(stdout)); out != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += out
	}
	if len(combined) > ErrTailLimit {
		combined = combined[len(combined)-ErrTailLimit:]
	}
	return combined
}

// ParseRetryAfter converts a retry-after header (seconds or HTTP-date) into
// a millisecond hint; 0 means absent or unparseable.
func ParseRetryAfter(header string) int64 {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(header, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return int64(secs * 1000)
	}
	if when, err := http.ParseTime(header); err == nil {
		delta := time.Until(when)
		if delta < 0 {
			return 0
		}
		return delta.Milliseconds()
	}
	return 0
}
