package httpwire

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Context carries the distributed-tracing identifiers attached to a
// request, per spec.md §3.
type Context struct {
	TraceID  string
	SpanID   string
	ParentID string // empty when there is no parent
}

// NewContext builds a fresh context with a freshly generated trace id
// and span id, used when no (valid) traceparent header was supplied.
func NewContext() Context {
	return Context{
		TraceID: randomHex(16),
		SpanID:  randomHex(8),
	}
}

// contextFromTraceparent parses a W3C-shaped "00-<32hex>-<16hex>-<2hex>"
// traceparent header. A malformed header yields ok=false, and
// ParseRequest then uses a fresh NewContext instead (the header is never
// fatal to the request), per spec.md §4.5.
func contextFromTraceparent(header string) (Context, bool) {
	parts := strings.Split(header, "-")
	if len(parts) != 4 {
		return Context{}, false
	}
	if parts[0] != "00" {
		return Context{}, false
	}
	if len(parts[3]) != 2 || !isHex(parts[3]) {
		return Context{}, false
	}
	traceID, parentID := parts[1], parts[2]
	if len(traceID) != 32 || len(parentID) != 16 {
		return Context{}, false
	}
	if !isHex(traceID) || !isHex(parentID) {
		return Context{}, false
	}

	return Context{
		TraceID:  traceID,
		ParentID: parentID,
		SpanID:   randomHex(8),
	}, true
}

func isHex(s string) bool {
	for _, c := range s {
		if !('0' <= c && c <= '9') && !('a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on Linux only fails if the kernel RNG is
		// unreadable, which means the whole process is unusable anyway;
		// fall back to an all-zero id rather than panicking mid-request.
		for i := range buf {
			buf[i] = 0
		}
	}
	return hex.EncodeToString(buf)
}
