// Package admission implements Casket's admission control: the plain
// counters that cap concurrent connections and concurrent in-flight
// requests, per spec.md §4.7. Rejections happen often under load and
// each one logs a line; golang.org/x/time/rate (the teacher's
// ThrottledWriter token bucket, repurposed here from bytes/sec to
// lines/sec) keeps that logging from flooding stdout during an
// overload event.
package admission

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// logLinesPerSec bounds how often a rejection is allowed to produce a
// log line; the rejection itself is never suppressed, only the log.
const logLinesPerSec = 5

// Limiter enforces max_connections and max_requests for one process:
// the server uses only the connection cap, a worker only the request
// cap.
type Limiter struct {
	maxConnections int64
	maxRequests    int64

	connections atomic.Int64
	requests    atomic.Int64

	logLimiter *rate.Limiter
}

// New builds a Limiter for the given caps. A cap of zero means
// unlimited.
func New(maxConnections, maxRequests int) *Limiter {
	return &Limiter{
		maxConnections: int64(maxConnections),
		maxRequests:    int64(maxRequests),
		logLimiter:     rate.NewLimiter(rate.Limit(logLinesPerSec), logLinesPerSec),
	}
}

// TryAcceptConnection reserves one connection slot, returning false if
// the server is already at max_connections.
func (l *Limiter) TryAcceptConnection() bool {
	return tryAcquire(&l.connections, l.maxConnections)
}

// ReleaseConnection frees a connection slot reserved by
// TryAcceptConnection.
func (l *Limiter) ReleaseConnection() {
	l.connections.Add(-1)
}

// TryAdmitRequest reserves one in-flight request slot, returning false
// if the worker is already at max_requests.
func (l *Limiter) TryAdmitRequest() bool {
	return tryAcquire(&l.requests, l.maxRequests)
}

// ReleaseRequest frees a request slot reserved by TryAdmitRequest.
func (l *Limiter) ReleaseRequest() {
	l.requests.Add(-1)
}

// ShouldLog reports whether a rejection happening right now is allowed
// to produce a log line, rate-limited to avoid flooding the log during
// sustained overload.
func (l *Limiter) ShouldLog() bool {
	return l.logLimiter.Allow()
}

// Connections returns the current count of admitted connections, for
// the periodic stats line.
func (l *Limiter) Connections() int64 {
	return l.connections.Load()
}

// Requests returns the current count of in-flight requests, for the
// periodic stats line.
func (l *Limiter) Requests() int64 {
	return l.requests.Load()
}

func tryAcquire(counter *atomic.Int64, max int64) bool {
	if max <= 0 {
		counter.Add(1)
		return true
	}
	for {
		cur := counter.Load()
		if cur >= max {
			return false
		}
		if counter.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}
