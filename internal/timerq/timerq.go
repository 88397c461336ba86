// Package timerq tracks per-connection read deadlines for a single
// worker, per spec.md §4.3. It is a direct port of the original
// Casket's TimersQ: because every deadline is "now plus a fixed read
// timeout", deadlines are pushed in non-decreasing order, so a plain
// FIFO queue (not a binary heap) already yields them back in
// expiry order. A side map holds each token's most recently pushed
// deadline, so a token re-armed after a keep-alive round invalidates
// its earlier, now-stale queue entry without having to find and remove
// it.
package timerq

import (
	"container/list"
	"time"

	"github.com/casket-project/casket/internal/token"
)

type entry struct {
	tk       token.Token
	deadline time.Time
}

// Queue is a read-timeout queue. It is not safe for concurrent use.
// internal/worker does not use it; its read and handler timeouts are
// socket deadlines and timers local to each connection goroutine.
type Queue struct {
	queue  *list.List
	latest map[token.Token]time.Time
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{
		queue:  list.New(),
		latest: make(map[token.Token]time.Time),
	}
}

// Push arms (or re-arms) tk's deadline. Callers must push deadlines for
// a given connection in non-decreasing order (true whenever the
// deadline is always "now plus a fixed timeout").
func (q *Queue) Push(tk token.Token, deadline time.Time) {
	q.latest[tk] = deadline
	q.queue.PushBack(entry{tk: tk, deadline: deadline})
}

// Cancel removes tk's deadline entirely, used when a connection
// finishes before its read timeout elapses.
func (q *Queue) Cancel(tk token.Token) {
	delete(q.latest, tk)
}

// peek returns the front of the queue, first discarding any stale
// entries superseded by a later Push or a Cancel.
func (q *Queue) peek() (entry, bool) {
	for {
		front := q.queue.Front()
		if front == nil {
			return entry{}, false
		}
		e := front.Value.(entry)

		latest, ok := q.latest[e.tk]
		if !ok || !latest.Equal(e.deadline) {
			q.queue.Remove(front)
			continue
		}
		return e, true
	}
}

// NextExpired pops and returns the next token whose deadline is at or
// before now, or false if the front of the queue has not yet expired
// (or the queue is empty).
func (q *Queue) NextExpired(now time.Time) (token.Token, bool) {
	e, ok := q.peek()
	if !ok {
		return 0, false
	}
	if e.deadline.After(now) {
		return 0, false
	}

	q.queue.Remove(q.queue.Front())
	delete(q.latest, e.tk)
	return e.tk, true
}

// NextDeadline returns the soonest still-live deadline in the queue,
// suitable for sizing an event loop's poll timeout.
func (q *Queue) NextDeadline() (time.Time, bool) {
	e, ok := q.peek()
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}
