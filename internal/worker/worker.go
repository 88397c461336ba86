// Package worker implements the worker-side half of Casket's dispatch
// fabric: adopting a dispatched socket, running it through the
// Reading -> Pending -> Writing -> (Done|CasketResponse) state machine
// of spec.md §4.4, and reporting back to the server over the framed
// channel. Per spec.md §4.2, a round-trip keep-alive socket is handed
// back to the *server*, which re-dispatches it (possibly to a
// different worker) as soon as it comes back, without waiting for it to
// become readable; a worker only ever carries one request through to
// completion per Dispatch it receives.
package worker

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/casket-project/casket/internal/admission"
	"github.com/casket-project/casket/internal/fabric"
	"github.com/casket-project/casket/internal/handlerpool"
	"github.com/casket-project/casket/internal/httpwire"
	"github.com/casket-project/casket/internal/shutdown"
	"github.com/casket-project/casket/internal/stats"
	"github.com/casket-project/casket/internal/token"
)

// Config carries the subset of internal/config.Config a worker needs.
type Config struct {
	NumThreads         int
	MaxRequests        int
	RequestReadTimeout time.Duration
	HandlerTimeout     time.Duration
	ReturnStacktrace   bool
	LogHTTPResponse    bool
}

// Worker runs one worker process's half of the dispatch fabric: it
// reads Dispatch frames off its control channel, spawns one goroutine
// per accepted connection, and routes handler-pool responses back to
// the right connection via a registry keyed by token.
type Worker struct {
	cfg     Config
	channel *fabric.Channel
	limiter *admission.Limiter
	pool    *handlerpool.Pool
	coord   *shutdown.Coordinator
	logger  *slog.Logger

	writeMu sync.Mutex // serializes writes to channel (Complete frames)

	pendingMu sync.Mutex
	pending   map[token.Token]chan handlerpool.ResponseEnvelope

	codeStartsMu sync.Mutex
	codeStarts   map[token.Token]chan handlerpool.CodeStart

	timedOutMu sync.Mutex
	timedOut   map[token.Token]bool

	wg sync.WaitGroup
}

// New builds a Worker around an already-adopted control channel.
func New(cfg Config, channel *fabric.Channel, app handlerpool.Application, coord *shutdown.Coordinator, logger *slog.Logger) *Worker {
	w := &Worker{
		cfg:        cfg,
		channel:    channel,
		limiter:    admission.New(0, cfg.MaxRequests),
		pool:       handlerpool.New(app, cfg.NumThreads, cfg.ReturnStacktrace),
		coord:      coord,
		logger:     logger,
		pending:    make(map[token.Token]chan handlerpool.ResponseEnvelope),
		codeStarts: make(map[token.Token]chan handlerpool.CodeStart),
		timedOut:   make(map[token.Token]bool),
	}
	go w.routeResponses()
	go w.routeCodeStarts()
	return w
}

// Snapshot implements stats.Source.
func (w *Worker) Snapshot() stats.Snapshot {
	return stats.Snapshot{
		Role:        "worker",
		Connections: w.limiter.Requests(),
		Requests:    w.limiter.Requests(),
		Running:     w.coord.Running(),
	}
}

// routeResponses drains the handler pool's completion channels and
// hands each one to the goroutine waiting on its token, discarding
// anything for a token that has timed out or already finished.
func (w *Worker) routeResponses() {
	for env := range w.pool.Responses() {
		w.pendingMu.Lock()
		ch, ok := w.pending[env.Token]
		w.pendingMu.Unlock()

		if !ok || w.isTimedOut(env.Token) {
			drainBody(env.Body)
			continue
		}
		ch <- env
	}
}

func drainBody(body <-chan handlerpool.BodyChunk) {
	for range body {
	}
}

// routeCodeStarts drains the handler pool's code-start signals and
// hands each one to the goroutine waiting on its token, arming that
// request's handler-execution timeout. A code-start with no registered
// waiter (the connection goroutine already returned via some other
// path) is simply dropped; codeStartCh is always buffered so this send
// never blocks the shared pool, which is what made an unconsumed
// codeStarts channel fatal before this loop existed.
func (w *Worker) routeCodeStarts() {
	for cs := range w.pool.CodeStarts() {
		w.codeStartsMu.Lock()
		ch, ok := w.codeStarts[cs.Token]
		w.codeStartsMu.Unlock()

		if !ok {
			continue
		}
		ch <- cs
	}
}

// Run reads Dispatch frames off the control channel until it errors
// (typically EOF when the server process exits), spawning one
// goroutine per accepted connection. It blocks until the channel
// closes or returns a fatal error.
func (w *Worker) Run() error {
	for {
		d, fd, err := w.channel.ReadDispatch()
		if err != nil {
			w.wg.Wait()
			return err
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.handleConnection(token.Token(d.Token), fd)
		}()
	}
}

func (w *Worker) markTimedOut(tk token.Token) {
	w.timedOutMu.Lock()
	w.timedOut[tk] = true
	w.timedOutMu.Unlock()
}

func (w *Worker) isTimedOut(tk token.Token) bool {
	w.timedOutMu.Lock()
	defer w.timedOutMu.Unlock()
	return w.timedOut[tk]
}

func (w *Worker) clearTimedOut(tk token.Token) {
	w.timedOutMu.Lock()
	delete(w.timedOut, tk)
	w.timedOutMu.Unlock()
}

// sendComplete serializes a Complete frame onto the control channel; a
// worker process has exactly one control channel shared by every
// connection goroutine, so writes are serialized through writeMu.
func (w *Worker) sendComplete(tk token.Token, keepAlive bool, errMsg string, returnedConn net.Conn) {
	var fd *os.File
	if keepAlive && returnedConn != nil {
		if f, err := fileFromConn(returnedConn); err == nil {
			fd = f
		} else {
			keepAlive = false
		}
	}

	w.writeMu.Lock()
	err := w.channel.WriteComplete(fabric.Complete{Token: uint64(tk), KeepAlive: keepAlive, Error: errMsg}, fd)
	w.writeMu.Unlock()

	if fd != nil {
		fd.Close()
	}
	if err != nil {
		w.logger.Error("control channel write failed", "error", err)
	}
}

func fileFromConn(conn net.Conn) (*os.File, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, errors.New("worker: connection is not a *net.TCPConn")
	}
	return tc.File()
}

// handleConnection carries one Dispatch through Reading -> Pending ->
// Writing -> (Done|CasketResponse), per spec.md §4.4.
func (w *Worker) handleConnection(tk token.Token, fd *os.File) {
	rawConn, err := net.FileConn(fd)
	fd.Close()
	if err != nil {
		w.logger.Error("adopting dispatched socket failed", "error", err)
		return
	}
	conn := rawConn

	if w.coord.Running() && !w.limiter.TryAdmitRequest() {
		if w.limiter.ShouldLog() {
			w.logger.Info("rejecting request over capacity", "token", tk)
		}
		w.writeCasketResponse(conn, httpwire.ServiceBusy)
		conn.Close()
		w.sendComplete(tk, false, "", nil)
		return
	}
	if !w.coord.Running() {
		w.writeCasketResponse(conn, httpwire.ServiceBusy)
		conn.Close()
		w.sendComplete(tk, false, "", nil)
		return
	}
	defer w.limiter.ReleaseRequest()

	req, ok := w.readRequest(tk, conn)
	if !ok {
		return
	}

	env, ok := w.runHandler(tk, req, conn)
	if !ok {
		return
	}

	w.writeResponse(tk, conn, req, env)
}

// readRequest implements the Reading state: parse one request within
// request_read_timeout, or fail the connection per spec.md §4.4's
// error paths. Returns ok=false once it has fully handled (and
// reported) a terminal outcome itself.
func (w *Worker) readRequest(tk token.Token, conn net.Conn) (*httpwire.Request, bool) {
	conn.SetReadDeadline(time.Now().Add(w.cfg.RequestReadTimeout))
	br := bufio.NewReader(conn)

	req, err := httpwire.ParseRequest(br)
	if err == nil {
		conn.SetReadDeadline(time.Time{})
		return req, true
	}

	if errors.Is(err, httpwire.ErrConnectionClosed) {
		conn.Close()
		w.sendComplete(tk, false, "", nil)
		return nil, false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		w.writeCasketResponse(conn, httpwire.Timeout)
		conn.Close()
		w.sendComplete(tk, false, "request read timeout", nil)
		return nil, false
	}

	conn.Close()
	w.sendComplete(tk, false, "bad client", nil)
	return nil, false
}

// runHandler implements the Pending state: submit the request to the
// handler pool and await its response. Per spec.md §4.4, the handler
// timeout is armed only once the pool reports the corresponding
// code-start, not at submission time, so time spent queued behind other
// work on a busy handler thread never counts against it.
func (w *Worker) runHandler(tk token.Token, req *httpwire.Request, conn net.Conn) (handlerpool.ResponseEnvelope, bool) {
	respCh := make(chan handlerpool.ResponseEnvelope, 1)
	codeStartCh := make(chan handlerpool.CodeStart, 1)

	w.pendingMu.Lock()
	w.pending[tk] = respCh
	w.pendingMu.Unlock()
	w.codeStartsMu.Lock()
	w.codeStarts[tk] = codeStartCh
	w.codeStartsMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, tk)
		w.pendingMu.Unlock()
		w.codeStartsMu.Lock()
		delete(w.codeStarts, tk)
		w.codeStartsMu.Unlock()
		w.clearTimedOut(tk)
	}()

	if err := w.pool.Submit(handlerpool.Job{Token: tk, Request: req}); err != nil {
		w.writeCasketResponse(conn, httpwire.ServiceBusy)
		conn.Close()
		w.sendComplete(tk, false, "handler pool unavailable", nil)
		return handlerpool.ResponseEnvelope{}, false
	}

	select {
	case env := <-respCh:
		// The handler finished before we even observed its code-start;
		// no timeout to arm.
		return env, true
	case <-codeStartCh:
	}

	select {
	case env := <-respCh:
		return env, true
	case <-time.After(w.cfg.HandlerTimeout):
		w.markTimedOut(tk)
		w.writeCasketResponse(conn, httpwire.GatewayTimeout)
		conn.Close()
		w.sendComplete(tk, false, "handler timeout", nil)
		return handlerpool.ResponseEnvelope{}, false
	}
}

// writeResponse implements the Writing state: stream the header and
// body to the client, then report completion.
func (w *Worker) writeResponse(tk token.Token, conn net.Conn, req *httpwire.Request, env handlerpool.ResponseEnvelope) {
	conn.SetWriteDeadline(time.Time{})
	bw := bufio.NewWriter(conn)

	keepAlive := req.KeepAlive
	if v, ok := env.Header.Headers.Get("Connection"); ok {
		keepAlive = !equalFoldClose(v)
	}

	writeErr := httpwire.WriteResponseHeader(bw, env.Header, req.Context, keepAlive)
	if writeErr == nil {
		for chunk := range env.Body {
			if chunk.Err != nil {
				writeErr = chunk.Err
				continue
			}
			if writeErr == nil {
				if _, err := bw.Write(chunk.Data); err != nil {
					writeErr = err
				}
			}
		}
	} else {
		drainBody(env.Body)
	}
	if writeErr == nil {
		writeErr = bw.Flush()
	}

	if w.cfg.LogHTTPResponse {
		w.logger.Info("http response",
			"method", string(req.Method), "path", req.URL.Path,
			"status", env.Header.Code, "trace_id", req.Context.TraceID,
		)
	}

	if writeErr != nil {
		conn.Close()
		w.sendComplete(tk, false, writeErr.Error(), nil)
		return
	}

	if !keepAlive {
		conn.Close()
		w.sendComplete(tk, false, "", nil)
		return
	}

	w.sendComplete(tk, true, "", conn)
	conn.Close()
}

func equalFoldClose(v string) bool {
	return len(v) == 5 &&
		(v[0] == 'c' || v[0] == 'C') &&
		(v[1] == 'l' || v[1] == 'L') &&
		(v[2] == 'o' || v[2] == 'O') &&
		(v[3] == 's' || v[3] == 'S') &&
		(v[4] == 'e' || v[4] == 'E')
}

func (w *Worker) writeCasketResponse(conn net.Conn, writeFn func(*bufio.Writer, httpwire.Context) error) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	bw := bufio.NewWriter(conn)
	if err := writeFn(bw, httpwire.NewContext()); err != nil {
		w.logger.Warn("writing casket response failed", "error", err)
	}
}
