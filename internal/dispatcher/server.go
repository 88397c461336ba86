// Package dispatcher implements the server-side half of Casket's
// dispatch fabric, per spec.md §4.2: the accept loop, the per-worker
// control-stream pool, and least-loaded worker selection.
//
// The server process never itself polls an accepted socket for
// readiness; once a connection is dispatched it is fully owned by a
// worker until that worker reports Complete. A keep-alive round trip
// is re-dispatched to a (possibly different) worker the moment its fd
// comes back, rather than the server first waiting for the socket to
// become readable again — see DESIGN.md for why the literal
// Idle-Reading step was dropped in this Go rendition.
package dispatcher

import (
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casket-project/casket/internal/admission"
	"github.com/casket-project/casket/internal/fabric"
	"github.com/casket-project/casket/internal/shutdown"
	"github.com/casket-project/casket/internal/stats"
	"github.com/casket-project/casket/internal/token"
)

// Config carries the subset of internal/config.Config a server needs.
type Config struct {
	BindAddr       string
	MaxConnections int
}

// workerSlot is the server's view of one worker process: its control
// channel and how many sockets it currently has outstanding.
type workerSlot struct {
	channel     *fabric.Channel
	writeMu     sync.Mutex
	outstanding atomic.Int64
}

// Server runs the accept loop and per-worker control-stream readers
// for one casket server process.
type Server struct {
	cfg      Config
	listener net.Listener
	tokens   token.Generator
	limiter  *admission.Limiter
	workers  []*workerSlot
	coord    *shutdown.Coordinator
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// New binds the listener and wraps each worker's control connection.
func New(cfg Config, channels []*fabric.Channel, coord *shutdown.Coordinator, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return nil, err
	}

	workers := make([]*workerSlot, len(channels))
	for i, ch := range channels {
		workers[i] = &workerSlot{channel: ch}
	}

	return &Server{
		cfg:      cfg,
		listener: ln,
		limiter:  admission.New(cfg.MaxConnections, 0),
		workers:  workers,
		coord:    coord,
		logger:   logger,
	}, nil
}

// Addr returns the listener's bound address, useful in tests that bind
// to port 0.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Snapshot implements stats.Source.
func (s *Server) Snapshot() stats.Snapshot {
	return stats.Snapshot{
		Role:        "server",
		Connections: s.limiter.Connections(),
		Requests:    s.totalOutstanding(),
		Running:     s.coord.Running(),
	}
}

// Run drives the accept loop and per-worker control readers until
// shutdown. It returns once the listener has been closed, the drain
// period has completed, and every worker control stream has been
// closed.
func (s *Server) Run() error {
	for i := range s.workers {
		w := s.workers[i]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.controlReadLoop(w)
		}()
	}

	go s.watchShutdown()

	acceptErr := s.acceptLoop()

	s.drain()
	for _, w := range s.workers {
		w.channel.Close()
	}
	s.wg.Wait()

	return acceptErr
}

// watchShutdown closes the listener the moment the coordinator leaves
// the running state, unblocking acceptLoop's Accept call — the
// spec.md §4.8 "deregister listener" step.
func (s *Server) watchShutdown() {
	for {
		if !s.coord.Running() {
			s.listener.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// drain waits for outstanding dispatched sockets to finish, up to the
// coordinator's grace deadline, per spec.md §4.8.
func (s *Server) drain() {
	for {
		if s.coord.CloseNow() {
			return
		}
		if s.totalOutstanding() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (s *Server) totalOutstanding() int64 {
	var n int64
	for _, w := range s.workers {
		n += w.outstanding.Load()
	}
	return n
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}

		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}

		if !s.limiter.TryAcceptConnection() {
			if s.limiter.ShouldLog() {
				s.logger.Info("dropping accepted connection over max_connections")
			}
			tcpConn.Close()
			continue
		}

		tk := s.tokens.Next()
		go s.dispatch(tk, tcpConn)
	}
}

func (s *Server) dispatch(tk token.Token, conn *net.TCPConn) {
	fd, err := conn.File()
	conn.Close()
	if err != nil {
		s.logger.Error("duplicating accepted socket failed", "error", err)
		s.limiter.ReleaseConnection()
		return
	}
	s.dispatchFd(tk, fd)
}

func (s *Server) dispatchFd(tk token.Token, fd *os.File) {
	w := s.leastLoaded()
	w.outstanding.Add(1)

	w.writeMu.Lock()
	err := w.channel.WriteDispatch(fabric.Dispatch{Token: uint64(tk)}, fd)
	w.writeMu.Unlock()
	fd.Close()

	if err != nil {
		w.outstanding.Add(-1)
		s.limiter.ReleaseConnection()
		s.logger.Error("dispatch to worker failed", "token", tk, "error", err)
	}
}

func (s *Server) leastLoaded() *workerSlot {
	best := s.workers[0]
	for _, w := range s.workers[1:] {
		if w.outstanding.Load() < best.outstanding.Load() {
			best = w
		}
	}
	return best
}

// controlReadLoop decodes Complete frames from one worker, reclaiming
// and re-dispatching keep-alive sockets, per spec.md §4.2.
func (s *Server) controlReadLoop(w *workerSlot) {
	for {
		comp, fd, err := w.channel.ReadComplete()
		if err != nil {
			s.logger.Error("worker control stream closed", "error", err)
			return
		}

		w.outstanding.Add(-1)
		s.limiter.ReleaseConnection()

		if !comp.KeepAlive || fd == nil {
			if fd != nil {
				fd.Close()
			}
			continue
		}

		nextTk, exhausted := token.Token(comp.Token).NextReuse()
		if exhausted {
			fd.Close()
			continue
		}

		if !s.coord.Running() || !s.limiter.TryAcceptConnection() {
			fd.Close()
			continue
		}

		s.dispatchFd(nextTk, fd)
	}
}
