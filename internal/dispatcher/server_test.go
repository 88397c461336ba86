package dispatcher

import (
	"bufio"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/casket-project/casket/internal/fabric"
	"github.com/casket-project/casket/internal/shutdown"

	"golang.org/x/sys/unix"
)

// fakeWorker answers Dispatch frames on the worker side of a
// socketpair, playing the role a real worker process would, so the
// server's accept/dispatch/redispatch loop can be exercised without a
// second process.
type fakeWorker struct {
	channel *fabric.Channel
}

func newFakeWorkerPair(t *testing.T) (*fabric.Channel, *fakeWorker) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	serverSide := wrapFd(t, fds[0])
	workerSide := wrapFd(t, fds[1])
	return fabric.New(serverSide), &fakeWorker{channel: fabric.New(workerSide)}
}

func wrapFd(t *testing.T, fd int) *net.UnixConn {
	t.Helper()
	f := os.NewFile(uintptr(fd), "test-pair")
	conn, err := net.FileConn(f)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	f.Close()
	return conn.(*net.UnixConn)
}

// respondOnce reads one Dispatch, writes the canned HTTP response
// directly to the handed-off socket, and reports Complete with the
// given keepAlive value, mimicking one pass of worker.handleConnection
// without pulling in the handler pool.
func (f *fakeWorker) respondOnce(t *testing.T, keepAlive bool) {
	t.Helper()
	d, fd, err := f.channel.ReadDispatch()
	if err != nil {
		t.Errorf("ReadDispatch: %v", err)
		return
	}
	conn, err := net.FileConn(fd)
	fd.Close()
	if err != nil {
		t.Errorf("FileConn: %v", err)
		return
	}

	conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))

	var respFd *os.File
	if keepAlive {
		tc := conn.(*net.TCPConn)
		respFd, _ = tc.File()
	}
	conn.Close()

	if err := f.channel.WriteComplete(fabric.Complete{Token: d.Token, KeepAlive: keepAlive}, respFd); err != nil {
		t.Errorf("WriteComplete: %v", err)
	}
	if respFd != nil {
		respFd.Close()
	}
}

func newTestServer(t *testing.T, numWorkers int) (*Server, []*fakeWorker) {
	t.Helper()
	var channels []*fabric.Channel
	var fakes []*fakeWorker
	for i := 0; i < numWorkers; i++ {
		ch, fw := newFakeWorkerPair(t)
		channels = append(channels, ch)
		fakes = append(fakes, fw)
	}

	coord := shutdown.New(time.Hour)
	t.Cleanup(coord.Stop)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	s, err := New(Config{BindAddr: "127.0.0.1:0", MaxConnections: 16}, channels, coord, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, fakes
}

func TestDispatchAndRespondSingleRequest(t *testing.T) {
	s, fakes := newTestServer(t, 1)

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	go fakes[0].respondOnce(t, false)

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("GET / HTTP/1.1\r\nHost: h\r\n\r\n"))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	status, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 200") {
		t.Fatalf("status line = %q", status)
	}

	waitForOutstandingZero(t, s)
	triggerShutdown(s)
	<-done
}

func TestKeepAliveConnectionIsRedispatched(t *testing.T) {
	s, fakes := newTestServer(t, 2)

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	go fakes[0].respondOnce(t, true)

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("GET / HTTP/1.1\r\nHost: h\r\n\r\n"))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	br := bufio.NewReader(conn)
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatalf("reading first status line: %v", err)
	}

	redispatched := make(chan struct{})
	go func() {
		for _, fw := range fakes {
			if _, _, err := fw.channel.ReadDispatch(); err == nil {
				close(redispatched)
				return
			}
		}
	}()

	select {
	case <-redispatched:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for keep-alive socket to be redispatched")
	}

	triggerShutdown(s)
	<-done
}

func waitForOutstandingZero(t *testing.T, s *Server) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.totalOutstanding() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for outstanding count to drain to zero")
}

// triggerShutdown simulates two Ctrl-C presses: the first stops the
// listener and the second forces the drain loop to return immediately,
// letting Run() close the worker channels and return on its own.
func triggerShutdown(s *Server) {
	s.coord.TriggerForTest()
	s.coord.TriggerForTest()
}
