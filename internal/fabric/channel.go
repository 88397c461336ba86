package fabric

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Channel is one control connection between the accepting process and
// a single worker, carrying Dispatch frames in one direction and
// Complete frames in the other, each frame paired in order with zero
// or one ancillary file descriptors on the same AF_UNIX SOCK_STREAM
// socket. Grounded on the original Casket's ServerMsgBuffer/
// WorkerMsgBuffer pairing discipline; realized here with
// golang.org/x/sys/unix's SCM_RIGHTS helpers instead of fd_queue.
type Channel struct {
	conn *net.UnixConn

	readBuf []byte
	fdQueue []*os.File
}

// New wraps an established AF_UNIX SOCK_STREAM connection as a Channel.
func New(conn *net.UnixConn) *Channel {
	return &Channel{conn: conn}
}

const readChunk = 4096

// fill performs one ReadMsgUnix syscall, appending any data read to the
// internal read buffer and any ancillary fds to the fd queue.
func (c *Channel) fill() error {
	buf := make([]byte, readChunk)
	oob := make([]byte, unix.CmsgSpace(4)*4)

	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return err
	}

	c.readBuf = append(c.readBuf, buf[:n]...)

	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return fmt.Errorf("fabric: parsing control message: %w", err)
		}
		for _, scm := range scms {
			fds, err := unix.ParseUnixRights(&scm)
			if err != nil {
				return fmt.Errorf("fabric: parsing SCM_RIGHTS: %w", err)
			}
			for _, fd := range fds {
				c.fdQueue = append(c.fdQueue, os.NewFile(uintptr(fd), "casket-dispatched-socket"))
			}
		}
	}

	return nil
}

// nextFrame blocks until a full length-prefixed frame is available,
// where prefixLen is 1 (Dispatch, server->worker) or 4 (Complete,
// worker->server), consumes it from the read buffer, and returns its
// payload.
func (c *Channel) nextFrame(prefixLen int) ([]byte, error) {
	for {
		if len(c.readBuf) >= prefixLen {
			size := frameSize(c.readBuf, prefixLen)
			if len(c.readBuf) >= prefixLen+size {
				payload := make([]byte, size)
				copy(payload, c.readBuf[prefixLen:prefixLen+size])
				c.readBuf = c.readBuf[prefixLen+size:]
				return payload, nil
			}
		}
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

func frameSize(buf []byte, prefixLen int) int {
	if prefixLen == 1 {
		return int(buf[0])
	}
	return int(binary.BigEndian.Uint32(buf[:4]))
}

// nextFd blocks until an ancillary fd is available and pops it from
// the queue.
func (c *Channel) nextFd() (*os.File, error) {
	for len(c.fdQueue) == 0 {
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
	fd := c.fdQueue[0]
	c.fdQueue = c.fdQueue[1:]
	return fd, nil
}

// WriteDispatch hands a newly accepted socket to the worker at the
// other end of the channel. The caller retains its own fd; Casket's
// callers close it immediately after a successful WriteDispatch since
// ownership has passed to the worker.
func (c *Channel) WriteDispatch(d Dispatch, fd *os.File) error {
	payload := encodeDispatch(d)
	frame := make([]byte, 1+len(payload))
	frame[0] = byte(len(payload))
	copy(frame[1:], payload)

	oob := unix.UnixRights(int(fd.Fd()))
	_, _, err := c.conn.WriteMsgUnix(frame, oob, nil)
	return err
}

// ReadDispatch reads the next Dispatch frame and its accompanying
// socket fd, used by a worker's control-stream reader.
func (c *Channel) ReadDispatch() (Dispatch, *os.File, error) {
	payload, err := c.nextFrame(1)
	if err != nil {
		return Dispatch{}, nil, err
	}
	d, err := decodeDispatch(payload)
	if err != nil {
		return Dispatch{}, nil, err
	}
	fd, err := c.nextFd()
	if err != nil {
		return Dispatch{}, nil, err
	}
	return d, fd, nil
}

// WriteComplete reports a finished round back to the server. fd is nil
// when the socket is not being returned (KeepAlive is false, or the
// worker closed it itself).
func (c *Channel) WriteComplete(comp Complete, fd *os.File) error {
	payload := encodeComplete(comp)
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	var oob []byte
	if fd != nil {
		oob = unix.UnixRights(int(fd.Fd()))
	}
	_, _, err := c.conn.WriteMsgUnix(frame, oob, nil)
	return err
}

// ReadComplete reads the next Complete frame, used by the server's
// per-worker control-stream reader. fd is nil when the worker did not
// return the socket (it was closed, or the round errored).
func (c *Channel) ReadComplete() (Complete, *os.File, error) {
	payload, err := c.nextFrame(4)
	if err != nil {
		return Complete{}, nil, err
	}
	comp, err := decodeComplete(payload)
	if err != nil {
		return Complete{}, nil, err
	}
	if !comp.KeepAlive {
		return comp, nil, nil
	}
	fd, err := c.nextFd()
	if err != nil {
		return Complete{}, nil, err
	}
	return comp, fd, nil
}

// Close closes the underlying control connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}
