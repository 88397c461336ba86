// Package fabric implements the framed control channel the accepting
// process uses to hand accepted sockets to worker processes and get
// them back, per spec.md §3/§4.1. It is grounded on the original
// Casket's msgs::{ServerMsgBuffer,WorkerMsgBuffer}: a length-prefixed
// stream of fixed-width messages, each paired in order with one
// ancillary file descriptor carried alongside it over the same
// AF_UNIX SOCK_STREAM socket.
//
// Unlike the original, message bodies are encoded with encoding/binary
// rather than a general-purpose serializer: Dispatch and Complete are
// two small fixed-shape structs, and a field-by-field binary layout
// keeps the wire format obvious without pulling in a serialization
// library for two message types.
package fabric

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Dispatch is sent by the server process to a worker: "here is a
// newly accepted socket, carrying the given token, go read a request
// off of it." The socket itself travels as an ancillary fd alongside
// this message, not inside its payload.
type Dispatch struct {
	Token uint64
}

// dispatchWireLen is the encoded length of a Dispatch payload, always
// fixed. A Dispatch frame's length prefix is one byte (spec.md §4.1
// allows up to 255 bytes of payload per Dispatch, this protocol only
// ever uses 8).
const dispatchWireLen = 8

func encodeDispatch(d Dispatch) []byte {
	buf := make([]byte, dispatchWireLen)
	binary.BigEndian.PutUint64(buf, d.Token)
	return buf
}

func decodeDispatch(buf []byte) (Dispatch, error) {
	if len(buf) != dispatchWireLen {
		return Dispatch{}, fmt.Errorf("fabric: malformed Dispatch payload, got %d bytes", len(buf))
	}
	return Dispatch{Token: binary.BigEndian.Uint64(buf)}, nil
}

// Complete is sent by a worker back to the server: "I am done with the
// socket for this token; here it is back (or don't expect it again),
// and here is whether it should be kept alive." The socket returns as
// an ancillary fd alongside this message when KeepAlive is true; a
// worker that closed the socket itself sends no fd.
type Complete struct {
	Token     uint64
	KeepAlive bool
	Error     string // empty when the round completed without error
}

func encodeComplete(c Complete) []byte {
	errBytes := []byte(c.Error)
	buf := make([]byte, 8+1+2+len(errBytes))

	binary.BigEndian.PutUint64(buf[0:8], c.Token)
	if c.KeepAlive {
		buf[8] = 1
	}
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(errBytes)))
	copy(buf[11:], errBytes)

	return buf
}

func decodeComplete(buf []byte) (Complete, error) {
	if len(buf) < 11 {
		return Complete{}, errors.New("fabric: malformed Complete payload, too short")
	}

	c := Complete{
		Token:     binary.BigEndian.Uint64(buf[0:8]),
		KeepAlive: buf[8] != 0,
	}

	errLen := int(binary.BigEndian.Uint16(buf[9:11]))
	if len(buf) != 11+errLen {
		return Complete{}, fmt.Errorf("fabric: malformed Complete payload, declared error length %d but have %d trailing bytes", errLen, len(buf)-11)
	}
	if errLen > 0 {
		c.Error = string(buf[11:])
	}

	return c, nil
}
