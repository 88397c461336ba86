package procs

import (
	"fmt"
	"net"
	"os"
)

// netFileConnUnix adopts a raw fd as a *net.UnixConn. net.FileConn dups
// the fd internally, so f is closed once adoption succeeds.
func netFileConnUnix(f *os.File) (*net.UnixConn, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	f.Close()
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("fd did not adopt as a unix socket")
	}
	return uc, nil
}
