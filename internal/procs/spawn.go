// Package procs implements Casket's pre-fork substitute: since Go has
// no fork(2), each worker is a fresh copy of the same binary, re-exec'd
// with one end of a freshly created control-stream socketpair inherited
// as an open file descriptor, per spec.md §2/§9.
package procs

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/casket-project/casket/internal/fabric"

	"golang.org/x/sys/unix"
)

// WorkerFDEnv names the environment variable a re-exec'd process reads
// to find its inherited control-stream fd. Its presence is what
// distinguishes a worker process from the top-level server process.
const WorkerFDEnv = "CASKET_WORKER_FD"

// workerInheritedFD is the fd number every worker finds its control
// stream under, since each child's ExtraFiles contains exactly one
// entry and Go always places ExtraFiles starting at fd 3.
const workerInheritedFD = 3

// Worker is a spawned worker process, as seen from the server: the
// exec.Cmd keeping it alive and the server's end of its control
// channel.
type Worker struct {
	Cmd     *exec.Cmd
	Channel *fabric.Channel
}

// SpawnWorkers re-execs the running binary num times, each with its own
// control-stream socketpair, and returns once all of them have started.
// args is passed through unchanged (typically os.Args[1:]); each child
// additionally has WorkerFDEnv set in its environment.
func SpawnWorkers(num int, args []string) ([]*Worker, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating own executable: %w", err)
	}

	workers := make([]*Worker, 0, num)
	for i := 0; i < num; i++ {
		w, err := spawnOne(exe, args)
		if err != nil {
			for _, spawned := range workers {
				spawned.Cmd.Process.Kill()
				spawned.Channel.Close()
			}
			return nil, fmt.Errorf("spawning worker %d: %w", i, err)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func spawnOne(exe string, args []string) (*Worker, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	parentFile := os.NewFile(uintptr(fds[0]), "casket-control-parent")
	childFile := os.NewFile(uintptr(fds[1]), "casket-control-child")
	defer childFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", WorkerFDEnv, workerInheritedFD))

	if err := cmd.Start(); err != nil {
		parentFile.Close()
		return nil, fmt.Errorf("starting worker process: %w", err)
	}

	parentConn, err := netFileConnUnix(parentFile)
	if err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("adopting parent control socket: %w", err)
	}

	return &Worker{Cmd: cmd, Channel: fabric.New(parentConn)}, nil
}

// InheritedChannel builds the worker process's end of its control
// channel from the fd its parent passed via WorkerFDEnv. ok is false
// when this process was not launched as a worker.
func InheritedChannel() (channel *fabric.Channel, ok bool, err error) {
	if _, present := os.LookupEnv(WorkerFDEnv); !present {
		return nil, false, nil
	}

	f := os.NewFile(uintptr(workerInheritedFD), "casket-control-worker")
	conn, err := netFileConnUnix(f)
	if err != nil {
		return nil, true, fmt.Errorf("adopting inherited control socket: %w", err)
	}
	return fabric.New(conn), true, nil
}
