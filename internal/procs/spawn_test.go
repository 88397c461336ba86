package procs

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestInheritedChannelAbsentWhenEnvUnset(t *testing.T) {
	os.Unsetenv(WorkerFDEnv)
	ch, ok, err := InheritedChannel()
	if err != nil || ok || ch != nil {
		t.Fatalf("InheritedChannel() = %v, %v, %v; want nil, false, nil", ch, ok, err)
	}
}

func TestInheritedChannelAdoptsFd(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])

	// Dup the child end onto the fixed fd a real worker would inherit it
	// on, mimicking what ExtraFiles does across an exec boundary.
	if err := unix.Dup2(fds[1], workerInheritedFD); err != nil {
		t.Fatalf("Dup2: %v", err)
	}
	unix.Close(fds[1])
	defer unix.Close(workerInheritedFD)

	os.Setenv(WorkerFDEnv, "3")
	defer os.Unsetenv(WorkerFDEnv)

	ch, ok, err := InheritedChannel()
	if err != nil {
		t.Fatalf("InheritedChannel: %v", err)
	}
	if !ok || ch == nil {
		t.Fatal("expected a channel to be adopted")
	}
	ch.Close()
}
