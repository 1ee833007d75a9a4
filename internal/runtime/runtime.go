// Package runtime spawns, supervises and signals container init
// processes. The engine talks to the Runtime interface only; the linux
// implementation re-executes the daemon binary as a namespaced init
// shim, and a fake stands in for it under test.
package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/internal/isolation"
)

// SpawnSpec is everything needed to launch one container process.
type SpawnSpec struct {
	ContainerID string
	// RootFS is the assembled merged view the process pivots into.
	RootFS string
	// Args is the resolved argv (entrypoint plus command).
	Args []string
	Env  []string
	// EnvFile, when set, is loaded inside the container before exec and
	// layered under Env.
	EnvFile    string
	WorkingDir string
	User       string
	Hostname   string

	Isolation *isolation.Context

	// Stdout/Stderr receive the process output streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Handle supervises one spawned process. The process is created blocked
// on a start barrier so the engine can finish preparation (cgroup
// placement, network attachment) before anything runs inside the
// container.
type Handle interface {
	// PID is the host pid of the init process.
	PID() int
	// StartClock is the kernel start time of the pid, used together with
	// the pid to detect reuse across engine restarts.
	StartClock() uint64
	// Confirm releases the barrier; the child execs the container command.
	Confirm() error
	// Abort tears the blocked child down during start rollback. The child
	// never ran user code.
	Abort() error
	// Signal delivers sig to the init process.
	Signal(sig unix.Signal) error
	// Done is closed once the process has been reaped; Outcome is valid
	// after that.
	Done() <-chan struct{}
	// Outcome reports how the process exited.
	Outcome() domain.ExitOutcome
}

// Runtime creates and probes container processes.
type Runtime interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Handle, error)
	// Alive reports whether pid still refers to the same process, matching
	// its recorded start clock against /proc.
	Alive(pid int, startClock uint64) bool
}

// ParseSignal resolves a signal given by number ("9"), short name
// ("KILL") or full name ("SIGKILL"). Defaults to SIGTERM on empty input.
func ParseSignal(name string) (unix.Signal, error) {
	if name == "" {
		return unix.SIGTERM, nil
	}
	if n, err := strconv.Atoi(name); err == nil {
		// 64 is the top of the kernel's signal range (SIGRTMAX).
		if n <= 0 || n > 64 {
			return 0, &domain.ValidationError{Field: "signal", Reason: fmt.Sprintf("out of range: %d", n)}
		}
		return unix.Signal(n), nil
	}
	upper := strings.ToUpper(name)
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	sig := unix.SignalNum(upper)
	if sig == 0 {
		return 0, &domain.ValidationError{Field: "signal", Reason: fmt.Sprintf("unknown signal %q", name)}
	}
	return sig, nil
}
