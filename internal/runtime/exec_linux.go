package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/pkg/logger"
)

// initPayload is the setup instruction the parent sends to the init shim
// over the bootstrap pipe, followed by a single confirm byte once the
// engine has finished preparing the container.
type initPayload struct {
	ContainerID string            `json:"container_id"`
	RootFS      string            `json:"rootfs"`
	Args        []string          `json:"args"`
	Env         []string          `json:"env"`
	EnvFile     string            `json:"env_file,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	User        string            `json:"user,omitempty"`
	Hostname    string            `json:"hostname,omitempty"`
	JoinPaths   map[string]string `json:"join_paths,omitempty"`
}

const confirmByte = 'C'

// Linux runs containers as re-executions of the daemon binary: Spawn
// launches "/proc/self/exe init" with the requested clone flags, streams
// the payload over an inherited pipe and holds the child at a barrier
// until Confirm.
type Linux struct {
	// InitArg is the hidden subcommand the shim is invoked with.
	InitArg string
}

// NewLinux returns the production runtime.
func NewLinux() *Linux {
	return &Linux{InitArg: "init"}
}

type linuxHandle struct {
	cmd        *exec.Cmd
	pipe       *os.File // parent's write end of the bootstrap pipe
	pid        int
	startClock uint64

	confirmOnce sync.Once
	confirmErr  error

	done    chan struct{}
	outcome domain.ExitOutcome
}

// Spawn creates the init process blocked on the bootstrap barrier.
func (l *Linux) Spawn(ctx context.Context, spec SpawnSpec) (Handle, error) {
	if len(spec.Args) == 0 {
		return nil, &domain.ValidationError{Field: "args", Reason: "no command to run"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload := initPayload{
		ContainerID: spec.ContainerID,
		RootFS:      spec.RootFS,
		Args:        spec.Args,
		Env:         spec.Env,
		EnvFile:     spec.EnvFile,
		WorkingDir:  spec.WorkingDir,
		User:        spec.User,
		Hostname:    spec.Hostname,
	}

	sysattr := &syscall.SysProcAttr{Setsid: true}
	if iso := spec.Isolation; iso != nil {
		sysattr.Cloneflags = iso.CloneFlags
		sysattr.UidMappings = iso.UIDMappings
		sysattr.GidMappings = iso.GIDMappings
		if len(iso.GIDMappings) > 0 {
			sysattr.GidMappingsEnableSetgroups = false
		}
		payload.JoinPaths = make(map[string]string, len(iso.JoinPaths))
		for d, p := range iso.JoinPaths {
			payload.JoinPaths[string(d)] = p
		}
	}

	childR, parentW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap pipe: %w", err)
	}

	cmd := exec.Command("/proc/self/exe", l.InitArg)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.ExtraFiles = []*os.File{childR} // becomes fd 3 in the child
	cmd.SysProcAttr = sysattr
	cmd.Env = []string{} // the shim builds the container environment itself

	if err := cmd.Start(); err != nil {
		childR.Close()
		parentW.Close()
		return nil, fmt.Errorf("%w: failed to spawn init for %s: %v", domain.ErrEngineFault, spec.ContainerID, err)
	}
	childR.Close()

	h := &linuxHandle{
		cmd:  cmd,
		pipe: parentW,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	if clock, err := procStartClock(h.pid); err == nil {
		h.startClock = clock
	}

	// The reaper must be live before anything can fail: Abort waits on the
	// reap, so a payload-write error against an already-dead child would
	// otherwise block forever.
	go h.reap(spec.ContainerID)

	if err := json.NewEncoder(parentW).Encode(payload); err != nil {
		_ = h.Abort()
		return nil, fmt.Errorf("%w: failed to hand payload to init for %s: %v", domain.ErrEngineFault, spec.ContainerID, err)
	}

	return h, nil
}

// Alive reports whether pid is still the process recorded at spawn time.
// A recycled pid shows a different start clock.
func (l *Linux) Alive(pid int, startClock uint64) bool {
	clock, err := procStartClock(pid)
	return err == nil && clock == startClock
}

func (h *linuxHandle) reap(containerID string) {
	err := h.cmd.Wait()
	outcome := domain.ExitOutcome{Reason: domain.ExitNormal, ExitedAt: time.Now().Unix()}
	if ws, ok := h.cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
		switch {
		case ws.Signaled():
			sig := ws.Signal()
			outcome.Reason = domain.ExitSignaled
			outcome.Signal = unix.SignalName(sig)
			outcome.Code = 128 + int(sig)
		default:
			outcome.Code = ws.ExitStatus()
		}
	} else if err != nil {
		outcome.Reason = domain.ExitEngineError
		outcome.Code = 1
	}
	logger.Debug("Container process reaped", "container", containerID, "pid", h.pid, "code", outcome.Code)
	h.outcome = outcome
	close(h.done)
}

func (h *linuxHandle) PID() int           { return h.pid }
func (h *linuxHandle) StartClock() uint64 { return h.startClock }

// Confirm releases the barrier. The shim reads the confirm byte and
// execs the container command.
func (h *linuxHandle) Confirm() error {
	h.confirmOnce.Do(func() {
		if _, err := h.pipe.Write([]byte{confirmByte}); err != nil {
			h.confirmErr = fmt.Errorf("%w: failed to release start barrier: %v", domain.ErrEngineFault, err)
		}
		h.pipe.Close()
	})
	return h.confirmErr
}

// Abort kills the child while it is still parked at the barrier and
// waits for the reap. Closing the pipe unconfirmed makes the shim exit
// on its own; the kill covers a shim that never got that far.
func (h *linuxHandle) Abort() error {
	h.confirmOnce.Do(func() {
		h.pipe.Close()
	})
	_ = h.cmd.Process.Kill()
	<-h.done
	return nil
}

func (h *linuxHandle) Signal(sig unix.Signal) error {
	select {
	case <-h.done:
		return nil // already exited, signal is a no-op
	default:
	}
	if err := h.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", h.pid, err)
	}
	return nil
}

func (h *linuxHandle) Done() <-chan struct{}       { return h.done }
func (h *linuxHandle) Outcome() domain.ExitOutcome { return h.outcome }
