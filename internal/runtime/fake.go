package runtime

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wharfd/wharfd/internal/domain"
)

// Fake is an in-memory Runtime for tests. Spawned handles behave like
// well-mannered processes: they die on SIGTERM and SIGKILL and can also
// be exited explicitly to simulate crashes and OOM kills.
type Fake struct {
	mu      sync.Mutex
	nextPID int
	handles map[string]*FakeHandle
	alive   map[int]uint64

	// SpawnErr makes the next Spawn fail.
	SpawnErr error
	// IgnoreTerm makes handles survive SIGTERM, forcing the kill
	// escalation path.
	IgnoreTerm bool
}

// NewFake returns an empty fake runtime.
func NewFake() *Fake {
	return &Fake{nextPID: 1000, handles: make(map[string]*FakeHandle), alive: make(map[int]uint64)}
}

func (f *Fake) Spawn(ctx context.Context, spec SpawnSpec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SpawnErr != nil {
		err := f.SpawnErr
		f.SpawnErr = nil
		return nil, err
	}
	f.nextPID++
	h := &FakeHandle{
		Spec:       spec,
		pid:        f.nextPID,
		clock:      uint64(f.nextPID) * 7,
		done:       make(chan struct{}),
		ignoreTerm: f.IgnoreTerm,
	}
	f.handles[spec.ContainerID] = h
	f.alive[h.pid] = h.clock
	go func() {
		<-h.done
		f.mu.Lock()
		delete(f.alive, h.pid)
		f.mu.Unlock()
	}()
	return h, nil
}

func (f *Fake) Alive(pid int, startClock uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	clock, ok := f.alive[pid]
	return ok && clock == startClock
}

// SetAlive registers a process identity directly, for restart
// reconciliation tests where nothing was spawned in this run.
func (f *Fake) SetAlive(pid int, startClock uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = startClock
}

// Handle returns the handle spawned for a container, or nil.
func (f *Fake) Handle(containerID string) *FakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[containerID]
}

// FakeHandle is the controllable process stand-in.
type FakeHandle struct {
	Spec SpawnSpec

	pid   int
	clock uint64

	mu         sync.Mutex
	confirmed  bool
	aborted    bool
	exited     bool
	ignoreTerm bool
	signals    []unix.Signal
	outcome    domain.ExitOutcome
	done       chan struct{}
}

func (h *FakeHandle) PID() int           { return h.pid }
func (h *FakeHandle) StartClock() uint64 { return h.clock }

func (h *FakeHandle) Confirm() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.confirmed = true
	return nil
}

func (h *FakeHandle) Abort() error {
	h.mu.Lock()
	h.aborted = true
	h.mu.Unlock()
	h.Exit(domain.ExitOutcome{Code: 137, Reason: domain.ExitSignaled, Signal: "SIGKILL"})
	return nil
}

func (h *FakeHandle) Signal(sig unix.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	ignore := h.ignoreTerm
	h.mu.Unlock()

	switch {
	case sig == unix.SIGKILL:
		h.Exit(domain.ExitOutcome{Code: 137, Reason: domain.ExitSignaled, Signal: "SIGKILL"})
	case sig == unix.SIGTERM && !ignore:
		h.Exit(domain.ExitOutcome{Code: 143, Reason: domain.ExitSignaled, Signal: "SIGTERM"})
	}
	return nil
}

func (h *FakeHandle) Done() <-chan struct{} { return h.done }

func (h *FakeHandle) Outcome() domain.ExitOutcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Exit finishes the fake process with the given outcome. Safe to call
// more than once; the first outcome wins.
func (h *FakeHandle) Exit(outcome domain.ExitOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	if outcome.ExitedAt == 0 {
		outcome.ExitedAt = time.Now().Unix()
	}
	h.outcome = outcome
	close(h.done)
}

// Confirmed reports whether the barrier was released.
func (h *FakeHandle) Confirmed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.confirmed
}

// Aborted reports whether the start was rolled back.
func (h *FakeHandle) Aborted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted
}

// Signals returns every signal delivered so far.
func (h *FakeHandle) Signals() []unix.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]unix.Signal, len(h.signals))
	copy(out, h.signals)
	return out
}
