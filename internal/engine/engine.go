// Package engine drives the container lifecycle state machine. It owns
// the only write path to container records and composes the filesystem
// assembler, the isolation builder, the resource governor and the
// process runtime into the create/start/stop/remove operations.
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/wharfd/wharfd/internal/cgroups"
	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/internal/events"
	"github.com/wharfd/wharfd/internal/isolation"
	"github.com/wharfd/wharfd/internal/layerfs"
	"github.com/wharfd/wharfd/internal/logstream"
	"github.com/wharfd/wharfd/internal/network"
	"github.com/wharfd/wharfd/internal/runtime"
	"github.com/wharfd/wharfd/internal/store"
	"github.com/wharfd/wharfd/internal/volume"
)

// DefaultGracePeriod bounds how long Stop waits between SIGTERM and
// SIGKILL when the caller does not say.
const DefaultGracePeriod = 10 * time.Second

// Options wires the engine's collaborators.
type Options struct {
	Meta      *store.Store
	Layers    *layerfs.Store
	Assembler *layerfs.Assembler
	Governor  *cgroups.Governor
	Runtime   runtime.Runtime
	Bus       *events.Bus
	Logs      *logstream.Manager
	Volumes   *volume.Manager
	Networks  *network.Manager

	// GracePeriod overrides DefaultGracePeriod when positive.
	GracePeriod time.Duration
}

// Engine is the lifecycle coordinator. All operations on one container
// serialize on that container's lock; operations on distinct containers
// run concurrently.
type Engine struct {
	meta      *store.Store
	layers    *layerfs.Store
	assembler *layerfs.Assembler
	governor  *cgroups.Governor
	rt        runtime.Runtime
	bus       *events.Bus
	logs      *logstream.Manager
	volumes   *volume.Manager
	networks  *network.Manager
	isolation *isolation.Builder

	grace time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	waits map[string]*waitRecord
	live  map[string]*supervision
}

// supervision is the engine-side state of one running container.
type supervision struct {
	handle runtime.Handle
	rootfs *layerfs.RootFS
	group  *cgroups.Group
	stdout io.WriteCloser
	stderr io.WriteCloser
}

// waitRecord is the subscription point for Wait: closed once with the
// terminal outcome, kept until the container record is deleted so late
// subscribers still observe it.
type waitRecord struct {
	once    sync.Once
	done    chan struct{}
	outcome domain.ExitOutcome
}

func (wr *waitRecord) completed() bool {
	select {
	case <-wr.done:
		return true
	default:
		return false
	}
}

// New assembles an engine from its collaborators.
func New(opts Options) *Engine {
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	e := &Engine{
		meta:      opts.Meta,
		layers:    opts.Layers,
		assembler: opts.Assembler,
		governor:  opts.Governor,
		rt:        opts.Runtime,
		bus:       opts.Bus,
		logs:      opts.Logs,
		volumes:   opts.Volumes,
		networks:  opts.Networks,
		grace:     grace,
		locks:     make(map[string]*sync.Mutex),
		waits:     make(map[string]*waitRecord),
		live:      make(map[string]*supervision),
	}
	e.isolation = isolation.NewBuilder(e.shareLookup)
	return e
}

// lockFor returns the per-container mutex, creating it on first use.
func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// waitFor returns the container's wait record, creating it on first use.
func (e *Engine) waitFor(id string) *waitRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	wr, ok := e.waits[id]
	if !ok {
		wr = &waitRecord{done: make(chan struct{})}
		e.waits[id] = wr
	}
	return wr
}

// completeWait publishes the terminal outcome. First completion wins.
func (e *Engine) completeWait(id string, outcome domain.ExitOutcome) {
	wr := e.waitFor(id)
	wr.once.Do(func() {
		wr.outcome = outcome
		close(wr.done)
	})
}

// forget drops all engine-side state of a removed container.
func (e *Engine) forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locks, id)
	delete(e.waits, id)
	delete(e.live, id)
}

func (e *Engine) setLive(id string, sup *supervision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live[id] = sup
}

func (e *Engine) getLive(id string) *supervision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live[id]
}

func (e *Engine) dropLive(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.live, id)
}

// fault surfaces an engine-side failure on the event feed and returns
// it wrapped as an ErrEngineFault.
func (e *Engine) fault(id, name, format string, args ...any) error {
	err := fmt.Errorf("%w: %s", domain.ErrEngineFault, fmt.Sprintf(format, args...))
	e.bus.Publish(domain.Event{Type: domain.EventEngineFault, ContainerID: id, Name: name, Message: err.Error()})
	return err
}

// shareLookup resolves isolation share targets against the store.
func (e *Engine) shareLookup(id string) (int, bool, error) {
	c, err := e.meta.GetContainer(context.Background(), id)
	if err != nil {
		return 0, false, err
	}
	return c.PID, c.State == domain.StateRunning, nil
}

// Get returns one container by id or name.
func (e *Engine) Get(ctx context.Context, ref string) (*domain.Container, error) {
	c, err := e.meta.GetContainer(ctx, ref)
	if err == nil {
		return c, nil
	}
	return e.meta.GetContainerByName(ctx, ref)
}

// List returns containers matching the filter.
func (e *Engine) List(ctx context.Context, filter domain.ContainerFilter) ([]*domain.Container, error) {
	return e.meta.ListContainers(ctx, filter)
}

// Usage reports a live resource snapshot. Only running and paused
// containers have one.
func (e *Engine) Usage(ctx context.Context, ref string) (cgroups.Snapshot, error) {
	c, err := e.Get(ctx, ref)
	if err != nil {
		return cgroups.Snapshot{}, err
	}
	if c.State != domain.StateRunning && c.State != domain.StatePaused {
		return cgroups.Snapshot{}, &domain.StateConflictError{ID: c.ID, Current: c.State, Op: "usage"}
	}
	group, err := e.governor.Load(c.ID)
	if err != nil {
		return cgroups.Snapshot{}, err
	}
	return group.Usage()
}

// Logs replays a container's recorded output, optionally following.
func (e *Engine) Logs(ctx context.Context, ref string, follow bool) (<-chan logstream.Entry, error) {
	c, err := e.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.logs.Read(ctx, c.ID, follow)
}

// Events subscribes to the lifecycle event feed.
func (e *Engine) Events(ctx context.Context) <-chan domain.Event {
	return e.bus.Subscribe(ctx)
}

// VolumeInUse reports whether any container mounts the named volume,
// regardless of state. Plugged into the volume manager's removal check.
func (e *Engine) VolumeInUse(ctx context.Context, name string) (bool, error) {
	all, err := e.meta.ListContainers(ctx, domain.ContainerFilter{})
	if err != nil {
		return false, err
	}
	for _, c := range all {
		for _, m := range c.Config.Mounts {
			if m.Type == domain.MountTypeVolume && m.Source == name {
				return true, nil
			}
		}
	}
	return false, nil
}
