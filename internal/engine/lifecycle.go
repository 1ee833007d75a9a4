package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sys/unix"

	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/internal/runtime"
	"github.com/wharfd/wharfd/pkg/logger"
)

// CreateRequest describes a new container: the image to instantiate and
// the caller's overrides on top of the image defaults.
type CreateRequest struct {
	Name   string
	Image  string
	Config domain.Config
}

// Create allocates a container in the created state. Nothing runs yet,
// but the writable layer identity is allocated, image layers are pinned,
// volumes are materialized and networks attached, so a later Start only
// has to build the union view and the process.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*domain.Container, error) {
	img, err := e.meta.GetImage(ctx, req.Image)
	if err != nil {
		return nil, err
	}

	cfg := img.RunConfig(req.Config)
	if len(cfg.Entrypoint) == 0 && len(cfg.Cmd) == 0 {
		return nil, &domain.ValidationError{Field: "cmd", Reason: "image has no default command and none was given"}
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Isolation.Validate(); err != nil {
		return nil, err
	}
	for _, p := range cfg.Ports {
		if _, err := p.NatPort(); err != nil {
			return nil, &domain.ValidationError{Field: "ports", Reason: err.Error()}
		}
	}
	if err := e.checkPortConflicts(ctx, cfg.Ports); err != nil {
		return nil, err
	}

	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	name := req.Name
	if name == "" {
		name = "wharf_" + id[:8]
	}

	// Pin the image's layer chain. All-or-nothing: a missing layer leaves
	// no refcounts behind.
	if err := e.meta.AcquireLayers(ctx, img.Layers); err != nil {
		return nil, err
	}

	rollback := func() {
		if _, rerr := e.meta.ReleaseLayers(ctx, img.Layers); rerr != nil {
			logger.Warn("Create rollback failed to release layers", "container", id, "error", rerr)
		}
		_ = e.networks.DisconnectAll(ctx, id)
	}

	for _, m := range cfg.Mounts {
		if m.Type == domain.MountTypeVolume {
			if _, err := e.volumes.Ensure(ctx, m.Source); err != nil {
				rollback()
				return nil, err
			}
		}
	}
	for _, netRef := range cfg.Networks {
		if _, err := e.networks.Connect(ctx, netRef, id, append([]string{name}, cfg.Aliases...)); err != nil {
			rollback()
			return nil, err
		}
	}

	c := &domain.Container{
		ID:            id,
		Name:          name,
		ImageID:       img.ID,
		State:         domain.StateCreated,
		Config:        cfg,
		CreatedAt:     time.Now(),
		WritableLayer: digest.Canonical.FromString(id),
	}
	if err := e.meta.PutContainer(ctx, c); err != nil {
		rollback()
		return nil, err
	}

	e.bus.Publish(domain.Event{Type: domain.EventContainerCreated, ContainerID: id, Name: name})
	logger.Info("Container created", "container", id, "name", name, "image", img.Name)
	return c, nil
}

// checkPortConflicts rejects host ports already published by any
// existing container, and duplicates within the request itself.
func (e *Engine) checkPortConflicts(ctx context.Context, ports []domain.PortMapping) error {
	if len(ports) == 0 {
		return nil
	}
	all, err := e.meta.ListContainers(ctx, domain.ContainerFilter{})
	if err != nil {
		return err
	}
	claimed := make(map[string]string)
	for _, other := range all {
		for _, p := range other.Config.Ports {
			if p.HostPort != 0 {
				claimed[hostPortKey(p)] = other.Name
			}
		}
	}
	seen := make(map[string]bool, len(ports))
	for _, p := range ports {
		if p.HostPort == 0 {
			continue
		}
		key := hostPortKey(p)
		if holder, ok := claimed[key]; ok {
			return &domain.ValidationError{Field: "ports", Reason: fmt.Sprintf("host port %s already published by container %s", key, holder)}
		}
		if seen[key] {
			return &domain.ValidationError{Field: "ports", Reason: fmt.Sprintf("host port %s published twice", key)}
		}
		seen[key] = true
	}
	return nil
}

func hostPortKey(p domain.PortMapping) string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d/%s", p.HostPort, proto)
}

// Start takes a created or exited container to running. The sequence is
// rootfs, isolation, blocked process, cgroup, then confirmation; a
// failure at any step rolls everything back and the container stays in
// its prior state with the cause recorded on LastError.
func (e *Engine) Start(ctx context.Context, ref string) error {
	c, err := e.Get(ctx, ref)
	if err != nil {
		return err
	}
	lock := e.lockFor(c.ID)
	lock.Lock()
	defer lock.Unlock()
	return e.startLocked(ctx, c.ID)
}

func (e *Engine) startLocked(ctx context.Context, id string) error {
	c, err := e.meta.GetContainer(ctx, id)
	if err != nil {
		return err
	}
	if !c.State.CanTransition(domain.StateRunning) {
		return &domain.StateConflictError{ID: c.ID, Current: c.State, Op: "start"}
	}

	img, err := e.meta.GetImage(ctx, c.ImageID)
	if err != nil {
		return e.failStart(ctx, c, err)
	}

	rootfs, err := e.assembler.Assemble(ctx, c.ID, img.Layers, c.WritableLayer)
	if err != nil {
		return e.failStart(ctx, c, err)
	}

	isoCtx, err := e.isolation.Build(c.Config.Isolation)
	if err != nil {
		_ = rootfs.Teardown()
		return e.failStart(ctx, c, err)
	}

	stdout, err := e.logs.OpenWriter(c.ID, "stdout")
	if err != nil {
		_ = rootfs.Teardown()
		return e.failStart(ctx, c, err)
	}
	stderr, err := e.logs.OpenWriter(c.ID, "stderr")
	if err != nil {
		e.logs.Close(c.ID)
		_ = rootfs.Teardown()
		return e.failStart(ctx, c, err)
	}

	hostname := c.Config.Hostname
	if hostname == "" && c.Config.Isolation.Mode(domain.DomainUTS) == domain.IsolationPrivate {
		hostname = c.ID[:12]
	}

	handle, err := e.rt.Spawn(ctx, runtime.SpawnSpec{
		ContainerID: c.ID,
		RootFS:      rootfs.Dir,
		Args:        append(append([]string{}, c.Config.Entrypoint...), c.Config.Cmd...),
		Env:         c.Config.Env,
		EnvFile:     c.Config.EnvFile,
		WorkingDir:  c.Config.WorkingDir,
		User:        c.Config.User,
		Hostname:    hostname,
		Isolation:   isoCtx,
		Stdout:      stdout,
		Stderr:      stderr,
	})
	if err != nil {
		e.logs.Close(c.ID)
		_ = rootfs.Teardown()
		return e.failStart(ctx, c, err)
	}

	group, err := e.governor.Apply(c.ID, handle.PID(), c.Config.Limits)
	if err != nil {
		_ = handle.Abort()
		e.logs.Close(c.ID)
		_ = rootfs.Teardown()
		return e.failStart(ctx, c, err)
	}

	// Commit before the process is released: a crash between here and the
	// confirmation is reconciled as a lost run, never as a phantom
	// created-state container with a live process.
	c.State = domain.StateRunning
	c.StartedAt = time.Now()
	c.PID = handle.PID()
	c.StartClock = handle.StartClock()
	c.Exit = nil
	c.LastError = ""
	if err := e.meta.PutContainer(ctx, c); err != nil {
		_ = handle.Abort()
		_ = group.Remove()
		e.logs.Close(c.ID)
		_ = rootfs.Teardown()
		return e.failStart(ctx, c, err)
	}

	sup := &supervision{handle: handle, rootfs: rootfs, group: group, stdout: stdout, stderr: stderr}
	e.setLive(c.ID, sup)

	if err := handle.Confirm(); err != nil {
		// The process never left the barrier; rewind the commit.
		_ = handle.Abort()
		e.dropLive(c.ID)
		_ = group.Remove()
		e.logs.Close(c.ID)
		_ = rootfs.Teardown()
		c.State = domain.StateCreated
		c.StartedAt = time.Time{}
		c.PID = 0
		c.StartClock = 0
		return e.failStart(ctx, c, err)
	}

	// A restart needs a fresh subscription point, but waiters who
	// subscribed before this run keep their record until it completes.
	e.mu.Lock()
	if wr, ok := e.waits[c.ID]; ok && wr.completed() {
		e.waits[c.ID] = &waitRecord{done: make(chan struct{})}
	}
	e.mu.Unlock()

	go e.supervise(c.ID, sup)

	e.bus.Publish(domain.Event{Type: domain.EventContainerStarted, ContainerID: c.ID, Name: c.Name})
	logger.Info("Container started", "container", c.ID, "pid", c.PID)
	return nil
}

// failStart records the cause on the container without changing its
// state, then returns the original error.
func (e *Engine) failStart(ctx context.Context, c *domain.Container, cause error) error {
	c.LastError = cause.Error()
	if perr := e.meta.PutContainer(ctx, c); perr != nil {
		logger.Error("Failed to record start failure", "container", c.ID, "error", perr)
	}
	if errors.Is(cause, domain.ErrEngineFault) {
		e.bus.Publish(domain.Event{Type: domain.EventEngineFault, ContainerID: c.ID, Name: c.Name, Message: cause.Error()})
	}
	logger.Warn("Container start failed", "container", c.ID, "error", cause)
	return cause
}

// supervise waits for the process to exit and settles the container into
// the exited state, releasing the run's resources.
func (e *Engine) supervise(id string, sup *supervision) {
	<-sup.handle.Done()
	outcome := sup.handle.Outcome()

	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	// Stop or Remove may have settled this run already.
	if e.getLive(id) != sup {
		return
	}
	e.settleExit(context.Background(), id, sup, outcome)
}

// settleExit transitions a running/paused container to exited and tears
// down the run's resources. Caller holds the container lock.
func (e *Engine) settleExit(ctx context.Context, id string, sup *supervision, outcome domain.ExitOutcome) {
	if sup.group != nil && sup.group.OOMKilled() {
		outcome.Reason = domain.ExitOOMKilled
	}
	if outcome.ExitedAt == 0 {
		outcome.ExitedAt = time.Now().Unix()
	}

	_ = sup.stdout.Close()
	_ = sup.stderr.Close()
	e.logs.Close(id)
	if err := sup.rootfs.Teardown(); err != nil {
		logger.Warn("Rootfs teardown failed", "container", id, "error", err)
	}
	if sup.group != nil {
		if err := sup.group.Remove(); err != nil {
			logger.Warn("Cgroup removal failed", "container", id, "error", err)
		}
	}
	e.dropLive(id)

	c, err := e.meta.GetContainer(ctx, id)
	if err != nil {
		logger.Error("Exited container has no record", "container", id, "error", err)
		e.completeWait(id, outcome)
		return
	}
	c.State = domain.StateExited
	c.PID = 0
	c.StartClock = 0
	c.Exit = &outcome
	if err := e.meta.PutContainer(ctx, c); err != nil {
		logger.Error("Failed to persist exit", "container", id, "error", err)
	}

	e.completeWait(id, outcome)
	if outcome.Reason == domain.ExitOOMKilled {
		e.bus.Publish(domain.Event{Type: domain.EventContainerOOM, ContainerID: id, Name: c.Name})
	}
	e.bus.Publish(domain.Event{
		Type: domain.EventContainerDied, ContainerID: id, Name: c.Name,
		Message: outcome.String(),
	})
	logger.Info("Container exited", "container", id, "code", outcome.Code, "reason", string(outcome.Reason))
}

// Stop requests termination with SIGTERM, escalating to SIGKILL after
// the grace period. A negative grace means the engine default; zero
// kills immediately. Stop returns once the exit is observed and
// recorded, and is idempotent on already-exited containers.
func (e *Engine) Stop(ctx context.Context, ref string, grace time.Duration) error {
	c, err := e.Get(ctx, ref)
	if err != nil {
		return err
	}
	id := c.ID

	lock := e.lockFor(id)
	lock.Lock()
	c, err = e.meta.GetContainer(ctx, id)
	if err != nil {
		lock.Unlock()
		return err
	}
	if c.State == domain.StateExited {
		lock.Unlock()
		return nil
	}
	if c.State != domain.StateRunning && c.State != domain.StatePaused {
		lock.Unlock()
		return &domain.StateConflictError{ID: id, Current: c.State, Op: "stop"}
	}
	sup := e.getLive(id)
	if sup == nil {
		lock.Unlock()
		return e.fault(id, c.Name, "container %s is running but unsupervised", id)
	}

	// A frozen group never delivers signals; thaw first.
	if c.State == domain.StatePaused {
		if err := sup.group.Thaw(); err != nil {
			lock.Unlock()
			return e.fault(id, c.Name, "failed to thaw %s for stop: %v", id, err)
		}
		c.State = domain.StateRunning
		if err := e.meta.PutContainer(ctx, c); err != nil {
			lock.Unlock()
			return err
		}
	}

	if grace < 0 {
		grace = e.grace
	}
	if grace == 0 {
		err = sup.handle.Signal(unix.SIGKILL)
	} else {
		err = sup.handle.Signal(unix.SIGTERM)
	}
	// The wait record of this run, captured under the lock: a restart
	// racing in after the exit must not strand this waiter.
	wr := e.waitFor(id)
	lock.Unlock()
	if err != nil {
		return e.fault(id, c.Name, "failed to signal %s: %v", id, err)
	}

	// The escalation timer belongs to the engine, not the caller: once
	// initiated, the kill fires even if the requester goes away.
	var killTimer *time.Timer
	if grace > 0 {
		killTimer = time.AfterFunc(grace, func() {
			_ = sup.handle.Signal(unix.SIGKILL)
		})
	}
	<-sup.handle.Done()
	if killTimer != nil {
		killTimer.Stop()
	}

	// Wait until the supervisor has recorded the exit.
	select {
	case <-wr.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.bus.Publish(domain.Event{Type: domain.EventContainerStopped, ContainerID: id, Name: c.Name})
	return nil
}

// Kill delivers a signal without waiting for anything.
func (e *Engine) Kill(ctx context.Context, ref, signal string) error {
	sig, err := runtime.ParseSignal(signal)
	if err != nil {
		return err
	}
	c, err := e.Get(ctx, ref)
	if err != nil {
		return err
	}

	lock := e.lockFor(c.ID)
	lock.Lock()
	defer lock.Unlock()

	c, err = e.meta.GetContainer(ctx, c.ID)
	if err != nil {
		return err
	}
	if c.State != domain.StateRunning && c.State != domain.StatePaused {
		return &domain.StateConflictError{ID: c.ID, Current: c.State, Op: "kill"}
	}
	sup := e.getLive(c.ID)
	if sup == nil {
		return e.fault(c.ID, c.Name, "container %s is running but unsupervised", c.ID)
	}
	if err := sup.handle.Signal(sig); err != nil {
		return e.fault(c.ID, c.Name, "failed to signal %s: %v", c.ID, err)
	}
	return nil
}

// Pause freezes the container's process group. The processes keep their
// memory and file descriptors but are descheduled until Unpause.
func (e *Engine) Pause(ctx context.Context, ref string) error {
	return e.freeze(ctx, ref, domain.StatePaused)
}

// Unpause resumes a paused container.
func (e *Engine) Unpause(ctx context.Context, ref string) error {
	return e.freeze(ctx, ref, domain.StateRunning)
}

func (e *Engine) freeze(ctx context.Context, ref string, target domain.State) error {
	c, err := e.Get(ctx, ref)
	if err != nil {
		return err
	}

	lock := e.lockFor(c.ID)
	lock.Lock()
	defer lock.Unlock()

	op := "pause"
	if target == domain.StateRunning {
		op = "unpause"
	}
	c, err = e.meta.GetContainer(ctx, c.ID)
	if err != nil {
		return err
	}
	if !c.State.CanTransition(target) || (target == domain.StateRunning && c.State != domain.StatePaused) {
		return &domain.StateConflictError{ID: c.ID, Current: c.State, Op: op}
	}
	sup := e.getLive(c.ID)
	if sup == nil || sup.group == nil {
		return e.fault(c.ID, c.Name, "container %s has no live process group", c.ID)
	}

	if target == domain.StatePaused {
		err = sup.group.Freeze()
	} else {
		err = sup.group.Thaw()
	}
	if err != nil {
		return e.fault(c.ID, c.Name, "failed to %s %s: %v", op, c.ID, err)
	}

	c.State = target
	if err := e.meta.PutContainer(ctx, c); err != nil {
		return err
	}

	evt := domain.EventContainerPaused
	if target == domain.StateRunning {
		evt = domain.EventContainerResumed
	}
	e.bus.Publish(domain.Event{Type: evt, ContainerID: c.ID, Name: c.Name})
	logger.Info("Container "+op+"d", "container", c.ID)
	return nil
}

// Remove deletes a container. Created and exited containers are removed
// directly; running or paused ones only with force, which kills and
// waits first. Removal releases the writable layer, unpins image layers,
// detaches networks and deletes the record; the id is never reused.
func (e *Engine) Remove(ctx context.Context, ref string, force bool) error {
	c, err := e.Get(ctx, ref)
	if err != nil {
		return err
	}
	id := c.ID

	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	c, err = e.meta.GetContainer(ctx, id)
	if err != nil {
		return err
	}
	if c.State == domain.StateRunning || c.State == domain.StatePaused {
		if !force {
			return &domain.StateConflictError{ID: id, Current: c.State, Op: "remove"}
		}
		if sup := e.getLive(id); sup != nil {
			if c.State == domain.StatePaused {
				_ = sup.group.Thaw()
			}
			_ = sup.handle.Signal(unix.SIGKILL)
			<-sup.handle.Done()
			e.settleExit(ctx, id, sup, sup.handle.Outcome())
		}
		if c, err = e.meta.GetContainer(ctx, id); err != nil {
			return err
		}
	}

	neverRan := c.Exit == nil

	img, err := e.meta.GetImage(ctx, c.ImageID)
	if err == nil {
		freed, rerr := e.meta.ReleaseLayers(ctx, img.Layers)
		if rerr != nil {
			return rerr
		}
		for _, d := range freed {
			if err := e.layers.Remove(d); err != nil {
				logger.Warn("Failed to delete unreferenced layer", "digest", d.String(), "error", err)
			}
		}
	}

	if err := e.assembler.Release(id); err != nil {
		logger.Warn("Failed to release writable layer", "container", id, "error", err)
	}
	if err := e.networks.DisconnectAll(ctx, id); err != nil {
		logger.Warn("Failed to detach networks", "container", id, "error", err)
	}
	if err := e.logs.Remove(id); err != nil {
		logger.Warn("Failed to remove container log", "container", id, "error", err)
	}

	if err := e.meta.DeleteContainer(ctx, id); err != nil {
		return err
	}

	// Waiters on a container that never ran observe the removal itself.
	if neverRan {
		e.completeWait(id, domain.ExitOutcome{Reason: domain.ExitRemoved, ExitedAt: time.Now().Unix()})
	}
	e.forget(id)

	e.bus.Publish(domain.Event{Type: domain.EventContainerRemoved, ContainerID: id, Name: c.Name})
	logger.Info("Container removed", "container", id, "name", c.Name)
	return nil
}

// Wait blocks until the container's current run reaches a terminal
// outcome and returns it. Exited containers resolve immediately with the
// recorded outcome; any number of waiters may subscribe, before or after
// the exit, until the container record is deleted.
func (e *Engine) Wait(ctx context.Context, ref string) (domain.ExitOutcome, error) {
	c, err := e.Get(ctx, ref)
	if err != nil {
		return domain.ExitOutcome{}, err
	}
	if c.State == domain.StateExited && c.Exit != nil {
		return *c.Exit, nil
	}

	wr := e.waitFor(c.ID)
	select {
	case <-wr.done:
		return wr.outcome, nil
	case <-ctx.Done():
		return domain.ExitOutcome{}, ctx.Err()
	}
}
