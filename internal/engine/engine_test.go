package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/wharfd/wharfd/internal/cgroups"
	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/internal/events"
	"github.com/wharfd/wharfd/internal/layerfs"
	"github.com/wharfd/wharfd/internal/logstream"
	"github.com/wharfd/wharfd/internal/network"
	"github.com/wharfd/wharfd/internal/runtime"
	"github.com/wharfd/wharfd/internal/store"
	"github.com/wharfd/wharfd/internal/volume"
)

type testEnv struct {
	eng    *Engine
	meta   *store.Store
	layers *layerfs.Store
	rt     *runtime.Fake
	bus    *events.Bus
	cgRoot string
	img    *domain.Image
}

func layerTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		content := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o755, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	base := t.TempDir()

	meta, err := store.Open(filepath.Join(base, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	layers, err := layerfs.NewStore(filepath.Join(base, "layers"), meta)
	require.NoError(t, err)
	assembler, err := layerfs.NewAssembler(filepath.Join(base, "containers"), layers, layerfs.VFS{})
	require.NoError(t, err)

	cgRoot := filepath.Join(base, "cgroup")
	governor, err := cgroups.NewGovernor(cgRoot)
	require.NoError(t, err)

	logs, err := logstream.NewManager(filepath.Join(base, "logs"))
	require.NoError(t, err)

	rt := runtime.NewFake()
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	var eng *Engine
	vols, err := volume.NewManager(filepath.Join(base, "volumes"), meta, func(ctx context.Context, name string) (bool, error) {
		return eng.VolumeInUse(ctx, name)
	})
	require.NoError(t, err)

	eng = New(Options{
		Meta:      meta,
		Layers:    layers,
		Assembler: assembler,
		Governor:  governor,
		Runtime:   rt,
		Bus:       bus,
		Logs:      logs,
		Volumes:   vols,
		Networks:  network.NewManager(meta),
	})

	env := &testEnv{eng: eng, meta: meta, layers: layers, rt: rt, bus: bus, cgRoot: cgRoot}

	l, err := eng.ImportLayer(ctx, "", bytes.NewReader(layerTar(t, map[string]string{
		"bin/sh": "#!/bin/sh fake shell",
		"etc/os": "wharf-linux",
	})))
	require.NoError(t, err)
	env.img, err = eng.RegisterImage(ctx, "busybox", []digest.Digest{l.Digest}, ocispec.ImageConfig{
		Entrypoint: []string{"/bin/sh"},
		Env:        []string{"IMAGE=busybox"},
	})
	require.NoError(t, err)
	return env
}

// create makes a container from the fixture image.
func (env *testEnv) create(t *testing.T, name string) *domain.Container {
	t.Helper()
	c, err := env.eng.Create(context.Background(), CreateRequest{Name: name, Image: "busybox"})
	require.NoError(t, err)
	return c
}

// startRunning starts a container and returns its fake process handle.
func (env *testEnv) startRunning(t *testing.T, c *domain.Container) *runtime.FakeHandle {
	t.Helper()
	require.NoError(t, env.eng.Start(context.Background(), c.ID))
	h := env.rt.Handle(c.ID)
	require.NotNil(t, h)
	return h
}

// awaitState polls until the container reaches the wanted state.
func (env *testEnv) awaitState(t *testing.T, id string, want domain.State) *domain.Container {
	t.Helper()
	var c *domain.Container
	require.Eventually(t, func() bool {
		var err error
		c, err = env.eng.Get(context.Background(), id)
		return err == nil && c.State == want
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func TestEngine_CreateInitialState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := env.create(t, "web")
	assert.Equal(t, domain.StateCreated, c.State)
	assert.NotEmpty(t, c.WritableLayer)
	assert.Equal(t, []string{"/bin/sh"}, c.Config.Entrypoint)
	assert.Contains(t, c.Config.Env, "IMAGE=busybox")

	got, err := env.eng.Get(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	// Creation pinned the image's layer chain.
	n, err := env.meta.LayerRefCount(ctx, env.img.Layers[0])
	require.NoError(t, err)
	assert.EqualValues(t, 2, n) // image pin + container pin
}

func TestEngine_CreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.eng.Create(ctx, CreateRequest{Image: "no-such-image"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.eng.Create(ctx, CreateRequest{
		Image:  "busybox",
		Config: domain.Config{Limits: domain.ResourceLimits{MemoryBytes: 100, MemorySwapBytes: 50}},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	env.create(t, "taken")
	_, err = env.eng.Create(ctx, CreateRequest{Name: "taken", Image: "busybox"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEngine_CreateRejectsPortConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ports := []domain.PortMapping{{HostPort: 8080, ContainerPort: 80, Protocol: "tcp"}}
	first, err := env.eng.Create(ctx, CreateRequest{Name: "web", Image: "busybox", Config: domain.Config{Ports: ports}})
	require.NoError(t, err)

	_, err = env.eng.Create(ctx, CreateRequest{Name: "clash", Image: "busybox", Config: domain.Config{Ports: ports}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	// An unspecified protocol defaults to tcp and clashes the same way.
	_, err = env.eng.Create(ctx, CreateRequest{Name: "clash2", Image: "busybox",
		Config: domain.Config{Ports: []domain.PortMapping{{HostPort: 8080, ContainerPort: 81}}}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	// The same host port on another protocol is free.
	_, err = env.eng.Create(ctx, CreateRequest{Name: "udp", Image: "busybox",
		Config: domain.Config{Ports: []domain.PortMapping{{HostPort: 8080, ContainerPort: 80, Protocol: "udp"}}}})
	require.NoError(t, err)

	// Duplicates within one request are rejected outright.
	_, err = env.eng.Create(ctx, CreateRequest{Name: "dup", Image: "busybox",
		Config: domain.Config{Ports: []domain.PortMapping{
			{HostPort: 9090, ContainerPort: 80},
			{HostPort: 9090, ContainerPort: 81},
		}}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	// Removing the holder releases its ports.
	require.NoError(t, env.eng.Remove(ctx, first.ID, false))
	_, err = env.eng.Create(ctx, CreateRequest{Name: "web2", Image: "busybox", Config: domain.Config{Ports: ports}})
	require.NoError(t, err)
}

func TestEngine_EngineFaultObservableOnFeed(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := env.create(t, "web")
	feed := env.eng.Events(ctx)

	// A running record with no live supervision is an engine-side fault.
	c.State = domain.StateRunning
	c.PID = 4242
	require.NoError(t, env.meta.PutContainer(context.Background(), c))

	err := env.eng.Stop(context.Background(), c.ID, 0)
	require.ErrorIs(t, err, domain.ErrEngineFault)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-feed:
			if ev.Type == domain.EventEngineFault {
				assert.Equal(t, c.ID, ev.ContainerID)
				assert.Contains(t, ev.Message, "unsupervised")
				return
			}
		case <-deadline:
			t.Fatal("no engine fault event on the feed")
		}
	}
}

func TestEngine_StartRunsContainer(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, "web")
	h := env.startRunning(t, c)

	got := env.awaitState(t, c.ID, domain.StateRunning)
	assert.Equal(t, h.PID(), got.PID)
	assert.False(t, got.StartedAt.IsZero())
	assert.True(t, h.Confirmed(), "process must be released from the barrier")

	// The cgroup was created and populated before confirmation.
	procs, err := os.ReadFile(filepath.Join(env.cgRoot, c.ID, "cgroup.procs"))
	require.NoError(t, err)
	assert.NotEmpty(t, procs)
}

func TestEngine_StartRollbackOnMissingLayer(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, "web")

	// Destroy the layer content out from under the image.
	require.NoError(t, env.layers.Remove(env.img.Layers[0]))

	err := env.eng.Start(context.Background(), c.ID)
	require.ErrorIs(t, err, domain.ErrLayerMissing)
	assert.ErrorIs(t, err, domain.ErrResourceUnavailable)

	got, err := env.eng.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, got.State, "failed start must leave prior state")
	assert.NotEmpty(t, got.LastError)
	assert.Zero(t, got.PID)
}

func TestEngine_StartRollbackOnSpawnFailure(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, "web")
	env.rt.SpawnErr = assert.AnError

	err := env.eng.Start(context.Background(), c.ID)
	require.Error(t, err)

	got, err := env.eng.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, got.State)

	// The failure is transient: the same container starts fine after.
	require.NoError(t, env.eng.Start(context.Background(), c.ID))
	env.awaitState(t, c.ID, domain.StateRunning)
}

func TestEngine_ConcurrentStartExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, "web")

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.eng.Start(context.Background(), c.ID)
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		default:
			assert.ErrorIs(t, err, domain.ErrStateConflict)
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)
}

func TestEngine_NormalExit(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, "web")
	h := env.startRunning(t, c)

	h.Exit(domain.ExitOutcome{Code: 0, Reason: domain.ExitNormal})

	got := env.awaitState(t, c.ID, domain.StateExited)
	require.NotNil(t, got.Exit)
	assert.Equal(t, domain.ExitNormal, got.Exit.Reason)
	assert.Zero(t, got.Exit.Code)
	assert.Zero(t, got.PID)
}

func TestEngine_StopGracefulTermination(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, "web")
	h := env.startRunning(t, c)

	require.NoError(t, env.eng.Stop(context.Background(), c.ID, 5*time.Second))

	got, err := env.eng.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExited, got.State)
	assert.Equal(t, domain.ExitSignaled, got.Exit.Reason)
	assert.Equal(t, "SIGTERM", got.Exit.Signal)
	assert.Equal(t, []unix.Signal{unix.SIGTERM}, h.Signals())

	// Stopping an exited container is a no-op.
	assert.NoError(t, env.eng.Stop(context.Background(), c.ID, 0))
}

func TestEngine_StopEscalatesToKill(t *testing.T) {
	env := newTestEnv(t)
	env.rt.IgnoreTerm = true
	c := env.create(t, "stubborn")
	h := env.startRunning(t, c)

	require.NoError(t, env.eng.Stop(context.Background(), c.ID, 30*time.Millisecond))

	got, err := env.eng.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "SIGKILL", got.Exit.Signal)
	sigs := h.Signals()
	require.Len(t, sigs, 2)
	assert.Equal(t, unix.SIGTERM, sigs[0])
	assert.Equal(t, unix.SIGKILL, sigs[1])
}

func TestEngine_StopZeroGraceKillsImmediately(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, "web")
	h := env.startRunning(t, c)

	require.NoError(t, env.eng.Stop(context.Background(), c.ID, 0))
	assert.Equal(t, []unix.Signal{unix.SIGKILL}, h.Signals())
}

func TestEngine_KillDeliversWithoutWaiting(t *testing.T) {
	env := newTestEnv(t)
	env.rt.IgnoreTerm = true
	c := env.create(t, "web")
	h := env.startRunning(t, c)

	require.NoError(t, env.eng.Kill(context.Background(), c.ID, "USR1"))
	assert.Equal(t, []unix.Signal{unix.SIGUSR1}, h.Signals())

	got, err := env.eng.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, got.State, "kill must not wait for exit")

	err = env.eng.Kill(context.Background(), c.ID, "NOPE")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEngine_KillOnCreatedConflicts(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, "web")
	err := env.eng.Kill(context.Background(), c.ID, "KILL")
	assert.ErrorIs(t, err, domain.ErrStateConflict)
}

func TestEngine_PauseUnpause(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, "web")
	env.startRunning(t, c)
	ctx := context.Background()

	require.NoError(t, env.eng.Pause(ctx, c.ID))
	got, err := env.eng.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePaused, got.State)

	frozen, err := os.ReadFile(filepath.Join(env.cgRoot, c.ID, "cgroup.freeze"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(frozen))

	// Pausing twice conflicts; starting a paused container conflicts.
	assert.ErrorIs(t, env.eng.Pause(ctx, c.ID), domain.ErrStateConflict)
	assert.ErrorIs(t, env.eng.Start(ctx, c.ID), domain.ErrStateConflict)

	require.NoError(t, env.eng.Unpause(ctx, c.ID))
	got, err = env.eng.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, got.State)

	assert.ErrorIs(t, env.eng.Unpause(ctx, c.ID), domain.ErrStateConflict)
}

func TestEngine_StopPausedContainer(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, "web")
	env.startRunning(t, c)
	ctx := context.Background()

	require.NoError(t, env.eng.Pause(ctx, c.ID))
	require.NoError(t, env.eng.Stop(ctx, c.ID, time.Second))

	got, err := env.eng.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExited, got.State)
}

func TestEngine_WaitBeforeAndAfterExit(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, "web")
	h := env.startRunning(t, c)
	ctx := context.Background()

	type result struct {
		out domain.ExitOutcome
		err error
	}
	results := make(chan result, 3)
	for i := 0; i < 3; i++ {
		go func() {
			out, err := env.eng.Wait(ctx, c.ID)
			results <- result{out, err}
		}()
	}

	h.Exit(domain.ExitOutcome{Code: 7, Reason: domain.ExitNormal})

	for i := 0; i < 3; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, 7, r.out.Code)
	}

	// A late subscriber gets the recorded outcome immediately.
	out, err := env.eng.Wait(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, out.Code)
}

func TestEngine_WaitOnRemovedNeverRan(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, "web")
	ctx := context.Background()

	done := make(chan domain.ExitOutcome, 1)
	go func() {
		out, err := env.eng.Wait(ctx, c.ID)
		require.NoError(t, err)
		done <- out
	}()

	// Let the waiter subscribe before removing.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, env.eng.Remove(ctx, c.ID, false))

	select {
	case out := <-done:
		assert.Equal(t, domain.ExitRemoved, out.Reason)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by removal")
	}

	// After record deletion the id resolves to nothing.
	_, err := env.eng.Wait(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngine_RemoveReleasesResources(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.create(t, "web")

	require.NoError(t, env.eng.Remove(ctx, c.ID, false))
	_, err := env.eng.Get(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Only the image's own pin remains on the layer.
	n, err := env.meta.LayerRefCount(ctx, env.img.Layers[0])
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// The name is free again.
	_, err = env.eng.Create(ctx, CreateRequest{Name: "web", Image: "busybox"})
	assert.NoError(t, err)
}

func TestEngine_RemoveRunningNeedsForce(t *testing.T) {
	env := newTestEnv(t)
	env.rt.IgnoreTerm = true
	ctx := context.Background()
	c := env.create(t, "web")
	env.startRunning(t, c)

	err := env.eng.Remove(ctx, c.ID, false)
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	require.NoError(t, env.eng.Remove(ctx, c.ID, true))
	_, err = env.eng.Get(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngine_KillThenRemoveFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.create(t, "web")
	env.startRunning(t, c)

	require.NoError(t, env.eng.Kill(ctx, c.ID, "KILL"))
	got := env.awaitState(t, c.ID, domain.StateExited)
	assert.Equal(t, domain.ExitSignaled, got.Exit.Reason)
	assert.Equal(t, "SIGKILL", got.Exit.Signal)

	require.NoError(t, env.eng.Remove(ctx, c.ID, false))
	_, err := env.eng.Get(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngine_RestartAfterExit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.create(t, "web")

	h := env.startRunning(t, c)
	h.Exit(domain.ExitOutcome{Code: 1, Reason: domain.ExitNormal})
	env.awaitState(t, c.ID, domain.StateExited)

	require.NoError(t, env.eng.Start(ctx, c.ID))
	got := env.awaitState(t, c.ID, domain.StateRunning)
	assert.Nil(t, got.Exit, "restart clears the previous outcome")

	// The new run has its own wait subscription.
	h2 := env.rt.Handle(c.ID)
	h2.Exit(domain.ExitOutcome{Code: 3, Reason: domain.ExitNormal})
	out, err := env.eng.Wait(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Code)
}

func TestEngine_OOMKillReason(t *testing.T) {
	env := newTestEnv(t)
	c := env.create(t, "hungry")
	h := env.startRunning(t, c)

	// The kernel would record the kill in memory.events before SIGKILL.
	require.NoError(t, os.WriteFile(
		filepath.Join(env.cgRoot, c.ID, "memory.events"),
		[]byte("low 0\noom 1\noom_kill 1\n"), 0o644))
	h.Exit(domain.ExitOutcome{Code: 137, Reason: domain.ExitSignaled, Signal: "SIGKILL"})

	got := env.awaitState(t, c.ID, domain.StateExited)
	assert.Equal(t, domain.ExitOOMKilled, got.Exit.Reason)
}

func TestEngine_UsageSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.create(t, "web")

	_, err := env.eng.Usage(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	env.startRunning(t, c)
	require.NoError(t, os.WriteFile(
		filepath.Join(env.cgRoot, c.ID, "memory.current"), []byte("2048\n"), 0o644))

	snap, err := env.eng.Usage(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2048, snap.MemoryUsedBytes)
}

func TestEngine_LogsRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.create(t, "web")
	h := env.startRunning(t, c)

	_, err := h.Spec.Stdout.Write([]byte("hello from container\n"))
	require.NoError(t, err)

	h.Exit(domain.ExitOutcome{Code: 0, Reason: domain.ExitNormal})
	env.awaitState(t, c.ID, domain.StateExited)

	ch, err := env.eng.Logs(ctx, c.ID, false)
	require.NoError(t, err)
	var lines []string
	for e := range ch {
		lines = append(lines, e.Line)
	}
	assert.Equal(t, []string{"hello from container"}, lines)
}

func TestEngine_EventsFeed(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := env.eng.Events(ctx)
	c := env.create(t, "web")
	env.startRunning(t, c)

	var seen []domain.EventType
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-feed:
			seen = append(seen, ev.Type)
			assert.Equal(t, c.ID, ev.ContainerID)
		case <-deadline:
			t.Fatalf("only saw %v", seen)
		}
	}
	assert.Equal(t, []domain.EventType{domain.EventContainerCreated, domain.EventContainerStarted}, seen)
}

func TestEngine_ReconcileMarksLostRuns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.create(t, "web")

	// Forge what a crash leaves behind: a running record whose process is
	// gone and whose cgroup lingers.
	c.State = domain.StateRunning
	c.PID = 123456
	c.StartClock = 42
	require.NoError(t, env.meta.PutContainer(ctx, c))
	require.NoError(t, os.MkdirAll(filepath.Join(env.cgRoot, c.ID), 0o755))

	require.NoError(t, env.eng.Reconcile(ctx))

	got, err := env.eng.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExited, got.State)
	require.NotNil(t, got.Exit)
	assert.Equal(t, domain.ExitRestartLost, got.Exit.Reason)
	assert.Zero(t, got.PID)

	_, err = os.Stat(filepath.Join(env.cgRoot, c.ID))
	assert.True(t, os.IsNotExist(err), "stale cgroup must be removed")

	// Waiters resolve with the recorded loss.
	out, err := env.eng.Wait(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExitRestartLost, out.Reason)
}

func TestEngine_ReconcileIgnoresSettledStates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := env.create(t, "idle")

	require.NoError(t, env.eng.Reconcile(ctx))

	got, err := env.eng.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, got.State)
}

func TestEngine_RemoveImageInUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, "web")

	err := env.eng.RemoveImage(ctx, "busybox")
	assert.ErrorIs(t, err, domain.ErrStateConflict)
}

func TestEngine_RemoveImageFreesLayers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d := env.img.Layers[0]
	require.NoError(t, env.eng.RemoveImage(ctx, "busybox"))

	_, _, err := env.meta.GetLayer(ctx, d)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, env.layers.Exists(d), "layer content must be deleted at refcount zero")
}

func TestEngine_VolumeLifecycleThroughCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c, err := env.eng.Create(ctx, CreateRequest{
		Name:  "app",
		Image: "busybox",
		Config: domain.Config{
			Mounts: []domain.Mount{{Type: domain.MountTypeVolume, Source: "data", Target: "/data"}},
		},
	})
	require.NoError(t, err)

	// The mount implicitly created the volume, and it is now busy.
	busy, err := env.eng.VolumeInUse(ctx, "data")
	require.NoError(t, err)
	assert.True(t, busy)

	require.NoError(t, env.eng.Remove(ctx, c.ID, false))
	busy, err = env.eng.VolumeInUse(ctx, "data")
	require.NoError(t, err)
	assert.False(t, busy)
}
