package engine

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/pkg/logger"
)

// Reconcile aligns the store with reality after an engine restart.
// Containers recorded running or paused have lost their supervision:
// their runs cannot be re-adopted, so any surviving process is killed
// and the container settles as exited with the restart-lost reason.
// The pid is only trusted when its start clock still matches, so a
// recycled pid is never killed by mistake.
func (e *Engine) Reconcile(ctx context.Context) error {
	all, err := e.meta.ListContainers(ctx, domain.ContainerFilter{})
	if err != nil {
		return err
	}

	for _, c := range all {
		if c.State != domain.StateRunning && c.State != domain.StatePaused {
			continue
		}

		if c.PID != 0 && e.rt.Alive(c.PID, c.StartClock) {
			if group, gerr := e.governor.Load(c.ID); gerr == nil {
				_ = group.Thaw() // a frozen group would never deliver the kill
			}
			_ = unix.Kill(c.PID, unix.SIGKILL)
			logger.Warn("Killed orphaned container process", "container", c.ID, "pid", c.PID)
		}

		if group, gerr := e.governor.Load(c.ID); gerr == nil {
			if rerr := group.Remove(); rerr != nil {
				logger.Warn("Failed to remove stale cgroup", "container", c.ID, "error", rerr)
			}
		}
		if rerr := e.assembler.ReleaseMount(c.ID); rerr != nil {
			logger.Warn("Failed to unmount stale rootfs", "container", c.ID, "error", rerr)
		}
		e.logs.Close(c.ID)

		outcome := domain.ExitOutcome{Code: 255, Reason: domain.ExitRestartLost, ExitedAt: time.Now().Unix()}
		c.State = domain.StateExited
		c.PID = 0
		c.StartClock = 0
		c.Exit = &outcome
		if perr := e.meta.PutContainer(ctx, c); perr != nil {
			logger.Error("Failed to persist reconciled exit", "container", c.ID, "error", perr)
			continue
		}
		e.completeWait(c.ID, outcome)
		e.bus.Publish(domain.Event{
			Type: domain.EventContainerDied, ContainerID: c.ID, Name: c.Name,
			Message: "run lost across engine restart",
		})
		logger.Info("Reconciled lost run", "container", c.ID)
	}
	return nil
}
