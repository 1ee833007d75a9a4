// Package cgroups applies and enforces CPU, memory and IO limits on
// container process groups through the cgroup v2 unified hierarchy, and
// reports live usage.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/pkg/logger"
)

// Governor creates per-container control groups under a common parent,
// e.g. /sys/fs/cgroup/wharfd. The root is a parameter so tests can drive
// the driver against a plain directory.
type Governor struct {
	root string
}

// NewGovernor prepares the parent group directory.
func NewGovernor(root string) (*Governor, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cgroup parent %s: %w", root, err)
	}
	return &Governor{root: root}, nil
}

// Group is the control group bound to one container's process group.
type Group struct {
	path string
	id   string
}

// Path returns the group's directory.
func (g *Group) Path() string { return g.path }

// Apply creates the container's group, writes the limits and moves pid
// into it. Limits apply to the whole process group from then on; a limit
// below current usage does not kill the process immediately, the kernel
// enforces it going forward.
func (gov *Governor) Apply(id string, pid int, limits domain.ResourceLimits) (*Group, error) {
	g := &Group{path: filepath.Join(gov.root, id), id: id}
	if err := os.MkdirAll(g.path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cgroup for %s: %w", id, err)
	}

	if err := g.Set(limits); err != nil {
		_ = g.Remove()
		return nil, err
	}

	if err := g.writeFile("cgroup.procs", strconv.Itoa(pid)); err != nil {
		_ = g.Remove()
		return nil, fmt.Errorf("failed to place pid %d in cgroup %s: %w", pid, id, err)
	}

	logger.Debug("Cgroup applied", "container", id, "pid", pid)
	return g, nil
}

// Load reattaches to an existing group, used after engine restart.
func (gov *Governor) Load(id string) (*Group, error) {
	g := &Group{path: filepath.Join(gov.root, id), id: id}
	if _, err := os.Stat(g.path); err != nil {
		return nil, fmt.Errorf("%w: cgroup for %s", domain.ErrUsageUnavailable, id)
	}
	return g, nil
}

// Set writes the limit files. Zero-valued limits leave the kernel default
// in place, mirroring how the fs driver only writes configured knobs.
func (g *Group) Set(limits domain.ResourceLimits) error {
	if limits.MemoryBytes > 0 {
		if err := g.writeFile("memory.max", strconv.FormatInt(limits.MemoryBytes, 10)); err != nil {
			return fmt.Errorf("failed to set memory ceiling: %w", err)
		}
	}
	if limits.MemorySwapBytes > 0 {
		// memory.swap.max counts swap alone, the limit is memory+swap.
		swap := limits.MemorySwapBytes - limits.MemoryBytes
		if err := g.writeFile("memory.swap.max", strconv.FormatInt(swap, 10)); err != nil {
			return fmt.Errorf("failed to set swap ceiling: %w", err)
		}
	}
	if limits.CPUShares > 0 {
		// Map v1-style shares [2..262144] onto v2 weight [1..10000].
		weight := 1 + ((limits.CPUShares-2)*9999)/262142
		if err := g.writeFile("cpu.weight", strconv.FormatInt(weight, 10)); err != nil {
			return fmt.Errorf("failed to set cpu weight: %w", err)
		}
	}
	if limits.CPUQuotaMicros > 0 {
		period := limits.CPUPeriodMicros
		if period == 0 {
			period = 100000
		}
		if err := g.writeFile("cpu.max",
			fmt.Sprintf("%d %d", limits.CPUQuotaMicros, period)); err != nil {
			return fmt.Errorf("failed to set cpu quota: %w", err)
		}
	}
	if limits.CPUSet != "" {
		if err := g.writeFile("cpuset.cpus", limits.CPUSet); err != nil {
			return fmt.Errorf("failed to set cpuset: %w", err)
		}
	}
	return nil
}

// Remove tears the group down. The group must be empty (all processes
// exited or moved away). On cgroupfs an rmdir suffices, the interface
// files are virtual; a plain directory (tests) needs the recursive form.
func (g *Group) Remove() error {
	err := os.Remove(g.path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(g.path); err != nil {
		return fmt.Errorf("failed to remove cgroup %s: %w", g.id, err)
	}
	return nil
}

func (g *Group) writeFile(name, value string) error {
	return os.WriteFile(filepath.Join(g.path, name), []byte(value), 0o644)
}

func (g *Group) readFile(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(g.path, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
