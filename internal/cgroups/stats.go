package cgroups

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wharfd/wharfd/internal/domain"
)

// Snapshot is a point-in-time usage reading for one container.
type Snapshot struct {
	MemoryUsedBytes  int64 `json:"memory_used_bytes"`
	MemoryLimitBytes int64 `json:"memory_limit_bytes,omitempty"` // 0 when unlimited
	CPUUsageMicros   int64 `json:"cpu_usage_us"`
	IOReadBytes      int64 `json:"io_read_bytes"`
	IOWriteBytes     int64 `json:"io_write_bytes"`
	OOMKills         int64 `json:"oom_kills"`
}

// Usage reads a snapshot from the group's stat files. Non-blocking and
// safe to call in any container state; a vanished group reports
// ErrUsageUnavailable.
func (g *Group) Usage() (Snapshot, error) {
	var snap Snapshot

	if _, err := os.Stat(g.path); err != nil {
		return snap, fmt.Errorf("%w: cgroup for %s is gone", domain.ErrUsageUnavailable, g.id)
	}

	if v, err := g.readFile("memory.current"); err == nil {
		snap.MemoryUsedBytes, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, err := g.readFile("memory.max"); err == nil && v != "max" {
		snap.MemoryLimitBytes, _ = strconv.ParseInt(v, 10, 64)
	}

	_ = g.scanKeyValues("cpu.stat", func(key string, val int64) {
		if key == "usage_usec" {
			snap.CPUUsageMicros = val
		}
	})

	snap.OOMKills = g.oomKills()

	// io.stat lines: "<maj>:<min> rbytes=... wbytes=... ..."
	if f, err := os.Open(filepath.Join(g.path, "io.stat")); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			for _, field := range strings.Fields(sc.Text()) {
				if v, ok := strings.CutPrefix(field, "rbytes="); ok {
					n, _ := strconv.ParseInt(v, 10, 64)
					snap.IOReadBytes += n
				}
				if v, ok := strings.CutPrefix(field, "wbytes="); ok {
					n, _ := strconv.ParseInt(v, 10, 64)
					snap.IOWriteBytes += n
				}
			}
		}
		f.Close()
	}

	return snap, nil
}

// OOMKilled reports whether the kernel killed anything in the group for
// exceeding the memory ceiling. Feeds the oom-killed exit reason.
func (g *Group) OOMKilled() bool {
	return g.oomKills() > 0
}

func (g *Group) oomKills() int64 {
	var kills int64
	_ = g.scanKeyValues("memory.events", func(key string, val int64) {
		if key == "oom_kill" {
			kills = val
		}
	})
	return kills
}

// scanKeyValues parses flat "key value" stat files.
func (g *Group) scanKeyValues(name string, fn func(key string, val int64)) error {
	f, err := os.Open(filepath.Join(g.path, name))
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		fn(fields[0], v)
	}
	return sc.Err()
}
