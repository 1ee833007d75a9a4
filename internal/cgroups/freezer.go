package cgroups

import (
	"fmt"
	"time"
)

// FreezerState mirrors the two stable states of the v2 freezer.
type FreezerState string

const (
	Frozen FreezerState = "1"
	Thawed FreezerState = "0"
)

// Freeze suspends every process in the group without terminating them,
// then polls until the kernel reports the transition settled. Freezing is
// asynchronous in the kernel; pause must not be reported done before all
// tasks actually stopped.
func (g *Group) Freeze() error {
	return g.setFreezer(Frozen)
}

// Thaw resumes a frozen group.
func (g *Group) Thaw() error {
	return g.setFreezer(Thawed)
}

func (g *Group) setFreezer(state FreezerState) error {
	if err := g.writeFile("cgroup.freeze", string(state)); err != nil {
		return fmt.Errorf("failed to write freezer state: %w", err)
	}

	want := "0"
	if state == Frozen {
		want = "1"
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		// cgroup.events carries "frozen 0|1"; fall back to the written
		// value when events are absent (test directories).
		settled := true
		_ = g.scanKeyValues("cgroup.events", func(key string, val int64) {
			if key == "frozen" {
				settled = fmt.Sprintf("%d", val) == want
			}
		})
		if settled {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("freezer did not settle on %q", want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
