package domain

import (
	"strconv"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/opencontainers/go-digest"
)

// Container is the mutable lifecycle entity managed by the engine.
type Container struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ImageID   string    `json:"image_id"`
	State     State     `json:"state"`
	Config    Config    `json:"config"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitzero"`

	// WritableLayer is allocated fresh at creation time and never shared.
	WritableLayer digest.Digest `json:"writable_layer"`

	// Process identity, valid only while running. StartClock is the kernel
	// start time of the PID, used to detect PID reuse across engine restarts.
	PID        int    `json:"pid,omitempty"`
	StartClock uint64 `json:"start_clock,omitempty"`

	// Exit is recorded when the container reaches the exited state.
	Exit *ExitOutcome `json:"exit,omitempty"`

	// LastError is attached when a Start attempt fails and rolls back.
	LastError string `json:"last_error,omitempty"`
}

// Config is the effective run configuration of a container: image defaults
// overridden by caller-supplied options. The front-end translates free-form
// flags into this closed structure before it reaches the engine.
type Config struct {
	Entrypoint []string `json:"entrypoint,omitempty"`
	Cmd        []string `json:"cmd,omitempty"`
	Env        []string `json:"env,omitempty"`
	EnvFile    string   `json:"env_file,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
	User       string   `json:"user,omitempty"`
	Hostname   string   `json:"hostname,omitempty"`

	Ports     []PortMapping  `json:"ports,omitempty"`
	Mounts    []Mount        `json:"mounts,omitempty"`
	Networks  []string       `json:"networks,omitempty"`
	Aliases   []string       `json:"aliases,omitempty"`
	Limits    ResourceLimits `json:"limits,omitzero"`
	Isolation IsolationSpec  `json:"isolation,omitzero"`
}

// PortMapping publishes a container port on the host.
type PortMapping struct {
	HostPort      uint16 `json:"host_port"`
	ContainerPort uint16 `json:"container_port"`
	Protocol      string `json:"protocol"` // "tcp" or "udp", default tcp
}

// NatPort returns the mapping's container side as a nat.Port ("80/tcp").
func (p PortMapping) NatPort() (nat.Port, error) {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return nat.NewPort(proto, strconv.Itoa(int(p.ContainerPort)))
}

// MountType distinguishes named volumes from host-path binds.
type MountType string

const (
	MountTypeVolume MountType = "volume"
	MountTypeBind   MountType = "bind"
)

// Mount attaches a volume or a host path inside the container.
type Mount struct {
	Type     MountType `json:"type"`
	Source   string    `json:"source"` // volume name or host path
	Target   string    `json:"target"` // absolute path inside the container
	ReadOnly bool      `json:"read_only,omitempty"`
}

// ResourceLimits are the CPU/memory/IO ceilings attached to a container's
// process group. Zero values mean "no limit".
type ResourceLimits struct {
	// MemoryBytes is the memory ceiling.
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
	// MemorySwapBytes is the combined memory+swap ceiling; must be >=
	// MemoryBytes when both are set.
	MemorySwapBytes int64 `json:"memory_swap_bytes,omitempty"`
	// CPUShares is a relative scheduling weight.
	CPUShares int64 `json:"cpu_shares,omitempty"`
	// CPUQuotaMicros/CPUPeriodMicros express an absolute core fraction.
	CPUQuotaMicros  int64 `json:"cpu_quota_us,omitempty"`
	CPUPeriodMicros int64 `json:"cpu_period_us,omitempty"`
	// CPUSet restricts the container to an explicit core list ("0-2,4").
	CPUSet string `json:"cpuset,omitempty"`
}

// IsZero reports whether no limit is set.
func (l ResourceLimits) IsZero() bool {
	return l == ResourceLimits{}
}

// Validate rejects inconsistent limit combinations.
func (l ResourceLimits) Validate() error {
	if l.MemoryBytes < 0 || l.MemorySwapBytes < 0 {
		return &ValidationError{Field: "limits.memory", Reason: "negative ceiling"}
	}
	if l.MemorySwapBytes > 0 && l.MemorySwapBytes < l.MemoryBytes {
		return &ValidationError{Field: "limits.memory_swap", Reason: "memory+swap ceiling below memory ceiling"}
	}
	if l.CPUQuotaMicros > 0 && l.CPUPeriodMicros == 0 {
		return &ValidationError{Field: "limits.cpu_period", Reason: "cpu quota requires a period"}
	}
	return nil
}

// ContainerFilter narrows List results. Zero fields match everything.
type ContainerFilter struct {
	State State  `json:"state,omitempty"`
	Name  string `json:"name,omitempty"`
}
