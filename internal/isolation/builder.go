// Package isolation constructs the isolated execution context for a new
// container process: which namespaces to create fresh, which to share
// with the host, and which to join from another running container.
package isolation

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/wharfd/wharfd/internal/domain"
)

// nsFile maps an isolation domain to its /proc/<pid>/ns entry.
var nsFile = map[domain.IsolationDomain]string{
	domain.DomainPID:     "pid",
	domain.DomainNetwork: "net",
	domain.DomainMount:   "mnt",
	domain.DomainUTS:     "uts",
	domain.DomainIPC:     "ipc",
	domain.DomainUser:    "user",
}

// cloneFlag maps an isolation domain to its CLONE_NEW* flag.
var cloneFlag = map[domain.IsolationDomain]uintptr{
	domain.DomainPID:     unix.CLONE_NEWPID,
	domain.DomainNetwork: unix.CLONE_NEWNET,
	domain.DomainMount:   unix.CLONE_NEWNS,
	domain.DomainUTS:     unix.CLONE_NEWUTS,
	domain.DomainIPC:     unix.CLONE_NEWIPC,
	domain.DomainUser:    unix.CLONE_NEWUSER,
}

// Context is the prepared isolation state handed to the spawner. It does
// not start the process itself.
type Context struct {
	// CloneFlags are the namespaces created fresh at clone time.
	CloneFlags uintptr
	// JoinPaths are namespaces entered from another container, keyed by
	// domain, each a /proc/<pid>/ns path the init process setns()es into
	// before exec.
	JoinPaths map[domain.IsolationDomain]string
	// UIDMappings/GIDMappings are set when a fresh user namespace maps the
	// engine's credentials to root inside the container.
	UIDMappings []syscall.SysProcIDMap
	GIDMappings []syscall.SysProcIDMap
}

// ShareLookup resolves a share-target container id to its pid and whether
// it is currently running.
type ShareLookup func(id string) (pid int, running bool, err error)

// Builder validates isolation specs against host capabilities and resolves
// share targets.
type Builder struct {
	lookup ShareLookup

	// userNSSupported is swappable for tests.
	userNSSupported func() bool
}

// NewBuilder creates a builder resolving container share targets through
// lookup.
func NewBuilder(lookup ShareLookup) *Builder {
	return &Builder{
		lookup:          lookup,
		userNSSupported: hostSupportsUserNS,
	}
}

// Build turns a spec into a Context. Fails with UnsupportedIsolation when
// the host cannot provide a requested domain, and IsolationConflict when a
// share target is not running.
func (b *Builder) Build(spec domain.IsolationSpec) (*Context, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	ctx := &Context{JoinPaths: make(map[domain.IsolationDomain]string)}

	for _, d := range domain.AllIsolationDomains {
		mode := spec.Mode(d)
		switch {
		case mode == domain.IsolationHost:
			// Nothing to do: no clone flag, no join.
		case mode == domain.IsolationPrivate:
			if d == domain.DomainUser && !b.userNSSupported() {
				return nil, fmt.Errorf("%w: user-id mapping is not available on this host", domain.ErrUnsupportedIsolation)
			}
			ctx.CloneFlags |= cloneFlag[d]
		default:
			target, _ := mode.ShareTarget()
			pid, running, err := b.lookup(target)
			if err != nil {
				return nil, err
			}
			if !running {
				return nil, fmt.Errorf("%w: cannot share %s namespace with container %s: not running", domain.ErrIsolationConflict, d, target)
			}
			ctx.JoinPaths[d] = fmt.Sprintf("/proc/%d/ns/%s", pid, nsFile[d])
		}
	}

	if ctx.CloneFlags&unix.CLONE_NEWUSER != 0 {
		ctx.UIDMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
		ctx.GIDMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	}

	return ctx, nil
}

// hostSupportsUserNS probes the kernel knob gating user namespaces.
func hostSupportsUserNS() bool {
	data, err := os.ReadFile("/proc/sys/user/max_user_namespaces")
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	return err == nil && n > 0
}
