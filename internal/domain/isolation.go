package domain

import (
	"fmt"
	"strings"
)

// IsolationDomain is one axis of process isolation.
type IsolationDomain string

const (
	DomainPID     IsolationDomain = "pid"
	DomainNetwork IsolationDomain = "network"
	DomainMount   IsolationDomain = "mount"
	DomainUTS     IsolationDomain = "uts"
	DomainIPC     IsolationDomain = "ipc"
	DomainUser    IsolationDomain = "user"
)

// AllIsolationDomains lists every domain the builder knows about.
var AllIsolationDomains = []IsolationDomain{
	DomainPID, DomainNetwork, DomainMount, DomainUTS, DomainIPC, DomainUser,
}

// IsolationMode says how a single domain is provided: a fresh namespace,
// the host's, or shared with another running container ("container:<id>").
type IsolationMode string

const (
	IsolationPrivate IsolationMode = "private"
	IsolationHost    IsolationMode = "host"
)

const containerModePrefix = "container:"

// IsolationModeContainer builds a share-with-container mode value.
func IsolationModeContainer(id string) IsolationMode {
	return IsolationMode(containerModePrefix + id)
}

// ShareTarget returns the container id a share mode points at, if any.
func (m IsolationMode) ShareTarget() (string, bool) {
	if strings.HasPrefix(string(m), containerModePrefix) {
		return strings.TrimPrefix(string(m), containerModePrefix), true
	}
	return "", false
}

// Valid reports whether the mode is one of the recognized forms.
func (m IsolationMode) Valid() bool {
	if m == "" || m == IsolationPrivate || m == IsolationHost {
		return true
	}
	target, ok := m.ShareTarget()
	return ok && target != ""
}

// IsolationSpec enumerates, per domain, whether to create a fresh namespace,
// share the host's, or join another container's. The zero value means fully
// private isolation.
type IsolationSpec struct {
	PID     IsolationMode `json:"pid,omitempty"`
	Network IsolationMode `json:"network,omitempty"`
	Mount   IsolationMode `json:"mount,omitempty"`
	UTS     IsolationMode `json:"uts,omitempty"`
	IPC     IsolationMode `json:"ipc,omitempty"`
	User    IsolationMode `json:"user,omitempty"`
}

// Mode returns the effective mode for a domain; unset means private.
func (s IsolationSpec) Mode(d IsolationDomain) IsolationMode {
	var m IsolationMode
	switch d {
	case DomainPID:
		m = s.PID
	case DomainNetwork:
		m = s.Network
	case DomainMount:
		m = s.Mount
	case DomainUTS:
		m = s.UTS
	case DomainIPC:
		m = s.IPC
	case DomainUser:
		m = s.User
	}
	if m == "" {
		return IsolationPrivate
	}
	return m
}

// Validate rejects malformed modes and the mount-domain share form, which
// the host cannot provide (a mount namespace cannot be joined after the
// root filesystem is pivoted).
func (s IsolationSpec) Validate() error {
	for _, d := range AllIsolationDomains {
		m := s.Mode(d)
		if !m.Valid() {
			return &ValidationError{
				Field:  fmt.Sprintf("isolation.%s", d),
				Reason: fmt.Sprintf("unrecognized mode %q", m),
			}
		}
	}
	if _, ok := s.Mount.ShareTarget(); ok {
		return &ValidationError{Field: "isolation.mount", Reason: "mount namespace cannot be shared with another container"}
	}
	return nil
}
