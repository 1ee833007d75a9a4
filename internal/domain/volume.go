package domain

import "time"

// Volume is a named, durable storage unit independent of any single
// container's lifecycle. Destroyed explicitly, never implicitly by
// container removal unless requested.
type Volume struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"` // backing directory on the host
	CreatedAt time.Time `json:"created_at"`
	// Implicit marks volumes auto-created on first mount use.
	Implicit bool `json:"implicit,omitempty"`
}

// Network is a named isolated connectivity domain.
type Network struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Subnet    string    `json:"subnet"` // CIDR the IPAM pool allocates from
	CreatedAt time.Time `json:"created_at"`
}

// Endpoint is one container's membership in a network, carrying its IP
// assignment and optional alias set.
type Endpoint struct {
	NetworkID   string   `json:"network_id"`
	ContainerID string   `json:"container_id"`
	IP          string   `json:"ip"`
	Aliases     []string `json:"aliases,omitempty"`
	// Primary marks the first-connected network, whose aliases win on
	// conflict.
	Primary bool `json:"primary,omitempty"`
}
