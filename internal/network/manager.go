// Package network manages named connectivity domains and per-container
// address assignment. Each network owns a subnet; containers attached to
// the same network can resolve each other by name or alias.
package network

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/wharfd/wharfd/internal/domain"
	"github.com/wharfd/wharfd/internal/store"
	"github.com/wharfd/wharfd/pkg/logger"
)

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// defaultPoolBase seeds automatic subnet assignment: the n-th network
// without an explicit subnet gets 10.89.n.0/24.
const defaultPoolBase = "10.89.%d.0/24"

// Manager performs network CRUD and IP address management on top of the
// metadata store.
type Manager struct {
	meta *store.Store
}

// NewManager returns a manager bound to the store.
func NewManager(meta *store.Store) *Manager {
	return &Manager{meta: meta}
}

// Create makes a named network. An empty subnet picks the first free
// /24 from the default pool.
func (m *Manager) Create(ctx context.Context, name, subnet string) (*domain.Network, error) {
	if !validName.MatchString(name) {
		return nil, &domain.ValidationError{Field: "network.name", Reason: fmt.Sprintf("invalid name %q", name)}
	}
	if subnet == "" {
		var err error
		if subnet, err = m.pickSubnet(ctx); err != nil {
			return nil, err
		}
	} else if _, cidr, err := net.ParseCIDR(subnet); err != nil {
		return nil, &domain.ValidationError{Field: "network.subnet", Reason: fmt.Sprintf("invalid CIDR %q", subnet)}
	} else if cidr.IP.To4() == nil {
		return nil, &domain.ValidationError{Field: "network.subnet", Reason: fmt.Sprintf("only IPv4 subnets are supported, got %q", subnet)}
	}

	n := &domain.Network{
		ID:        uuid.New().String(),
		Name:      name,
		Subnet:    subnet,
		CreatedAt: time.Now(),
	}
	if err := m.meta.PutNetwork(ctx, n); err != nil {
		return nil, err
	}
	logger.Info("Network created", "name", name, "subnet", subnet)
	return n, nil
}

func (m *Manager) pickSubnet(ctx context.Context) (string, error) {
	existing, err := m.meta.ListNetworks(ctx)
	if err != nil {
		return "", err
	}
	used := make(map[string]bool, len(existing))
	for _, n := range existing {
		used[n.Subnet] = true
	}
	for i := 0; i < 256; i++ {
		candidate := fmt.Sprintf(defaultPoolBase, i)
		if !used[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: default subnet pool exhausted", domain.ErrResourceUnavailable)
}

// Get resolves a network by id or name.
func (m *Manager) Get(ctx context.Context, ref string) (*domain.Network, error) {
	return m.meta.GetNetwork(ctx, ref)
}

// List returns every network.
func (m *Manager) List(ctx context.Context) ([]*domain.Network, error) {
	return m.meta.ListNetworks(ctx)
}

// Remove deletes a network. Refused while containers are attached.
func (m *Manager) Remove(ctx context.Context, ref string) error {
	n, err := m.meta.GetNetwork(ctx, ref)
	if err != nil {
		return err
	}
	eps, err := m.meta.ListEndpoints(ctx, n.ID, "")
	if err != nil {
		return err
	}
	if len(eps) > 0 {
		return fmt.Errorf("%w: network %s has %d attached containers", domain.ErrStateConflict, n.Name, len(eps))
	}
	if err := m.meta.DeleteNetwork(ctx, n.ID); err != nil {
		return err
	}
	logger.Info("Network removed", "name", n.Name)
	return nil
}

// Connect attaches a container to a network, allocating the next free
// address from the subnet. The container's first network is marked
// primary; on alias conflicts the earliest attachment keeps winning
// resolution.
func (m *Manager) Connect(ctx context.Context, ref, containerID string, aliases []string) (*domain.Endpoint, error) {
	n, err := m.meta.GetNetwork(ctx, ref)
	if err != nil {
		return nil, err
	}
	existing, err := m.meta.ListEndpoints(ctx, n.ID, containerID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%w: container %s is already attached to network %s", domain.ErrStateConflict, containerID, n.Name)
	}

	ip, err := m.allocateIP(ctx, n)
	if err != nil {
		return nil, err
	}
	mine, err := m.meta.ListEndpoints(ctx, "", containerID)
	if err != nil {
		return nil, err
	}

	ep := &domain.Endpoint{
		NetworkID:   n.ID,
		ContainerID: containerID,
		IP:          ip,
		Aliases:     aliases,
		Primary:     len(mine) == 0,
	}
	if err := m.meta.PutEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	logger.Debug("Container attached to network", "container", containerID, "network", n.Name, "ip", ip)
	return ep, nil
}

// allocateIP hands out the lowest unused host address, reserving the
// network address and .1 for the gateway.
func (m *Manager) allocateIP(ctx context.Context, n *domain.Network) (string, error) {
	_, cidr, err := net.ParseCIDR(n.Subnet)
	if err != nil {
		return "", fmt.Errorf("%w: network %s has malformed subnet: %v", domain.ErrEngineFault, n.Name, err)
	}
	eps, err := m.meta.ListEndpoints(ctx, n.ID, "")
	if err != nil {
		return "", err
	}
	used := make(map[string]bool, len(eps))
	for _, ep := range eps {
		used[ep.IP] = true
	}

	v4 := cidr.IP.To4()
	if v4 == nil {
		return "", fmt.Errorf("%w: network %s has a non-IPv4 subnet", domain.ErrEngineFault, n.Name)
	}
	base := binary.BigEndian.Uint32(v4)
	ones, bits := cidr.Mask.Size()
	size := uint32(1) << (bits - ones)
	for off := uint32(2); off < size-1; off++ {
		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, base+off)
		if !used[ip.String()] {
			return ip.String(), nil
		}
	}
	return "", fmt.Errorf("%w: subnet %s exhausted", domain.ErrResourceUnavailable, n.Subnet)
}

// Disconnect detaches a container from one network.
func (m *Manager) Disconnect(ctx context.Context, ref, containerID string) error {
	n, err := m.meta.GetNetwork(ctx, ref)
	if err != nil {
		return err
	}
	eps, err := m.meta.ListEndpoints(ctx, n.ID, containerID)
	if err != nil {
		return err
	}
	if len(eps) == 0 {
		return &domain.NotFoundError{Kind: "endpoint", Ref: containerID}
	}
	return m.meta.DeleteEndpoints(ctx, containerID, n.ID)
}

// DisconnectAll detaches a container from every network, used on
// container removal.
func (m *Manager) DisconnectAll(ctx context.Context, containerID string) error {
	return m.meta.DeleteEndpoints(ctx, containerID, "")
}

// ResolveAlias finds the address an alias points at within a network.
// When several attachments claim the same alias the earliest one wins.
func (m *Manager) ResolveAlias(ctx context.Context, ref, alias string) (*domain.Endpoint, error) {
	n, err := m.meta.GetNetwork(ctx, ref)
	if err != nil {
		return nil, err
	}
	eps, err := m.meta.ListEndpoints(ctx, n.ID, "")
	if err != nil {
		return nil, err
	}
	// Endpoints come back in attachment order.
	for _, ep := range eps {
		for _, a := range ep.Aliases {
			if a == alias {
				return ep, nil
			}
		}
	}
	return nil, &domain.NotFoundError{Kind: "alias", Ref: alias}
}
