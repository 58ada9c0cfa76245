package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport"
)

// deviceClientKey identifies a FlowGwClient by (device_id, device_type),
// per spec §2's component table.
type deviceClientKey struct {
	deviceType string
	deviceID   int32
}

func keyFor(d flowmodel.DeviceInfo) deviceClientKey {
	return deviceClientKey{deviceType: d.DeviceType, deviceID: d.DeviceID}
}

// Client is a per-device handle onto the shared Gateway: group create/
// destroy, bind/unbind, and route update on exception, scoped to a single
// device so callers never need to pass device identity into every call.
type Client struct {
	device flowmodel.DeviceInfo
	gw     *gwtransport.Gateway
}

// Device returns the device this client is scoped to.
func (c *Client) Device() flowmodel.DeviceInfo { return c.device }

// CreateQueue creates a queue on this client's device.
func (c *Client) CreateQueue(name string, attr gwtransport.QueueAttr) (*gwtransport.Queue, error) {
	return c.gw.CreateQueue(c.device, name, attr)
}

// CreateGroup creates a group of member physical ids.
func (c *Client) CreateGroup(members []uint32) (*gwtransport.Group, error) {
	return c.gw.CreateGroup(members)
}

// DestroyGroup destroys a previously created group.
func (c *Client) DestroyGroup(id uint32) error { return c.gw.DestroyGroup(id) }

// Bind installs a producer->consumer pump.
func (c *Client) Bind(ctx context.Context, src, dst uint32) error { return c.gw.Bind(ctx, src, dst) }

// Unbind tears down a producer->consumer pump.
func (c *Client) Unbind(src, dst uint32) error { return c.gw.Unbind(src, dst) }

// UpdateGroupMembers reroutes a group's membership, e.g. after an
// exception drops a replica (spec §4.2, scenario S2).
func (c *Client) UpdateGroupMembers(id uint32, members []uint32) error {
	return c.gw.UpdateGroupMembers(id, members)
}

// ClientManager is the FlowGwClientManager of spec §2: one Client per
// (device_id, device_type), lazily created and cached.
type ClientManager struct {
	gw *gwtransport.Gateway

	mu      sync.Mutex
	clients map[deviceClientKey]*Client
}

// NewClientManager constructs a ClientManager bound to gw.
func NewClientManager(gw *gwtransport.Gateway) *ClientManager {
	return &ClientManager{gw: gw, clients: make(map[deviceClientKey]*Client)}
}

// ClientFor returns the Client for device, creating it on first use. Per
// spec §5, client creation is serialized by the manager; using a returned
// client concurrently is the caller's responsibility (it is safe: the
// client only forwards to the thread-safe Gateway).
func (m *ClientManager) ClientFor(device flowmodel.DeviceInfo) *Client {
	key := keyFor(device)

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[key]; ok {
		return c
	}
	c := &Client{device: device, gw: m.gw}
	m.clients[key] = c
	return c
}

// Count returns the number of distinct (device_id, device_type) clients
// created so far, for diagnostics and tests.
func (m *ClientManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (k deviceClientKey) String() string { return fmt.Sprintf("%s:%d", k.deviceType, k.deviceID) }
