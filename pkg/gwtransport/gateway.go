package gwtransport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/logging"
)

// pumpPollInterval is the Dequeue timeout a bound pump polls at; it bounds
// how quickly Unbind's context cancellation is observed.
const pumpPollInterval = 50 * time.Millisecond

// Tag is a cross-node endpoint backed by an hcom handle (spec §3, §6).
type Tag struct {
	TagID       uint32
	PeerTagID   uint32
	RankID      int32
	PeerRankID  int32
	Depth       int
	Local, Peer flowmodel.DeviceInfo
}

// Group addresses a set of queues as one logical port, for replica
// fan-out/fan-in (spec §3: "a Group's members must not themselves be
// Groups").
type Group struct {
	ID      uint32
	Members []uint32
}

type binding struct {
	src, dst uint32
	cancel   context.CancelFunc
}

func bindKey(src, dst uint32) uint64 { return uint64(src)<<32 | uint64(dst) }

// Gateway is the process-wide exchange broker: it owns every queue, group,
// and tag, and pumps bound producer->consumer pairs. It plays the role of
// spec §3's "gateway" that ExchangeRoute bindings are realized through, and
// is the single ExecutionRuntime-scoped singleton Design Notes §9 calls for
// (construct once via New, Finalize on shutdown).
type Gateway struct {
	logger logging.Interface

	mu       sync.RWMutex
	nextID   uint32
	queues   map[uint32]*Queue
	byName   map[string]uint32 // "device:name" -> id, for ExternalQueue lookups
	groups   map[uint32]*Group
	tags     map[uint32]*Tag
	bindings map[uint64]*binding
}

// New constructs an empty Gateway.
func New(logger logging.Interface) *Gateway {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Gateway{
		logger:   logger,
		queues:   make(map[uint32]*Queue),
		byName:   make(map[string]uint32),
		groups:   make(map[uint32]*Group),
		tags:     make(map[uint32]*Tag),
		bindings: make(map[uint64]*binding),
	}
}

func (g *Gateway) allocID() uint32 { return atomic.AddUint32(&g.nextID, 1) }

// CreateQueue allocates and registers a new queue scoped to device, under
// name (used for ExternalQueue lookups, spec §4.2b).
func (g *Gateway) CreateQueue(device flowmodel.DeviceInfo, name string, attr QueueAttr) (*Queue, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := device.String() + ":" + name
	if _, exists := g.byName[key]; exists {
		return nil, errors.Errorf("gwtransport: queue %q already exists on device %s", name, device)
	}

	id := g.allocID()
	q := NewQueue(id, name, attr)
	g.queues[id] = q
	g.byName[key] = id
	return q, nil
}

// LookupExternalQueue resolves an ExternalQueue endpoint by (device, name)
// against the registry, per spec §4.2b.
func (g *Gateway) LookupExternalQueue(device flowmodel.DeviceInfo, name string) (*Queue, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	id, ok := g.byName[device.String()+":"+name]
	if !ok {
		return nil, errors.Errorf("gwtransport: no queue named %q registered on device %s", name, device)
	}
	return g.queues[id], nil
}

// Queue returns a previously created queue by id.
func (g *Gateway) Queue(id uint32) (*Queue, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	q, ok := g.queues[id]
	return q, ok
}

// DestroyQueue unregisters and closes a queue.
func (g *Gateway) DestroyQueue(id uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	q, ok := g.queues[id]
	if !ok {
		return errors.Errorf("gwtransport: unknown queue id %d", id)
	}
	q.Close()
	delete(g.queues, id)
	for k, v := range g.byName {
		if v == id {
			delete(g.byName, k)
			break
		}
	}
	return nil
}

// CreateTag allocates an hcom handle pair for a cross-node producer/consumer
// edge (spec §4.1 step 3). Each side of the pair is backed by an ordinary
// queue registered under the tag's id, since the hcom transport itself is
// out of scope (spec §1) and Bind only needs something it can pump through.
func (g *Gateway) CreateTag(local, peer flowmodel.DeviceInfo, depth int) (*Tag, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.allocID()
	peerID := g.allocID()
	tag := &Tag{TagID: id, PeerTagID: peerID, Depth: depth, Local: local, Peer: peer}
	g.tags[id] = tag
	g.queues[id] = NewQueue(id, fmt.Sprintf("tag[%s->%s]", local, peer), QueueAttr{Depth: depth})
	g.queues[peerID] = NewQueue(peerID, fmt.Sprintf("tag-peer[%s->%s]", local, peer), QueueAttr{Depth: depth})
	return tag, nil
}

// CreateGroup registers a group of member queue/tag ids. Per spec §3, a
// group's members must not themselves be groups.
func (g *Gateway) CreateGroup(members []uint32) (*Group, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, m := range members {
		if _, isGroup := g.groups[m]; isGroup {
			return nil, errors.Errorf("gwtransport: group member %d is itself a group", m)
		}
	}

	id := g.allocID()
	grp := &Group{ID: id, Members: append([]uint32(nil), members...)}
	g.groups[id] = grp
	return grp, nil
}

// Group returns a previously created group by id.
func (g *Gateway) Group(id uint32) (*Group, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	grp, ok := g.groups[id]
	return grp, ok
}

// DestroyGroup removes a group registration (its members are untouched).
func (g *Gateway) DestroyGroup(id uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.groups[id]; !ok {
		return errors.Errorf("gwtransport: unknown group id %d", id)
	}
	delete(g.groups, id)
	return nil
}

// UpdateGroupMembers replaces a group's member set, used when exception
// routing removes a failed replica (spec §4.2, scenario S2).
func (g *Gateway) UpdateGroupMembers(id uint32, members []uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[id]
	if !ok {
		return errors.Errorf("gwtransport: unknown group id %d", id)
	}
	grp.Members = append([]uint32(nil), members...)
	return nil
}

// Bind installs an active producer->consumer pump from src to dst. Binding
// is idempotent: binding the same (src, dst) pair twice is a no-op. When
// src is a Group, every member queue is pumped to dst (replica fan-in).
func (g *Gateway) Bind(ctx context.Context, src, dst uint32) error {
	g.mu.Lock()
	key := bindKey(src, dst)
	if _, exists := g.bindings[key]; exists {
		g.mu.Unlock()
		return nil
	}
	var srcQs []*Queue
	if q, ok := g.queues[src]; ok {
		srcQs = []*Queue{q}
	} else if grp, ok := g.groups[src]; ok {
		for _, m := range grp.Members {
			if q, ok := g.queues[m]; ok {
				srcQs = append(srcQs, q)
			}
		}
	}
	if len(srcQs) == 0 {
		g.mu.Unlock()
		return errors.Errorf("gwtransport: bind: unknown src queue %d", src)
	}
	dstQ, ok := g.queues[dst]
	if !ok {
		g.mu.Unlock()
		return errors.Errorf("gwtransport: bind: unknown dst queue %d", dst)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	g.bindings[key] = &binding{src: src, dst: dst, cancel: cancel}
	g.mu.Unlock()

	for _, q := range srcQs {
		go g.pump(pumpCtx, q, dstQ)
	}
	return nil
}

func (g *Gateway) pump(ctx context.Context, src, dst *Queue) {
	for {
		msg, err := src.Dequeue(ctx, pumpPollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue // queue-empty timeout: keep polling
		}
		if err := dst.Enqueue(ctx, msg); err != nil {
			g.logger.WithError(err).Warnf("gwtransport: pump %d->%d dropped message", src.ID, dst.ID)
		}
	}
}

// Unbind stops the pump for (src, dst), if any.
func (g *Gateway) Unbind(src, dst uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := bindKey(src, dst)
	b, ok := g.bindings[key]
	if !ok {
		return nil
	}
	b.cancel()
	delete(g.bindings, key)
	return nil
}

// ActiveBindings returns the current (src, dst) pairs with a live pump,
// used by exception rerouting and tests.
func (g *Gateway) ActiveBindings() [][2]uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([][2]uint32, 0, len(g.bindings))
	for _, b := range g.bindings {
		out = append(out, [2]uint32{b.src, b.dst})
	}
	return out
}

// Finalize unbinds and destroys everything the Gateway owns.
func (g *Gateway) Finalize() {
	g.mu.Lock()
	bindings := make([]*binding, 0, len(g.bindings))
	for _, b := range g.bindings {
		bindings = append(bindings, b)
	}
	g.bindings = make(map[uint64]*binding)
	queues := g.queues
	g.queues = make(map[uint32]*Queue)
	g.byName = make(map[string]uint32)
	g.groups = make(map[uint32]*Group)
	g.tags = make(map[uint32]*Tag)
	g.mu.Unlock()

	for _, b := range bindings {
		b.cancel()
	}
	for _, q := range queues {
		q.Close()
	}
}

func (t Tag) String() string {
	return fmt.Sprintf("tag(%d<->%d, rank %d<->%d)", t.TagID, t.PeerTagID, t.RankID, t.PeerRankID)
}
