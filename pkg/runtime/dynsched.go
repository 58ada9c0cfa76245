// Package runtime implements the Heterogeneous Model Executor runtime
// handle of spec §4.7: Feed/Fetch against a deployed ExchangeRoute, and the
// dynamic-scheduling loop that resolves a gateway request to a concrete
// group member by consulting cached routing decisions and live queue depth.
package runtime

import (
	"container/list"
	"sort"
	"sync"

	"github.com/sgl-project/ome-dflow/pkg/metrics"
)

// FlowgwRequest is dequeued from a root model's gateway-request queue (spec
// §4.7 dynamic-sched loop step 1).
type FlowgwRequest struct {
	InputIndex int
	Entries    []FlowgwQueueInfo
}

// FlowgwQueueInfo is one entry of a FlowgwRequest: the logical group this
// request targets and the trans-id/route-label pair the caller wants
// resolved to a concrete member.
type FlowgwQueueInfo struct {
	ModelUUID     string
	LogicGroupID  string
	TransID       string
	RouteLabel    int32
	ChooseLogicID int32
}

// FlowgwResponse carries the resolved group-entry index for every
// FlowgwQueueInfo in the request that produced it, in the same order.
type FlowgwResponse struct {
	InputIndex int
	Resolved   []ResolvedEntry
}

// ResolvedEntry pairs a request entry with the group member index chosen
// for it.
type ResolvedEntry struct {
	TransID         string
	RouteLabel      int32
	GroupEntryIndex int
}

// DstGroupInfo is the routing table for one (model_uuid, logic_group_id)
// pair: the ordered candidate routes and how many of the leading entries
// are "preferred" (healthy replicas to try first).
type DstGroupInfo struct {
	Routes    []RouteEntry
	GroupSize int
}

// RouteEntry is one candidate destination within a DstGroupInfo: a group
// member index, its route label, and whether the status stream currently
// reports it healthy.
type RouteEntry struct {
	GroupEntryIndex int
	RouteLabel      int32
	Healthy         bool
}

// DepthSource reports the currently observed queue depth for a group member
// index, used to break ties among preferred healthy routes (spec §4.7 step
// 2: "shallowest observed depth"). ModelExecutor's implementation reads the
// live queue length synchronously; no status stream publishes depths.
type DepthSource interface {
	Depth(groupEntryIndex int) int
}

// RouteGroupKey identifies one cached routing decision: spec §4.7 keys the
// model_index_info_ cache by (model_uuid, logic_group_id), and within that
// by trans_id with a route_label check before reuse.
type RouteGroupKey struct {
	ModelUUID    string
	LogicGroupID string
}

type routeCacheEntry struct {
	key             RouteGroupKey
	transID         string
	routeLabel      int32
	groupEntryIndex int
}

// DefaultRouteCacheCapacity bounds the dynamic-sched trans-id -> chosen
// route cache (spec §4.7 step 2: "evict LRU trans-id when the cache is
// full").
const DefaultRouteCacheCapacity = 1024

// RouteCache is the dynamic-sched loop's LRU of (model_uuid, logic_group_id,
// trans_id) -> chosen group_entry_index, keyed so a repeat request for the
// same trans-id and route_label reuses its prior choice. Hand-rolled on
// container/list + map, mirroring pkg/runtime.AlignCache: no _examples repo
// brings in an LRU library (DESIGN.md Open Question decisions).
type RouteCache struct {
	capacity int
	metric   *metrics.Metrics

	mu    sync.Mutex
	ll    *list.List
	index map[RouteGroupKey]map[string]*list.Element
}

// NewRouteCache constructs a RouteCache bounded to capacity entries.
func NewRouteCache(capacity int, metric *metrics.Metrics) *RouteCache {
	if capacity <= 0 {
		capacity = DefaultRouteCacheCapacity
	}
	return &RouteCache{
		capacity: capacity,
		metric:   metric,
		ll:       list.New(),
		index:    make(map[RouteGroupKey]map[string]*list.Element),
	}
}

// Lookup returns the cached group_entry_index for key/transID if present and
// its recorded route_label still matches routeLabel (spec §4.7 step 2: "If
// trans_id is cached with a matching route_label, reuse").
func (c *RouteCache) Lookup(key RouteGroupKey, transID string, routeLabel int32) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byTrans, ok := c.index[key]
	if !ok {
		return 0, false
	}
	el, ok := byTrans[transID]
	if !ok {
		return 0, false
	}
	entry := el.Value.(*routeCacheEntry)
	if entry.routeLabel != routeLabel {
		return 0, false
	}
	c.ll.MoveToFront(el)
	return entry.groupEntryIndex, true
}

// Put records the chosen group_entry_index for key/transID, evicting the
// globally oldest entry across all groups if the cache is now over
// capacity.
func (c *RouteCache) Put(key RouteGroupKey, transID string, routeLabel int32, groupEntryIndex int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byTrans, ok := c.index[key]
	if !ok {
		byTrans = make(map[string]*list.Element)
		c.index[key] = byTrans
	}
	if el, ok := byTrans[transID]; ok {
		c.ll.MoveToFront(el)
		entry := el.Value.(*routeCacheEntry)
		entry.routeLabel = routeLabel
		entry.groupEntryIndex = groupEntryIndex
		return
	}

	entry := &routeCacheEntry{key: key, transID: transID, routeLabel: routeLabel, groupEntryIndex: groupEntryIndex}
	el := c.ll.PushFront(entry)
	byTrans[transID] = el

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			oe := oldest.Value.(*routeCacheEntry)
			delete(c.index[oe.key], oe.transID)
			if len(c.index[oe.key]) == 0 {
				delete(c.index, oe.key)
			}
			if c.metric != nil {
				c.metric.DynamicSchedCacheEvicts.Inc()
			}
		}
	}
}

// Len reports the number of live cached decisions.
func (c *RouteCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Resolve implements the routing decision of spec §4.7 dynamic-sched loop
// step 2 for a single FlowgwQueueInfo entry: cache reuse, singleton
// shortcut, shallowest-depth-among-preferred selection, and fallback to the
// remaining routes when every preferred entry is unhealthy.
func (c *RouteCache) Resolve(info *DstGroupInfo, depths DepthSource, req FlowgwQueueInfo) int {
	key := RouteGroupKey{ModelUUID: req.ModelUUID, LogicGroupID: req.LogicGroupID}

	if idx, ok := c.Lookup(key, req.TransID, req.RouteLabel); ok {
		return idx
	}

	if len(info.Routes) == 1 {
		idx := info.Routes[0].GroupEntryIndex
		c.Put(key, req.TransID, req.RouteLabel, idx)
		return idx
	}

	groupSize := info.GroupSize
	if groupSize <= 0 || groupSize > len(info.Routes) {
		groupSize = len(info.Routes)
	}
	idx, ok := pickShallowestHealthy(info.Routes[:groupSize], depths)
	if !ok {
		idx, ok = pickShallowestHealthy(info.Routes[groupSize:], depths)
	}
	if !ok {
		// Every candidate unhealthy: fall back to the first preferred
		// entry rather than refusing to answer (spec leaves this
		// terminal case open; see DESIGN.md Open Question decisions).
		idx = info.Routes[0].GroupEntryIndex
	}

	c.Put(key, req.TransID, req.RouteLabel, idx)
	return idx
}

func pickShallowestHealthy(candidates []RouteEntry, depths DepthSource) (int, bool) {
	var best *RouteEntry
	var bestDepth int
	for i := range candidates {
		c := candidates[i]
		if !c.Healthy {
			continue
		}
		depth := 0
		if depths != nil {
			depth = depths.Depth(c.GroupEntryIndex)
		}
		if best == nil || depth < bestDepth || (depth == bestDepth && c.RouteLabel < best.RouteLabel) {
			cc := c
			best = &cc
			bestDepth = depth
		}
	}
	if best == nil {
		return 0, false
	}
	return best.GroupEntryIndex, true
}

// SortRoutesByLabel orders routes by ascending RouteLabel, the tie-break
// rule of spec §4.7 step 2.
func SortRoutesByLabel(routes []RouteEntry) {
	sort.Slice(routes, func(i, j int) bool { return routes[i].RouteLabel < routes[j].RouteLabel })
}
