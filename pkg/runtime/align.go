package runtime

import (
	"container/list"
	"sync"

	"github.com/sgl-project/ome-dflow/pkg/dflowerr"
	"github.com/sgl-project/ome-dflow/pkg/metrics"
)

// DefaultAlignCacheCapacity bounds how many in-flight trans-ids Fetch will
// buffer partial alignment state for (spec §4.7 Fetch: "up to a configured
// cache bound").
const DefaultAlignCacheCapacity = 1024

// alignEntry accumulates the per-index tensors fetched so far for one
// trans-id, until every requested index has reported in.
type alignEntry struct {
	transID string
	want    int
	got     map[int][]byte
}

// AlignCache buffers per-output tensors by trans_id until every index of a
// Fetch call has reported in, per spec §4.7 Fetch's optional alignment
// behavior. On overflow the oldest unaligned trans-id is dropped and
// surfaced to its waiter as dflowerr.CodeExpired. Hand-rolled on
// container/list + map, mirroring pkg/runtime.RouteCache: no _examples
// repo brings in an LRU library (DESIGN.md Open Question decisions).
type AlignCache struct {
	capacity int
	metric   *metrics.Metrics

	mu      sync.Mutex
	ll      *list.List
	index   map[string]*list.Element
	waiters map[string]chan error
}

// NewAlignCache constructs an AlignCache bounded to capacity in-flight
// trans-ids.
func NewAlignCache(capacity int, metric *metrics.Metrics) *AlignCache {
	if capacity <= 0 {
		capacity = DefaultAlignCacheCapacity
	}
	return &AlignCache{
		capacity: capacity,
		metric:   metric,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
		waiters:  make(map[string]chan error),
	}
}

// RegisterWaiter installs a buffered channel that receives ExpiredError(transID)
// if transID is evicted from the cache before it completes. The caller must
// call UnregisterWaiter once it stops watching, whether or not a value
// arrived, to avoid leaking the entry.
func (c *AlignCache) RegisterWaiter(transID string) chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan error, 1)
	c.waiters[transID] = ch
	return ch
}

// UnregisterWaiter removes a previously registered waiter for transID.
func (c *AlignCache) UnregisterWaiter(transID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, transID)
}

// Offer records tensor for index under transID, wanting a total of want
// distinct indices before alignment completes. It returns (aligned map,
// true) once every wanted index has reported in, evicting the completed
// entry. If offering causes the cache to exceed capacity, the oldest
// still-incomplete trans-id is evicted and its id returned as expired.
func (c *AlignCache) Offer(transID string, index int, tensor []byte, want int) (aligned map[int][]byte, complete bool, expired string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[transID]
	var entry *alignEntry
	if ok {
		c.ll.MoveToFront(el)
		entry = el.Value.(*alignEntry)
	} else {
		entry = &alignEntry{transID: transID, want: want, got: make(map[int][]byte)}
		el = c.ll.PushFront(entry)
		c.index[transID] = el
	}
	entry.got[index] = tensor

	if len(entry.got) >= entry.want {
		c.ll.Remove(el)
		delete(c.index, transID)
		return entry.got, true, ""
	}

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil && oldest != el {
			oe := oldest.Value.(*alignEntry)
			c.ll.Remove(oldest)
			delete(c.index, oe.transID)
			if c.metric != nil {
				c.metric.FetchAlignExpired.Inc()
			}
			if ch, ok := c.waiters[oe.transID]; ok {
				delete(c.waiters, oe.transID)
				ch <- ExpiredError(oe.transID)
			}
			return nil, false, oe.transID
		}
	}

	return nil, false, ""
}

// Len reports the number of trans-ids currently buffered.
func (c *AlignCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// ExpiredError builds the dflowerr.CodeExpired error surfaced to a Fetch
// caller whose trans-id was evicted before every index aligned.
func ExpiredError(transID string) error {
	return dflowerr.New(dflowerr.CodeExpired, "fetch alignment expired for trans_id "+transID)
}
