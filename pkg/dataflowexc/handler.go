// Package dataflowexc implements the dedicated data-flow-exception handler
// of spec §7, distinct from the Abnormal Status Handler (§4.6) and the
// Fetch-alignment cache (§4.7): it receives DataFlowException{trans_id,
// scope, code, context} notifications and, for the reserved model-IO scope
// (empty string), wakes a pending Fetch blocked on the same trans_id with
// the captured code and the first 64 bytes of context. Bounded to 1024 live
// entries; on overflow the oldest queued entry is dropped and counted in
// metrics.Metrics.DataFlowExceptionExpired. No dflowerr.CodeExpired error
// or other notification is delivered for the dropped entry.
package dataflowexc

import (
	"container/list"
	"sync"

	"github.com/sgl-project/ome-dflow/pkg/dflowerr"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport/wire"
	"github.com/sgl-project/ome-dflow/pkg/metrics"
)

// ModelIOScope is the reserved scope name spec §7 propagates to Fetch
// callers: "the reserved model-IO scope (empty string)".
const ModelIOScope = ""

// DefaultCacheCapacity is the bound named in spec §7/§8: "Cache capacity
// 1024".
const DefaultCacheCapacity = 1024

// Exception is one delivered or drained model-IO data-flow exception.
type Exception struct {
	TransID string
	Code    dflowerr.Code
	Context []byte // first 64 bytes of wire.DataFlowException.ExceptionContext
}

type cacheEntry struct {
	transID string
	exc     Exception
}

// Handler is the dedicated data-flow-exception handler of spec §7. It is
// safe for concurrent use by many notifying executors and many waiting
// Fetch callers. Hand-rolled on container/list + map, mirroring
// pkg/runtime.AlignCache: no _examples repo brings in an LRU library
// (DESIGN.md Open Question decisions).
type Handler struct {
	capacity int
	metric   *metrics.Metrics

	mu      sync.Mutex
	ll      *list.List
	index   map[string]*list.Element
	waiters map[string]chan Exception
}

// New constructs a Handler bounded to capacity live, undrained entries.
func New(capacity int, metric *metrics.Metrics) *Handler {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Handler{
		capacity: capacity,
		metric:   metric,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
		waiters:  make(map[string]chan Exception),
	}
}

// HandleRequest is the receiving-side handler for wire.KindDataFlowExceptionNotify,
// suitable as (part of) the dispatch table passed to
// gwtransport.NewMessageServerHandler. It type-asserts req.Body, calls
// Notify, and always acknowledges -- a malformed body is logged by the
// caller's own dispatch, not refused here.
func (h *Handler) HandleRequest(req wire.Request) wire.Response {
	if exc, ok := req.Body.(wire.DataFlowException); ok {
		h.Notify(exc)
	}
	return wire.Response{ID: req.ID}
}

// Notify records exc (spec §7). Outside the reserved model-IO scope the
// exception is dropped: only scope == "" wakes a pending Fetch or queues
// for TakeWaitModelIoException. If a caller has already registered a Wait
// for this trans_id, the exception is delivered to it directly instead of
// being queued (a queued entry is drained into any later Wait call
// immediately too, so an entry and a live waiter for the same trans_id
// never coexist). Otherwise it is queued in insertion order, and if that
// pushes the handler over capacity the oldest queued entry is evicted and
// counted as expired; nothing is waiting on it, since a registered waiter
// would already have consumed it above.
func (h *Handler) Notify(exc wire.DataFlowException) {
	if exc.Scope != ModelIOScope {
		return
	}
	e := Exception{TransID: exc.TransID, Code: exc.Code, Context: trimContext(exc.ExceptionContext)}

	h.mu.Lock()
	if ch, ok := h.waiters[exc.TransID]; ok {
		delete(h.waiters, exc.TransID)
		h.mu.Unlock()
		ch <- e
		return
	}

	if existing, ok := h.index[exc.TransID]; ok {
		existing.Value.(*cacheEntry).exc = e
		h.mu.Unlock()
		return
	}

	el := h.ll.PushBack(&cacheEntry{transID: exc.TransID, exc: e})
	h.index[exc.TransID] = el

	expired := false
	if h.ll.Len() > h.capacity {
		oldest := h.ll.Front()
		if oldest != nil && oldest != el {
			oe := oldest.Value.(*cacheEntry)
			h.ll.Remove(oldest)
			delete(h.index, oe.transID)
			expired = true
		}
	}
	h.mu.Unlock()

	if expired && h.metric != nil {
		h.metric.DataFlowExceptionExpired.Inc()
	}
}

// Wait registers transID as awaited and returns a channel that delivers
// exactly one Exception: either a future Notify for transID, or an
// already-queued exception for transID delivered immediately. A registered
// wait is satisfied directly by Notify and never occupies the bounded
// cache, so it cannot itself be evicted. Callers that stop waiting before
// the channel fires should discard it; stale entries are harmless since
// Notify only ever sends once.
func (h *Handler) Wait(transID string) <-chan Exception {
	ch := make(chan Exception, 1)

	h.mu.Lock()
	if el, ok := h.index[transID]; ok {
		ce := el.Value.(*cacheEntry)
		h.ll.Remove(el)
		delete(h.index, transID)
		h.mu.Unlock()
		ch <- ce.exc
		return ch
	}
	h.waiters[transID] = ch
	h.mu.Unlock()

	return ch
}

// TakeWaitModelIoException drains the oldest still-queued model-IO
// exception, if any, in insertion order (spec §8 scenario S6). Entries
// already claimed by a Wait call are not returned here.
func (h *Handler) TakeWaitModelIoException() (Exception, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	el := h.ll.Front()
	if el == nil {
		return Exception{}, false
	}
	ce := el.Value.(*cacheEntry)
	h.ll.Remove(el)
	delete(h.index, ce.transID)
	return ce.exc, true
}

// Len reports the number of still-queued, undrained entries.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ll.Len()
}

func trimContext(raw [64]byte) []byte {
	out := make([]byte, len(raw))
	copy(out, raw[:])
	return out
}
