package runtime

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/sgl-project/ome-dflow/pkg/dataflowexc"
	"github.com/sgl-project/ome-dflow/pkg/dflowerr"
	"github.com/sgl-project/ome-dflow/pkg/exchange"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport/wire"
	"github.com/sgl-project/ome-dflow/pkg/logging"
	"github.com/sgl-project/ome-dflow/pkg/metrics"
)

func init() {
	gob.Register(fusedPayload{})
	gob.Register(FlowgwRequest{})
	gob.Register(FlowgwResponse{})
}

// FeedSegment is one tensor packed into a fusion gather, at its declared
// fusion offset (spec §4.7 Feed: "fusion inputs ... enqueue as a single
// gather").
type FeedSegment struct {
	Offset int32
	Data   []byte
}

type fusedPayload struct {
	Segments []FeedSegment
}

func encodeFused(segs []FeedSegment) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(fusedPayload{Segments: segs}); err != nil {
		return nil, errors.Wrap(err, "runtime: encode fused payload")
	}
	return buf.Bytes(), nil
}

func decodeFused(data []byte) (fusedPayload, error) {
	var p fusedPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return fusedPayload{}, errors.Wrap(err, "runtime: decode fused payload")
	}
	return p, nil
}

// DecodeFusedSegments exposes a Fetch result's raw data as the ordered
// FeedSegments a fusion Feed packed it from, for a caller reading a queue
// that receives fused input (spec §4.7 Feed: "fusion inputs ... enqueue as
// a single gather"). A FetchResult with exactly one segment is already
// unwrapped into FetchResult.Data; this is for the multi-segment case.
func DecodeFusedSegments(data []byte) ([]FeedSegment, error) {
	p, err := decodeFused(data)
	if err != nil {
		return nil, err
	}
	return p.Segments, nil
}

// FlowMsgKind distinguishes the three envelope variants FeedFlowMsg/
// FetchFlowMsg carry for user-defined-function ports (spec §4.7).
type FlowMsgKind int

const (
	FlowMsgTensor FlowMsgKind = iota
	FlowMsgRawData
	FlowMsgEmpty // end-of-stream
)

// FetchResult is one resolved Fetch output: the tensor bytes and the
// trans-id the aligner correlated it under, if alignment is enabled.
type FetchResult struct {
	Index   int
	TransID string
	Data    []byte
}

// Config configures a ModelExecutor. Route and Gateway must already be
// deployed (exchange.Engine.Deploy has run).
type Config struct {
	NodeID  string
	Route   *exchange.Route
	Gateway *gwtransport.Gateway

	// AlignEnabled turns on Fetch's trans-id alignment buffer (spec §4.7
	// Fetch: "Alignment is optional").
	AlignEnabled      bool
	AlignCapacity     int
	RouteCacheCapacity int

	// DataFlowExceptionCapacity bounds the model-IO data-flow-exception
	// cache (spec §7: "Cache capacity 1024"). Zero uses
	// dataflowexc.DefaultCacheCapacity.
	DataFlowExceptionCapacity int

	// DevAbnormalCallback is invoked before a fatal rt error is bubbled to
	// the caller, so the upper layer can switch to degraded-serve (spec
	// §4.7 Exception surface).
	DevAbnormalCallback func(ctx context.Context, err error)

	Logger logging.Interface
	Metric *metrics.Metrics
}

// ModelExecutor is the runtime handle of spec §4.7: Feed/Fetch against a
// deployed route, FeedFlowMsg/FetchFlowMsg for UDF ports, and the
// dynamic-sched routing loop for root models that need it.
type ModelExecutor struct {
	nodeID  string
	route   *exchange.Route
	gw      *gwtransport.Gateway
	logger  logging.Interface
	metric  *metrics.Metrics
	onAbnormal func(ctx context.Context, err error)

	align      *AlignCache
	routeCache *RouteCache
	exceptions *dataflowexc.Handler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a ModelExecutor bound to cfg.Route. It does not start any
// background thread; call ModelRunStart for that.
func New(cfg Config) *ModelExecutor {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	e := &ModelExecutor{
		nodeID:     cfg.NodeID,
		route:      cfg.Route,
		gw:         cfg.Gateway,
		logger:     logger,
		metric:     cfg.Metric,
		onAbnormal: cfg.DevAbnormalCallback,
		routeCache: NewRouteCache(cfg.RouteCacheCapacity, cfg.Metric),
		exceptions: dataflowexc.New(cfg.DataFlowExceptionCapacity, cfg.Metric),
	}
	if cfg.AlignEnabled {
		e.align = NewAlignCache(cfg.AlignCapacity, cfg.Metric)
	}
	return e
}

// RouteCache exposes the dynamic-sched route cache, e.g. for a routing
// thread driven externally by the caller's own gateway-request loop.
func (e *ModelExecutor) RouteCache() *RouteCache { return e.routeCache }

func (e *ModelExecutor) resolveQueue(index int) (*gwtransport.Queue, *exchange.ResolvedEndpoint, error) {
	ep, ok := e.route.Endpoint(index)
	if !ok {
		return nil, nil, dflowerr.New(dflowerr.CodeParamInvalid, "runtime: unknown endpoint index")
	}
	id, err := e.route.GetQueueId(index)
	if err != nil {
		return nil, ep, err
	}
	q, ok := e.gw.Queue(id)
	if !ok {
		return nil, ep, dflowerr.New(dflowerr.CodeParamInvalid, "runtime: queue not found for endpoint")
	}
	return q, ep, nil
}

// Feed enqueues tensors onto the root input queues named by indexes (spec
// §4.7 Feed). A Group-typed index broadcasts the same tensor to every
// member in parallel; multiple plain indexes resolving to the same
// physical queue are packed into one fusion gather.
func (e *ModelExecutor) Feed(ctx context.Context, indexes []int, tensors [][]byte, info map[string]string, timeout time.Duration) error {
	if len(indexes) != len(tensors) {
		return dflowerr.New(dflowerr.CodeParamInvalid, "runtime: Feed indexes/tensors length mismatch")
	}

	type bucket struct {
		id       uint32
		segments []FeedSegment
	}
	buckets := make(map[uint32]*bucket)
	var order []uint32

	for i, idx := range indexes {
		ep, ok := e.route.Endpoint(idx)
		if !ok {
			return dflowerr.New(dflowerr.CodeParamInvalid, "runtime: unknown Feed endpoint index")
		}
		if ep.Type == exchange.EndpointGroup {
			if err := e.broadcastFeed(ctx, idx, tensors[i], info, timeout); err != nil {
				return e.fatal(ctx, err)
			}
			continue
		}
		id, err := e.route.GetQueueId(idx)
		if err != nil {
			return e.fatal(ctx, err)
		}
		b, ok := buckets[id]
		if !ok {
			b = &bucket{id: id}
			buckets[id] = b
			order = append(order, id)
		}
		offset, _ := e.route.GetFusionOffset(idx)
		b.segments = append(b.segments, FeedSegment{Offset: offset, Data: tensors[i]})
	}

	for _, id := range order {
		b := buckets[id]
		data, err := encodeFused(b.segments)
		if err != nil {
			return e.fatal(ctx, err)
		}
		q, ok := e.gw.Queue(id)
		if !ok {
			return e.fatal(ctx, dflowerr.New(dflowerr.CodeParamInvalid, "runtime: queue not found for Feed"))
		}
		if err := e.enqueueWithTimeout(ctx, q, gwtransport.Message{TransID: info["trans_id"], Data: data, Info: info}, timeout); err != nil {
			return e.fatal(ctx, err)
		}
	}
	return nil
}

// broadcastFeed fans the same tensor out to every member of a Group
// endpoint, bounded to the group's cardinality (spec §5: "ad-hoc thread
// pools sized to the fan-out cardinality").
func (e *ModelExecutor) broadcastFeed(ctx context.Context, groupIndex int, tensor []byte, info map[string]string, timeout time.Duration) error {
	memberIDs, err := e.route.GroupMemberPhysicalIDs(groupIndex)
	if err != nil {
		return err
	}
	data, err := encodeFused([]FeedSegment{{Data: tensor}})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range memberIDs {
		id := id
		g.Go(func() error {
			q, ok := e.gw.Queue(id)
			if !ok {
				return dflowerr.New(dflowerr.CodeParamInvalid, "runtime: broadcast member queue not found")
			}
			return e.enqueueWithTimeout(gctx, q, gwtransport.Message{TransID: info["trans_id"], Data: data, Info: info}, timeout)
		})
	}
	return g.Wait()
}

func (e *ModelExecutor) enqueueWithTimeout(ctx context.Context, q *gwtransport.Queue, msg gwtransport.Message, timeout time.Duration) error {
	if timeout <= 0 {
		return q.Enqueue(ctx, msg)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return q.Enqueue(cctx, msg)
}

// Fetch dequeues from the root output queues named by indexes (spec §4.7
// Fetch). When alignment is enabled it blocks, polling in small slices,
// until a single trans-id has produced a tensor for every requested index
// or timeout elapses; an alignment entry evicted before completing
// surfaces as dflowerr.CodeExpired.
func (e *ModelExecutor) Fetch(ctx context.Context, indexes []int, timeout time.Duration) ([]FetchResult, error) {
	if e.align == nil {
		return e.fetchUnaligned(ctx, indexes, timeout)
	}
	return e.fetchAligned(ctx, indexes, timeout)
}

const fetchPollInterval = 50 * time.Millisecond

func (e *ModelExecutor) fetchUnaligned(ctx context.Context, indexes []int, timeout time.Duration) ([]FetchResult, error) {
	out := make([]FetchResult, len(indexes))
	for i, idx := range indexes {
		msg, err := e.dequeueOne(ctx, idx, timeout)
		if err != nil {
			return nil, e.fatal(ctx, err)
		}
		data := msg.Data
		if payload, derr := decodeFused(msg.Data); derr == nil && len(payload.Segments) == 1 {
			data = payload.Segments[0].Data
		}
		out[i] = FetchResult{Index: idx, TransID: msg.TransID, Data: data}
	}
	return out, nil
}

// fetchAligned polls until one trans-id has produced a tensor for every
// requested index. Every trans-id it has offered a partial tensor for is
// tracked in pending, each backed by an AlignCache waiter: if that trans-id
// is evicted by a concurrent Offer (ours or another caller's) before it
// completes, the waiter delivers ExpiredError immediately instead of this
// call running out its timeout and returning the generic queue-empty error.
func (e *ModelExecutor) fetchAligned(ctx context.Context, indexes []int, timeout time.Duration) ([]FetchResult, error) {
	deadline := time.Now().Add(timeout)
	want := len(indexes)
	remaining := make(map[int]bool, want)
	for _, idx := range indexes {
		remaining[idx] = true
	}

	pending := make(map[string]chan error)
	defer func() {
		for transID := range pending {
			e.align.UnregisterWaiter(transID)
		}
	}()

	for {
		for transID, ch := range pending {
			select {
			case err := <-ch:
				delete(pending, transID)
				return nil, e.fatal(ctx, err)
			default:
			}
		}

		for idx := range remaining {
			slice := fetchPollInterval
			if left := time.Until(deadline); left < slice {
				slice = left
			}
			if slice <= 0 {
				return nil, dflowerr.ErrQueueEmpty
			}
			msg, err := e.dequeueOne(ctx, idx, slice)
			if err != nil {
				if code, ok := dflowerr.CodeOf(err); ok && code == dflowerr.CodeQueueEmpty {
					continue
				}
				return nil, e.fatal(ctx, err)
			}
			data := msg.Data
			if payload, derr := decodeFused(msg.Data); derr == nil && len(payload.Segments) == 1 {
				data = payload.Segments[0].Data
			}
			if _, ok := pending[msg.TransID]; !ok {
				pending[msg.TransID] = e.align.RegisterWaiter(msg.TransID)
			}
			aligned, complete, expired := e.align.Offer(msg.TransID, idx, data, want)
			if expired != "" {
				e.logger.WithField("trans_id", expired).Warn("runtime: fetch alignment entry expired")
			}
			if complete {
				delete(pending, msg.TransID)
				e.align.UnregisterWaiter(msg.TransID)
				out := make([]FetchResult, 0, len(indexes))
				for _, i := range indexes {
					out = append(out, FetchResult{Index: i, TransID: msg.TransID, Data: aligned[i]})
				}
				return out, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, dflowerr.ErrQueueEmpty
		}
	}
}

func (e *ModelExecutor) dequeueOne(ctx context.Context, index int, timeout time.Duration) (gwtransport.Message, error) {
	ep, ok := e.route.Endpoint(index)
	if !ok {
		return gwtransport.Message{}, dflowerr.New(dflowerr.CodeParamInvalid, "runtime: unknown Fetch endpoint index")
	}
	if ep.Type == exchange.EndpointGroup {
		return e.fanInDequeue(ctx, index, timeout)
	}
	q, _, err := e.resolveQueue(index)
	if err != nil {
		return gwtransport.Message{}, err
	}
	return q.Dequeue(ctx, timeout)
}

// fanInDequeue races a Dequeue across every member of a Group endpoint and
// returns whichever responds first, cancelling the rest.
func (e *ModelExecutor) fanInDequeue(ctx context.Context, groupIndex int, timeout time.Duration) (gwtransport.Message, error) {
	memberIDs, err := e.route.GroupMemberPhysicalIDs(groupIndex)
	if err != nil {
		return gwtransport.Message{}, err
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		msg gwtransport.Message
		err error
	}
	results := make(chan result, len(memberIDs))
	var wg sync.WaitGroup
	for _, id := range memberIDs {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, ok := e.gw.Queue(id)
			if !ok {
				return
			}
			msg, err := q.Dequeue(cctx, timeout)
			select {
			case results <- result{msg: msg, err: err}:
			default:
			}
		}()
	}
	go func() { wg.Wait(); close(results) }()

	var lastErr error = dflowerr.ErrQueueEmpty
	for r := range results {
		cancel()
		if r.err == nil {
			return r.msg, nil
		}
		lastErr = r.err
	}
	return gwtransport.Message{}, lastErr
}

// FeedFlowMsg enqueues a structured tensor/raw-data/EOS envelope onto a
// single UDF port (spec §4.7).
func (e *ModelExecutor) FeedFlowMsg(ctx context.Context, index int, kind FlowMsgKind, data []byte, info map[string]string, timeout time.Duration) error {
	q, _, err := e.resolveQueue(index)
	if err != nil {
		return e.fatal(ctx, err)
	}
	if info == nil {
		info = map[string]string{}
	}
	info["flow_msg_kind"] = flowMsgKindString(kind)
	msg := gwtransport.Message{TransID: info["trans_id"], Data: data, Info: info, EOS: kind == FlowMsgEmpty}
	if err := e.enqueueWithTimeout(ctx, q, msg, timeout); err != nil {
		return e.fatal(ctx, err)
	}
	return nil
}

// FetchFlowMsg dequeues a structured envelope from a single UDF port.
func (e *ModelExecutor) FetchFlowMsg(ctx context.Context, index int, timeout time.Duration) (FlowMsgKind, []byte, map[string]string, error) {
	msg, err := e.dequeueOne(ctx, index, timeout)
	if err != nil {
		return FlowMsgEmpty, nil, nil, e.fatal(ctx, err)
	}
	kind := FlowMsgTensor
	if msg.EOS {
		kind = FlowMsgEmpty
	} else if msg.Info != nil && msg.Info["flow_msg_kind"] == flowMsgKindString(FlowMsgRawData) {
		kind = FlowMsgRawData
	}
	return kind, msg.Data, msg.Info, nil
}

func flowMsgKindString(k FlowMsgKind) string {
	switch k {
	case FlowMsgRawData:
		return "raw"
	case FlowMsgEmpty:
		return "eos"
	default:
		return "tensor"
	}
}

// fatal translates a queue-empty rt error to the framework timeout status
// (a pass-through, since dflowerr.ErrQueueEmpty already is that status),
// surfaces any other error unchanged, and invokes the registered abnormal
// callback first so the upper layer can degrade before the error bubbles
// (spec §4.7 Exception surface). CodeExpired is passed through the same as
// CodeQueueEmpty: an alignment entry evicted on overflow is an expected
// boundary outcome (spec §8), not an abnormal condition worth routing
// through onAbnormal.
func (e *ModelExecutor) fatal(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if code, ok := dflowerr.CodeOf(err); ok && (code == dflowerr.CodeQueueEmpty || code == dflowerr.CodeExpired) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if e.onAbnormal != nil {
		e.onAbnormal(ctx, err)
	}
	return err
}

// HandleDataFlowException is the receiving side of spec §7's dedicated
// data-flow-exception handler: an executor subprocess's
// gwtransport.MessageServerHandler dispatch calls this (via
// e.ModelIOExceptions().HandleRequest, or directly) when it sees
// wire.KindDataFlowExceptionNotify, so a Fetch call blocked in
// WaitModelIOException on the same trans_id wakes immediately instead of
// running out its timeout.
func (e *ModelExecutor) HandleDataFlowException(exc wire.DataFlowException) {
	e.exceptions.Notify(exc)
}

// WaitModelIOException blocks until a data-flow exception arrives for
// transID in the reserved model-IO scope, or timeout elapses; an entry
// evicted from the handler's bounded cache is never delivered to a waiter.
// This is the "pending Fetch ... woken"
// half of spec §7 for a caller that knows the trans_id it fed and is
// waiting on model-IO status for it.
func (e *ModelExecutor) WaitModelIOException(ctx context.Context, transID string, timeout time.Duration) (dataflowexc.Exception, error) {
	ch := e.exceptions.Wait(transID)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case exc := <-ch:
		if exc.Code == dflowerr.CodeExpired {
			return exc, dflowerr.ErrExpired
		}
		return exc, dflowerr.New(exc.Code, "data-flow exception for trans_id "+transID)
	case <-cctx.Done():
		return dataflowexc.Exception{}, dflowerr.ErrQueueEmpty
	}
}

// ModelIOExceptions exposes the data-flow-exception handler so an executor
// subprocess's wire dispatch table can route wire.KindDataFlowExceptionNotify
// requests to it directly via HandleRequest, and so TakeWaitModelIoException
// can be polled out-of-band from Fetch.
func (e *ModelExecutor) ModelIOExceptions() *dataflowexc.Handler { return e.exceptions }

// Depth implements DepthSource by reading the live queue length of the
// group member's physical queue, since this module's runtime holds every
// queue in-process rather than behind a separate status stream.
func (e *ModelExecutor) Depth(groupEntryIndex int) int {
	id, err := e.route.GetQueueId(groupEntryIndex)
	if err != nil {
		return 0
	}
	q, ok := e.gw.Queue(id)
	if !ok {
		return 0
	}
	return q.Len()
}

// ModelRunStart starts each given RoutingLoop (e.g. a dynamic-sched
// routing thread) under a cancellable context stopped by ModelRunStop. It
// starts no status-dequeue thread.
func (e *ModelExecutor) ModelRunStart(ctx context.Context, routers ...RoutingLoop) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("runtime: ModelExecutor already running")
	}
	rctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	for _, r := range routers {
		r := r
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := r.Run(rctx); err != nil && rctx.Err() == nil {
				e.logger.WithError(err).Warn("runtime: routing loop exited")
			}
		}()
	}
	return nil
}

// ModelRunStop flips the cancellation flag and joins every background
// thread started by ModelRunStart.
func (e *ModelExecutor) ModelRunStop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.running = false
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
}

// RoutingLoop is a background loop ModelRunStart supervises, e.g. a
// dynamic-sched gateway-request router (see RoutingThread).
type RoutingLoop interface {
	Run(ctx context.Context) error
}
