package runtime

import (
	"bytes"
	"context"
	"encoding/gob"
	"time"

	"github.com/pkg/errors"

	"github.com/sgl-project/ome-dflow/pkg/dflowerr"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport"
	"github.com/sgl-project/ome-dflow/pkg/logging"
)

// RoutingThread drives the dynamic-sched loop of spec §4.7 for one root
// model's gateway-request queue: dequeue a FlowgwRequest, resolve every
// entry against its DstGroupInfo via the executor's RouteCache, and
// enqueue the corresponding FlowgwResponse.
type RoutingThread struct {
	requestQueue  *gwtransport.Queue
	responseQueue *gwtransport.Queue
	groups        map[RouteGroupKey]*DstGroupInfo
	cache         *RouteCache
	depths        DepthSource
	logger        logging.Interface

	decodeRequest func([]byte) (FlowgwRequest, error)
	encodeResponse func(FlowgwResponse) ([]byte, error)
}

const routingDequeueTimeout = 200 * time.Millisecond

// NewRoutingThread builds a RoutingThread that reads FlowgwRequest envelopes
// off requestQueue and writes FlowgwResponse envelopes to responseQueue,
// resolving against groups using cache/depths.
func NewRoutingThread(requestQueue, responseQueue *gwtransport.Queue, groups map[RouteGroupKey]*DstGroupInfo, cache *RouteCache, depths DepthSource, logger logging.Interface) *RoutingThread {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &RoutingThread{
		requestQueue:   requestQueue,
		responseQueue:  responseQueue,
		groups:         groups,
		cache:          cache,
		depths:         depths,
		logger:         logger,
		decodeRequest:  decodeFlowgwRequest,
		encodeResponse: encodeFlowgwResponse,
	}
}

// Run implements RoutingLoop: it loops until ctx is cancelled, dequeuing one
// FlowgwRequest per iteration with a bounded timeout so cancellation is
// observed promptly (spec §5 Cancellation: "checks ... at iteration
// boundaries").
func (t *RoutingThread) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := t.requestQueue.Dequeue(ctx, routingDequeueTimeout)
		if err != nil {
			if code, ok := dflowerr.CodeOf(err); ok && code == dflowerr.CodeQueueEmpty {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		req, err := t.decodeRequest(msg.Data)
		if err != nil {
			t.logger.WithError(err).Warn("runtime: undecodable FlowgwRequest dropped")
			continue
		}

		resp := FlowgwResponse{InputIndex: req.InputIndex}
		for _, entry := range req.Entries {
			key := RouteGroupKey{ModelUUID: entry.ModelUUID, LogicGroupID: entry.LogicGroupID}
			info, ok := t.groups[key]
			if !ok {
				t.logger.WithField("model_uuid", entry.ModelUUID).WithField("logic_group_id", entry.LogicGroupID).Warn("runtime: no DstGroupInfo for routing entry")
				continue
			}
			idx := t.cache.Resolve(info, t.depths, entry)
			resp.Resolved = append(resp.Resolved, ResolvedEntry{TransID: entry.TransID, RouteLabel: entry.RouteLabel, GroupEntryIndex: idx})
		}

		data, err := t.encodeResponse(resp)
		if err != nil {
			t.logger.WithError(err).Warn("runtime: encode FlowgwResponse failed")
			continue
		}
		if err := t.responseQueue.Enqueue(ctx, gwtransport.Message{Data: data}); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func decodeFlowgwRequest(data []byte) (FlowgwRequest, error) {
	var req FlowgwRequest
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&req); err != nil {
		return FlowgwRequest{}, errors.Wrap(err, "runtime: decode FlowgwRequest")
	}
	return req, nil
}

func encodeFlowgwResponse(resp FlowgwResponse) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
		return nil, errors.Wrap(err, "runtime: encode FlowgwResponse")
	}
	return buf.Bytes(), nil
}
