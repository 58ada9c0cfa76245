package gwtransport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sgl-project/ome-dflow/pkg/gwtransport/wire"
)

// MessageServerClient sends a wire.Request on a peer's request queue and
// awaits the correlated wire.Response on the shared response queue. It is
// the "MessageServer/Gateway client" of spec §2's component table: the
// thinnest possible transport, deliberately ignorant of what Kind it is
// carrying.
//
// A client is intrinsically serialized by its own request/response queue
// pairing (spec §5): concurrent Send calls are safe, but replies are
// demultiplexed by request id under a single mutex-guarded waiter table.
type MessageServerClient struct {
	reqQueue *Queue
	rspQueue *Queue

	mu      sync.Mutex
	waiters map[string]chan wire.Response

	cancel context.CancelFunc
}

// NewMessageServerClient starts a background demultiplexer goroutine
// reading rspQueue and dispatching to pending waiters by request id.
func NewMessageServerClient(ctx context.Context, reqQueue, rspQueue *Queue) *MessageServerClient {
	ctx, cancel := context.WithCancel(ctx)
	c := &MessageServerClient{
		reqQueue: reqQueue,
		rspQueue: rspQueue,
		waiters:  make(map[string]chan wire.Response),
		cancel:   cancel,
	}
	go c.demux(ctx)
	return c
}

func (c *MessageServerClient) demux(ctx context.Context) {
	for {
		msg, err := c.rspQueue.Dequeue(ctx, 200*time.Millisecond)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		resp, err := wire.DecodeResponse(msg.Data)
		if err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.waiters[resp.ID]
		if ok {
			delete(c.waiters, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// Send issues req and blocks for its response up to timeout.
func (c *MessageServerClient) Send(ctx context.Context, kind wire.Kind, body interface{}, timeout time.Duration) (wire.Response, error) {
	req := wire.Request{ID: uuid.NewString(), Kind: kind, Body: body}
	payload, err := wire.EncodeRequest(req)
	if err != nil {
		return wire.Response{}, err
	}

	ch := make(chan wire.Response, 1)
	c.mu.Lock()
	c.waiters[req.ID] = ch
	c.mu.Unlock()

	if err := c.reqQueue.Enqueue(ctx, Message{TransID: req.ID, Data: payload}); err != nil {
		c.mu.Lock()
		delete(c.waiters, req.ID)
		c.mu.Unlock()
		return wire.Response{}, errors.Wrap(err, "gwtransport: send request")
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.waiters, req.ID)
		c.mu.Unlock()
		return wire.Response{}, errors.Errorf("gwtransport: request %s (%s) timed out after %s", req.ID, kind, timeout)
	case <-ctx.Done():
		return wire.Response{}, ctx.Err()
	}
}

// Close stops the demultiplexer goroutine.
func (c *MessageServerClient) Close() { c.cancel() }

// MessageServerHandler is the executor/deployer side: it reads requests off
// reqQueue and writes correlated responses to rspQueue.
type MessageServerHandler struct {
	reqQueue *Queue
	rspQueue *Queue
	handle   func(ctx context.Context, req wire.Request) wire.Response

	cancel context.CancelFunc
}

// NewMessageServerHandler starts serving reqQueue with handle, writing
// responses to rspQueue.
func NewMessageServerHandler(ctx context.Context, reqQueue, rspQueue *Queue, handle func(ctx context.Context, req wire.Request) wire.Response) *MessageServerHandler {
	ctx, cancel := context.WithCancel(ctx)
	h := &MessageServerHandler{reqQueue: reqQueue, rspQueue: rspQueue, handle: handle, cancel: cancel}
	go h.serve(ctx)
	return h
}

func (h *MessageServerHandler) serve(ctx context.Context) {
	for {
		msg, err := h.reqQueue.Dequeue(ctx, 200*time.Millisecond)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		req, err := wire.DecodeRequest(msg.Data)
		if err != nil {
			continue
		}
		go func() {
			resp := h.handle(ctx, req)
			resp.ID = req.ID
			payload, err := wire.EncodeResponse(resp)
			if err != nil {
				return
			}
			_ = h.rspQueue.Enqueue(ctx, Message{TransID: req.ID, Data: payload})
		}()
	}
}

// Close stops serving.
func (h *MessageServerHandler) Close() { h.cancel() }
