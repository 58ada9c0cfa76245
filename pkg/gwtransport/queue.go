// Package gwtransport implements the thin message-queue transport that
// underlies both the exchange gateway (§4.2) and the deployer/executor
// request-response protocol (§6). It models "device message queues" as
// addressable, depth-bounded channels instead of real IPC shared memory,
// since the hardware queue implementation is explicitly out of scope
// (spec.md §1).
package gwtransport

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sgl-project/ome-dflow/pkg/dflowerr"
)

// QueueMode controls which side is expected to drive the queue: a PUSH
// queue is written to by its binding source, a PULL queue is actively
// drained by its consumer (spec §3 invariants, §4.2a).
type QueueMode int

const (
	ModePull QueueMode = iota
	ModePush
)

// OverwritePolicy governs Enqueue behavior when a bounded queue is full.
type OverwritePolicy int

const (
	// OverwriteNone blocks (subject to ctx) until space is available.
	OverwriteNone OverwritePolicy = iota
	// OverwriteOldest drops the oldest queued message to make room.
	OverwriteOldest
)

// QueueAttr mirrors the endpoint queue attributes of spec §3: depth,
// push/pull mode, overwrite policy, fusion offset, and ref index (for
// RefQueue endpoints).
type QueueAttr struct {
	Depth        int
	Mode         QueueMode
	Overwrite    OverwritePolicy
	FusionOffset int32
	RefIndex     int32
}

// Message is the envelope carried over a Queue. Tensor numerics are out of
// scope (spec §1); Data/Info stand in for the serialized payload and any
// control metadata (e.g. shape/dtype strings) a caller wants to attach.
type Message struct {
	TransID string
	Data    []byte
	Info    map[string]string
	EOS     bool // empty-data / end-of-stream marker (FeedFlowMsg envelopes)
}

// Queue is a single named, depth-bounded FIFO endpoint.
type Queue struct {
	ID   uint32
	Name string
	Attr QueueAttr

	mu     sync.Mutex
	buf    []Message
	notify chan struct{}
	closed bool
}

// NewQueue constructs a Queue with the given identity and attributes.
func NewQueue(id uint32, name string, attr QueueAttr) *Queue {
	if attr.Depth <= 0 {
		attr.Depth = 1
	}
	return &Queue{
		ID:     id,
		Name:   name,
		Attr:   attr,
		notify: make(chan struct{}, 1),
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue appends msg, applying the queue's overwrite policy if full.
func (q *Queue) Enqueue(ctx context.Context, msg Message) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return errors.New("gwtransport: enqueue on closed queue")
		}
		if len(q.buf) < q.Attr.Depth {
			q.buf = append(q.buf, msg)
			q.mu.Unlock()
			q.signal()
			return nil
		}
		if q.Attr.Overwrite == OverwriteOldest {
			q.buf = append(q.buf[1:], msg)
			q.mu.Unlock()
			q.signal()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.notify:
		}
	}
}

// Dequeue pops the oldest message, waiting up to timeout. A timeout with no
// message available surfaces as dflowerr.ErrQueueEmpty, per spec §7's
// transport-error taxonomy: queue timeouts are "no data", not failures.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			msg := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			q.signal()
			return msg, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Message{}, errors.New("gwtransport: dequeue on closed queue")
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-deadline.C:
			return Message{}, dflowerr.ErrQueueEmpty
		case <-q.notify:
		}
	}
}

// Len reports the number of buffered messages, used by the dynamic-sched
// loop (§4.7 step 2) to compare "observed queue depth" across candidate
// routes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Close marks the queue dead; further Enqueue/Dequeue calls fail and any
// blocked callers are woken.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.signal()
}
