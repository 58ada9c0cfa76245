package dataflowexc

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/ome-dflow/pkg/dflowerr"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport/wire"
	"github.com/sgl-project/ome-dflow/pkg/metrics"
)

func notify(transID string, code dflowerr.Code) wire.DataFlowException {
	var ctx [64]byte
	copy(ctx[:], "boom")
	return wire.DataFlowException{TransID: transID, Scope: ModelIOScope, Code: code, ExceptionContext: ctx}
}

func TestHandler_NonModelIOScopeIgnored(t *testing.T) {
	h := New(4, nil)
	h.Notify(wire.DataFlowException{TransID: "t1", Scope: "other", Code: dflowerr.CodeFailed})
	assert.Equal(t, 0, h.Len())
	_, ok := h.TakeWaitModelIoException()
	assert.False(t, ok)
}

func TestHandler_NotifyWakesRegisteredWaiter(t *testing.T) {
	h := New(4, nil)
	ch := h.Wait("t1")
	h.Notify(notify("t1", dflowerr.CodeFailed))

	select {
	case exc := <-ch:
		assert.Equal(t, "t1", exc.TransID)
		assert.Equal(t, dflowerr.CodeFailed, exc.Code)
		assert.Equal(t, []byte("boom"), exc.Context[:4])
	default:
		t.Fatal("expected Wait channel to fire immediately")
	}
	assert.Equal(t, 0, h.Len(), "woken entry should not remain queued")
}

func TestHandler_WaitAfterNotifyDeliversImmediately(t *testing.T) {
	h := New(4, nil)
	h.Notify(notify("t1", dflowerr.CodeFailed))
	require.Equal(t, 1, h.Len())

	ch := h.Wait("t1")
	select {
	case exc := <-ch:
		assert.Equal(t, "t1", exc.TransID)
	default:
		t.Fatal("expected already-queued exception to be delivered immediately")
	}
	assert.Equal(t, 0, h.Len())
}

func TestHandler_TakeWaitModelIoExceptionDrainsInInsertionOrder(t *testing.T) {
	h := New(4, nil)
	h.Notify(notify("a", dflowerr.CodeFailed))
	h.Notify(notify("b", dflowerr.CodeFailed))
	h.Notify(notify("c", dflowerr.CodeFailed))

	for _, want := range []string{"a", "b", "c"} {
		exc, ok := h.TakeWaitModelIoException()
		require.True(t, ok)
		assert.Equal(t, want, exc.TransID)
	}
	_, ok := h.TakeWaitModelIoException()
	assert.False(t, ok)
}

// TestHandler_S6_OverflowExpiresOldestAndDrainsRemainingInOrder is the
// spec §8 scenario S6 / §7 boundary behavior: posting 1025 distinct-trans-id
// exceptions in the reserved model-IO scope causes the 1025th notify to
// expire exactly the oldest trans-id, after which TakeWaitModelIoException
// returns the 1024 live entries in insertion order.
func TestHandler_S6_OverflowExpiresOldestAndDrainsRemainingInOrder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := New(DefaultCacheCapacity, m)

	for i := 0; i < DefaultCacheCapacity+1; i++ {
		h.Notify(notify(fmt.Sprintf("trans-%04d", i), dflowerr.CodeFailed))
	}

	assert.Equal(t, DefaultCacheCapacity, h.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DataFlowExceptionExpired))

	for i := 1; i <= DefaultCacheCapacity; i++ {
		exc, ok := h.TakeWaitModelIoException()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("trans-%04d", i), exc.TransID)
	}
	_, ok := h.TakeWaitModelIoException()
	assert.False(t, ok)
}

func TestHandler_WaitRegisteredBeforeNotifyThenOverflowNeverOccupiesCache(t *testing.T) {
	// A registered Wait is satisfied directly by Notify and never occupies
	// the bounded cache, so it cannot itself be the victim of eviction.
	h := New(1, nil)
	ch := h.Wait("pending")
	h.Notify(notify("queued", dflowerr.CodeFailed))
	assert.Equal(t, 1, h.Len())

	select {
	case <-ch:
		t.Fatal("Wait channel for a different trans_id should not have fired")
	default:
	}

	h.Notify(notify("pending", dflowerr.CodeFailed))
	select {
	case exc := <-ch:
		assert.Equal(t, "pending", exc.TransID)
	default:
		t.Fatal("expected Notify to wake the registered waiter")
	}
}

func TestHandler_HandleRequestDispatchesNotify(t *testing.T) {
	h := New(4, nil)
	req := wire.Request{ID: "r1", Kind: wire.KindDataFlowExceptionNotify, Body: notify("t1", dflowerr.CodeFailed)}
	resp := h.HandleRequest(req)
	assert.Equal(t, "r1", resp.ID)
	assert.True(t, resp.OK())
	assert.Equal(t, 1, h.Len())
}
