package abnormal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/ome-dflow/pkg/gwtransport/wire"
	"github.com/sgl-project/ome-dflow/pkg/logging"
)

type fakeHeartbeatSource struct {
	nodeID string
	resp   wire.Response
}

func (f *fakeHeartbeatSource) NodeID() string { return f.nodeID }
func (f *fakeHeartbeatSource) Heartbeat(ctx context.Context, req wire.HeartbeatRequest) (wire.Response, error) {
	return f.resp, nil
}

func TestHeartbeatPoller_PublishesNonEmptyResponseAsDelta(t *testing.T) {
	src := &fakeHeartbeatSource{nodeID: "node-0", resp: wire.Response{
		AbnormalDevices: []string{"NPU:node-0:0000000001"},
	}}
	p := NewHeartbeatPoller(map[string]HeartbeatSource{"node-0": src}, time.Millisecond, logging.NewNopLogger())

	p.pollOnce(context.Background())

	select {
	case delta := <-p.Deltas():
		assert.Equal(t, "node-0", delta.NodeID)
		require.Len(t, delta.AbnormalDevices, 1)
		assert.Equal(t, "NPU", delta.AbnormalDevices[0].DeviceType)
		assert.Equal(t, "node-0", delta.AbnormalDevices[0].NodeID)
		assert.Equal(t, int32(1), delta.AbnormalDevices[0].DeviceID)
	default:
		t.Fatal("expected a delta to be published")
	}
}

func TestHeartbeatPoller_EmptyResponseSkipped(t *testing.T) {
	src := &fakeHeartbeatSource{nodeID: "node-0", resp: wire.Response{}}
	p := NewHeartbeatPoller(map[string]HeartbeatSource{"node-0": src}, time.Millisecond, logging.NewNopLogger())

	p.pollOnce(context.Background())

	select {
	case <-p.Deltas():
		t.Fatal("expected no delta for an empty response")
	default:
	}
}

func TestParseDeviceString_RoundTripsCanonicalForm(t *testing.T) {
	d := parseDeviceString("NPU:node-7:0000000042", "fallback")
	assert.Equal(t, "NPU", d.DeviceType)
	assert.Equal(t, "node-7", d.NodeID)
	assert.Equal(t, int32(42), d.DeviceID)
}

func TestParseDeviceString_MalformedFallsBackToNodeID(t *testing.T) {
	d := parseDeviceString("garbage", "fallback")
	assert.Equal(t, "fallback", d.NodeID)
}
