package modelxfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport"
	"github.com/sgl-project/ome-dflow/pkg/logging"
)

func TestSendReceive_RoundTripIsByteIdenticalAndShaMatches(t *testing.T) {
	srcFs := afero.NewMemMapFs()
	content := make([]byte, ChunkSize*2+17) // spans multiple chunks
	for i := range content {
		content[i] = byte(i % 251)
	}
	require.NoError(t, afero.WriteFile(srcFs, "/artifacts/pc1.bin", content, 0o644))

	gw := gwtransport.New(logging.NewNopLogger())
	device := flowmodel.DeviceInfo{DeviceType: "CPU", NodeID: "node-0", DeviceID: 0}
	q, err := gw.CreateQueue(device, "transfer", gwtransport.QueueAttr{Depth: TransferQueueDepth})
	require.NoError(t, err)

	sender := NewSender(srcFs, q)
	dstFs := afero.NewMemMapFs()
	receiver := NewReceiver(dstFs, "/base", logging.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- receiver.Drain(ctx, q) }()

	require.NoError(t, sender.SendFile(context.Background(), "sess1", "root1", "pc1.bin", "/artifacts/pc1.bin"))

	require.Eventually(t, func() bool {
		got, err := afero.ReadFile(dstFs, receiver.DestPath("sess1", "root1", "pc1.bin"))
		return err == nil && len(got) == len(content)
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	got, err := afero.ReadFile(dstFs, receiver.DestPath("sess1", "root1", "pc1.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), hashOf(t, got))
}

func hashOf(t *testing.T, data []byte) string {
	t.Helper()
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestHandleChunk_ShaMismatchErrors(t *testing.T) {
	dstFs := afero.NewMemMapFs()
	receiver := NewReceiver(dstFs, "/base", logging.NewNopLogger())

	require.NoError(t, receiver.HandleChunk(Chunk{SessionID: "s", RootModel: "r", RelativePath: "f.bin", Data: []byte("hello")}))
	err := receiver.HandleChunk(Chunk{SessionID: "s", RootModel: "r", RelativePath: "f.bin", EOF: true, SHA256: "deadbeef"})
	assert.Error(t, err)
}
