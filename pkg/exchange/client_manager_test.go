package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sgl-project/ome-dflow/pkg/gwtransport"
	"github.com/sgl-project/ome-dflow/pkg/logging"
)

func TestClientManager_CachesOnePerDevice(t *testing.T) {
	gw := gwtransport.New(logging.NewNopLogger())
	cm := NewClientManager(gw)

	c1 := cm.ClientFor(node0)
	c2 := cm.ClientFor(node0)
	c3 := cm.ClientFor(node0dev1)

	assert.Same(t, c1, c2)
	assert.NotSame(t, c1, c3)
	assert.Equal(t, 2, cm.Count())
}
