package subprocmgr

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/ome-dflow/pkg/logging"
	"github.com/sgl-project/ome-dflow/pkg/metrics"
)

func TestForkSubprocess_RecordsTerminalEventMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mgr := New(logging.NewNopLogger())
	mgr.SetMetrics(m)

	pid, err := mgr.ForkSubprocess(Config{Path: "/bin/true"})
	require.NoError(t, err)

	done := make(chan ProcStatus, 1)
	require.NoError(t, mgr.RegExceptionHandleCallback(pid, func(s ProcStatus) { done <- s }))
	<-done

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SubprocessRestartsTotal.WithLabelValues("EXITED")))
}

func TestForkSubprocess_NormalExitReportsExited(t *testing.T) {
	mgr := New(logging.NewNopLogger())

	done := make(chan ProcStatus, 1)
	pid, err := mgr.ForkSubprocess(Config{Path: "/bin/true"})
	require.NoError(t, err)
	require.NoError(t, mgr.RegExceptionHandleCallback(pid, func(s ProcStatus) { done <- s }))

	select {
	case status := <-done:
		assert.Equal(t, ProcExited, status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit callback")
	}
}

func TestForkSubprocess_EnvOverrideAndUnset(t *testing.T) {
	env := buildEnv(Config{
		Env:   map[string]string{"FOO": "bar"},
		Unset: []string{"PATH"},
	})

	hasFoo := false
	hasPath := false
	for _, kv := range env {
		if kv == "FOO=bar" {
			hasFoo = true
		}
		if len(kv) >= 5 && kv[:5] == "PATH=" {
			hasPath = true
		}
	}
	assert.True(t, hasFoo)
	assert.False(t, hasPath)
}

func TestShutdownSubprocess_GracefulExitWithinGrace(t *testing.T) {
	mgr := New(logging.NewNopLogger())

	pid, err := mgr.ForkSubprocess(Config{Path: "/bin/sleep", Args: []string{"5"}})
	require.NoError(t, err)

	err = mgr.ShutdownSubprocess(context.Background(), pid, 1)
	assert.NoError(t, err)
}

func TestShutdownSubprocess_UnknownPidIsNoop(t *testing.T) {
	mgr := New(logging.NewNopLogger())
	err := mgr.ShutdownSubprocess(context.Background(), 999999, 1)
	assert.NoError(t, err)
}

func TestProcStatus_String(t *testing.T) {
	assert.Equal(t, "NORMAL", ProcNormal.String())
	assert.Equal(t, "STOPPED", ProcStopped.String())
	assert.Equal(t, "EXITED", ProcExited.String())
	assert.Equal(t, "SIGNALED", ProcSignaled.String())
}
