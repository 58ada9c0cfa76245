package abnormal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/ome-dflow/pkg/logging"
)

func TestConfigWatcher_AwaitSentinelFindsExistingFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "resource.json")
	require.NoError(t, os.WriteFile(configPath, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, sentinelRedeployFile), []byte(""), 0o644))

	w, err := NewConfigWatcher(configPath, logging.NewNopLogger())
	require.NoError(t, err)
	defer w.watcher.Close()

	assert.True(t, w.awaitSentinel())
}

func TestConfigWatcher_AwaitSentinelTimesOutWithoutFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "resource.json")
	require.NoError(t, os.WriteFile(configPath, []byte("{}"), 0o644))

	w, err := NewConfigWatcher(configPath, logging.NewNopLogger())
	require.NoError(t, err)
	defer w.watcher.Close()

	start := time.Now()
	assert.False(t, w.awaitSentinel())
	assert.GreaterOrEqual(t, time.Since(start), sentinelPollInterval*(sentinelPollAttempts-1))
}

func TestWriteSentinel_CreatesFileAlongsideConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "resource.json")
	require.NoError(t, os.WriteFile(configPath, []byte("{}"), 0o644))

	require.NoError(t, WriteSentinel(configPath, "redeploy.done"))

	_, err := os.Stat(filepath.Join(dir, "redeploy.done"))
	assert.NoError(t, err)
}
