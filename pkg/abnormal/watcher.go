package abnormal

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/sgl-project/ome-dflow/pkg/logging"
)

// sentinelPollAttempts/sentinelPollInterval implement spec §4.6's "waits up
// to 500 ms for a sentinel redeploy file to appear (poll 10x at 50ms)".
const (
	sentinelPollAttempts = 10
	sentinelPollInterval = 50 * time.Millisecond
)

const sentinelRedeployFile = "redeploy"

// ConfigWatcher watches a resource-config JSON file for modification and,
// once modified, looks for a sibling "redeploy" sentinel file before
// signaling a trigger -- the idiomatic fsnotify substitute for spec §4.6's
// raw inotify IN_MODIFY watch (SPEC_FULL.md AMBIENT STACK: file watching).
type ConfigWatcher struct {
	configPath string
	logger     logging.Interface

	watcher *fsnotify.Watcher
	trigger chan struct{}
}

// NewConfigWatcher constructs a watcher on configPath's containing
// directory (fsnotify only watches directories reliably across editors'
// write-then-rename save patterns).
func NewConfigWatcher(configPath string, logger logging.Interface) (*ConfigWatcher, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "abnormal: create fsnotify watcher")
	}
	if err := w.Add(filepath.Dir(configPath)); err != nil {
		_ = w.Close()
		return nil, errors.Wrapf(err, "abnormal: watch %s", filepath.Dir(configPath))
	}
	return &ConfigWatcher{configPath: configPath, logger: logger, watcher: w, trigger: make(chan struct{}, 1)}, nil
}

// Trigger fires once per resource-config modification that is followed by
// a redeploy sentinel file.
func (w *ConfigWatcher) Trigger() <-chan struct{} { return w.trigger }

// Run drains fsnotify events until ctx is canceled.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != w.configPath || ev.Op&fsnotify.Write == 0 {
				continue
			}
			if w.awaitSentinel() {
				select {
				case w.trigger <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("abnormal: fsnotify error")
		}
	}
}

func (w *ConfigWatcher) awaitSentinel() bool {
	sentinel := filepath.Join(filepath.Dir(w.configPath), sentinelRedeployFile)
	for i := 0; i < sentinelPollAttempts; i++ {
		if _, err := os.Stat(sentinel); err == nil {
			return true
		}
		time.Sleep(sentinelPollInterval)
	}
	return false
}

// WriteSentinel creates (or truncates) the named sentinel file
// ("redeploy.done" or "redeploy.error") alongside configPath, signaling
// completion to an external orchestrator (spec §4.6 step 4).
func WriteSentinel(configPath, name string) error {
	path := filepath.Join(filepath.Dir(configPath), name)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "abnormal: write sentinel %s", path)
	}
	return f.Close()
}
