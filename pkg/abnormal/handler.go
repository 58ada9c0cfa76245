package abnormal

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sgl-project/ome-dflow/pkg/deploy"
	"github.com/sgl-project/ome-dflow/pkg/dflowerr"
	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport/wire"
	"github.com/sgl-project/ome-dflow/pkg/logging"
	"github.com/sgl-project/ome-dflow/pkg/metrics"
)

// FailureClass is the three-way classification of spec §4.6 step 2.
type FailureClass string

const (
	// ClassNotSupportRedeploy: the host running the master server itself
	// failed -- no in-place recovery is possible.
	ClassNotSupportRedeploy FailureClass = "kNotSupportRedeploy"
	// ClassNotSupportDynamicSched: device id 0 of the master failed in a
	// model that uses dynamic scheduling.
	ClassNotSupportDynamicSched FailureClass = "kNotSupportDynamicSched"
	// ClassNotSupportDefault: any other abnormal device.
	ClassNotSupportDefault FailureClass = "kNotSupportDefault"
)

// RootModelCallbacks is the set of lifecycle callbacks a root model
// registers with the Handler so it can react to its own abnormal events
// (spec §4.6 step 3 and §9's RedeployStart/DynamicSched/FailedRedeploy
// event list).
type RootModelCallbacks interface {
	// RedeployStart announces that recovery has begun; subsequent
	// Feed/Fetch calls should expect dflowerr.CodeRedeploying.
	RedeployStart(ctx context.Context) error
	// DynamicSched announces that the model continues with the reduced
	// replica set implied by survivingInstances.
	DynamicSched(ctx context.Context, survivingInstances []flowmodel.DeviceInfo) error
	// FailedHandleAbnormal announces unrecoverable failure; pending and
	// future Feed/Fetch calls should return code.
	FailedHandleAbnormal(ctx context.Context, code dflowerr.Code) error
}

// recoveryPoolLimit caps the parallel per-root-model recovery pool,
// independent of how many root models are abnormal at once (spec §4.6
// step 3: "bounded above").
const recoveryPoolLimit = 16

// Handler is the Abnormal Status Handler of spec §4.6: it watches for
// newly-abnormal devices (via ConfigWatcher and HeartbeatPoller), projects
// them onto deployed model instances, and drives each affected root
// model's recovery. The trans_id -> route_labels cache spec §4.6's "Cache
// hygiene" paragraph describes lives on the dynamic-sched path that
// actually resolves route labels, not here; see
// pkg/runtime.RouteCache.
type Handler struct {
	deployer     *deploy.Deployer
	masterNodeID string
	configPath   string
	logger       logging.Interface
	metric       *metrics.Metrics

	mu        sync.Mutex
	baseline  map[flowmodel.DeviceInfo]bool
	callbacks map[string]RootModelCallbacks
}

// NewHandler constructs a Handler. masterNodeID identifies the node that
// hosts the master server for every model this handler supervises (spec
// §4.6's classification rules are relative to that node).
func NewHandler(deployer *deploy.Deployer, masterNodeID, configPath string, metric *metrics.Metrics, logger logging.Interface) *Handler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Handler{
		deployer:     deployer,
		masterNodeID: masterNodeID,
		configPath:   configPath,
		logger:       logger,
		metric:       metric,
		baseline:     make(map[flowmodel.DeviceInfo]bool),
		callbacks:    make(map[string]RootModelCallbacks),
	}
}

// RegisterCallbacks associates rootModel with the callbacks its recovery
// path drives. Step 1 of spec §4.6 waits for every root model to have
// registered before evaluating a failure.
func (h *Handler) RegisterCallbacks(rootModel string, cb RootModelCallbacks) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks[rootModel] = cb
}

func (h *Handler) callbacksFor(rootModel string) (RootModelCallbacks, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cb, ok := h.callbacks[rootModel]
	return cb, ok
}

// HandleHeartbeatDelta folds a heartbeat Delta's abnormal devices into the
// baseline and, once stable, evaluates every affected root model.
func (h *Handler) HandleHeartbeatDelta(ctx context.Context, delta Delta) error {
	newly := h.markAbnormal(delta.AbnormalDevices)
	if len(newly) == 0 {
		return nil
	}
	return h.evaluate(ctx, newly)
}

// HandleConfigTrigger re-scans every session's deployed devices against
// the last known heartbeat baseline and evaluates whatever is still
// abnormal -- the config-watch trigger carries no device list of its own,
// unlike a heartbeat delta, so it re-derives one from the baseline.
func (h *Handler) HandleConfigTrigger(ctx context.Context) error {
	h.mu.Lock()
	newly := make([]flowmodel.DeviceInfo, 0, len(h.baseline))
	for d, abnormal := range h.baseline {
		if abnormal {
			newly = append(newly, d)
		}
	}
	h.mu.Unlock()
	if len(newly) == 0 {
		return nil
	}
	err := h.evaluate(ctx, newly)
	if err != nil {
		_ = WriteSentinel(h.configPath, "redeploy.error")
	} else {
		_ = WriteSentinel(h.configPath, "redeploy.done")
	}
	return err
}

func (h *Handler) markAbnormal(devices []flowmodel.DeviceInfo) []flowmodel.DeviceInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	var newly []flowmodel.DeviceInfo
	for _, d := range devices {
		if !h.baseline[d] {
			newly = append(newly, d)
		}
		h.baseline[d] = true
	}
	return newly
}

// evaluate waits for deploy quiescence (step 1), projects newlyAbnormal
// onto deployed sessions, and runs the bounded recovery pool (steps 2-3).
func (h *Handler) evaluate(ctx context.Context, newlyAbnormal []flowmodel.DeviceInfo) error {
	if err := h.awaitQuiescence(ctx); err != nil {
		return err
	}

	abnormalSet := make(map[flowmodel.DeviceInfo]bool, len(newlyAbnormal))
	for _, d := range newlyAbnormal {
		abnormalSet[d] = true
	}

	affected := h.affectedSessions(abnormalSet)
	if len(affected) == 0 {
		return nil
	}

	limit := len(affected)
	if limit > recoveryPoolLimit {
		limit = recoveryPoolLimit
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, s := range affected {
		s := s
		g.Go(func() error {
			return h.recover(gctx, s)
		})
	}
	return g.Wait()
}

// awaitQuiescence implements step 1: wait until no deploy is in flight and
// every root model currently deployed has registered its callback.
func (h *Handler) awaitQuiescence(ctx context.Context) error {
	for {
		sessions := h.deployer.Sessions()
		allRegistered := true
		for _, s := range sessions {
			if _, ok := h.callbacksFor(s.RootModel); !ok {
				allRegistered = false
				break
			}
		}
		if !h.deployer.InFlight() && allRegistered {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

type affectedSession struct {
	state             *deployStateView
	abnormalInstances []flowmodel.DeviceInfo
}

// deployStateView narrows *deploy.DeployState to what the classifier and
// recovery path need, keeping this package from reaching into deploy's
// unexported fields.
type deployStateView struct {
	sessionID string
	rootModel string
	model     *flowmodel.FlowModel
	perDevice map[flowmodel.DeviceInfo][]string
}

func (h *Handler) affectedSessions(abnormalSet map[flowmodel.DeviceInfo]bool) []affectedSession {
	var out []affectedSession
	for _, s := range h.deployer.Sessions() {
		if s.Plan == nil {
			continue
		}
		var instances []flowmodel.DeviceInfo
		for device := range s.Plan.PerDeviceSubmodels {
			if abnormalSet[device] {
				instances = append(instances, device)
			}
		}
		if len(instances) == 0 {
			continue
		}
		sortDevices(instances)
		out = append(out, affectedSession{
			state: &deployStateView{
				sessionID: s.SessionID,
				rootModel: s.RootModel,
				model:     s.Model,
				perDevice: s.Plan.PerDeviceSubmodels,
			},
			abnormalInstances: instances,
		})
	}
	return out
}

func sortDevices(devices []flowmodel.DeviceInfo) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].Less(devices[j]) })
}

// classify implements spec §4.6 step 2, given the devices newly found
// abnormal for this session.
func (h *Handler) classify(view *deployStateView, abnormalInstances []flowmodel.DeviceInfo) FailureClass {
	hasDynamic := false
	for _, submodel := range view.model.Submodels() {
		if submodel.LoadMode == flowmodel.LoadDynamic {
			hasDynamic = true
			break
		}
	}

	onMaster := allAbnormalOnMaster(abnormalInstances, h.masterNodeID)
	if masterHostFullyDown(view, h.masterNodeID, onMaster) {
		return ClassNotSupportRedeploy
	}
	if hasDynamic {
		for _, device := range onMaster {
			if device.DeviceID == 0 {
				return ClassNotSupportDynamicSched
			}
		}
	}
	return ClassNotSupportDefault
}

func allAbnormalOnMaster(abnormalInstances []flowmodel.DeviceInfo, masterNodeID string) []flowmodel.DeviceInfo {
	var out []flowmodel.DeviceInfo
	for _, device := range abnormalInstances {
		if device.NodeID == masterNodeID {
			out = append(out, device)
		}
	}
	return out
}

// masterHostFullyDown reports whether every device this session placed on
// the master node is currently abnormal, i.e. the host itself (not just
// one device) is unreachable.
func masterHostFullyDown(view *deployStateView, masterNodeID string, abnormalOnMaster []flowmodel.DeviceInfo) bool {
	total := 0
	for device := range view.perDevice {
		if device.NodeID == masterNodeID {
			total++
		}
	}
	return total > 0 && len(abnormalOnMaster) == total
}

// dynamicSchedRecoverable reports whether every abnormal instance in view
// has a surviving sibling replica -- the condition spec §4.6 step 3 names
// for choosing the dynamic-sched degrade path over a full redeploy.
func dynamicSchedRecoverable(view *deployStateView, abnormalInstances []flowmodel.DeviceInfo) bool {
	abnormalSubmodels := make(map[string]bool)
	for _, device := range abnormalInstances {
		for _, sm := range view.perDevice[device] {
			abnormalSubmodels[sm] = true
		}
	}
	for submodel := range abnormalSubmodels {
		surviving := false
		for device, submodels := range view.perDevice {
			if contains(submodels, submodel) && !containsDevice(abnormalInstances, device) {
				surviving = true
				break
			}
		}
		if !surviving {
			return false
		}
	}
	return true
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func containsDevice(devices []flowmodel.DeviceInfo, d flowmodel.DeviceInfo) bool {
	for _, x := range devices {
		if x == d {
			return true
		}
	}
	return false
}

// recover runs steps 2-4 of spec §4.6 for one affected session.
func (h *Handler) recover(ctx context.Context, s affectedSession) error {
	view := s.state
	cb, ok := h.callbacksFor(view.rootModel)
	if !ok {
		h.logger.WithField("model", view.rootModel).Warn("abnormal: no callbacks registered, skipping recovery")
		return nil
	}

	class := h.classify(view, s.abnormalInstances)
	h.logger.WithField("model", view.rootModel).WithField("class", string(class)).Warn("abnormal: root model degraded")

	if err := cb.RedeployStart(ctx); err != nil {
		return err
	}

	if class == ClassNotSupportDefault && dynamicSchedRecoverable(view, s.abnormalInstances) {
		if err := h.clearAcrossNodes(ctx, view.sessionID, view.rootModel); err != nil {
			h.logger.WithField("model", view.rootModel).WithError(err).Warn("abnormal: clear model data failed")
		}
		surviving := survivingInstances(view, s.abnormalInstances)
		return cb.DynamicSched(ctx, surviving)
	}

	code := dflowerr.CodeRedeploying
	if class == ClassNotSupportDefault {
		code = dflowerr.CodeSubhealthy
	}
	return cb.FailedHandleAbnormal(ctx, code)
}

func survivingInstances(view *deployStateView, abnormal []flowmodel.DeviceInfo) []flowmodel.DeviceInfo {
	var out []flowmodel.DeviceInfo
	for device := range view.perDevice {
		if !containsDevice(abnormal, device) {
			out = append(out, device)
		}
	}
	sortDevices(out)
	return out
}

func (h *Handler) clearAcrossNodes(ctx context.Context, sessionID, rootModel string) error {
	state, ok := h.deployer.Session(sessionID)
	if !ok {
		return nil
	}
	var firstErr error
	for _, node := range h.deployer.NodesFor(state) {
		if err := node.ClearModelData(ctx, sessionID, rootModel, wire.ClearStop); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := node.ClearModelData(ctx, sessionID, rootModel, wire.ClearClear); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
