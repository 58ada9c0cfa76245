package abnormal

import (
	"context"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport/wire"
	"github.com/sgl-project/ome-dflow/pkg/logging"
)

// defaultHeartbeatInterval is the steady-state poll period; rate.Limiter
// additionally smooths bursts when many nodes answer at once.
const defaultHeartbeatInterval = 2 * time.Second

// HeartbeatSource is the seam a node's deployer exposes for the Abnormal
// Status Handler to poll (spec §4.6: "a heartbeat thread that periodically
// asks every remote deployer for abnormal devices..."). deploy.LocalDeployer
// implements this directly; a remote deployer would implement it over RPC.
type HeartbeatSource interface {
	NodeID() string
	Heartbeat(ctx context.Context, req wire.HeartbeatRequest) (wire.Response, error)
}

// Delta is what one heartbeat round contributed: devices newly observed
// abnormal, and the submodel instance health reported alongside them.
type Delta struct {
	NodeID            string
	AbnormalDevices   []flowmodel.DeviceInfo
	AbnormalSubmodels map[string]bool
	AbnormalType      string
}

// HeartbeatPoller asks every registered HeartbeatSource for abnormal state
// on a rate-limited cadence and forwards non-empty responses as Deltas.
type HeartbeatPoller struct {
	sources map[string]HeartbeatSource
	limiter *rate.Limiter
	logger  logging.Interface

	deltas chan Delta

	lastAsk time.Time
}

// NewHeartbeatPoller constructs a poller over sources, rate-limited to at
// most one round per interval (interval <= 0 uses defaultHeartbeatInterval).
func NewHeartbeatPoller(sources map[string]HeartbeatSource, interval time.Duration, logger logging.Interface) *HeartbeatPoller {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &HeartbeatPoller{
		sources: sources,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:  logger,
		deltas:  make(chan Delta, len(sources)+1),
	}
}

// Deltas returns the channel non-empty heartbeat responses are published
// on.
func (p *HeartbeatPoller) Deltas() <-chan Delta { return p.deltas }

// Run polls every source once per rate-limited tick until ctx is canceled.
func (p *HeartbeatPoller) Run(ctx context.Context) error {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil
		}
		p.pollOnce(ctx)
	}
}

func (p *HeartbeatPoller) pollOnce(ctx context.Context) {
	since := p.lastAsk.UnixNano()
	p.lastAsk = time.Now()
	req := wire.HeartbeatRequest{AskSince: since}

	for nodeID, src := range p.sources {
		resp, err := src.Heartbeat(ctx, req)
		if err != nil {
			p.logger.WithField("node", nodeID).WithError(err).Warn("abnormal: heartbeat failed")
			continue
		}
		if len(resp.AbnormalDevices) == 0 && len(resp.AbnormalSubmodels) == 0 {
			continue
		}
		devices := make([]flowmodel.DeviceInfo, 0, len(resp.AbnormalDevices))
		for _, raw := range resp.AbnormalDevices {
			devices = append(devices, parseDeviceString(raw, nodeID))
		}
		delta := Delta{NodeID: nodeID, AbnormalDevices: devices, AbnormalSubmodels: resp.AbnormalSubmodels, AbnormalType: resp.AbnormalType}
		select {
		case p.deltas <- delta:
		default:
			p.logger.WithField("node", nodeID).Warn("abnormal: delta channel full, dropping heartbeat delta")
		}
	}
}

// parseDeviceString recovers a DeviceInfo from flowmodel.DeviceInfo's
// "type:node:0000000000id" String() form; nodeID is used as a fallback if
// parsing fails, since every source only reports its own devices anyway.
func parseDeviceString(s, nodeID string) flowmodel.DeviceInfo {
	parts := strings.Split(s, ":")
	if len(parts) < 3 {
		return flowmodel.DeviceInfo{NodeID: nodeID}
	}
	id, err := strconv.ParseInt(parts[len(parts)-1], 10, 32)
	if err != nil {
		return flowmodel.DeviceInfo{NodeID: nodeID}
	}
	node := strings.Join(parts[1:len(parts)-1], ":")
	return flowmodel.DeviceInfo{DeviceType: parts[0], NodeID: node, DeviceID: int32(id)}
}
