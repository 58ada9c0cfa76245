// Package execfwk implements the Executor Manager + Client of spec §4.4:
// a client per executor process that speaks the wire.Request/Response
// protocol over a well-known request/response queue pair, bridging
// SubprocessManager liveness events into its own health state.
package execfwk

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/sgl-project/ome-dflow/pkg/dflowerr"
	"github.com/sgl-project/ome-dflow/pkg/flowmodel"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport"
	"github.com/sgl-project/ome-dflow/pkg/gwtransport/wire"
	"github.com/sgl-project/ome-dflow/pkg/logging"
	"github.com/sgl-project/ome-dflow/pkg/subprocmgr"
)

// maxParseParallelism bounds the BatchLoadModel parse phase (spec §4.4:
// "thread pool sized to ≤ 8").
const maxParseParallelism = 8

// defaultRequestTimeout bounds a single request/response round trip.
const defaultRequestTimeout = 30 * time.Second

// Client is the ExecutorClient of spec §4.4: one per (device, engine,
// rank) executor process, communicating over a dedicated request/response
// queue pair.
type Client struct {
	key flowmodel.ExecutorKey

	transport *gwtransport.MessageServerClient
	pid       int
	procs     *subprocmgr.Manager

	mu     sync.RWMutex
	alive  bool
	reason string
}

func newClient(key flowmodel.ExecutorKey, transport *gwtransport.MessageServerClient, pid int, procs *subprocmgr.Manager) *Client {
	c := &Client{key: key, transport: transport, pid: pid, procs: procs, alive: true}
	if procs != nil {
		_ = procs.RegExceptionHandleCallback(pid, c.onSubprocessEvent)
	}
	return c
}

func (c *Client) onSubprocessEvent(status subprocmgr.ProcStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status == subprocmgr.ProcNormal {
		return
	}
	c.alive = false
	c.reason = status.String()
}

// Alive reports whether GetSubProcStat (bridged from SubprocessManager)
// still considers this executor's process live.
func (c *Client) Alive() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alive, c.reason
}

// Key returns the ExecutorKey this client was created for.
func (c *Client) Key() flowmodel.ExecutorKey { return c.key }

func (c *Client) send(ctx context.Context, kind wire.Kind, body interface{}) (wire.Response, error) {
	resp, err := c.transport.Send(ctx, kind, body, defaultRequestTimeout)
	if err != nil {
		return wire.Response{}, err
	}
	if !resp.OK() {
		return resp, dflowerr.New(resp.Code, resp.Message)
	}
	return resp, nil
}

// PreProcess asks the executor to initialize per-process resources ahead
// of model load (spec §4.4, wire.KindInitProcessResource).
func (c *Client) PreProcess(ctx context.Context, body interface{}) error {
	_, err := c.send(ctx, wire.KindInitProcessResource, body)
	return err
}

// LoadModel sends a single-submodel load request.
func (c *Client) LoadModel(ctx context.Context, entry wire.BatchLoadModelEntry) error {
	_, err := c.send(ctx, wire.KindLoadModel, wire.BatchLoadModelRequest{Entries: []wire.BatchLoadModelEntry{entry}})
	return err
}

// BatchLoadModel sends req, whose entries the executor parses in parallel
// (bounded to maxParseParallelism) before loading each serially so shared
// resources are touched in a defined order (spec §4.4). The parallel parse
// happens executor-side; this method's contribution is bounding how many
// entries this call fans into the wire vs. batches it -- it sends the
// whole batch in one request, matching the executor's own two-phase
// handling.
func (c *Client) BatchLoadModel(ctx context.Context, req wire.BatchLoadModelRequest) error {
	_, err := c.send(ctx, wire.KindBatchLoadModel, req)
	return err
}

// UnloadModel unloads a previously loaded model.
func (c *Client) UnloadModel(ctx context.Context, sessionID, modelName string) error {
	_, err := c.send(ctx, wire.KindUnloadModel, wire.ClearModelDataRequest{SessionID: sessionID, ModelName: modelName})
	return err
}

// ClearModelRunningData forwards a STOP or CLEAR request to the executor's
// model handles (spec §4.4).
func (c *Client) ClearModelRunningData(ctx context.Context, sessionID, modelName string, kind wire.ClearKind) error {
	_, err := c.send(ctx, wire.KindClearModelData, wire.ClearModelDataRequest{SessionID: sessionID, ModelName: modelName, Kind: kind})
	return err
}

// DataFlowExceptionNotify relays an exception down into the executor
// process over its request queue. The receiving side is
// pkg/dataflowexc.Handler.HandleRequest, wired into the executor's own
// gwtransport.MessageServerHandler dispatch table: it wakes any Fetch
// blocked in pkg/runtime.ModelExecutor.WaitModelIOException on the same
// trans_id (spec §7).
func (c *Client) DataFlowExceptionNotify(ctx context.Context, exc wire.DataFlowException) error {
	_, err := c.send(ctx, wire.KindDataFlowExceptionNotify, exc)
	return err
}

// UpdateProfilingFromExecutor pulls accumulated profiling counters.
func (c *Client) UpdateProfilingFromExecutor(ctx context.Context) (wire.Response, error) {
	return c.send(ctx, wire.KindSendProfInfo, nil)
}

// SyncVarManager pushes the shared-variable manager snapshot used by
// dynamic-sched models.
func (c *Client) SyncVarManager(ctx context.Context, body interface{}) error {
	_, err := c.send(ctx, wire.KindMultiVarManager, body)
	return err
}

// Close stops the underlying transport's demultiplexer.
func (c *Client) Close() { c.transport.Close() }

// Manager is the ExecutorManager of spec §4.4: one Client per
// flowmodel.ExecutorKey, lazily forked and cached.
type Manager struct {
	gw     *gwtransport.Gateway
	procs  *subprocmgr.Manager
	logger logging.Interface

	mu      sync.Mutex
	clients map[string]*Client
}

// NewManager constructs a Manager.
func NewManager(gw *gwtransport.Gateway, procs *subprocmgr.Manager, logger logging.Interface) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Manager{gw: gw, procs: procs, logger: logger, clients: make(map[string]*Client)}
}

// GetExecutorClient returns the Client for key, or (nil, false) if one has
// not been created yet.
func (m *Manager) GetExecutorClient(key flowmodel.ExecutorKey) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[key.String()]
	return c, ok
}

// GetOrCreateExecutorClient returns the cached client for key, forking the
// executor binary and wiring its request/response queues on first use
// (spec §4.4).
func (m *Manager) GetOrCreateExecutorClient(ctx context.Context, key flowmodel.ExecutorKey, spawn subprocmgr.Config, device flowmodel.DeviceInfo) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[key.String()]; ok {
		return c, nil
	}

	reqQ, err := m.gw.CreateQueue(device, key.String()+"/req", gwtransport.QueueAttr{Depth: 64, Mode: gwtransport.ModePush})
	if err != nil {
		return nil, errors.Wrapf(err, "execfwk: create request queue for %s", key)
	}
	rspQ, err := m.gw.CreateQueue(device, key.String()+"/rsp", gwtransport.QueueAttr{Depth: 64, Mode: gwtransport.ModePull})
	if err != nil {
		return nil, errors.Wrapf(err, "execfwk: create response queue for %s", key)
	}

	pid, err := m.procs.ForkSubprocess(spawn)
	if err != nil {
		return nil, errors.Wrapf(err, "execfwk: fork executor for %s", key)
	}

	transport := gwtransport.NewMessageServerClient(ctx, reqQ, rspQ)
	client := newClient(key, transport, pid, m.procs)
	m.clients[key.String()] = client
	m.logger.WithField("executor", key.String()).WithField("pid", pid).Info("execfwk: executor started")
	return client, nil
}

// Remove drops key's client from the cache without stopping its process;
// callers must Close the client and shut down its subprocess separately.
func (m *Manager) Remove(key flowmodel.ExecutorKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, key.String())
}

// Clients returns a snapshot of every currently tracked executor client,
// used by the heartbeat poller to scan for dead processes.
func (m *Manager) Clients() []*Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	return out
}

// BatchLoadAll fans req.Entries out to their respective clients (keyed by
// the caller's assignment) in parallel, bounded to maxParseParallelism
// in-flight requests, matching the executor-side parse parallelism cap of
// spec §4.4. assignments must contain one ExecutorKey per entry index.
func (m *Manager) BatchLoadAll(ctx context.Context, assignments []flowmodel.ExecutorKey, req wire.BatchLoadModelRequest) error {
	if len(assignments) != len(req.Entries) {
		return errors.New("execfwk: assignments/entries length mismatch")
	}

	grouped := make(map[string][]wire.BatchLoadModelEntry)
	keyByGroup := make(map[string]flowmodel.ExecutorKey)
	for i, key := range assignments {
		grouped[key.String()] = append(grouped[key.String()], req.Entries[i])
		keyByGroup[key.String()] = key
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParseParallelism)
	for groupKey, entries := range grouped {
		groupKey, entries := groupKey, entries
		g.Go(func() error {
			client, ok := m.GetExecutorClient(keyByGroup[groupKey])
			if !ok {
				return errors.Errorf("execfwk: no executor client for %s", groupKey)
			}
			return client.BatchLoadModel(gctx, wire.BatchLoadModelRequest{SessionID: req.SessionID, Entries: entries})
		})
	}
	return g.Wait()
}
