// Package wire defines the fixed-schema request/response envelopes
// exchanged between deployers and executors over device message queues
// (spec.md §6). The exact wire byte-layout (protobuf vs JSON) is explicitly
// out of scope (spec.md §1); these are the typed Go values every transport
// in this module passes around, gob-encoded onto gwtransport.Message.Data
// by pkg/gwtransport/wire/codec.go.
package wire

import "github.com/sgl-project/ome-dflow/pkg/dflowerr"

// Kind identifies one of the request kinds enumerated in spec §6.
type Kind string

const (
	KindLoadModel                Kind = "LoadModel"
	KindUnloadModel               Kind = "UnloadModel"
	KindBatchLoadModel            Kind = "BatchLoadModel"
	KindUpdateDeployPlan          Kind = "UpdateDeployPlan"
	KindAddFlowRoutePlan          Kind = "AddFlowRoutePlan"
	KindMultiVarManager           Kind = "MultiVarManager"
	KindSharedContentDesc         Kind = "SharedContentDesc"
	KindInitProcessResource       Kind = "InitProcessResource"
	KindClearModelData            Kind = "ClearModelData"
	KindDataFlowExceptionNotify   Kind = "DataFlowExceptionNotify"
	KindSendProfInfo              Kind = "SendProfInfo"
	KindHeartbeat                 Kind = "Heartbeat"
	KindDownloadDevMaintenanceCfg Kind = "DownloadDevMaintenanceCfg"
	KindDataGwSchedInfos          Kind = "DataGwSchedInfos"
)

// Request is the envelope sent on a request queue. Body holds one of the
// Kind-specific payload structs below.
type Request struct {
	ID   string
	Kind Kind
	Body interface{}
}

// Response is the envelope sent back on a response queue. Every response
// carries an error_code/error_message pair (spec §6); Heartbeat responses
// additionally populate the Abnormal* fields.
type Response struct {
	ID      string
	Code    dflowerr.Code
	Message string

	// Populated only for KindHeartbeat responses.
	AbnormalDevices   []string
	AbnormalSubmodels map[string]bool // instance name -> healthy?
	AbnormalType      string
}

// OK reports whether the response carries no error.
func (r Response) OK() bool { return r.Code == "" }

// BatchLoadModelEntry describes one submodel within a BatchLoadModel
// request (spec §4.4): engine, path, resolved queue attributes, and the
// identifiers the gateway needs to bind it.
type BatchLoadModelEntry struct {
	SubmodelName      string
	Engine            string
	Path              string
	InputQueueIDs     []uint32
	OutputQueueIDs    []uint32
	InputFusionOffset []int32
	InvokedModelQueue map[string]uint32
	ReplicaIndex      int
	ReplicaCount      int
	DynamicSched      bool
	ModelUUID         string
}

// BatchLoadModelRequest is the KindBatchLoadModel payload.
type BatchLoadModelRequest struct {
	SessionID string
	Entries   []BatchLoadModelEntry
}

// ClearKind distinguishes the two ClearModelRunningData variants (spec §4.4).
type ClearKind string

const (
	ClearStop  ClearKind = "STOP"
	ClearClear ClearKind = "CLEAR"
)

// ClearModelDataRequest is the KindClearModelData payload.
type ClearModelDataRequest struct {
	SessionID string
	ModelName string
	Kind      ClearKind
}

// DataFlowException is the payload of KindDataFlowExceptionNotify, per
// spec §7: scope == "" is the reserved model-IO namespace propagated to
// user Fetch calls.
type DataFlowException struct {
	TransID          string
	Scope            string
	Code             dflowerr.Code
	ExceptionContext [64]byte
}

// HeartbeatRequest asks a remote deployer to report abnormal state. The
// spec leaves ambiguous whether a deployer reports the full known-abnormal
// set or only deltas each heartbeat (spec §9 Open Questions); this module
// implements "full set every heartbeat" and has the receiver mark stale
// entries itself.
type HeartbeatRequest struct {
	AskSince int64 // unix nanos of the last heartbeat the caller observed
}

// DownloadDevMaintenanceCfgRequest pushes log/dump/profiling knobs ahead of
// executor fork (spec §4.5 step 3).
type DownloadDevMaintenanceCfgRequest struct {
	LogLevel         string
	DumpEnabled      bool
	ProfilingEnabled bool
}
