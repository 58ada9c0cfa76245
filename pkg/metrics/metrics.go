// Package metrics is the shared Prometheus registry for the deployer and
// executor daemons: deploy/undeploy counts, exception reroutes, subprocess
// restarts, dynamic-sched cache hit/evict rates, and Fetch-alignment /
// data-flow-exception cache expiry counts (SPEC_FULL.md's DOMAIN STACK
// metrics section), grounded in the teacher's pkg/modelagent/metrics.go
// promauto style.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/gauge this module publishes.
type Metrics struct {
	DeploysTotal            *prometheus.CounterVec
	UndeploysTotal          *prometheus.CounterVec
	ExceptionReroutesTotal  *prometheus.CounterVec
	SubprocessRestartsTotal *prometheus.CounterVec
	DynamicSchedCacheHits    prometheus.Counter
	DynamicSchedCacheEvicts  prometheus.Counter
	FetchAlignExpired        prometheus.Counter
	DataFlowExceptionExpired prometheus.Counter
}

// New registers every metric against registerer, defaulting to
// prometheus.DefaultRegisterer when nil.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	f := promauto.With(registerer)

	return &Metrics{
		DeploysTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dflow_deploys_total",
			Help: "Total number of DeployModel attempts by outcome.",
		}, []string{"result"}),
		UndeploysTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dflow_undeploys_total",
			Help: "Total number of UndeployModel attempts by outcome.",
		}, []string{"result"}),
		ExceptionReroutesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dflow_exception_reroutes_total",
			Help: "Total number of exception-driven route updates by node.",
		}, []string{"node_id"}),
		SubprocessRestartsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dflow_subprocess_terminal_events_total",
			Help: "Total number of monitored subprocess terminal events by status.",
		}, []string{"status"}),
		DynamicSchedCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "dflow_dynamic_sched_cache_hits_total",
			Help: "Total number of dynamic-sched route-label cache hits.",
		}),
		DynamicSchedCacheEvicts: f.NewCounter(prometheus.CounterOpts{
			Name: "dflow_dynamic_sched_cache_evictions_total",
			Help: "Total number of dynamic-sched route-label cache evictions.",
		}),
		FetchAlignExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "dflow_fetch_align_expired_total",
			Help: "Total number of Fetch alignment entries evicted before every index arrived.",
		}),
		DataFlowExceptionExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "dflow_data_flow_exception_expired_total",
			Help: "Total number of queued model-IO data-flow exceptions evicted before being drained.",
		}),
	}
}
