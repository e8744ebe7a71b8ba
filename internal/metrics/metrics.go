// Package metrics provides Prometheus instrumentation for the Apex kernel.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RPCRequestsTotal counts RPC requests by method and outcome.
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Name:      "rpc_requests_total",
			Help:      "Total RPC requests by method and outcome (completed, failed, timed_out).",
		},
		[]string{"method", "outcome"},
	)

	// RPCRequestDuration observes end-to-end request latency by method.
	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex",
			Name:      "rpc_request_duration_seconds",
			Help:      "RPC request duration in seconds, from REGISTERED to terminal state.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// PipelineDepth tracks the number of requests currently in the hook pipeline.
	PipelineDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "apex", Name: "pipeline_depth",
		Help: "Number of requests currently executing in the hook pipeline.",
	})

	// HookLatency observes per-hook execution latency by phase and hook id.
	HookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apex",
			Name:      "hook_latency_seconds",
			Help:      "Hook execution latency in seconds by phase and hook id.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"phase", "hook_id"},
	)

	// LedgerFsyncLatency observes WAL fsync latency.
	LedgerFsyncLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "apex",
		Name:      "ledger_fsync_latency_seconds",
		Help:      "Latency of WAL append + storage-sync calls in seconds.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})

	// CitadelProofLatency observes Citadel Prove() latency.
	CitadelProofLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "apex",
		Name:      "citadel_proof_latency_seconds",
		Help:      "Latency of Citadel theorem proving in seconds.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .2, .5, 1},
	})

	// CitadelCacheHitsTotal counts proof cache hits and misses.
	CitadelCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Name:      "citadel_cache_total",
			Help:      "Citadel proof cache lookups by result (hit, miss).",
		},
		[]string{"result"},
	)

	// EconomicFlowTotal accumulates APX credited/debited, labelled by direction.
	EconomicFlowTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Name:      "economic_flow_apx_total",
			Help:      "Cumulative APX flow through the ledger by direction (credit, debit) and transaction type.",
		},
		[]string{"direction", "type"},
	)

	// TransactionsTotal counts committed ledger transactions by type.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Name:      "transactions_total",
			Help:      "Total committed ledger transactions by type.",
		},
		[]string{"type"},
	)

	// HookHaltsTotal counts security/resource halts by hook id and kind.
	HookHaltsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Name:      "hook_halts_total",
			Help:      "Total HALT outcomes by hook id and halt kind (security, resource, protocol).",
		},
		[]string{"hook_id", "kind"},
	)

	// SandboxLatency observes external sandbox collaborator round-trip
	// latency (spec.md §4.7: the core consumes results, it does not
	// implement the sandbox, but it times the call).
	SandboxLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "apex",
		Name:      "sandbox_latency_seconds",
		Help:      "Latency of external sandbox collaborator invocations in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "apex", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		RPCRequestsTotal,
		RPCRequestDuration,
		PipelineDepth,
		HookLatency,
		LedgerFsyncLatency,
		CitadelProofLatency,
		CitadelCacheHitsTotal,
		EconomicFlowTotal,
		TransactionsTotal,
		HookHaltsTotal,
		SandboxLatency,
		GoroutineCount,
	)
}

// StartRuntimeCollector periodically samples the goroutine count into a
// gauge. Call in a goroutine; exits when ctx.Done() is read from stop.
func StartRuntimeCollector(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics
// endpoint. The kernel's only TCP listener; everything else rides stdio.
func Handler() http.Handler {
	return promhttp.Handler()
}
