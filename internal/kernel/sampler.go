package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/apexsystems/apex-payroll-kernel/internal/metrics"
)

// Kernel implements telemetry.Sampler by reading the same Prometheus
// collectors the rest of the kernel already populates, rather than
// keeping a second, parallel set of latency accumulators.

// PipelineDepth reports the number of requests currently registered (in
// flight) in the request registry.
func (k *Kernel) PipelineDepth() int {
	return k.requests.Len()
}

// AvgHookLatencyMs reports the mean hook execution latency across every
// phase and hook, in milliseconds.
func (k *Kernel) AvgHookLatencyMs() float64 {
	return avgCollectorMs(metrics.HookLatency)
}

// LedgerFsyncLatencyMs reports the mean WAL append+fsync latency.
func (k *Kernel) LedgerFsyncLatencyMs() float64 {
	return avgCollectorMs(metrics.LedgerFsyncLatency)
}

// CitadelProofLatencyMs reports the mean Citadel Prove() latency.
func (k *Kernel) CitadelProofLatencyMs() float64 {
	return avgCollectorMs(metrics.CitadelProofLatency)
}

// EconomicFlowWindow returns credited/debited APX since the last call,
// resetting the accumulator.
func (k *Kernel) EconomicFlowWindow() (credited, debited string) {
	c, d := k.flow.drain()
	return c.String(), d.String()
}

// avgCollectorMs sums every series a histogram collector exposes (a
// bare Histogram has one; a HistogramVec has one per label set) into a
// single mean latency in milliseconds. client_golang exposes no direct
// "current mean" accessor, so this reads the same wire encoding
// /metrics itself would serialize.
func avgCollectorMs(c prometheus.Collector) float64 {
	ch := make(chan prometheus.Metric, 64)
	go func() { c.Collect(ch); close(ch) }()

	var sum float64
	var count uint64
	for pm := range ch {
		var m dto.Metric
		if err := pm.Write(&m); err != nil || m.GetHistogram() == nil {
			continue
		}
		sum += m.GetHistogram().GetSampleSum()
		count += m.GetHistogram().GetSampleCount()
	}
	if count == 0 {
		return 0
	}
	return (sum / float64(count)) * 1000
}
