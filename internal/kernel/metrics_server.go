package kernel

import (
	"net/http"
	"time"

	"github.com/apexsystems/apex-payroll-kernel/internal/metrics"
)

// startMetricsServer starts the kernel's only TCP listener, serving
// Prometheus scrapes at /metrics (spec.md §4.8). Every other interface
// rides stdio. Shutdown stops it via k.metricsSrv.Shutdown.
func (k *Kernel) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	k.metricsSrv = &http.Server{
		Addr:              k.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := k.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			k.logger.Error("metrics server failed", "error", err)
		}
	}()
}
