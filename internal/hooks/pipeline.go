package hooks

import (
	"context"
	"sort"
	"time"

	"github.com/apexsystems/apex-payroll-kernel/internal/logging"
	"github.com/apexsystems/apex-payroll-kernel/internal/metrics"
)

// Pipeline resolves and executes hooks for a phase in deterministic
// (priority, id) order (spec.md §4.3).
type Pipeline struct {
	hooks []Hook
}

// New builds a pipeline from an unordered set of hooks, pre-sorting them
// once so Run never re-sorts on the hot path.
func New(hs []Hook) *Pipeline {
	sorted := make([]Hook, len(hs))
	copy(sorted, hs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority() != sorted[j].Priority() {
			return sorted[i].Priority() < sorted[j].Priority()
		}
		return sorted[i].ID() < sorted[j].ID()
	})
	return &Pipeline{hooks: sorted}
}

// Run executes every hook registered for phase whose pattern matches
// req.Method, in priority order, stopping at the first Halt.
func (p *Pipeline) Run(ctx context.Context, phase Phase, req *Request) Outcome {
	metrics.PipelineDepth.Inc()
	defer metrics.PipelineDepth.Dec()

	for _, h := range p.hooks {
		if h.Phase() != phase || !h.Matches(req.Method) {
			continue
		}

		start := time.Now()
		outcome, err := h.Execute(ctx, req)
		latency := time.Since(start)
		metrics.HookLatency.WithLabelValues(string(phase), h.ID()).Observe(latency.Seconds())

		if err != nil {
			logging.L(ctx).Error("hook execution error", "hook_id", h.ID(), "phase", phase, "err", err)
			errOutcome := HaltOutcome(HaltProtocol, "hook_execution_error:"+h.ID(), err)
			req.Trail = append(req.Trail, HookOutcome{
				HookID: h.ID(), Phase: phase, Kind: errOutcome.Kind.String(),
				Reason: errOutcome.Reason, LatencyMs: latency.Milliseconds(),
			})
			return errOutcome
		}

		req.Trail = append(req.Trail, HookOutcome{
			HookID: h.ID(), Phase: phase, Kind: outcome.Kind.String(),
			Reason: outcome.Reason, LatencyMs: latency.Milliseconds(),
		})

		switch outcome.Kind {
		case Continue:
			continue
		case Halt:
			metrics.HookHaltsTotal.WithLabelValues(h.ID(), string(outcome.HaltKind)).Inc()
			logging.L(ctx).Warn("hook halted pipeline",
				"hook_id", h.ID(), "phase", phase, "kind", outcome.HaltKind, "reason", outcome.Reason)
			return outcome
		case AsyncWait:
			return outcome
		}
	}
	return ContinueOutcome()
}

// Hooks returns the pipeline's sorted hook set, for introspection/tests.
func (p *Pipeline) Hooks() []Hook {
	return p.hooks
}
