package kernel

import (
	"context"
	"sync"

	"github.com/apexsystems/apex-payroll-kernel/internal/audit"
	"github.com/apexsystems/apex-payroll-kernel/internal/hooks"
)

type contextKey string

const auditTrailKey contextKey = "audit_trail"

// auditTrail accumulates one request's hook outcomes, ledger transaction
// ids, and resolved agent id as handlers deep in dispatchMethod discover
// them, so handleRequest can assemble a complete audit.Record after
// dispatch returns without threading those values back up through every
// return path (spec.md §4.8).
type auditTrail struct {
	mu      sync.Mutex
	agentID string
	hooks   []audit.HookOutcome
	txIDs   []string
}

// withAuditTrail attaches a fresh accumulator to ctx, mirroring
// internal/logging's WithTraceID/WithRequestID pattern.
func withAuditTrail(ctx context.Context) (context.Context, *auditTrail) {
	t := &auditTrail{}
	return context.WithValue(ctx, auditTrailKey, t), t
}

// auditTrailFrom recovers the accumulator attached by withAuditTrail, or
// a throwaway one if none was attached (e.g. in tests that call a
// handler directly without going through handleRequest).
func auditTrailFrom(ctx context.Context) *auditTrail {
	if t, ok := ctx.Value(auditTrailKey).(*auditTrail); ok {
		return t
	}
	return &auditTrail{}
}

// setAgentID records the resolved agent id once a handler has one
// (tools/call and prompts/get both parse it from their params).
func (t *auditTrail) setAgentID(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if agentID != "" {
		t.agentID = agentID
	}
}

// recordHooks appends a pipeline run's per-hook outcomes, converting
// from hooks.HookOutcome to audit.HookOutcome's wire shape.
func (t *auditTrail) recordHooks(trail []hooks.HookOutcome) {
	if len(trail) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range trail {
		t.hooks = append(t.hooks, audit.HookOutcome{
			HookID:    h.HookID,
			Phase:     string(h.Phase),
			Kind:      h.Kind,
			Reason:    h.Reason,
			LatencyMs: h.LatencyMs,
		})
	}
}

// recordTxIDs appends ledger transaction ids a handler committed.
func (t *auditTrail) recordTxIDs(ids []string) {
	if len(ids) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txIDs = append(t.txIDs, ids...)
}

// snapshot returns the accumulated state for building the audit.Record.
func (t *auditTrail) snapshot() (agentID string, hookOutcomes []audit.HookOutcome, txIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.agentID, t.hooks, t.txIDs
}
