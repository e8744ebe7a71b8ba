package hooks

import (
	"context"
	"fmt"
)

// VectorStore is the narrow interface to the external semantic-memory
// collaborator the PRE_PROMPT phase consults for top-K similar artefacts
// (spec.md §4.3 PRE_PROMPT phase).
type VectorStore interface {
	TopK(ctx context.Context, query string, k int) ([]string, error)
}

// FiscalInjectionHook appends the agent's current fiscal state (balance,
// streak, debt ceiling, and a warning while in PIP) to the prompt
// (spec.md §4.3 PRE_PROMPT phase). No penalty schedule is included.
type FiscalInjectionHook struct {
	base
	ledger Ledger
}

func NewFiscalInjectionHook(id string, priority int, pattern string, ledger Ledger) *FiscalInjectionHook {
	return &FiscalInjectionHook{
		base:   base{id: id, priority: priority, phase: PrePrompt, pattern: pattern},
		ledger: ledger,
	}
}

func (h *FiscalInjectionHook) Execute(ctx context.Context, req *Request) (Outcome, error) {
	agent, err := h.ledger.Snapshot(ctx, req.AgentID)
	if err != nil {
		return HaltOutcome(HaltProtocol, "agent_lookup_failed", err), nil
	}
	footer := fmt.Sprintf("\n---\nFiscal state: balance=%s APX, streak=%d, debt_ceiling=%s APX.",
		agent.Balance, agent.Streak, agent.DebtCeiling)
	if agent.InPIP {
		footer += " WARNING: account is in a Performance Improvement Plan; earnings are garnished."
	}
	req.Prompt += footer
	return ContinueOutcome(), nil
}

// MemoryRetrievalHook fetches top-K similar artefacts from the external
// vector store and attaches them to Request.Extra (spec.md §4.3
// PRE_PROMPT phase).
type MemoryRetrievalHook struct {
	base
	store VectorStore
	k     int
}

func NewMemoryRetrievalHook(id string, priority int, pattern string, store VectorStore, k int) *MemoryRetrievalHook {
	return &MemoryRetrievalHook{
		base:  base{id: id, priority: priority, phase: PrePrompt, pattern: pattern},
		store: store,
		k:     k,
	}
}

func (h *MemoryRetrievalHook) Execute(ctx context.Context, req *Request) (Outcome, error) {
	hits, err := h.store.TopK(ctx, req.Prompt, h.k)
	if err != nil {
		// Memory retrieval is an enrichment, not a gate: a failed lookup
		// degrades gracefully rather than halting the request.
		return ContinueOutcome(), nil
	}
	if req.Extra == nil {
		req.Extra = map[string]any{}
	}
	req.Extra["retrieved_memory"] = hits
	return ContinueOutcome(), nil
}
